// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// GroupID identifies a multi-party membership object (e.g.,
// "g-7e8f90a1b2c3d4e5"). Unlike TopicID, a GroupID carries a random
// discriminator assigned by whichever participant created the group:
// two groups with identical member sets are distinct conversations.
// The group's associated topic is derived from the GroupID, so all
// members resolve the same TopicID once they learn the group.
type GroupID struct {
	id string
}

// ParseGroupID validates and wraps a raw group identifier string.
func ParseGroupID(raw string) (GroupID, error) {
	id, err := parseIdentifier(raw, "g", "group ID")
	if err != nil {
		return GroupID{}, err
	}
	return GroupID{id: id}, nil
}

// String returns the full identifier string.
func (g GroupID) String() string { return g.id }

// IsZero reports whether the GroupID is the zero value.
func (g GroupID) IsZero() bool { return g.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (g GroupID) MarshalText() ([]byte, error) {
	if g.id == "" {
		return []byte{}, nil
	}
	return []byte(g.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GroupID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*g = GroupID{}
		return nil
	}
	parsed, err := ParseGroupID(string(data))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
