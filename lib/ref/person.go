// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// PersonID is a validated Hearth person identifier (e.g.,
// "p-4f1a2b3c4d5e6f70"). A person is a stable, key-pair-backed
// principal distinct from any single running process; the identifier
// is derived from a unique credential digest, so the same credential
// always yields the same PersonID on independently-initialized
// instances.
//
// Contact relationships, channel ownership, and group membership are
// all keyed by PersonID, never by InstanceID.
//
// PersonID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type PersonID struct {
	id string
}

// ParsePersonID validates and wraps a raw person identifier string.
func ParsePersonID(raw string) (PersonID, error) {
	id, err := parseIdentifier(raw, "p", "person ID")
	if err != nil {
		return PersonID{}, err
	}
	return PersonID{id: id}, nil
}

// String returns the full identifier string.
func (p PersonID) String() string { return p.id }

// IsZero reports whether the PersonID is the zero value.
func (p PersonID) IsZero() bool { return p.id == "" }

// Less reports whether p orders before other in the canonical
// lexicographic order. Used as the deterministic tie-break when
// merging entries with equal timestamps and for sorting group
// member sets into canonical form.
func (p PersonID) Less(other PersonID) bool { return p.id < other.id }

// MarshalText implements encoding.TextMarshaler.
func (p PersonID) MarshalText() ([]byte, error) {
	if p.id == "" {
		return []byte{}, nil
	}
	return []byte(p.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// identifier format. An empty input produces the zero value.
func (p *PersonID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*p = PersonID{}
		return nil
	}
	parsed, err := ParsePersonID(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
