// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// TopicID identifies one logical conversation (e.g.,
// "t-0a1b2c3d4e5f6071"). A topic is realized by the union of all
// channels sharing the TopicID, one channel per participant who has
// ever written to the conversation.
//
// TopicIDs are derived deterministically from conversation semantics
// (the sorted participant set for direct conversations, the GroupID
// for group conversations — see lib/hash), never from creation time.
// Two instances that independently start "the same" conversation
// therefore collide into one topic instead of fragmenting.
type TopicID struct {
	id string
}

// ParseTopicID validates and wraps a raw topic identifier string.
func ParseTopicID(raw string) (TopicID, error) {
	id, err := parseIdentifier(raw, "t", "topic ID")
	if err != nil {
		return TopicID{}, err
	}
	return TopicID{id: id}, nil
}

// String returns the full identifier string.
func (t TopicID) String() string { return t.id }

// IsZero reports whether the TopicID is the zero value.
func (t TopicID) IsZero() bool { return t.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (t TopicID) MarshalText() ([]byte, error) {
	if t.id == "" {
		return []byte{}, nil
	}
	return []byte(t.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TopicID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = TopicID{}
		return nil
	}
	parsed, err := ParseTopicID(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
