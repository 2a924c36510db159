// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// InstanceID identifies one running Hearth process (e.g.,
// "i-9c0d1e2f3a4b5c6d"). A person owns zero or more instances; each
// instance has its own key pair used to authenticate transport
// sessions, while the person key signs durable data objects.
//
// InstanceID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type InstanceID struct {
	id string
}

// ParseInstanceID validates and wraps a raw instance identifier string.
func ParseInstanceID(raw string) (InstanceID, error) {
	id, err := parseIdentifier(raw, "i", "instance ID")
	if err != nil {
		return InstanceID{}, err
	}
	return InstanceID{id: id}, nil
}

// String returns the full identifier string.
func (i InstanceID) String() string { return i.id }

// IsZero reports whether the InstanceID is the zero value.
func (i InstanceID) IsZero() bool { return i.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (i InstanceID) MarshalText() ([]byte, error) {
	if i.id == "" {
		return []byte{}, nil
	}
	return []byte(i.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *InstanceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = InstanceID{}
		return nil
	}
	parsed, err := ParseInstanceID(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
