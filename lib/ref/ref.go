// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// payloadLength is the number of hex characters in an identifier
// payload: 16 characters encoding the first 8 bytes of a BLAKE3
// derivation digest (see lib/hash).
const payloadLength = 16

// parseIdentifier validates a "<prefix>-<16 hex>" identifier string
// and returns it unchanged. The prefix is a single lowercase letter
// identifying the type ("p", "i", "t", "g").
func parseIdentifier(raw, prefix, kind string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty %s", kind)
	}
	expectedLength := len(prefix) + 1 + payloadLength
	if len(raw) != expectedLength {
		return "", fmt.Errorf("%s %q is %d characters, want %d", kind, raw, len(raw), expectedLength)
	}
	if raw[:len(prefix)] != prefix || raw[len(prefix)] != '-' {
		return "", fmt.Errorf("%s %q does not start with %q", kind, raw, prefix+"-")
	}
	for _, character := range raw[len(prefix)+1:] {
		if (character < '0' || character > '9') && (character < 'a' || character > 'f') {
			return "", fmt.Errorf("%s %q contains non-hex character %q", kind, raw, character)
		}
	}
	return raw, nil
}
