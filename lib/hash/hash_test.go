// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"testing"

	"github.com/hearth-federation/hearth/lib/ref"
)

func TestDomainSeparation(t *testing.T) {
	data := []byte("identical input bytes")
	if Object(data) == Blob(data) {
		t.Error("object and blob domains produced the same digest for identical input")
	}
}

func TestHashDeterminism(t *testing.T) {
	data := []byte("some object encoding")
	if Object(data) != Object(data) {
		t.Error("Object is not deterministic")
	}
	if Object(data) == Object([]byte("different encoding")) {
		t.Error("different inputs produced the same digest")
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := Blob([]byte("attachment bytes"))

	parsed, err := Parse(original.String())
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if parsed != original {
		t.Errorf("round trip = %v, want %v", parsed, original)
	}

	if _, err := Parse("zz"); err == nil {
		t.Error("Parse accepted non-hex input")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Error("Parse accepted a short digest")
	}
}

func TestZeroHash(t *testing.T) {
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero value IsZero() = false")
	}
	if Blob(nil).IsZero() {
		t.Error("digest of empty input reported as zero")
	}
}

func TestDerivePersonID_Normalization(t *testing.T) {
	plain := DerivePersonID("alice@example.com")
	padded := DerivePersonID("  Alice@Example.COM ")
	if plain != padded {
		t.Errorf("normalized credentials diverged: %v vs %v", plain, padded)
	}
	other := DerivePersonID("bob@example.com")
	if plain == other {
		t.Error("distinct credentials collided")
	}
}

func TestDeriveDirectTopicID_OrderIndependent(t *testing.T) {
	alice := DerivePersonID("alice@example.com")
	bob := DerivePersonID("bob@example.com")

	forward := DeriveDirectTopicID([]ref.PersonID{alice, bob})
	reverse := DeriveDirectTopicID([]ref.PersonID{bob, alice})
	if forward != reverse {
		t.Errorf("participant order changed the topic: %v vs %v", forward, reverse)
	}
}

func TestDeriveGroupID_Discriminator(t *testing.T) {
	creator := DerivePersonID("alice@example.com")

	first := DeriveGroupID(creator, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	second := DeriveGroupID(creator, []byte{8, 7, 6, 5, 4, 3, 2, 1})
	if first == second {
		t.Error("distinct discriminators produced the same group ID")
	}

	// The group topic follows the group ID deterministically.
	if DeriveGroupTopicID(first) != DeriveGroupTopicID(first) {
		t.Error("group topic derivation is not deterministic")
	}
	if DeriveGroupTopicID(first) == DeriveGroupTopicID(second) {
		t.Error("distinct groups derived the same topic")
	}
}
