// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/hearth-federation/hearth/lib/ref"
)

// Identifier derivations. Each derivation hashes a canonical input
// string in the derive domain and keeps the first 8 bytes (16 hex
// characters) as the identifier payload. Truncation to 64 bits is
// safe here: identifiers only need to be unique within one user's
// contact graph, not globally collision-resistant, and the full-width
// person key hash still travels in every signed Endpoint.

// DerivePersonID derives the stable PersonID for a credential (an
// email address or similar unique string). The credential is
// normalized (trimmed, lowercased) so cosmetic variations resolve to
// the same identity.
func DerivePersonID(credential string) ref.PersonID {
	normalized := strings.ToLower(strings.TrimSpace(credential))
	return mustPerson(derivePayload("person:" + normalized))
}

// DeriveDirectTopicID derives the TopicID for a direct conversation
// between the given participants. The participant set is sorted into
// canonical order first, so both sides derive the same topic no
// matter who initiates.
func DeriveDirectTopicID(participants []ref.PersonID) ref.TopicID {
	sorted := make([]string, len(participants))
	for i, participant := range participants {
		sorted[i] = participant.String()
	}
	sort.Strings(sorted)
	return mustTopic(derivePayload("topic:direct:" + strings.Join(sorted, ",")))
}

// DeriveGroupTopicID derives the TopicID associated with a group. All
// members resolve the same topic once they learn the GroupID.
func DeriveGroupTopicID(group ref.GroupID) ref.TopicID {
	return mustTopic(derivePayload("topic:group:" + group.String()))
}

// DeriveGroupID derives a GroupID from its creator and a random
// discriminator chosen at creation time. The discriminator is what
// distinguishes two groups with identical member sets.
func DeriveGroupID(creator ref.PersonID, discriminator []byte) ref.GroupID {
	return mustGroup(derivePayload("group:" + creator.String() + ":" + hex.EncodeToString(discriminator)))
}

// DeriveInstanceID derives an InstanceID from an instance's public
// signing key. One key pair, one instance identity.
func DeriveInstanceID(publicKey []byte) ref.InstanceID {
	return mustInstance(derivePayload("instance:" + hex.EncodeToString(publicKey)))
}

// derivePayload hashes the canonical input in the derive domain and
// returns the 16-hex-character identifier payload.
func derivePayload(canonical string) string {
	digest := keyedHash(deriveDomainKey, []byte(canonical))
	return hex.EncodeToString(digest[:8])
}

// The must* helpers construct ref types from freshly-derived payloads.
// A parse failure here means derivePayload produced malformed output,
// which is a bug, not a runtime condition.

func mustPerson(payload string) ref.PersonID {
	id, err := ref.ParsePersonID("p-" + payload)
	if err != nil {
		panic("hash: derived person ID failed validation: " + err.Error())
	}
	return id
}

func mustInstance(payload string) ref.InstanceID {
	id, err := ref.ParseInstanceID("i-" + payload)
	if err != nil {
		panic("hash: derived instance ID failed validation: " + err.Error())
	}
	return id
}

func mustTopic(payload string) ref.TopicID {
	id, err := ref.ParseTopicID("t-" + payload)
	if err != nil {
		panic("hash: derived topic ID failed validation: " + err.Error())
	}
	return id
}

func mustGroup(payload string) ref.GroupID {
	id, err := ref.ParseGroupID("g-" + payload)
	if err != nil {
		panic("hash: derived group ID failed validation: " + err.Error())
	}
	return id
}
