// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"

	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
)

// Entry is one immutable message in a channel. A message never
// embeds binary payload directly — attachments travel as blob hashes
// resolved on demand by the attachment resolver.
type Entry struct {
	// ChannelOwner is the person whose channel carries this entry.
	// Owner and author coincide for ordinary messages; they differ
	// only for locally-hosted automated participants writing into
	// their own co-located channels.
	ChannelOwner ref.PersonID `cbor:"channel_owner"`
	Author       ref.PersonID `cbor:"author"`
	// Timestamp is author-asserted unix milliseconds. Within one
	// channel append order is authoritative; across channels the
	// timestamp is the primary merge key.
	Timestamp   int64       `cbor:"timestamp"`
	Text        string      `cbor:"text"`
	Attachments []hash.Hash `cbor:"attachments,omitempty"`
}

// Validate checks the construction-time invariants of an entry.
func (e Entry) Validate() error {
	if e.ChannelOwner.IsZero() {
		return fmt.Errorf("entry has no channel owner")
	}
	if e.Author.IsZero() {
		return fmt.Errorf("entry has no author")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("entry timestamp %d is not positive", e.Timestamp)
	}
	for _, attachment := range e.Attachments {
		if attachment.IsZero() {
			return fmt.Errorf("entry references a zero attachment hash")
		}
	}
	return nil
}

// Address returns the entry's content address: the object-domain
// digest of its canonical encoding. Identical entries replicated to
// different stores resolve to the same address, which is what makes
// the cross-channel merge deduplicate cleanly.
func (e Entry) Address() (hash.Hash, error) {
	encoded, err := codec.Marshal(e)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("encoding entry: %w", err)
	}
	return hash.Object(encoded), nil
}

// Before reports whether e orders before other in the canonical
// cross-channel merge order: timestamp first, author as the
// deterministic tie-break, and the content address as the final
// discriminator so the order is total even for same-author
// same-millisecond entries.
func (e Entry) Before(other Entry, address, otherAddress hash.Hash) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp < other.Timestamp
	}
	if e.Author != other.Author {
		return e.Author.Less(other.Author)
	}
	return address.String() < otherAddress.String()
}
