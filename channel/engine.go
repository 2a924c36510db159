// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements Hearth's decentralized conversation
// model. A topic is realized by the union of channels sharing its
// TopicID, one channel per participant who has ever written to the
// conversation. Each channel has exactly one writer — its owner —
// so there is nothing to reconcile on the write path; readers merge
// all same-topic channels into a single time-ordered stream per read.
//
// Channels are discovered, not pre-provisioned: a remote
// participant's channel is created by that participant's own
// instance and replicates here through sync, never created on their
// behalf.
package channel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hearth-federation/hearth/identity"
	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
	"github.com/hearth-federation/hearth/store"
)

// ErrNotOwner reports an attempt to append into a channel whose
// owner is not locally hosted. This is a programming-contract
// violation, not a transient condition: the single-writer invariant
// is what makes the decentralized model race-free, so a foreign
// write is never retried.
var ErrNotOwner = errors.New("channel: append into a channel not owned by a local identity")

// Channel is the persisted state of one (topic, owner) append log.
// Entries holds content addresses in append order; the entry objects
// themselves are immutable and stored separately.
type Channel struct {
	Topic   ref.TopicID  `cbor:"topic"`
	Owner   ref.PersonID `cbor:"owner"`
	Entries []hash.Hash  `cbor:"entries,omitempty"`
	// Readers is the access grant set: the members allowed to read
	// this channel. The grant is part of the replicated record, not
	// a local setting, so every participant eventually learns it may
	// read every other participant's channel for a granted topic.
	Readers []ref.PersonID `cbor:"readers,omitempty"`
	// Version increments on every append and grant so replication
	// can tell fresh state from stale.
	Version uint64 `cbor:"version"`
	// Signature is the owner's person-key Ed25519 signature over the
	// canonical encoding of the channel with Signature zeroed. Only
	// the owner can produce new versions, so a valid signature proves
	// the whole record — entries linked, grants, version — was
	// asserted by the owner.
	Signature []byte `cbor:"signature,omitempty"`
}

// SigningBytes returns the canonical bytes the channel signature
// covers: the channel with its Signature field zeroed.
func (c Channel) SigningBytes() ([]byte, error) {
	unsigned := c
	unsigned.Signature = nil
	encoded, err := codec.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("encoding channel for signing: %w", err)
	}
	return encoded, nil
}

// VerifySignature checks the channel's signature against the owner's
// person public key.
func (c Channel) VerifySignature(ownerKey ed25519.PublicKey) error {
	message, err := c.SigningBytes()
	if err != nil {
		return err
	}
	if err := identity.Verify(ownerKey, message, c.Signature); err != nil {
		return fmt.Errorf("channel record signature: %w", err)
	}
	return nil
}

// HasReader reports whether person is in the channel's grant set.
func (c Channel) HasReader(person ref.PersonID) bool {
	for _, reader := range c.Readers {
		if reader == person {
			return true
		}
	}
	return false
}

func channelRecordKey(topic ref.TopicID, owner ref.PersonID) string {
	return "chan/" + topic.String() + "/" + owner.String()
}

func channelTopicPrefix(topic ref.TopicID) string {
	return "chan/" + topic.String() + "/"
}

// PersonKeys resolves the pinned signing key for a person, typically
// backed by the contact directory.
type PersonKeys interface {
	PersonKey(person ref.PersonID) (ed25519.PublicKey, bool)
}

// Engine owns decentralized write / aggregated read for topics. The
// store is the source of truth; the engine adds the single-writer
// enforcement, the idempotent create-if-absent, and the merge.
//
// Engine is safe for concurrent use. Appends and grants to local
// channels are serialized by an internal mutex; reads go straight to
// the store and are pure snapshots.
type Engine struct {
	contentStore store.ContentStore
	keys         PersonKeys
	logger       *slog.Logger

	// writeMu serializes read-modify-write cycles on locally-owned
	// channel records. Remote channels are only ever replaced whole
	// by ingest, which the store's version check already serializes.
	writeMu sync.Mutex

	ownerMu     sync.RWMutex
	localOwners map[ref.PersonID]*identity.Person
}

// NewEngine creates an engine over the given store. keys resolves the
// pinned person keys that ingested channel signatures verify against;
// a nil keys means no remote owner is trusted and IngestChannel
// rejects everything.
func NewEngine(contentStore store.ContentStore, keys PersonKeys, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		contentStore: contentStore,
		keys:         keys,
		logger:       logger,
		localOwners:  make(map[ref.PersonID]*identity.Person),
	}
}

// RegisterLocalOwner marks a person's channels as locally hosted,
// permitting appends on their behalf. The person's key signs every
// version of their channel records. The local identity is always
// registered; co-located automated participants may be added too.
func (e *Engine) RegisterLocalOwner(person *identity.Person) {
	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()
	e.localOwners[person.ID] = person
}

// IsLocalOwner reports whether a person's channels are locally
// hosted.
func (e *Engine) IsLocalOwner(person ref.PersonID) bool {
	e.ownerMu.RLock()
	defer e.ownerMu.RUnlock()
	_, local := e.localOwners[person]
	return local
}

// Append writes an entry into the author's own channel for topic,
// creating the channel on first use. Returns ErrNotOwner when the
// author's channel is not locally hosted. The stored entry's
// ChannelOwner is always the author — callers cannot write into
// another identity's log.
func (e *Engine) Append(ctx context.Context, topic ref.TopicID, author ref.PersonID, entry Entry) (hash.Hash, error) {
	if !e.IsLocalOwner(author) {
		return hash.Hash{}, fmt.Errorf("author %s: %w", author, ErrNotOwner)
	}

	entry.ChannelOwner = author
	entry.Author = author
	if err := entry.Validate(); err != nil {
		return hash.Hash{}, fmt.Errorf("invalid entry: %w", err)
	}

	address, err := store.PutObject(ctx, e.contentStore, entry)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("storing entry: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	current, err := e.loadChannel(ctx, topic, author)
	if err != nil {
		return hash.Hash{}, err
	}

	// Idempotent under redelivery: an entry already linked into the
	// log is not linked twice.
	for _, existing := range current.Entries {
		if existing == address {
			return address, nil
		}
	}

	current.Entries = append(current.Entries, address)
	current.Version++
	if err := e.saveChannel(ctx, current); err != nil {
		return hash.Hash{}, err
	}
	return address, nil
}

// EnsureChannel creates the owner's channel for topic if it does not
// exist. Concurrent creation is race-free: "created twice" is a
// no-op on the second attempt, never an error.
func (e *Engine) EnsureChannel(ctx context.Context, topic ref.TopicID, owner ref.PersonID) error {
	if !e.IsLocalOwner(owner) {
		return fmt.Errorf("owner %s: %w", owner, ErrNotOwner)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	current, err := e.loadChannel(ctx, topic, owner)
	if err != nil {
		return err
	}
	if current.Version > 0 {
		return nil // already exists
	}
	current.Version = 1
	return e.saveChannel(ctx, current)
}

// GrantGroupAccess marks the locally-owned channels for topic as
// readable by every member of group. The grant is replicated state:
// it rides the channel record through sync. Idempotent — granting an
// already-granted set changes nothing.
func (e *Engine) GrantGroupAccess(ctx context.Context, topic ref.TopicID, group Group) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.ownerMu.RLock()
	owners := make([]ref.PersonID, 0, len(e.localOwners))
	for owner := range e.localOwners {
		owners = append(owners, owner)
	}
	e.ownerMu.RUnlock()

	for _, owner := range owners {
		if !group.Contains(owner) {
			continue
		}
		current, err := e.loadChannel(ctx, topic, owner)
		if err != nil {
			return err
		}

		changed := current.Version == 0 // creation counts as a change
		for _, member := range group.Members {
			if member == owner || current.HasReader(member) {
				continue
			}
			current.Readers = append(current.Readers, member)
			changed = true
		}
		if !changed {
			continue
		}
		sort.Slice(current.Readers, func(i, j int) bool {
			return current.Readers[i].Less(current.Readers[j])
		})
		current.Version++
		if err := e.saveChannel(ctx, current); err != nil {
			return err
		}
	}
	return nil
}

// RetrieveAll returns the merged, deduplicated entry stream for a
// topic: every locally-known channel with that topic, regardless of
// owner, merged by (timestamp, author). This is a pure, restartable
// projection — it mutates nothing and can be recomputed at any time
// as new channels and entries arrive. Treat the result as a
// snapshot, not a subscription.
func (e *Engine) RetrieveAll(ctx context.Context, topic ref.TopicID) ([]Entry, error) {
	channels, err := e.Channels(ctx, topic)
	if err != nil {
		return nil, err
	}

	type orderedEntry struct {
		entry   Entry
		address hash.Hash
	}
	var merged []orderedEntry
	seen := make(map[hash.Hash]struct{})

	for _, channel := range channels {
		for _, address := range channel.Entries {
			if _, duplicate := seen[address]; duplicate {
				continue
			}
			var entry Entry
			if err := store.GetObject(ctx, e.contentStore, address, &entry); err != nil {
				return nil, fmt.Errorf("fetching entry %s from channel %s/%s: %w",
					address.Short(), topic, channel.Owner, err)
			}
			// A channel vouches only for its own owner's entries. An
			// entry claiming another owner is dropped here but stays
			// mergeable through the channel it actually belongs to.
			if entry.ChannelOwner != channel.Owner {
				e.logger.Warn("channel links an entry it does not own",
					"topic", topic,
					"channel_owner", channel.Owner,
					"entry_owner", entry.ChannelOwner,
					"entry", address.Short())
				continue
			}
			seen[address] = struct{}{}
			merged = append(merged, orderedEntry{entry: entry, address: address})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].entry.Before(merged[j].entry, merged[i].address, merged[j].address)
	})

	entries := make([]Entry, len(merged))
	for i, ordered := range merged {
		entries[i] = ordered.entry
	}
	return entries, nil
}

// Channels returns every locally-known channel for a topic.
func (e *Engine) Channels(ctx context.Context, topic ref.TopicID) ([]Channel, error) {
	records, err := e.contentStore.Records(ctx, channelTopicPrefix(topic))
	if err != nil {
		return nil, fmt.Errorf("enumerating channels for topic %s: %w", topic, err)
	}
	channels := make([]Channel, 0, len(records))
	for _, record := range records {
		var channel Channel
		if err := codec.Unmarshal(record.Data, &channel); err != nil {
			return nil, fmt.Errorf("parsing channel record %s: %w", record.Key, err)
		}
		channels = append(channels, channel)
	}
	return channels, nil
}

// Channel returns the (topic, owner) channel, or store.ErrNotFound.
func (e *Engine) Channel(ctx context.Context, topic ref.TopicID, owner ref.PersonID) (Channel, error) {
	var channel Channel
	if _, err := store.GetRecordObject(ctx, e.contentStore, channelRecordKey(topic, owner), &channel); err != nil {
		return Channel{}, err
	}
	return channel, nil
}

// IngestChannel stores a channel record replicated from a peer. The
// single-writer invariant holds globally because only the owner's
// instance produces new versions; locally we accept whichever
// version is newest and never merge. Ingesting a channel for a
// locally-hosted owner is rejected — the local instance is the
// writer for those. The record's signature must verify against the
// owner's pinned person key: a peer can relay channels, but cannot
// fabricate one attributed to somebody else.
func (e *Engine) IngestChannel(ctx context.Context, channel Channel) error {
	if channel.Topic.IsZero() || channel.Owner.IsZero() {
		return fmt.Errorf("ingested channel missing topic or owner")
	}
	if e.IsLocalOwner(channel.Owner) {
		return fmt.Errorf("refusing to ingest channel for locally-hosted owner %s", channel.Owner)
	}
	var ownerKey ed25519.PublicKey
	known := false
	if e.keys != nil {
		ownerKey, known = e.keys.PersonKey(channel.Owner)
	}
	if !known {
		return fmt.Errorf("channel owner %s has no pinned key (not a trusted contact)", channel.Owner)
	}
	if err := channel.VerifySignature(ownerKey); err != nil {
		return fmt.Errorf("ingested channel %s/%s: %w", channel.Topic, channel.Owner, err)
	}
	key := channelRecordKey(channel.Topic, channel.Owner)
	if err := store.PutRecordObject(ctx, e.contentStore, key, channel.Version, channel); err != nil {
		return fmt.Errorf("persisting ingested channel %s: %w", key, err)
	}
	return nil
}

// loadChannel reads the (topic, owner) record, returning an empty
// version-0 channel when none exists yet. Caller holds writeMu.
func (e *Engine) loadChannel(ctx context.Context, topic ref.TopicID, owner ref.PersonID) (Channel, error) {
	var channel Channel
	_, err := store.GetRecordObject(ctx, e.contentStore, channelRecordKey(topic, owner), &channel)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Channel{Topic: topic, Owner: owner}, nil
		}
		return Channel{}, fmt.Errorf("loading channel %s/%s: %w", topic, owner, err)
	}
	return channel, nil
}

// saveChannel signs and persists a locally-owned channel record.
// Caller holds writeMu.
func (e *Engine) saveChannel(ctx context.Context, channel Channel) error {
	e.ownerMu.RLock()
	signer := e.localOwners[channel.Owner]
	e.ownerMu.RUnlock()
	if signer == nil {
		return fmt.Errorf("no local signer for channel owner %s", channel.Owner)
	}
	message, err := channel.SigningBytes()
	if err != nil {
		return err
	}
	channel.Signature = signer.Sign(message)

	key := channelRecordKey(channel.Topic, channel.Owner)
	if err := store.PutRecordObject(ctx, e.contentStore, key, channel.Version, channel); err != nil {
		return fmt.Errorf("persisting channel %s: %w", key, err)
	}
	return nil
}
