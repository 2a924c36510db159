// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/hearth-federation/hearth/identity"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
	"github.com/hearth-federation/hearth/store"
)

// keyDirectory is a static PersonKeys for tests.
type keyDirectory map[ref.PersonID]ed25519.PublicKey

func (k keyDirectory) PersonKey(person ref.PersonID) (ed25519.PublicKey, bool) {
	key, exists := k[person]
	return key, exists
}

func newTestEngine(t *testing.T, keys PersonKeys) (*Engine, *store.MemoryStore) {
	t.Helper()
	memoryStore := store.NewMemoryStore()
	return NewEngine(memoryStore, keys, nil), memoryStore
}

func testPerson(t *testing.T, credential string) *identity.Person {
	t.Helper()
	person, err := identity.NewPerson(credential)
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}
	return person
}

// signChannel signs a channel record the way its owner's engine would.
func signChannel(t *testing.T, owner *identity.Person, channel Channel) Channel {
	t.Helper()
	message, err := channel.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes error: %v", err)
	}
	channel.Signature = owner.Sign(message)
	return channel
}

func TestAppendRequiresLocalOwner(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	engine.RegisterLocalOwner(alice)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, bob.ID})
	ctx := context.Background()

	entry := Entry{Timestamp: 1700000000000, Text: "hello"}
	if _, err := engine.Append(ctx, topic, alice.ID, entry); err != nil {
		t.Fatalf("Append as local owner error: %v", err)
	}

	// Bob's channel is not hosted here: every append on his behalf
	// must fail, not silently create a foreign channel.
	if _, err := engine.Append(ctx, topic, bob.ID, entry); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Append as non-local owner returned %v, want ErrNotOwner", err)
	}
	channels, err := engine.Channels(ctx, topic)
	if err != nil {
		t.Fatalf("Channels error: %v", err)
	}
	if len(channels) != 1 {
		t.Errorf("topic has %d channels, want 1 (rejected append must not create one)", len(channels))
	}
}

func TestAppendCreatesChannelOnFirstUse(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	engine.RegisterLocalOwner(alice)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, bob.ID})
	ctx := context.Background()

	if _, err := engine.Channel(ctx, topic, alice.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Channel before first append returned %v, want ErrNotFound", err)
	}
	if _, err := engine.Append(ctx, topic, alice.ID, Entry{Timestamp: 1, Text: "first"}); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	channel, err := engine.Channel(ctx, topic, alice.ID)
	if err != nil {
		t.Fatalf("Channel after append error: %v", err)
	}
	if len(channel.Entries) != 1 {
		t.Errorf("channel has %d entries, want 1", len(channel.Entries))
	}
	if err := channel.VerifySignature(alice.PublicKey); err != nil {
		t.Errorf("stored channel record does not carry the owner's signature: %v", err)
	}
}

func TestMergeOrderAcrossChannels(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	alice := testPerson(t, "a@example.com")
	bob := testPerson(t, "b@example.com")
	// The tie-break must be by PersonID, so pin which one sorts first.
	first, second := alice, bob
	if bob.ID.Less(alice.ID) {
		first, second = bob, alice
	}
	engine.RegisterLocalOwner(first)
	engine.RegisterLocalOwner(second)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, bob.ID})
	ctx := context.Background()

	// Appended out of order on purpose: second's t=10 entry lands
	// before first's, and the earliest entry lands last.
	appends := []struct {
		author ref.PersonID
		ts     int64
		text   string
	}{
		{second.ID, 10, "tie, later author"},
		{first.ID, 10, "tie, earlier author"},
		{second.ID, 5, "earliest"},
	}
	for _, a := range appends {
		if _, err := engine.Append(ctx, topic, a.author, Entry{Timestamp: a.ts, Text: a.text}); err != nil {
			t.Fatalf("Append(%q) error: %v", a.text, err)
		}
	}

	entries, err := engine.RetrieveAll(ctx, topic)
	if err != nil {
		t.Fatalf("RetrieveAll error: %v", err)
	}
	want := []string{"earliest", "tie, earlier author", "tie, later author"}
	if len(entries) != len(want) {
		t.Fatalf("RetrieveAll returned %d entries, want %d", len(entries), len(want))
	}
	for i, text := range want {
		if entries[i].Text != text {
			t.Errorf("entries[%d].Text = %q, want %q", i, entries[i].Text, text)
		}
	}
}

func TestRetrieveAllIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	engine.RegisterLocalOwner(alice)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, bob.ID})
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		if _, err := engine.Append(ctx, topic, alice.ID, Entry{Timestamp: int64(i + 1), Text: text}); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	firstRead, err := engine.RetrieveAll(ctx, topic)
	if err != nil {
		t.Fatalf("RetrieveAll error: %v", err)
	}
	secondRead, err := engine.RetrieveAll(ctx, topic)
	if err != nil {
		t.Fatalf("second RetrieveAll error: %v", err)
	}
	if len(firstRead) != 3 || len(secondRead) != 3 {
		t.Fatalf("reads returned %d and %d entries, want 3 and 3", len(firstRead), len(secondRead))
	}
	for i := range firstRead {
		if !reflect.DeepEqual(firstRead[i], secondRead[i]) {
			t.Errorf("entry %d differs between reads", i)
		}
	}
}

func TestAppendDuplicateEntryLinksOnce(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	engine.RegisterLocalOwner(alice)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, bob.ID})
	ctx := context.Background()

	entry := Entry{Timestamp: 42, Text: "redelivered"}
	firstAddress, err := engine.Append(ctx, topic, alice.ID, entry)
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	secondAddress, err := engine.Append(ctx, topic, alice.ID, entry)
	if err != nil {
		t.Fatalf("repeat Append error: %v", err)
	}
	if firstAddress != secondAddress {
		t.Errorf("identical entries got different addresses: %s vs %s", firstAddress, secondAddress)
	}
	channel, err := engine.Channel(ctx, topic, alice.ID)
	if err != nil {
		t.Fatalf("Channel error: %v", err)
	}
	if len(channel.Entries) != 1 {
		t.Errorf("channel has %d entries after redelivery, want 1", len(channel.Entries))
	}
}

func TestEnsureChannelConcurrentCreation(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	engine.RegisterLocalOwner(alice)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, bob.ID})
	ctx := context.Background()

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.EnsureChannel(ctx, topic, alice.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("EnsureChannel error: %v", err)
		}
	}

	channel, err := engine.Channel(ctx, topic, alice.ID)
	if err != nil {
		t.Fatalf("Channel error: %v", err)
	}
	if channel.Version != 1 {
		t.Errorf("channel version = %d after concurrent creation, want 1", channel.Version)
	}
}

func TestGrantGroupAccessReplicatesInRecord(t *testing.T) {
	engine, memoryStore := newTestEngine(t, nil)
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	carol := testPerson(t, "carol@example.com")
	engine.RegisterLocalOwner(alice)
	ctx := context.Background()

	group, err := CreateGroup(ctx, memoryStore, alice.ID, []ref.PersonID{bob.ID, carol.ID})
	if err != nil {
		t.Fatalf("CreateGroup error: %v", err)
	}
	topic := group.Topic()

	if err := engine.GrantGroupAccess(ctx, topic, group); err != nil {
		t.Fatalf("GrantGroupAccess error: %v", err)
	}
	channel, err := engine.Channel(ctx, topic, alice.ID)
	if err != nil {
		t.Fatalf("Channel error: %v", err)
	}
	for _, member := range []ref.PersonID{bob.ID, carol.ID} {
		if !channel.HasReader(member) {
			t.Errorf("grant for %s missing from channel record", member)
		}
	}
	if channel.HasReader(alice.ID) {
		t.Error("owner listed in their own reader set")
	}
	if err := channel.VerifySignature(alice.PublicKey); err != nil {
		t.Errorf("granted channel record does not carry the owner's signature: %v", err)
	}

	// Granting again is a no-op: the version must not move.
	before := channel.Version
	if err := engine.GrantGroupAccess(ctx, topic, group); err != nil {
		t.Fatalf("repeat GrantGroupAccess error: %v", err)
	}
	channel, err = engine.Channel(ctx, topic, alice.ID)
	if err != nil {
		t.Fatalf("Channel error: %v", err)
	}
	if channel.Version != before {
		t.Errorf("version moved from %d to %d on an idempotent grant", before, channel.Version)
	}
}

func TestIngestChannel(t *testing.T) {
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	engine, _ := newTestEngine(t, keyDirectory{bob.ID: bob.PublicKey})
	engine.RegisterLocalOwner(alice)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, bob.ID})
	ctx := context.Background()

	remoteEntry := Entry{ChannelOwner: bob.ID, Author: bob.ID, Timestamp: 7, Text: "from bob"}
	address, err := store.PutObject(ctx, engine.contentStore, remoteEntry)
	if err != nil {
		t.Fatalf("PutObject error: %v", err)
	}
	remoteChannel := signChannel(t, bob, Channel{Topic: topic, Owner: bob.ID, Entries: []hash.Hash{address}, Version: 2})
	if err := engine.IngestChannel(ctx, remoteChannel); err != nil {
		t.Fatalf("IngestChannel error: %v", err)
	}

	// A stale replica arriving later must not roll the channel back.
	stale := signChannel(t, bob, Channel{Topic: topic, Owner: bob.ID, Version: 1})
	if err := engine.IngestChannel(ctx, stale); err != nil {
		t.Fatalf("IngestChannel(stale) error: %v", err)
	}
	channel, err := engine.Channel(ctx, topic, bob.ID)
	if err != nil {
		t.Fatalf("Channel error: %v", err)
	}
	if channel.Version != 2 || len(channel.Entries) != 1 {
		t.Errorf("stale ingest overwrote channel: version=%d entries=%d", channel.Version, len(channel.Entries))
	}

	// The local identity's channels are written locally, never ingested.
	if err := engine.IngestChannel(ctx, Channel{Topic: topic, Owner: alice.ID, Version: 9}); err == nil {
		t.Error("IngestChannel accepted a record for a locally-hosted owner")
	}

	entries, err := engine.RetrieveAll(ctx, topic)
	if err != nil {
		t.Fatalf("RetrieveAll error: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "from bob" {
		t.Errorf("merged read missed the ingested entry: %+v", entries)
	}
}

func TestIngestChannelRejectsForgery(t *testing.T) {
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	carol := testPerson(t, "carol@example.com")
	// Bob and carol are trusted contacts; bob is the connected peer.
	engine, _ := newTestEngine(t, keyDirectory{bob.ID: bob.PublicKey, carol.ID: carol.PublicKey})
	engine.RegisterLocalOwner(alice)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, carol.ID})
	ctx := context.Background()

	forgedEntry := Entry{ChannelOwner: carol.ID, Author: carol.ID, Timestamp: 9, Text: "never said this"}
	address, err := store.PutObject(ctx, engine.contentStore, forgedEntry)
	if err != nil {
		t.Fatalf("PutObject error: %v", err)
	}
	forged := Channel{Topic: topic, Owner: carol.ID, Entries: []hash.Hash{address}, Version: 1}

	// Unsigned: a channel attributed to carol with no signature at all.
	if err := engine.IngestChannel(ctx, forged); err == nil {
		t.Error("IngestChannel accepted an unsigned channel record")
	}

	// Signed by the wrong key: bob vouching for carol's channel.
	if err := engine.IngestChannel(ctx, signChannel(t, bob, forged)); err == nil {
		t.Error("IngestChannel accepted a channel signed by a different person")
	}

	// Owner with no pinned key at all.
	mallory := testPerson(t, "mallory@example.com")
	unknownOwner := signChannel(t, mallory, Channel{Topic: topic, Owner: mallory.ID, Version: 1})
	if err := engine.IngestChannel(ctx, unknownOwner); err == nil {
		t.Error("IngestChannel accepted a channel from an owner with no pinned key")
	}

	// None of the forgeries may surface in the merged read.
	entries, err := engine.RetrieveAll(ctx, topic)
	if err != nil {
		t.Fatalf("RetrieveAll error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("merged read contains %d forged entries, want 0: %+v", len(entries), entries)
	}

	// The genuine record, signed by its owner, still ingests.
	if err := engine.IngestChannel(ctx, signChannel(t, carol, forged)); err != nil {
		t.Errorf("IngestChannel rejected a correctly signed channel: %v", err)
	}
}

func TestRetrieveAllSkipsEntriesClaimingAnotherOwner(t *testing.T) {
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	carol := testPerson(t, "carol@example.com")
	engine, _ := newTestEngine(t, keyDirectory{bob.ID: bob.PublicKey})
	engine.RegisterLocalOwner(alice)
	topic := hash.DeriveDirectTopicID([]ref.PersonID{alice.ID, bob.ID})
	ctx := context.Background()

	// Bob's validly signed channel links an entry that claims to live
	// in carol's channel. The record is authentic; the entry is not
	// bob's to assert.
	misowned := Entry{ChannelOwner: carol.ID, Author: carol.ID, Timestamp: 3, Text: "planted"}
	plantedAddress, err := store.PutObject(ctx, engine.contentStore, misowned)
	if err != nil {
		t.Fatalf("PutObject error: %v", err)
	}
	owned := Entry{ChannelOwner: bob.ID, Author: bob.ID, Timestamp: 4, Text: "genuine"}
	ownedAddress, err := store.PutObject(ctx, engine.contentStore, owned)
	if err != nil {
		t.Fatalf("PutObject error: %v", err)
	}
	remote := signChannel(t, bob, Channel{
		Topic:   topic,
		Owner:   bob.ID,
		Entries: []hash.Hash{plantedAddress, ownedAddress},
		Version: 2,
	})
	if err := engine.IngestChannel(ctx, remote); err != nil {
		t.Fatalf("IngestChannel error: %v", err)
	}

	entries, err := engine.RetrieveAll(ctx, topic)
	if err != nil {
		t.Fatalf("RetrieveAll error: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "genuine" {
		t.Errorf("merged read = %+v, want only the channel owner's own entry", entries)
	}
}
