// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package peersync reconciles two stores over an established peer
// session. The protocol is a symmetric lockstep exchange: summaries
// of record heads, then requests for what each side is missing, then
// the records themselves, then the immutable entry objects the new
// channel records reference. Every ingest path is idempotent (record
// versioning drops stale state, objects are content-addressed), so
// delivery is at-least-once by construction: a crashed or repeated
// session can only re-deliver, never corrupt.
package peersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hearth-federation/hearth/attachment"
	"github.com/hearth-federation/hearth/channel"
	"github.com/hearth-federation/hearth/directory"
	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
	"github.com/hearth-federation/hearth/store"
	"github.com/hearth-federation/hearth/transport"
)

const (
	// headBatchItems bounds summary, want, and entry-want list sizes
	// per frame.
	headBatchItems = 4096
	// recordBatchItems bounds how many full records ride one frame.
	recordBatchItems = 256
	// entryBatchBytes bounds the payload bytes of one entry frame.
	// Kept well under transport.MaxFrameSize so CBOR overhead and a
	// single oversized trailing item cannot push a frame past the
	// limit.
	entryBatchBytes = 4 << 20
	// maxInlineBlobBytes caps the blob descriptors pushed alongside
	// entries. A larger blob could never fit a frame with its
	// envelope; it stays local and the attachment resolver reports it
	// unsynced.
	maxInlineBlobBytes = 8 << 20
)

// Wire messages, in exchange order. Every message carries a
// continuation flag so one logical phase can span several frames; a
// phase ends at the first message without it.

type channelHead struct {
	Topic   ref.TopicID  `cbor:"topic"`
	Owner   ref.PersonID `cbor:"owner"`
	Version uint64       `cbor:"version"`
}

type groupHead struct {
	ID      ref.GroupID `cbor:"id"`
	Version uint64      `cbor:"version"`
}

type endpointHead struct {
	Person    ref.PersonID   `cbor:"person"`
	Instance  ref.InstanceID `cbor:"instance"`
	UpdatedAt int64          `cbor:"updated_at"`
}

type summaryMessage struct {
	Channels  []channelHead  `cbor:"channels,omitempty"`
	Groups    []groupHead    `cbor:"groups,omitempty"`
	Endpoints []endpointHead `cbor:"endpoints,omitempty"`
	More      bool           `cbor:"more,omitempty"`
}

func (m summaryMessage) more() bool { return m.More }

type channelKey struct {
	Topic ref.TopicID  `cbor:"topic"`
	Owner ref.PersonID `cbor:"owner"`
}

type endpointKey struct {
	Person   ref.PersonID   `cbor:"person"`
	Instance ref.InstanceID `cbor:"instance"`
}

type wantMessage struct {
	Channels  []channelKey  `cbor:"channels,omitempty"`
	Groups    []ref.GroupID `cbor:"groups,omitempty"`
	Endpoints []endpointKey `cbor:"endpoints,omitempty"`
	More      bool          `cbor:"more,omitempty"`
}

func (m wantMessage) more() bool { return m.More }

type recordMessage struct {
	Channels  []channel.Channel    `cbor:"channels,omitempty"`
	Groups    []channel.Group      `cbor:"groups,omitempty"`
	Endpoints []directory.Endpoint `cbor:"endpoints,omitempty"`
	More      bool                 `cbor:"more,omitempty"`
}

func (m recordMessage) more() bool { return m.More }

type entryWantMessage struct {
	Entries []hash.Hash `cbor:"entries,omitempty"`
	More    bool        `cbor:"more,omitempty"`
}

func (m entryWantMessage) more() bool { return m.More }

type entryMessage struct {
	// Entries holds canonical encodings; the receiver re-derives each
	// address, so a tampered object simply lands at a different
	// address and is never linked into a channel.
	Entries [][]byte `cbor:"entries,omitempty"`
	// Blobs carries attachment descriptors the sent entries
	// reference, pushed proactively so attachments usually resolve
	// without a NotFound window.
	Blobs []attachment.BlobDescriptor `cbor:"blobs,omitempty"`
	More  bool                        `cbor:"more,omitempty"`
}

func (m entryMessage) more() bool { return m.More }

// Syncer runs sync sessions against peers. One Syncer serves any
// number of sessions; each Sync call is one full reconciliation over
// one stream.
type Syncer struct {
	contentStore store.ContentStore
	engine       *channel.Engine
	directory    *directory.Directory
	logger       *slog.Logger

	// onNewGroups fires when a session ingested at least one group,
	// typically wired to the discovery loop's Trigger.
	onNewGroups func()
}

// NewSyncer assembles a syncer. onNewGroups may be nil.
func NewSyncer(contentStore store.ContentStore, engine *channel.Engine, dir *directory.Directory, logger *slog.Logger, onNewGroups func()) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		contentStore: contentStore,
		engine:       engine,
		directory:    dir,
		logger:       logger,
		onNewGroups:  onNewGroups,
	}
}

// VerifyPeer checks that an authenticated session peer is an
// instance advertised by a trusted contact. Sync sessions carry the
// whole store, so an unknown instance — however valid its keys — is
// refused.
func VerifyPeer(dir *directory.Directory, peer transport.PeerIdentity) error {
	peerKeyHash := hash.Key(peer.PublicKey)
	for _, contact := range dir.Contacts() {
		for _, endpoint := range dir.Lookup(contact.RemotePerson) {
			if endpoint.Instance == peer.Instance && endpoint.InstanceKeyHash == peerKeyHash {
				return nil
			}
		}
	}
	return fmt.Errorf("instance %s is not advertised by any trusted contact", peer.Instance)
}

// Sync runs one full reconciliation over stream. Both peers call Sync
// on their end of the same session; the protocol is symmetric.
func (s *Syncer) Sync(ctx context.Context, stream transport.Stream) error {
	localSummary, err := s.buildSummary(ctx)
	if err != nil {
		return err
	}
	summaryBatches, err := exchangeBatches(stream, splitSummary(localSummary))
	if err != nil {
		return fmt.Errorf("exchanging summaries: %w", err)
	}
	remoteSummary := mergeSummaries(summaryBatches)

	localWants, err := s.computeWants(ctx, remoteSummary)
	if err != nil {
		return err
	}
	wantBatches, err := exchangeBatches(stream, splitWants(localWants))
	if err != nil {
		return fmt.Errorf("exchanging requests: %w", err)
	}
	remoteWants := mergeWants(wantBatches)

	outgoingRecords, err := s.collectRecords(ctx, remoteWants)
	if err != nil {
		return err
	}
	recordBatches, err := exchangeBatches(stream, splitRecords(outgoingRecords))
	if err != nil {
		return fmt.Errorf("exchanging records: %w", err)
	}
	incomingRecords := mergeRecords(recordBatches)
	newGroups := s.ingestRecords(ctx, incomingRecords)

	// Channel records arrive before the entry objects they link.
	// Hold them aside until the objects are here.
	entryWants, err := s.missingEntries(ctx, incomingRecords.Channels)
	if err != nil {
		return err
	}
	entryWantBatches, err := exchangeBatches(stream, splitEntryWants(entryWants))
	if err != nil {
		return fmt.Errorf("exchanging entry requests: %w", err)
	}
	remoteEntryWants := mergeEntryWants(entryWantBatches)

	outgoingEntries, err := s.collectEntries(ctx, remoteEntryWants)
	if err != nil {
		return err
	}
	entryBatches, err := exchangeBatches(stream, splitEntries(outgoingEntries))
	if err != nil {
		return fmt.Errorf("exchanging entries: %w", err)
	}
	incomingEntries := mergeEntries(entryBatches)
	s.ingestEntries(ctx, incomingEntries)
	s.ingestChannels(ctx, incomingRecords.Channels)

	if newGroups > 0 && s.onNewGroups != nil {
		s.onNewGroups()
	}
	s.logger.Info("sync session complete",
		"channels_received", len(incomingRecords.Channels),
		"groups_received", len(incomingRecords.Groups),
		"endpoints_received", len(incomingRecords.Endpoints),
		"entries_received", len(incomingEntries.Entries))
	return nil
}

type continued interface{ more() bool }

// exchangeBatches runs one phase: it sends every outgoing batch and
// receives the peer's batches until one arrives without the
// continuation flag. The send side runs on a goroutine so lockstep
// phases cannot deadlock on synchronous streams.
func exchangeBatches[M continued](stream transport.Stream, outgoing []M) ([]M, error) {
	sendErrors := make(chan error, 1)
	go func() {
		for _, message := range outgoing {
			if err := transport.SendMessage(stream, message); err != nil {
				sendErrors <- err
				return
			}
		}
		sendErrors <- nil
	}()

	var incoming []M
	for {
		var message M
		if err := transport.ReceiveMessage(stream, &message); err != nil {
			return nil, err
		}
		incoming = append(incoming, message)
		if !message.more() {
			break
		}
	}
	return incoming, <-sendErrors
}

// markContinued flags every batch but the last. Phases always send at
// least one frame so the peer's receive loop terminates.
func markContinued[M any](batches []M, setMore func(*M)) []M {
	if len(batches) == 0 {
		batches = make([]M, 1)
	}
	for i := range batches[:len(batches)-1] {
		setMore(&batches[i])
	}
	return batches
}

// chunk splits a slice into runs of at most size items.
func chunk[T any](items []T, size int) [][]T {
	var runs [][]T
	for start := 0; start < len(items); start += size {
		runs = append(runs, items[start:min(start+size, len(items))])
	}
	return runs
}

func splitSummary(summary summaryMessage) []summaryMessage {
	var batches []summaryMessage
	for _, run := range chunk(summary.Channels, headBatchItems) {
		batches = append(batches, summaryMessage{Channels: run})
	}
	for _, run := range chunk(summary.Groups, headBatchItems) {
		batches = append(batches, summaryMessage{Groups: run})
	}
	for _, run := range chunk(summary.Endpoints, headBatchItems) {
		batches = append(batches, summaryMessage{Endpoints: run})
	}
	return markContinued(batches, func(m *summaryMessage) { m.More = true })
}

func mergeSummaries(batches []summaryMessage) summaryMessage {
	var merged summaryMessage
	for _, batch := range batches {
		merged.Channels = append(merged.Channels, batch.Channels...)
		merged.Groups = append(merged.Groups, batch.Groups...)
		merged.Endpoints = append(merged.Endpoints, batch.Endpoints...)
	}
	return merged
}

func splitWants(wants wantMessage) []wantMessage {
	var batches []wantMessage
	for _, run := range chunk(wants.Channels, headBatchItems) {
		batches = append(batches, wantMessage{Channels: run})
	}
	for _, run := range chunk(wants.Groups, headBatchItems) {
		batches = append(batches, wantMessage{Groups: run})
	}
	for _, run := range chunk(wants.Endpoints, headBatchItems) {
		batches = append(batches, wantMessage{Endpoints: run})
	}
	return markContinued(batches, func(m *wantMessage) { m.More = true })
}

func mergeWants(batches []wantMessage) wantMessage {
	var merged wantMessage
	for _, batch := range batches {
		merged.Channels = append(merged.Channels, batch.Channels...)
		merged.Groups = append(merged.Groups, batch.Groups...)
		merged.Endpoints = append(merged.Endpoints, batch.Endpoints...)
	}
	return merged
}

func splitRecords(records recordMessage) []recordMessage {
	var batches []recordMessage
	for _, run := range chunk(records.Channels, recordBatchItems) {
		batches = append(batches, recordMessage{Channels: run})
	}
	for _, run := range chunk(records.Groups, recordBatchItems) {
		batches = append(batches, recordMessage{Groups: run})
	}
	for _, run := range chunk(records.Endpoints, recordBatchItems) {
		batches = append(batches, recordMessage{Endpoints: run})
	}
	return markContinued(batches, func(m *recordMessage) { m.More = true })
}

func mergeRecords(batches []recordMessage) recordMessage {
	var merged recordMessage
	for _, batch := range batches {
		merged.Channels = append(merged.Channels, batch.Channels...)
		merged.Groups = append(merged.Groups, batch.Groups...)
		merged.Endpoints = append(merged.Endpoints, batch.Endpoints...)
	}
	return merged
}

func splitEntryWants(wants entryWantMessage) []entryWantMessage {
	var batches []entryWantMessage
	for _, run := range chunk(wants.Entries, headBatchItems) {
		batches = append(batches, entryWantMessage{Entries: run})
	}
	return markContinued(batches, func(m *entryWantMessage) { m.More = true })
}

func mergeEntryWants(batches []entryWantMessage) entryWantMessage {
	var merged entryWantMessage
	for _, batch := range batches {
		merged.Entries = append(merged.Entries, batch.Entries...)
	}
	return merged
}

// splitEntries batches by payload bytes: entry encodings and blob
// data dominate frame size, so the cut point tracks them rather than
// item counts.
func splitEntries(message entryMessage) []entryMessage {
	var batches []entryMessage
	var current entryMessage
	currentBytes := 0
	flush := func() {
		batches = append(batches, current)
		current = entryMessage{}
		currentBytes = 0
	}
	for _, encoded := range message.Entries {
		if currentBytes > 0 && currentBytes+len(encoded) > entryBatchBytes {
			flush()
		}
		current.Entries = append(current.Entries, encoded)
		currentBytes += len(encoded)
	}
	for _, blob := range message.Blobs {
		if currentBytes > 0 && currentBytes+len(blob.Data) > entryBatchBytes {
			flush()
		}
		current.Blobs = append(current.Blobs, blob)
		currentBytes += len(blob.Data)
	}
	if len(current.Entries) > 0 || len(current.Blobs) > 0 {
		flush()
	}
	return markContinued(batches, func(m *entryMessage) { m.More = true })
}

func mergeEntries(batches []entryMessage) entryMessage {
	var merged entryMessage
	for _, batch := range batches {
		merged.Entries = append(merged.Entries, batch.Entries...)
		merged.Blobs = append(merged.Blobs, batch.Blobs...)
	}
	return merged
}

func (s *Syncer) buildSummary(ctx context.Context) (summaryMessage, error) {
	var summary summaryMessage

	channelRecords, err := s.contentStore.Records(ctx, "chan/")
	if err != nil {
		return summaryMessage{}, fmt.Errorf("enumerating channels: %w", err)
	}
	for _, record := range channelRecords {
		var ch channel.Channel
		if err := codec.Unmarshal(record.Data, &ch); err != nil {
			return summaryMessage{}, fmt.Errorf("parsing channel record %s: %w", record.Key, err)
		}
		summary.Channels = append(summary.Channels, channelHead{
			Topic: ch.Topic, Owner: ch.Owner, Version: ch.Version,
		})
	}

	groups, err := channel.Groups(ctx, s.contentStore)
	if err != nil {
		return summaryMessage{}, err
	}
	for _, group := range groups {
		summary.Groups = append(summary.Groups, groupHead{ID: group.ID, Version: group.Version})
	}

	for _, endpoint := range s.directory.Endpoints() {
		summary.Endpoints = append(summary.Endpoints, endpointHead{
			Person: endpoint.Person, Instance: endpoint.Instance, UpdatedAt: endpoint.UpdatedAt,
		})
	}
	return summary, nil
}

// computeWants diffs the remote summary against local state: anything
// the remote has at a newer version than ours goes on the list.
func (s *Syncer) computeWants(ctx context.Context, remote summaryMessage) (wantMessage, error) {
	var wants wantMessage

	for _, head := range remote.Channels {
		// Locally-hosted channels are written here; never ingested.
		if s.engine.IsLocalOwner(head.Owner) {
			continue
		}
		// Channel records verify against the owner's pinned contact
		// key at ingest, so requesting one from a non-contact owner
		// would only fetch bytes we are going to reject.
		if _, trusted := s.directory.Contact(head.Owner); !trusted {
			continue
		}
		local, err := s.engine.Channel(ctx, head.Topic, head.Owner)
		switch {
		case errors.Is(err, store.ErrNotFound):
			wants.Channels = append(wants.Channels, channelKey{Topic: head.Topic, Owner: head.Owner})
		case err != nil:
			return wantMessage{}, err
		case local.Version < head.Version:
			wants.Channels = append(wants.Channels, channelKey{Topic: head.Topic, Owner: head.Owner})
		}
	}

	for _, head := range remote.Groups {
		local, err := channel.GetGroup(ctx, s.contentStore, head.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			wants.Groups = append(wants.Groups, head.ID)
		case err != nil:
			return wantMessage{}, err
		case local.Version < head.Version:
			wants.Groups = append(wants.Groups, head.ID)
		}
	}

	local := make(map[endpointKey]int64)
	for _, endpoint := range s.directory.Endpoints() {
		local[endpointKey{Person: endpoint.Person, Instance: endpoint.Instance}] = endpoint.UpdatedAt
	}
	for _, head := range remote.Endpoints {
		key := endpointKey{Person: head.Person, Instance: head.Instance}
		if updatedAt, known := local[key]; !known || updatedAt < head.UpdatedAt {
			wants.Endpoints = append(wants.Endpoints, key)
		}
	}
	return wants, nil
}

// collectRecords gathers the full records the peer asked for.
func (s *Syncer) collectRecords(ctx context.Context, wants wantMessage) (recordMessage, error) {
	var records recordMessage

	for _, key := range wants.Channels {
		ch, err := s.engine.Channel(ctx, key.Topic, key.Owner)
		if errors.Is(err, store.ErrNotFound) {
			continue // peer raced ahead of a head we no longer hold
		}
		if err != nil {
			return recordMessage{}, err
		}
		records.Channels = append(records.Channels, ch)
	}

	for _, id := range wants.Groups {
		group, err := channel.GetGroup(ctx, s.contentStore, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return recordMessage{}, err
		}
		records.Groups = append(records.Groups, group)
	}

	wanted := make(map[endpointKey]bool, len(wants.Endpoints))
	for _, key := range wants.Endpoints {
		wanted[key] = true
	}
	for _, endpoint := range s.directory.Endpoints() {
		if wanted[endpointKey{Person: endpoint.Person, Instance: endpoint.Instance}] {
			records.Endpoints = append(records.Endpoints, endpoint)
		}
	}
	return records, nil
}

// ingestRecords stores received groups and endpoints. Per-item
// failures are logged and skipped: one bad record must not abort the
// session. Returns the number of groups ingested.
func (s *Syncer) ingestRecords(ctx context.Context, records recordMessage) int {
	ingested := 0
	for _, group := range records.Groups {
		if err := channel.PutGroup(ctx, s.contentStore, group); err != nil {
			s.logger.Warn("ingesting synced group", "group", group.ID, "error", err)
			continue
		}
		ingested++
	}
	for _, endpoint := range records.Endpoints {
		if err := s.directory.RecordEndpoint(ctx, endpoint); err != nil {
			s.logger.Warn("ingesting synced endpoint",
				"person", endpoint.Person,
				"instance", endpoint.Instance,
				"error", err)
		}
	}
	return ingested
}

// missingEntries lists entry objects linked by the received channel
// records that the local store does not hold yet.
func (s *Syncer) missingEntries(ctx context.Context, channels []channel.Channel) (entryWantMessage, error) {
	var wants entryWantMessage
	seen := make(map[hash.Hash]bool)
	for _, ch := range channels {
		for _, address := range ch.Entries {
			if seen[address] {
				continue
			}
			seen[address] = true
			if _, err := s.contentStore.Get(ctx, address); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return entryWantMessage{}, fmt.Errorf("probing entry %s: %w", address.Short(), err)
			}
			wants.Entries = append(wants.Entries, address)
		}
	}
	return wants, nil
}

// collectEntries loads requested entry objects and attaches any blob
// descriptors those entries reference that we hold locally.
func (s *Syncer) collectEntries(ctx context.Context, wants entryWantMessage) (entryMessage, error) {
	var message entryMessage
	blobSeen := make(map[hash.Hash]bool)

	for _, address := range wants.Entries {
		encoded, err := s.contentStore.Get(ctx, address)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return entryMessage{}, fmt.Errorf("loading entry %s: %w", address.Short(), err)
		}
		message.Entries = append(message.Entries, encoded)

		var entry channel.Entry
		if err := codec.Unmarshal(encoded, &entry); err != nil {
			continue // not an entry-shaped object; send it anyway
		}
		for _, blobHash := range entry.Attachments {
			if blobSeen[blobHash] {
				continue
			}
			blobSeen[blobHash] = true
			descriptor, err := attachment.FetchBlob(ctx, s.contentStore, blobHash)
			if err != nil {
				continue // blob not local; the peer retries later
			}
			if len(descriptor.Data) > maxInlineBlobBytes {
				s.logger.Debug("skipping oversized blob during sync",
					"hash", blobHash.Short(),
					"bytes", len(descriptor.Data))
				continue
			}
			message.Blobs = append(message.Blobs, descriptor)
		}
	}
	return message, nil
}

// ingestEntries stores received entry objects and blob descriptors.
func (s *Syncer) ingestEntries(ctx context.Context, message entryMessage) {
	for _, encoded := range message.Entries {
		if _, err := s.contentStore.Put(ctx, encoded); err != nil {
			s.logger.Warn("ingesting synced entry", "error", err)
		}
	}
	for _, descriptor := range message.Blobs {
		if err := attachment.StoreBlob(ctx, s.contentStore, descriptor); err != nil {
			s.logger.Warn("ingesting synced blob", "hash", descriptor.Hash.Short(), "error", err)
		}
	}
}

// ingestChannels stores received channel records once their entry
// objects are present.
func (s *Syncer) ingestChannels(ctx context.Context, channels []channel.Channel) {
	for _, ch := range channels {
		if err := s.engine.IngestChannel(ctx, ch); err != nil {
			s.logger.Warn("ingesting synced channel",
				"topic", ch.Topic,
				"owner", ch.Owner,
				"error", err)
		}
	}
}
