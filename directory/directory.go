// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory tracks trust relationships and peer reachability.
// A Contact is the durable output of a successful pairing; an
// Endpoint is a signed advertisement of where one of a contact's
// instances can be reached.
//
// The central invariant: lookups never succeed for non-contacts, even
// when an endpoint is technically known through a side channel (for
// example, an endpoint record replicated ahead of its contact).
// Trust establishment, not network reachability, gates discovery.
// Side-channel endpoints are retained but invisible until the contact
// materializes.
package directory

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
	"github.com/hearth-federation/hearth/store"
)

// Contact is a bidirectional trust record between the local person
// and a remote person, created exactly once by a successful pairing.
// The remote person's signing key is pinned here; endpoint signatures
// verify against it.
type Contact struct {
	LocalPerson     ref.PersonID `cbor:"local_person"`
	RemotePerson    ref.PersonID `cbor:"remote_person"`
	RemotePersonKey []byte       `cbor:"remote_person_key"`
	// CreatedAt is unix milliseconds at pairing completion.
	CreatedAt int64 `cbor:"created_at"`
}

// Endpoint is a signed advertisement that one instance of a person is
// reachable at a transport address. ReachableAt is empty for
// instances that only originate outgoing connections.
type Endpoint struct {
	Person          ref.PersonID   `cbor:"person"`
	Instance        ref.InstanceID `cbor:"instance"`
	PersonKeyHash   hash.Hash      `cbor:"person_key_hash"`
	InstanceKeyHash hash.Hash      `cbor:"instance_key_hash"`
	ReachableAt     string         `cbor:"reachable_at,omitempty"`
	// UpdatedAt is unix milliseconds; it doubles as the record
	// version so newer advertisements replace older ones.
	UpdatedAt int64 `cbor:"updated_at"`
	// Signature is the person-key Ed25519 signature over the
	// canonical encoding of the endpoint with Signature zeroed.
	Signature []byte `cbor:"signature"`
}

// SigningBytes returns the canonical bytes an endpoint signature
// covers: the endpoint with its Signature field zeroed.
func (e Endpoint) SigningBytes() ([]byte, error) {
	unsigned := e
	unsigned.Signature = nil
	encoded, err := codec.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("encoding endpoint for signing: %w", err)
	}
	return encoded, nil
}

// Verify checks the endpoint's signature against the given person
// public key and confirms the embedded key hash matches that key.
func (e Endpoint) Verify(personKey ed25519.PublicKey) error {
	if hash.Key(personKey) != e.PersonKeyHash {
		return fmt.Errorf("endpoint key hash does not match the pinned person key")
	}
	message, err := e.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(personKey, message, e.Signature) {
		return fmt.Errorf("endpoint signature verification failed")
	}
	return nil
}

// Directory answers "how do I reach contact X" for trusted contacts.
// It is an in-memory index over store records, mutated only through
// its own methods and safe for concurrent use.
type Directory struct {
	contentStore store.ContentStore
	logger       *slog.Logger

	mu        sync.RWMutex
	contacts  map[ref.PersonID]Contact
	endpoints map[ref.PersonID]map[ref.InstanceID]Endpoint

	// newContact is a coalescing notification channel: a buffered
	// send per RecordContact, dropped when a notification is already
	// pending. Consumers rescan the full contact set on each wake, so
	// coalescing preserves at-least-once semantics.
	newContact chan struct{}
}

// New creates a Directory over the given store and loads any
// persisted contacts and endpoints.
func New(ctx context.Context, contentStore store.ContentStore, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	directory := &Directory{
		contentStore: contentStore,
		logger:       logger,
		contacts:     make(map[ref.PersonID]Contact),
		endpoints:    make(map[ref.PersonID]map[ref.InstanceID]Endpoint),
		newContact:   make(chan struct{}, 1),
	}
	if err := directory.load(ctx); err != nil {
		return nil, err
	}
	return directory, nil
}

func (d *Directory) load(ctx context.Context) error {
	contactRecords, err := d.contentStore.Records(ctx, "contact/")
	if err != nil {
		return fmt.Errorf("loading contacts: %w", err)
	}
	for _, record := range contactRecords {
		var contact Contact
		if err := codec.Unmarshal(record.Data, &contact); err != nil {
			return fmt.Errorf("parsing contact record %s: %w", record.Key, err)
		}
		d.contacts[contact.RemotePerson] = contact
	}

	endpointRecords, err := d.contentStore.Records(ctx, "endpoint/")
	if err != nil {
		return fmt.Errorf("loading endpoints: %w", err)
	}
	for _, record := range endpointRecords {
		var endpoint Endpoint
		if err := codec.Unmarshal(record.Data, &endpoint); err != nil {
			return fmt.Errorf("parsing endpoint record %s: %w", record.Key, err)
		}
		// The pinned-key check applies on every load, not just at
		// record time: a record that predates its contact must still
		// verify before it becomes Lookup-visible.
		if contact, isContact := d.contacts[endpoint.Person]; isContact {
			if err := endpoint.Verify(contact.RemotePersonKey); err != nil {
				d.logger.Warn("dropping stored endpoint that fails verification",
					"person", endpoint.Person,
					"instance", endpoint.Instance,
					"error", err)
				continue
			}
		}
		d.indexEndpoint(endpoint)
	}
	return nil
}

// RecordContact persists a new contact and makes its endpoints
// visible to Lookup. Idempotent: recording an existing contact is a
// no-op.
func (d *Directory) RecordContact(ctx context.Context, contact Contact) error {
	if contact.RemotePerson.IsZero() || contact.LocalPerson.IsZero() {
		return fmt.Errorf("contact requires both person IDs")
	}

	key := "contact/" + contact.RemotePerson.String()
	if err := store.PutRecordObject(ctx, d.contentStore, key, uint64(contact.CreatedAt), contact); err != nil {
		return fmt.Errorf("persisting contact %s: %w", contact.RemotePerson, err)
	}

	d.mu.Lock()
	_, existed := d.contacts[contact.RemotePerson]
	if !existed {
		d.contacts[contact.RemotePerson] = contact
		// Endpoints held from before the contact existed were never
		// checked against a pinned key. They become Lookup-visible
		// right now, so they must verify right now; forgeries
		// injected through a side channel are dropped.
		for instance, endpoint := range d.endpoints[contact.RemotePerson] {
			if err := endpoint.Verify(contact.RemotePersonKey); err != nil {
				d.logger.Warn("dropping held endpoint that fails verification against the new contact key",
					"person", endpoint.Person,
					"instance", endpoint.Instance,
					"error", err)
				delete(d.endpoints[contact.RemotePerson], instance)
			}
		}
	}
	d.mu.Unlock()

	if !existed {
		d.logger.Info("contact recorded", "remote_person", contact.RemotePerson)
		select {
		case d.newContact <- struct{}{}:
		default:
		}
	}
	return nil
}

// Contact returns the contact record for a person, if one exists.
func (d *Directory) Contact(person ref.PersonID) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	contact, exists := d.contacts[person]
	return contact, exists
}

// PersonKey returns the pinned signing key for a contact. Satisfies
// channel.PersonKeys: ingested channel records verify against keys
// established at pairing time.
func (d *Directory) PersonKey(person ref.PersonID) (ed25519.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	contact, exists := d.contacts[person]
	if !exists {
		return nil, false
	}
	return contact.RemotePersonKey, true
}

// Contacts returns all contact records.
func (d *Directory) Contacts() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	contacts := make([]Contact, 0, len(d.contacts))
	for _, contact := range d.contacts {
		contacts = append(contacts, contact)
	}
	return contacts
}

// NewContacts returns the coalescing notification channel that wakes
// when a contact is recorded. Consumers must treat a wake as "rescan
// everything": notifications coalesce, so one wake may cover several
// new contacts.
func (d *Directory) NewContacts() <-chan struct{} {
	return d.newContact
}

// RecordEndpoint verifies and stores an endpoint advertisement. The
// upsert is idempotent; a person accumulates one endpoint per
// instance, and newer UpdatedAt values replace older ones. When the
// advertising person is already a contact, the signature is verified
// against the pinned person key and a mismatch is rejected; endpoints
// from unknown persons are stored unverified but stay invisible to
// Lookup until the contact exists.
func (d *Directory) RecordEndpoint(ctx context.Context, endpoint Endpoint) error {
	if endpoint.Person.IsZero() || endpoint.Instance.IsZero() {
		return fmt.Errorf("endpoint requires person and instance IDs")
	}

	if contact, isContact := d.Contact(endpoint.Person); isContact {
		if err := endpoint.Verify(contact.RemotePersonKey); err != nil {
			return fmt.Errorf("endpoint for contact %s: %w", endpoint.Person, err)
		}
	}

	key := "endpoint/" + endpoint.Person.String() + "/" + endpoint.Instance.String()
	if err := store.PutRecordObject(ctx, d.contentStore, key, uint64(endpoint.UpdatedAt), endpoint); err != nil {
		return fmt.Errorf("persisting endpoint for %s: %w", endpoint.Person, err)
	}

	d.mu.Lock()
	d.indexEndpoint(endpoint)
	d.mu.Unlock()
	return nil
}

// indexEndpoint inserts an endpoint into the in-memory index, keeping
// the newest advertisement per instance. Caller holds d.mu (or is
// single-threaded load).
func (d *Directory) indexEndpoint(endpoint Endpoint) {
	instances, exists := d.endpoints[endpoint.Person]
	if !exists {
		instances = make(map[ref.InstanceID]Endpoint)
		d.endpoints[endpoint.Person] = instances
	}
	if current, exists := instances[endpoint.Instance]; exists && current.UpdatedAt >= endpoint.UpdatedAt {
		return
	}
	instances[endpoint.Instance] = endpoint
}

// Endpoints returns every indexed endpoint, including retained
// side-channel endpoints for non-contacts. This feeds replication
// (peers verify against their own contact graph); access decisions
// go through Lookup.
func (d *Directory) Endpoints() []Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var endpoints []Endpoint
	for _, instances := range d.endpoints {
		for _, endpoint := range instances {
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints
}

// Lookup returns the known endpoints for a person. The result is
// empty — never an error — when the person is not a contact. This
// deliberately conflates "unknown person" with "contact with no
// endpoints recorded yet": both mean "you cannot reach them", and
// only the trust relationship distinguishes retry-worthy from
// forbidden.
func (d *Directory) Lookup(person ref.PersonID) []Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, isContact := d.contacts[person]; !isContact {
		return nil
	}
	instances := d.endpoints[person]
	endpoints := make([]Endpoint, 0, len(instances))
	for _, endpoint := range instances {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}
