// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package store defines Hearth's content-addressed object storage
// contract and provides the two standard implementations: an
// in-memory store for tests and co-located instances, and a durable
// file-backed store for the daemon.
//
// The store holds two kinds of data:
//
//   - Immutable objects, addressed by the BLAKE3 digest of their
//     canonical CBOR encoding. Message entries and blob descriptors
//     live here. An object can never change: its address is derived
//     from its bytes.
//   - Versioned records, addressed by a stable key and replaced whole
//     on update. Contacts, endpoints, channels, and groups live here.
//     A record update with a version at or below the stored version is
//     a no-op, which is what makes concurrent replication idempotent.
//
// The store is the ultimate source of truth; every in-memory index in
// the engine and directory is a cache over it.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
)

// ErrNotFound reports that no object or record exists for the given
// address or key. During active synchronization this is a transient
// condition (the data may simply not have arrived yet); once sync is
// known complete it is permanent. The store cannot tell these apart —
// that classification belongs to the caller.
var ErrNotFound = errors.New("store: not found")

// UnavailableError wraps a failure that indicates the store itself is
// temporarily unreachable (I/O error, backing volume gone). Callers
// retry these with backoff; they never indicate missing data.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err indicates a temporarily
// unreachable store.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// Record is a versioned, mutable-by-replacement entry. Data holds the
// canonical CBOR encoding of the record's payload.
type Record struct {
	Key     string
	Version uint64
	Data    []byte
}

// ContentStore is the persistence contract the Hearth core depends
// on. Implementations must be safe for concurrent use.
type ContentStore interface {
	// Put stores an immutable object (its canonical CBOR encoding)
	// and returns its content address. Storing the same bytes twice
	// is idempotent and returns the same address.
	Put(ctx context.Context, encoded []byte) (hash.Hash, error)

	// Get returns the bytes of the object at the given address, or an
	// error wrapping ErrNotFound.
	Get(ctx context.Context, address hash.Hash) ([]byte, error)

	// PutRecord stores a versioned record. If a record already exists
	// at key with a version >= the given version, the call is a no-op
	// and returns nil: replayed and concurrent replication of the
	// same state must not fail.
	PutRecord(ctx context.Context, key string, version uint64, encoded []byte) error

	// GetRecord returns the current record at key, or an error
	// wrapping ErrNotFound.
	GetRecord(ctx context.Context, key string) (Record, error)

	// Records returns all records whose key starts with prefix, in
	// unspecified order. An empty result is not an error.
	Records(ctx context.Context, prefix string) ([]Record, error)
}

// PutObject encodes v canonically and stores it, returning its
// content address.
func PutObject(ctx context.Context, contentStore ContentStore, v any) (hash.Hash, error) {
	encoded, err := codec.Marshal(v)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("encoding object: %w", err)
	}
	return contentStore.Put(ctx, encoded)
}

// GetObject fetches the object at address and decodes it into v.
func GetObject(ctx context.Context, contentStore ContentStore, address hash.Hash, v any) error {
	encoded, err := contentStore.Get(ctx, address)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(encoded, v); err != nil {
		return fmt.Errorf("decoding object %s: %w", address.Short(), err)
	}
	return nil
}

// PutRecordObject encodes v canonically and stores it as the record
// at key with the given version.
func PutRecordObject(ctx context.Context, contentStore ContentStore, key string, version uint64, v any) error {
	encoded, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}
	return contentStore.PutRecord(ctx, key, version, encoded)
}

// GetRecordObject fetches the record at key and decodes its payload
// into v. Returns the record's version.
func GetRecordObject(ctx context.Context, contentStore ContentStore, key string, v any) (uint64, error) {
	record, err := contentStore.GetRecord(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := codec.Unmarshal(record.Data, v); err != nil {
		return 0, fmt.Errorf("decoding record %s: %w", key, err)
	}
	return record.Version, nil
}
