// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package attachment moves binary payloads out of the message path.
// Entries carry blob hashes; the resolver turns a hash back into the
// blob on demand, collapsing concurrent requests and caching hot
// blobs. Blobs are immutable and content-addressed, so a cached or
// replicated copy is always as good as the original.
package attachment

import (
	"context"
	"fmt"

	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/store"
)

// BlobDescriptor is an attachment blob plus its metadata. Hash is the
// blob-domain digest of the descriptor's canonical encoding with the
// Hash field zeroed, so the address commits to the metadata as well
// as the payload.
type BlobDescriptor struct {
	Hash         hash.Hash `cbor:"hash"`
	MimeType     string    `cbor:"mime_type"`
	ByteSize     int64     `cbor:"byte_size"`
	OriginalName string    `cbor:"original_name,omitempty"`
	Data         []byte    `cbor:"data"`
}

// NewBlobDescriptor builds a descriptor for the given payload and
// computes its hash.
func NewBlobDescriptor(mimeType, originalName string, data []byte) (BlobDescriptor, error) {
	descriptor := BlobDescriptor{
		MimeType:     mimeType,
		ByteSize:     int64(len(data)),
		OriginalName: originalName,
		Data:         data,
	}
	digest, err := descriptor.ComputeHash()
	if err != nil {
		return BlobDescriptor{}, err
	}
	descriptor.Hash = digest
	return descriptor, nil
}

// ComputeHash returns the content address of the descriptor. The
// stored Hash field does not participate.
func (d BlobDescriptor) ComputeHash() (hash.Hash, error) {
	d.Hash = hash.Hash{}
	encoded, err := codec.Marshal(d)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("encoding blob descriptor: %w", err)
	}
	return hash.Blob(encoded), nil
}

// Validate checks internal consistency, including that the declared
// hash matches the content.
func (d BlobDescriptor) Validate() error {
	if d.ByteSize != int64(len(d.Data)) {
		return fmt.Errorf("blob declares %d bytes but carries %d", d.ByteSize, len(d.Data))
	}
	digest, err := d.ComputeHash()
	if err != nil {
		return err
	}
	if digest != d.Hash {
		return fmt.Errorf("blob hash %s does not match content %s", d.Hash.Short(), digest.Short())
	}
	return nil
}

func blobRecordKey(digest hash.Hash) string { return "blob/" + digest.String() }

// StoreBlob persists a descriptor under its content address. Storing
// the same blob twice is a no-op.
func StoreBlob(ctx context.Context, contentStore store.ContentStore, descriptor BlobDescriptor) error {
	if err := descriptor.Validate(); err != nil {
		return fmt.Errorf("invalid blob: %w", err)
	}
	encoded, err := codec.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("encoding blob %s: %w", descriptor.Hash.Short(), err)
	}
	// Blobs are immutable, so the version never needs to move past 1.
	if err := contentStore.PutRecord(ctx, blobRecordKey(descriptor.Hash), 1, encoded); err != nil {
		return fmt.Errorf("persisting blob %s: %w", descriptor.Hash.Short(), err)
	}
	return nil
}

// FetchBlob reads a descriptor by content address, verifying it
// before returning. Returns store.ErrNotFound when the blob has not
// synced yet.
func FetchBlob(ctx context.Context, contentStore store.ContentStore, digest hash.Hash) (BlobDescriptor, error) {
	record, err := contentStore.GetRecord(ctx, blobRecordKey(digest))
	if err != nil {
		return BlobDescriptor{}, err
	}
	var descriptor BlobDescriptor
	if err := codec.Unmarshal(record.Data, &descriptor); err != nil {
		return BlobDescriptor{}, fmt.Errorf("parsing blob %s: %w", digest.Short(), err)
	}
	if descriptor.Hash != digest {
		return BlobDescriptor{}, fmt.Errorf("blob stored under %s declares hash %s", digest.Short(), descriptor.Hash.Short())
	}
	if err := descriptor.Validate(); err != nil {
		return BlobDescriptor{}, fmt.Errorf("corrupt blob %s: %w", digest.Short(), err)
	}
	return descriptor, nil
}
