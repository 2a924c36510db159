// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
)

// FileStore is a durable ContentStore rooted at a directory. Objects
// are stored zstd-compressed under a two-level hex shard of their
// address; records are CBOR envelopes under their key path. All
// writes go through temp-file + rename so readers never observe a
// partial object.
//
// Layout:
//
//	<root>/objects/<hex[:2]>/<hex>
//	<root>/records/<key>
//
// Record keys are slash-separated paths over a restricted charset
// (lowercase hex identifiers and fixed namespace segments), so they
// map directly onto the filesystem.
type FileStore struct {
	objectDir string
	recordDir string

	// writeMu serializes record writes: the version comparison in
	// PutRecord must be atomic with the replace.
	writeMu sync.Mutex

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// recordEnvelope is the on-disk framing of a versioned record.
type recordEnvelope struct {
	Key     string `cbor:"key"`
	Version uint64 `cbor:"version"`
	Data    []byte `cbor:"data"`
}

// NewFileStore opens (creating if necessary) a file store rooted at
// the given directory.
func NewFileStore(root string) (*FileStore, error) {
	objectDir := filepath.Join(root, "objects")
	recordDir := filepath.Join(root, "records")
	for _, directory := range []string{objectDir, recordDir} {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd decoder: %w", err)
	}

	return &FileStore{
		objectDir: objectDir,
		recordDir: recordDir,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Put stores an immutable object and returns its content address.
// Duplicate puts are idempotent: if the shard file already exists the
// bytes are not rewritten (the address guarantees they are identical).
func (s *FileStore) Put(_ context.Context, encoded []byte) (hash.Hash, error) {
	address := hash.Object(encoded)
	path := s.objectPath(address)

	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	compressed := s.encoder.EncodeAll(encoded, nil)
	if err := writeFileAtomic(path, compressed); err != nil {
		return hash.Hash{}, &UnavailableError{Err: fmt.Errorf("writing object %s: %w", address.Short(), err)}
	}
	return address, nil
}

// Get returns the object at the given address.
func (s *FileStore) Get(_ context.Context, address hash.Hash) ([]byte, error) {
	compressed, err := os.ReadFile(s.objectPath(address))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", address.Short(), ErrNotFound)
		}
		return nil, &UnavailableError{Err: fmt.Errorf("reading object %s: %w", address.Short(), err)}
	}

	encoded, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing object %s: %w", address.Short(), err)
	}

	// Verify the content address on the way out. A mismatch means
	// disk corruption, and handing corrupt bytes to the caller would
	// defeat the immutability guarantee.
	if hash.Object(encoded) != address {
		return nil, fmt.Errorf("object %s failed content verification", address.Short())
	}
	return encoded, nil
}

// PutRecord stores a versioned record. Stale versions are a no-op.
func (s *FileStore) PutRecord(_ context.Context, key string, version uint64, encoded []byte) error {
	if err := validateRecordKey(key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := filepath.Join(s.recordDir, filepath.FromSlash(key))
	if existing, err := s.readEnvelope(path); err == nil && existing.Version >= version {
		return nil
	}

	envelope, err := codec.Marshal(recordEnvelope{Key: key, Version: version, Data: encoded})
	if err != nil {
		return fmt.Errorf("encoding record envelope %s: %w", key, err)
	}
	if err := writeFileAtomic(path, envelope); err != nil {
		return &UnavailableError{Err: fmt.Errorf("writing record %s: %w", key, err)}
	}
	return nil
}

// GetRecord returns the current record at key.
func (s *FileStore) GetRecord(_ context.Context, key string) (Record, error) {
	if err := validateRecordKey(key); err != nil {
		return Record{}, err
	}

	envelope, err := s.readEnvelope(filepath.Join(s.recordDir, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("record %s: %w", key, ErrNotFound)
		}
		return Record{}, err
	}
	return Record{Key: envelope.Key, Version: envelope.Version, Data: envelope.Data}, nil
}

// Records returns all records whose key starts with prefix.
func (s *FileStore) Records(_ context.Context, prefix string) ([]Record, error) {
	var matched []Record
	walkErr := filepath.WalkDir(s.recordDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		relative, err := filepath.Rel(s.recordDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relative)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		envelope, err := s.readEnvelope(path)
		if err != nil {
			return fmt.Errorf("reading record %s: %w", key, err)
		}
		matched = append(matched, Record{Key: envelope.Key, Version: envelope.Version, Data: envelope.Data})
		return nil
	})
	if walkErr != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("enumerating records with prefix %s: %w", prefix, walkErr)}
	}
	return matched, nil
}

// Close releases the compression codecs.
func (s *FileStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return nil
}

func (s *FileStore) objectPath(address hash.Hash) string {
	hexDigest := address.String()
	return filepath.Join(s.objectDir, hexDigest[:2], hexDigest)
}

func (s *FileStore) readEnvelope(path string) (recordEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return recordEnvelope{}, err
	}
	var envelope recordEnvelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return recordEnvelope{}, fmt.Errorf("parsing record file %s: %w", path, err)
	}
	return envelope, nil
}

// validateRecordKey rejects keys that could escape the record
// directory or collide with path semantics.
func validateRecordKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty record key")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("record key %q contains invalid path segment", key)
		}
		for _, character := range segment {
			valid := (character >= 'a' && character <= 'z') ||
				(character >= '0' && character <= '9') || character == '-' || character == '.'
			if !valid {
				return fmt.Errorf("record key %q contains invalid character %q", key, character)
			}
		}
	}
	return nil
}

// writeFileAtomic writes data to path via a temporary file in the
// same directory, fsync, and rename, so readers never see a partial
// file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	temporary, err := os.CreateTemp(filepath.Dir(path), ".write-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	temporaryPath := temporary.Name()

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ ContentStore = (*FileStore)(nil)
