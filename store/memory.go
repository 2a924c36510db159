// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hearth-federation/hearth/lib/hash"
)

// MemoryStore is an in-memory ContentStore. It backs tests and the
// UI-facing instance's working set; nothing survives process exit.
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[hash.Hash][]byte
	records map[string]Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[hash.Hash][]byte),
		records: make(map[string]Record),
	}
}

// Put stores an immutable object and returns its content address.
func (s *MemoryStore) Put(_ context.Context, encoded []byte) (hash.Hash, error) {
	address := hash.Object(encoded)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[address]; !exists {
		stored := make([]byte, len(encoded))
		copy(stored, encoded)
		s.objects[address] = stored
	}
	return address, nil
}

// Get returns the object at the given address.
func (s *MemoryStore) Get(_ context.Context, address hash.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.objects[address]
	if !exists {
		return nil, fmt.Errorf("object %s: %w", address.Short(), ErrNotFound)
	}
	result := make([]byte, len(stored))
	copy(result, stored)
	return result, nil
}

// PutRecord stores a versioned record. Stale versions are a no-op.
func (s *MemoryStore) PutRecord(_ context.Context, key string, version uint64, encoded []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.records[key]; exists && existing.Version >= version {
		return nil
	}
	stored := make([]byte, len(encoded))
	copy(stored, encoded)
	s.records[key] = Record{Key: key, Version: version, Data: stored}
	return nil
}

// GetRecord returns the current record at key.
func (s *MemoryStore) GetRecord(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[key]
	if !exists {
		return Record{}, fmt.Errorf("record %s: %w", key, ErrNotFound)
	}
	return record, nil
}

// Records returns all records whose key starts with prefix.
func (s *MemoryStore) Records(_ context.Context, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Record
	for key, record := range s.records {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

// Compile-time interface check.
var _ ContentStore = (*MemoryStore)(nil)
