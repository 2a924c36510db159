// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
)

// storeUnderTest runs the contract tests against both implementations.
func storeUnderTest(t *testing.T) map[string]ContentStore {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	t.Cleanup(func() { fileStore.Close() })
	return map[string]ContentStore{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, contentStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			encoded, err := codec.Marshal(map[string]string{"text": "hello"})
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}

			address, err := contentStore.Put(ctx, encoded)
			if err != nil {
				t.Fatalf("Put error: %v", err)
			}

			// Idempotent: same bytes, same address.
			again, err := contentStore.Put(ctx, encoded)
			if err != nil {
				t.Fatalf("second Put error: %v", err)
			}
			if again != address {
				t.Errorf("duplicate Put returned %v, want %v", again, address)
			}

			fetched, err := contentStore.Get(ctx, address)
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if string(fetched) != string(encoded) {
				t.Errorf("Get returned different bytes than stored")
			}
		})
	}
}

func TestGetMissingObject(t *testing.T) {
	for name, contentStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			missing := hash.Blob([]byte("never stored"))
			_, err := contentStore.Get(context.Background(), missing)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get on missing object = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRecordVersioning(t *testing.T) {
	for name, contentStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "group/g-0011223344556677"

			if err := contentStore.PutRecord(ctx, key, 1, []byte("v1")); err != nil {
				t.Fatalf("PutRecord(1) error: %v", err)
			}
			if err := contentStore.PutRecord(ctx, key, 3, []byte("v3")); err != nil {
				t.Fatalf("PutRecord(3) error: %v", err)
			}
			// Stale version: silently ignored.
			if err := contentStore.PutRecord(ctx, key, 2, []byte("v2")); err != nil {
				t.Fatalf("PutRecord(2) error: %v", err)
			}

			record, err := contentStore.GetRecord(ctx, key)
			if err != nil {
				t.Fatalf("GetRecord error: %v", err)
			}
			if record.Version != 3 || string(record.Data) != "v3" {
				t.Errorf("record = v%d %q, want v3 %q", record.Version, record.Data, "v3")
			}
		})
	}
}

func TestRecordsPrefixEnumeration(t *testing.T) {
	for name, contentStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			keys := []string{
				"group/g-0000000000000001",
				"group/g-0000000000000002",
				"contact/p-0000000000000001",
			}
			for _, key := range keys {
				if err := contentStore.PutRecord(ctx, key, 1, []byte(key)); err != nil {
					t.Fatalf("PutRecord(%s) error: %v", key, err)
				}
			}

			groups, err := contentStore.Records(ctx, "group/")
			if err != nil {
				t.Fatalf("Records error: %v", err)
			}
			if len(groups) != 2 {
				t.Errorf("Records(group/) returned %d records, want 2", len(groups))
			}

			empty, err := contentStore.Records(ctx, "nothing/")
			if err != nil {
				t.Fatalf("Records on empty prefix error: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("Records(nothing/) returned %d records, want 0", len(empty))
			}
		})
	}
}

func TestGetRecordMissing(t *testing.T) {
	for name, contentStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := contentStore.GetRecord(context.Background(), "contact/p-00aabbccddeeff00")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("GetRecord on missing key = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestObjectHelpers(t *testing.T) {
	ctx := context.Background()
	contentStore := NewMemoryStore()

	type payload struct {
		Text  string `cbor:"text"`
		Count int    `cbor:"count"`
	}
	original := payload{Text: "hello", Count: 7}

	address, err := PutObject(ctx, contentStore, original)
	if err != nil {
		t.Fatalf("PutObject error: %v", err)
	}

	var decoded payload
	if err := GetObject(ctx, contentStore, address, &decoded); err != nil {
		t.Fatalf("GetObject error: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	encoded, _ := codec.Marshal("durable")
	address, err := first.Put(ctx, encoded)
	if err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := first.PutRecord(ctx, "contact/p-0011223344556677", 2, []byte("record")); err != nil {
		t.Fatalf("PutRecord error: %v", err)
	}
	first.Close()

	second, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("reopening FileStore error: %v", err)
	}
	defer second.Close()

	fetched, err := second.Get(ctx, address)
	if err != nil {
		t.Fatalf("Get after reopen error: %v", err)
	}
	if string(fetched) != string(encoded) {
		t.Error("object bytes changed across reopen")
	}
	record, err := second.GetRecord(ctx, "contact/p-0011223344556677")
	if err != nil {
		t.Fatalf("GetRecord after reopen error: %v", err)
	}
	if record.Version != 2 {
		t.Errorf("record version = %d, want 2", record.Version)
	}
}

func TestFileStoreRejectsTraversalKeys(t *testing.T) {
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	defer fileStore.Close()

	for _, key := range []string{"", "../escape", "a//b", "a/./b", "UPPER/case"} {
		if err := fileStore.PutRecord(context.Background(), key, 1, []byte("x")); err == nil {
			t.Errorf("PutRecord accepted invalid key %q", key)
		}
	}
}
