// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package attachment

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-federation/hearth/lib/clock"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/store"
)

const (
	// DefaultCacheBytes bounds the resolver cache. Eviction never
	// loses data; every blob is re-fetchable by hash.
	DefaultCacheBytes = 64 << 20

	fetchAttempts    = 4
	fetchBackoffBase = 200 * time.Millisecond
)

// Resolver maps attachment hashes to blobs. Concurrent Resolve calls
// for the same unresolved hash collapse into a single store fetch;
// resolved blobs are held in a byte-bounded LRU cache.
//
// store.ErrNotFound from Resolve means the blob has not replicated
// yet. Callers during active sync should treat it as transient and
// retry later; the resolver itself only retries failures the store
// classifies as transient (store.IsUnavailable).
type Resolver struct {
	contentStore store.ContentStore
	clk          clock.Clock
	logger       *slog.Logger
	cacheBytes   int64

	mu         sync.Mutex
	inflight   map[hash.Hash]*fetchCall
	cache      map[hash.Hash]*list.Element
	eviction   *list.List // front = most recently used
	cachedSize int64
}

// fetchCall is one in-flight fetch shared by every concurrent caller
// for the same hash. done is closed once descriptor/err are set.
type fetchCall struct {
	done       chan struct{}
	descriptor BlobDescriptor
	err        error
}

type cacheItem struct {
	digest     hash.Hash
	descriptor BlobDescriptor
}

// NewResolver creates a resolver over the given store. A nil clock
// selects the real one; cacheBytes <= 0 selects DefaultCacheBytes.
func NewResolver(contentStore store.ContentStore, clk clock.Clock, logger *slog.Logger, cacheBytes int64) *Resolver {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cacheBytes <= 0 {
		cacheBytes = DefaultCacheBytes
	}
	return &Resolver{
		contentStore: contentStore,
		clk:          clk,
		logger:       logger,
		cacheBytes:   cacheBytes,
		inflight:     make(map[hash.Hash]*fetchCall),
		cache:        make(map[hash.Hash]*list.Element),
		eviction:     list.New(),
	}
}

// Resolve returns the blob for digest, from cache or the store. All
// concurrent callers for one hash receive the identical descriptor
// from a single underlying fetch.
func (r *Resolver) Resolve(ctx context.Context, digest hash.Hash) (BlobDescriptor, error) {
	if digest.IsZero() {
		return BlobDescriptor{}, fmt.Errorf("resolving zero attachment hash")
	}

	r.mu.Lock()
	if element, hit := r.cache[digest]; hit {
		r.eviction.MoveToFront(element)
		descriptor := element.Value.(*cacheItem).descriptor
		r.mu.Unlock()
		return descriptor, nil
	}
	if call, joining := r.inflight[digest]; joining {
		r.mu.Unlock()
		return r.await(ctx, call)
	}
	call := &fetchCall{done: make(chan struct{})}
	r.inflight[digest] = call
	r.mu.Unlock()

	// The fetch runs detached from the initiating caller's context:
	// later callers collapse onto this call, and the first caller
	// cancelling must not poison the result for everyone else. Values
	// ride along, only cancellation is severed.
	go func() {
		call.descriptor, call.err = r.fetch(context.WithoutCancel(ctx), digest)
		close(call.done)

		r.mu.Lock()
		delete(r.inflight, digest)
		if call.err == nil {
			r.insertLocked(digest, call.descriptor)
		}
		r.mu.Unlock()
	}()

	return r.await(ctx, call)
}

// await blocks on a shared fetch. The fetch itself is not cancelled
// when this waiter's context expires; other waiters may still want
// the result.
func (r *Resolver) await(ctx context.Context, call *fetchCall) (BlobDescriptor, error) {
	select {
	case <-call.done:
		return call.descriptor, call.err
	case <-ctx.Done():
		return BlobDescriptor{}, ctx.Err()
	}
}

// fetch reads a blob from the store, retrying transient failures with
// doubling backoff. Not-found is returned immediately; whether it is
// permanent is the caller's call.
func (r *Resolver) fetch(ctx context.Context, digest hash.Hash) (BlobDescriptor, error) {
	backoff := fetchBackoffBase
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		descriptor, err := FetchBlob(ctx, r.contentStore, digest)
		if err == nil {
			return descriptor, nil
		}
		if errors.Is(err, store.ErrNotFound) || !store.IsUnavailable(err) {
			return BlobDescriptor{}, err
		}
		lastErr = err
		r.logger.Debug("blob fetch failed, retrying",
			"hash", digest.Short(),
			"attempt", attempt,
			"error", err)
		if attempt == fetchAttempts {
			break
		}
		select {
		case <-r.clk.After(backoff):
		case <-ctx.Done():
			return BlobDescriptor{}, ctx.Err()
		}
		backoff *= 2
	}
	return BlobDescriptor{}, fmt.Errorf("fetching blob %s after %d attempts: %w", digest.Short(), fetchAttempts, lastErr)
}

// insertLocked adds a descriptor to the cache and evicts from the LRU
// tail until the byte bound holds. A blob larger than the whole cache
// is served but never cached. Caller holds r.mu.
func (r *Resolver) insertLocked(digest hash.Hash, descriptor BlobDescriptor) {
	if _, exists := r.cache[digest]; exists {
		return
	}
	size := int64(len(descriptor.Data))
	if size > r.cacheBytes {
		return
	}
	r.cache[digest] = r.eviction.PushFront(&cacheItem{digest: digest, descriptor: descriptor})
	r.cachedSize += size

	for r.cachedSize > r.cacheBytes {
		oldest := r.eviction.Back()
		if oldest == nil {
			return
		}
		item := oldest.Value.(*cacheItem)
		r.eviction.Remove(oldest)
		delete(r.cache, item.digest)
		r.cachedSize -= int64(len(item.descriptor.Data))
	}
}

// CachedBytes reports the current cache footprint.
func (r *Resolver) CachedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cachedSize
}
