// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Hearth packages.
//
// [RequireReceive] and [RequireSend] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls; these are the only
// wall-clock timeouts in the suite, and they exist purely to turn a
// hang into a test failure.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need unique
// tokens or message bodies.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil

import (
	"fmt"
	"sync/atomic"
	"time"
)

// failer is the subset of *testing.T the helpers need. Declared
// locally so this package does not import testing.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, description string) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", description)
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, description)
	}
	panic("unreachable")
}

// RequireSend sends v on ch within timeout, or fails the test.
func RequireSend[T any](t failer, ch chan<- T, v T, timeout time.Duration, description string) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, description)
	}
}

var uniqueCounter atomic.Uint64

// UniqueID returns a process-unique identifier with the given prefix.
// Successive calls return strictly increasing values.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
