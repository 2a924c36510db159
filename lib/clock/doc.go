// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects [Real]; tests inject [Fake] and drive it with Advance.
//
// Every production function that would call time.Now, time.After,
// time.NewTicker, or time.Sleep takes a Clock (or is a method on a
// struct carrying one) instead of reaching for the time package. This
// is what lets the discovery loop and the pairing expiry checks run
// deterministically under test: a fake clock stands still until the
// test advances it, so there are no sleeps and no flaky timing
// windows in the suite.
package clock
