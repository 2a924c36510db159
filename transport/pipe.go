// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "net"

// Pipe returns two connected in-memory streams. Writes on one side
// block until the other side reads, so tests exercising both ends
// must run them on separate goroutines, the same discipline real
// network streams require.
func Pipe() (Stream, Stream) {
	a, b := net.Pipe()
	return NewFrameStream(a), NewFrameStream(b)
}
