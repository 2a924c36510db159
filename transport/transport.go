// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the framed byte streams Hearth peers
// talk over. The core abstraction is a Stream carrying discrete
// payloads; TCP supplies the production implementation and an
// in-memory pipe serves tests. Secure upgrades a Stream to an
// encrypted session bound to the peers' instance keys.
package transport

import (
	"context"
	"fmt"

	"github.com/hearth-federation/hearth/lib/codec"
)

// Stream is a reliable, bidirectional, message-framed byte stream.
// Send and Receive may be used concurrently with each other, but each
// must not be called concurrently with itself.
type Stream interface {
	// Send writes one payload as a single frame.
	Send(payload []byte) error

	// Receive reads the next frame. Returns io.EOF once the peer has
	// closed cleanly and no frames remain.
	Receive() ([]byte, error)

	// Close tears down the stream. Blocked Send and Receive calls
	// return with errors.
	Close() error
}

// Dialer opens outbound streams.
type Dialer interface {
	Dial(ctx context.Context, address string) (Stream, error)
}

// Listener accepts inbound streams.
type Listener interface {
	// Accept blocks for the next inbound stream. Returns an error
	// after Close.
	Accept() (Stream, error)

	// Addr is the address peers should dial, suitable for an endpoint
	// advertisement.
	Addr() string

	Close() error
}

// Connection intents. A dialer announces its purpose in the first
// frame so the accepting daemon can route the stream to the pairing
// coordinator or the sync engine before any handshake begins.
const (
	IntentPair = "hearth/pair"
	IntentSync = "hearth/sync"
)

// WithIntent wraps a dialer so every dialed stream announces the
// given intent as its first frame.
func WithIntent(inner Dialer, intent string) Dialer {
	return intentDialer{inner: inner, intent: intent}
}

type intentDialer struct {
	inner  Dialer
	intent string
}

func (d intentDialer) Dial(ctx context.Context, address string) (Stream, error) {
	stream, err := d.inner.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := stream.Send([]byte(d.intent)); err != nil {
		stream.Close()
		return nil, fmt.Errorf("announcing %s intent: %w", d.intent, err)
	}
	return stream, nil
}

// SendMessage encodes a value and sends it as one frame.
func SendMessage(stream Stream, message any) error {
	encoded, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return stream.Send(encoded)
}

// ReceiveMessage reads one frame and decodes it into target.
func ReceiveMessage(stream Stream, target any) error {
	payload, err := stream.Receive()
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
