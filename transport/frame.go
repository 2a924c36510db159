// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame. Large attachments still fit
// comfortably; anything bigger indicates a corrupt length prefix or a
// misbehaving peer, and failing fast beats allocating gigabytes.
const MaxFrameSize = 16 << 20

// frameStream frames an ordered byte stream into length-prefixed
// payloads: a 4-byte big-endian length followed by that many bytes.
type frameStream struct {
	conn io.ReadWriteCloser

	sendMu    sync.Mutex
	receiveMu sync.Mutex
}

// NewFrameStream wraps a byte-stream connection in the frame codec.
func NewFrameStream(conn io.ReadWriteCloser) Stream {
	return &frameStream{conn: conn}
}

func (s *frameStream) Send(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := s.conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

func (s *frameStream) Receive() ([]byte, error) {
	s.receiveMu.Lock()
	defer s.receiveMu.Unlock()

	var prefix [4]byte
	if _, err := io.ReadFull(s.conn, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("peer announced frame of %d bytes, limit %d", length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

func (s *frameStream) Close() error {
	return s.conn.Close()
}
