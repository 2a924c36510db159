// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialTimeout caps connection establishment when the caller's context
// carries no earlier deadline.
const dialTimeout = 15 * time.Second

// TCPDialer opens framed streams over TCP.
type TCPDialer struct{}

var _ Dialer = TCPDialer{}

func (TCPDialer) Dial(ctx context.Context, address string) (Stream, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// Sync sessions are mostly idle between exchanges; keepalives
		// surface dead peers instead of hanging Receive forever.
		tcpConn.SetKeepAlive(true)
	}
	return NewFrameStream(conn), nil
}

// TCPListener accepts framed streams over TCP.
type TCPListener struct {
	listener net.Listener
}

var _ Listener = (*TCPListener)(nil)

// ListenTCP binds the given address ("host:port"; port 0 picks a free
// port, visible through Addr).
func ListenTCP(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return &TCPListener{listener: listener}, nil
}

func (l *TCPListener) Accept() (Stream, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}
	return NewFrameStream(conn), nil
}

func (l *TCPListener) Addr() string {
	return l.listener.Addr().String()
}

func (l *TCPListener) Close() error {
	return l.listener.Close()
}
