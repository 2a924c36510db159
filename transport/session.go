// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/hearth-federation/hearth/identity"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
)

const sessionNonceSize = 32

// PeerIdentity is what a secured session proves about the far end:
// the instance holds the private half of PublicKey, and InstanceID is
// derived from that key. Whether the instance is TRUSTED is a
// separate question the caller answers against the directory or a
// pending invitation.
type PeerIdentity struct {
	Instance  ref.InstanceID
	PublicKey ed25519.PublicKey
}

// sessionHello is the first handshake frame from each side.
type sessionHello struct {
	Instance    ref.InstanceID `cbor:"instance"`
	InstanceKey []byte         `cbor:"instance_key"`
	Ephemeral   []byte         `cbor:"ephemeral"`
	Nonce       []byte         `cbor:"nonce"`
}

// sessionAuth carries the Ed25519 signature binding the instance key
// to the ephemeral exchange.
type sessionAuth struct {
	Signature []byte `cbor:"signature"`
}

// SecureStream is a Stream whose frames are sealed with
// ChaCha20-Poly1305 under keys agreed in an authenticated X25519
// exchange. Directional keys and monotonic nonces make replayed or
// reordered ciphertext frames fail authentication.
type SecureStream struct {
	stream Stream
	peer   PeerIdentity

	sendMu      sync.Mutex
	sendAEAD    cipher.AEAD
	sendCounter uint64

	receiveMu      sync.Mutex
	receiveAEAD    cipher.AEAD
	receiveCounter uint64
}

var _ Stream = (*SecureStream)(nil)

// Secure runs the mutual session handshake over stream and returns
// the encrypted session. Both peers call Secure symmetrically.
//
// The handshake: each side sends an ephemeral X25519 public key, its
// instance identity, and a random nonce; each side then signs
// (peerNonce || peerEphemeral || ownEphemeral) with its instance key.
// The nonce binds the signature to this exchange (no replay); signing
// over both ephemerals binds the key agreement to the authenticated
// identities (no man-in-the-middle key substitution).
//
// Sends run on a background goroutine so the handshake cannot
// deadlock on fully synchronous streams such as Pipe.
func Secure(stream Stream, instance *identity.Instance) (*SecureStream, error) {
	ephemeralPrivate := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephemeralPrivate); err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving ephemeral public key: %w", err)
	}
	nonce := make([]byte, sessionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating session nonce: %w", err)
	}

	hello := sessionHello{
		Instance:    instance.ID,
		InstanceKey: instance.PublicKey,
		Ephemeral:   ephemeralPublic,
		Nonce:       nonce,
	}
	sendErrors := make(chan error, 1)
	go func() { sendErrors <- SendMessage(stream, hello) }()

	var peerHello sessionHello
	if err := ReceiveMessage(stream, &peerHello); err != nil {
		return nil, fmt.Errorf("receiving session hello: %w", err)
	}
	if err := <-sendErrors; err != nil {
		return nil, fmt.Errorf("sending session hello: %w", err)
	}
	if err := validateHello(peerHello); err != nil {
		return nil, err
	}

	// Sign the peer's challenge bound to both halves of the exchange.
	signature := instance.Sign(authTranscript(peerHello.Nonce, peerHello.Ephemeral, ephemeralPublic))
	go func() { sendErrors <- SendMessage(stream, sessionAuth{Signature: signature}) }()

	var peerAuth sessionAuth
	if err := ReceiveMessage(stream, &peerAuth); err != nil {
		return nil, fmt.Errorf("receiving session auth: %w", err)
	}
	if err := <-sendErrors; err != nil {
		return nil, fmt.Errorf("sending session auth: %w", err)
	}
	expected := authTranscript(nonce, ephemeralPublic, peerHello.Ephemeral)
	if err := identity.Verify(peerHello.InstanceKey, expected, peerAuth.Signature); err != nil {
		return nil, fmt.Errorf("peer %s failed session authentication: %w", peerHello.Instance, err)
	}

	sharedSecret, err := curve25519.X25519(ephemeralPrivate, peerHello.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	sendKey, receiveKey := directionalKeys(sharedSecret, ephemeralPublic, peerHello.Ephemeral)
	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("initializing send cipher: %w", err)
	}
	receiveAEAD, err := chacha20poly1305.New(receiveKey[:])
	if err != nil {
		return nil, fmt.Errorf("initializing receive cipher: %w", err)
	}

	return &SecureStream{
		stream: stream,
		peer: PeerIdentity{
			Instance:  peerHello.Instance,
			PublicKey: ed25519.PublicKey(peerHello.InstanceKey),
		},
		sendAEAD:    sendAEAD,
		receiveAEAD: receiveAEAD,
	}, nil
}

func validateHello(hello sessionHello) error {
	if len(hello.InstanceKey) != ed25519.PublicKeySize {
		return fmt.Errorf("peer instance key is %d bytes, want %d", len(hello.InstanceKey), ed25519.PublicKeySize)
	}
	if len(hello.Ephemeral) != curve25519.PointSize {
		return fmt.Errorf("peer ephemeral key is %d bytes, want %d", len(hello.Ephemeral), curve25519.PointSize)
	}
	if len(hello.Nonce) != sessionNonceSize {
		return fmt.Errorf("peer session nonce is %d bytes, want %d", len(hello.Nonce), sessionNonceSize)
	}
	// The InstanceID is derived from the key, so a mismatch means the
	// peer is claiming an identity its key cannot back.
	if derived := hash.DeriveInstanceID(hello.InstanceKey); derived != hello.Instance {
		return fmt.Errorf("peer claims instance %s but its key derives %s", hello.Instance, derived)
	}
	return nil
}

// authTranscript composes the bytes each side signs: the challenger's
// nonce, then the challenger's ephemeral, then the signer's own
// ephemeral.
func authTranscript(nonce, challengerEphemeral, signerEphemeral []byte) []byte {
	transcript := make([]byte, 0, len(nonce)+len(challengerEphemeral)+len(signerEphemeral))
	transcript = append(transcript, nonce...)
	transcript = append(transcript, challengerEphemeral...)
	transcript = append(transcript, signerEphemeral...)
	return transcript
}

// directionalKeys derives one key per direction from the shared
// secret. Both sides order the ephemerals identically (lexicographic)
// and pick opposite keys, so A's send key is B's receive key.
func directionalKeys(sharedSecret, ownEphemeral, peerEphemeral []byte) (sendKey, receiveKey hash.Hash) {
	low, high := ownEphemeral, peerEphemeral
	if bytes.Compare(low, high) > 0 {
		low, high = high, low
	}
	material := func(tag byte) []byte {
		m := make([]byte, 0, len(sharedSecret)+len(low)+len(high)+1)
		m = append(m, sharedSecret...)
		m = append(m, low...)
		m = append(m, high...)
		return append(m, tag)
	}
	lowToHigh := hash.Session(material(0))
	highToLow := hash.Session(material(1))
	if bytes.Compare(ownEphemeral, peerEphemeral) < 0 {
		return lowToHigh, highToLow
	}
	return highToLow, lowToHigh
}

// Peer reports the authenticated identity of the far end.
func (s *SecureStream) Peer() PeerIdentity { return s.peer }

// Send seals payload and sends it as one frame.
func (s *SecureStream) Send(payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, s.sendCounter)
	s.sendCounter++
	return s.stream.Send(s.sendAEAD.Seal(nil, nonce, payload, nil))
}

// Receive reads and opens the next frame.
func (s *SecureStream) Receive() ([]byte, error) {
	s.receiveMu.Lock()
	defer s.receiveMu.Unlock()

	sealed, err := s.stream.Receive()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, s.receiveCounter)
	s.receiveCounter++
	payload, err := s.receiveAEAD.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed frame %d: %w", s.receiveCounter-1, err)
	}
	return payload, nil
}

func (s *SecureStream) Close() error {
	return s.stream.Close()
}
