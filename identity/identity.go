// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity manages Hearth's cryptographic principals. A
// Person is the stable identity derived from a unique credential; it
// owns an Ed25519 keypair that signs durable data objects (endpoints,
// grants). An Instance is one running process; it owns its own
// Ed25519 keypair used to authenticate transport sessions. A person
// owns zero or more instances.
//
// The split matters for the trust model: contact relationships are
// keyed by PersonID, so pairing with any one instance of a person
// establishes trust with the person, and every instance the person
// later advertises inherits it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
)

// Person is a stable, key-pair-backed principal.
type Person struct {
	ID         ref.PersonID
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewPerson creates a person identity for the given credential (an
// email address or similar unique string). The PersonID is derived
// deterministically from the credential; the keypair is fresh
// randomness — re-running NewPerson for the same credential yields
// the same ID but different keys, which is why key material must be
// persisted through the Keyring.
func NewPerson(credential string) (*Person, error) {
	if credential == "" {
		return nil, fmt.Errorf("empty credential")
	}
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating person keypair: %w", err)
	}
	return &Person{
		ID:         hash.DerivePersonID(credential),
		PublicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// Sign signs message with the person's private key. Person signatures
// cover durable data objects: endpoint advertisements and access
// grants.
func (p *Person) Sign(message []byte) []byte {
	return ed25519.Sign(p.privateKey, message)
}

// KeyHash returns the key-domain digest of the person's public key.
func (p *Person) KeyHash() hash.Hash {
	return hash.Key(p.PublicKey)
}

// Instance is one running process owned by a person.
type Instance struct {
	ID         ref.InstanceID
	Owner      ref.PersonID
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewInstance creates a fresh instance identity for the given owner.
// The InstanceID is derived from the instance's public key, so the ID
// and the key can never disagree.
func NewInstance(owner ref.PersonID) (*Instance, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("instance requires an owner")
	}
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating instance keypair: %w", err)
	}
	return &Instance{
		ID:         hash.DeriveInstanceID(publicKey),
		Owner:      owner,
		PublicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// Sign signs message with the instance's private key. Instance
// signatures authenticate transport sessions (pairing handshakes and
// sync session establishment), never durable data.
func (i *Instance) Sign(message []byte) []byte {
	return ed25519.Sign(i.privateKey, message)
}

// KeyHash returns the key-domain digest of the instance's public key.
func (i *Instance) KeyHash() hash.Hash {
	return hash.Key(i.PublicKey)
}

// Verify reports whether signature is a valid Ed25519 signature of
// message under publicKey.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key is %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
