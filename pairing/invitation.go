// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing converts out-of-band invitations into mutual trust.
// The inviter mints a single-use token bound to its instance key and
// a reachable address; the invitation travels outside the system
// (clipboard, QR code, link); the acceptor dials in, proves
// possession of the token over an authenticated session, and both
// sides materialize a Contact. The token exists because endpoint
// discovery requires a pre-existing contact: without proof of
// possession, any instance that merely knew an address could
// fabricate a trust relationship.
package pairing

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/hearth-federation/hearth/lib/codec"
)

// tokenSize is the invitation token length in bytes.
const tokenSize = 32

// Invitation is a single-use pairing credential. It is consumed
// exactly once; expiry and consumption are enforced by the issuing
// coordinator's ledger, not by the bearer.
type Invitation struct {
	Token []byte `cbor:"token"`
	// InstanceKey is the inviter instance's Ed25519 public key. The
	// acceptor requires the dialed session to authenticate with
	// exactly this key, which defeats redirection of the invitation
	// to a different host.
	InstanceKey []byte `cbor:"instance_key"`
	ReachableAt string `cbor:"reachable_at"`
	// ExpiresAt is unix milliseconds.
	ExpiresAt int64 `cbor:"expires_at"`
}

// Validate checks structural well-formedness. Expiry is a ledger
// concern, not a structural one.
func (inv Invitation) Validate() error {
	if len(inv.Token) != tokenSize {
		return fmt.Errorf("invitation token is %d bytes, want %d", len(inv.Token), tokenSize)
	}
	if len(inv.InstanceKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invitation instance key is %d bytes, want %d", len(inv.InstanceKey), ed25519.PublicKeySize)
	}
	if inv.ReachableAt == "" {
		return fmt.Errorf("invitation has no reachable address")
	}
	if inv.ExpiresAt <= 0 {
		return fmt.Errorf("invitation has no expiry")
	}
	return nil
}

// Encode serializes the invitation for out-of-band transfer. The
// format is URL-safe base64 over the canonical encoding, paste-able
// into a link or renderable as a QR code.
func (inv Invitation) Encode() (string, error) {
	if err := inv.Validate(); err != nil {
		return "", err
	}
	encoded, err := codec.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("encoding invitation: %w", err)
	}
	return base64.URLEncoding.EncodeToString(encoded), nil
}

// DecodeInvitation parses an out-of-band invitation string.
func DecodeInvitation(text string) (Invitation, error) {
	raw, err := base64.URLEncoding.DecodeString(text)
	if err != nil {
		return Invitation{}, fmt.Errorf("decoding invitation text: %w", err)
	}
	var invitation Invitation
	if err := codec.Unmarshal(raw, &invitation); err != nil {
		return Invitation{}, fmt.Errorf("parsing invitation: %w", err)
	}
	if err := invitation.Validate(); err != nil {
		return Invitation{}, err
	}
	return invitation, nil
}
