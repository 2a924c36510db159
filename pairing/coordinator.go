// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-federation/hearth/directory"
	"github.com/hearth-federation/hearth/identity"
	"github.com/hearth-federation/hearth/lib/clock"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/transport"
)

// InvitationTTL is how long an issued invitation stays acceptable.
const InvitationTTL = 10 * time.Minute

// Terminal pairing failures. Each is terminal for its invitation: the
// token is burned and a fresh invitation is required.
var (
	// ErrNotListening: no reachable address to advertise, so an
	// invitation cannot be issued.
	ErrNotListening = errors.New("pairing: no listen address to advertise in an invitation")

	// ErrInvalidToken: the token is unknown or already consumed.
	ErrInvalidToken = errors.New("pairing: invitation token is invalid or already consumed")

	// ErrExpired: the invitation's expiry has passed.
	ErrExpired = errors.New("pairing: invitation has expired")

	// ErrKeyMismatch: a key presented during the handshake does not
	// match what the invitation or the signed identity claims.
	ErrKeyMismatch = errors.New("pairing: handshake key mismatch")
)

// TransportError wraps a network-level failure during pairing. Unlike
// the protocol errors it is not evidence of misbehavior, but the
// token is burned regardless, so retrying needs a fresh invitation.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "pairing: transport failure: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Wire messages. The acceptor speaks first.

type pairingRequest struct {
	Token []byte `cbor:"token"`
	// Endpoint is the acceptor's signed endpoint advertisement;
	// PersonKey is the public key it verifies under.
	Endpoint  directory.Endpoint `cbor:"endpoint"`
	PersonKey []byte             `cbor:"person_key"`
}

type pairingResponse struct {
	Status    string             `cbor:"status"`
	Endpoint  directory.Endpoint `cbor:"endpoint,omitempty"`
	PersonKey []byte             `cbor:"person_key,omitempty"`
}

const (
	statusOK           = "ok"
	statusInvalidToken = "invalid-token"
	statusExpired      = "expired"
	statusKeyMismatch  = "key-mismatch"
)

// pendingInvitation is one ledger entry on the inviter side.
type pendingInvitation struct {
	invitation Invitation
	consumed   bool
	state      State
}

// Coordinator runs both sides of the pairing protocol: it mints and
// redeems invitations for the local identity and keeps the
// single-consumption token ledger.
type Coordinator struct {
	person    *identity.Person
	instance  *identity.Instance
	directory *directory.Directory
	dialer    transport.Dialer
	clk       clock.Clock
	logger    *slog.Logger

	// listenAddress is what invitations advertise. Empty means this
	// instance only originates connections and cannot invite.
	listenAddress string

	// onTrusted fires after either side of a pairing completes,
	// typically wired to the discovery loop's Trigger.
	onTrusted func()

	mu      sync.Mutex
	pending map[string]*pendingInvitation
}

// Config assembles a Coordinator's collaborators.
type Config struct {
	Person        *identity.Person
	Instance      *identity.Instance
	Directory     *directory.Directory
	Dialer        transport.Dialer
	Clock         clock.Clock
	Logger        *slog.Logger
	ListenAddress string
	OnTrusted     func()
}

// NewCoordinator creates a coordinator. Clock and Logger default to
// the real clock and slog.Default; OnTrusted may be nil.
func NewCoordinator(cfg Config) *Coordinator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		person:        cfg.Person,
		instance:      cfg.Instance,
		directory:     cfg.Directory,
		dialer:        cfg.Dialer,
		clk:           clk,
		logger:        logger,
		listenAddress: cfg.ListenAddress,
		onTrusted:     cfg.OnTrusted,
		pending:       make(map[string]*pendingInvitation),
	}
}

// CreateInvitation mints a single-use invitation advertising the
// local instance. Fails with ErrNotListening when the coordinator has
// no reachable address.
func (c *Coordinator) CreateInvitation() (Invitation, error) {
	if c.listenAddress == "" {
		return Invitation{}, ErrNotListening
	}
	token := make([]byte, tokenSize)
	if _, err := rand.Read(token); err != nil {
		return Invitation{}, fmt.Errorf("generating invitation token: %w", err)
	}
	invitation := Invitation{
		Token:       token,
		InstanceKey: c.instance.PublicKey,
		ReachableAt: c.listenAddress,
		ExpiresAt:   c.clk.Now().Add(InvitationTTL).UnixMilli(),
	}

	c.mu.Lock()
	c.pending[hex.EncodeToString(token)] = &pendingInvitation{
		invitation: invitation,
		state:      StateInvitationIssued,
	}
	c.mu.Unlock()

	c.logger.Info("invitation issued", "expires_at", invitation.ExpiresAt)
	return invitation, nil
}

// AcceptInvitation dials the inviter and redeems the invitation.
// Success materializes the Contact on both sides. Every failure is
// terminal for this invitation.
func (c *Coordinator) AcceptInvitation(ctx context.Context, invitation Invitation) (directory.Contact, error) {
	if err := invitation.Validate(); err != nil {
		return directory.Contact{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	// Check expiry locally before spending a connection on it.
	if c.clk.Now().UnixMilli() >= invitation.ExpiresAt {
		return directory.Contact{}, ErrExpired
	}

	state := StateAwaitingHandshake
	c.logger.Debug("pairing attempt", "state", state, "reachable_at", invitation.ReachableAt)

	stream, err := c.dialer.Dial(ctx, invitation.ReachableAt)
	if err != nil {
		return directory.Contact{}, &TransportError{Err: fmt.Errorf("dialing inviter: %w", err)}
	}
	defer stream.Close()

	session, err := transport.Secure(stream, c.instance)
	if err != nil {
		return directory.Contact{}, &TransportError{Err: fmt.Errorf("securing session: %w", err)}
	}
	// The session proves the far end holds some instance key; the
	// invitation pins WHICH key it must be.
	if !bytes.Equal(session.Peer().PublicKey, invitation.InstanceKey) {
		return directory.Contact{}, fmt.Errorf("%w: session key differs from the invitation's instance key", ErrKeyMismatch)
	}
	state = StateKeysExchanged
	c.logger.Debug("pairing attempt", "state", state)

	now := c.clk.Now().UnixMilli()
	ownEndpoint, err := directory.NewSignedEndpoint(c.person, c.instance, c.listenAddress, now)
	if err != nil {
		return directory.Contact{}, fmt.Errorf("building own endpoint: %w", err)
	}
	request := pairingRequest{
		Token:     invitation.Token,
		Endpoint:  ownEndpoint,
		PersonKey: c.person.PublicKey,
	}
	if err := transport.SendMessage(session, request); err != nil {
		return directory.Contact{}, &TransportError{Err: fmt.Errorf("sending pairing request: %w", err)}
	}

	var response pairingResponse
	if err := transport.ReceiveMessage(session, &response); err != nil {
		return directory.Contact{}, &TransportError{Err: fmt.Errorf("receiving pairing response: %w", err)}
	}
	switch response.Status {
	case statusOK:
	case statusExpired:
		return directory.Contact{}, ErrExpired
	case statusKeyMismatch:
		return directory.Contact{}, ErrKeyMismatch
	default:
		return directory.Contact{}, ErrInvalidToken
	}

	if err := response.Endpoint.Verify(response.PersonKey); err != nil {
		return directory.Contact{}, fmt.Errorf("%w: inviter endpoint: %v", ErrKeyMismatch, err)
	}
	state = StateIdentitiesExchanged
	c.logger.Debug("pairing attempt", "state", state, "remote_person", response.Endpoint.Person)

	contact := directory.Contact{
		LocalPerson:     c.person.ID,
		RemotePerson:    response.Endpoint.Person,
		RemotePersonKey: response.PersonKey,
		CreatedAt:       now,
	}
	if err := c.materialize(ctx, contact, response.Endpoint); err != nil {
		return directory.Contact{}, err
	}
	state = StateTrusted
	c.logger.Info("pairing complete", "state", state, "remote_person", contact.RemotePerson)
	return contact, nil
}

// HandleStream serves one inbound pairing connection on the inviter
// side. The caller (the daemon's accept loop) hands over the raw
// stream; HandleStream secures it, validates the presented token, and
// on success materializes the Contact locally. The returned error
// describes why the attempt failed; the remote side receives a status
// response either way.
func (c *Coordinator) HandleStream(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()

	session, err := transport.Secure(stream, c.instance)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("securing inbound session: %w", err)}
	}

	var request pairingRequest
	if err := transport.ReceiveMessage(session, &request); err != nil {
		return &TransportError{Err: fmt.Errorf("receiving pairing request: %w", err)}
	}

	if err := c.consumeToken(request.Token); err != nil {
		status := statusInvalidToken
		if errors.Is(err, ErrExpired) {
			status = statusExpired
		}
		c.respond(session, pairingResponse{Status: status})
		return err
	}

	// Verify the acceptor's identity claim: signed endpoint, key hash
	// binding, and session key consistency.
	if err := request.Endpoint.Verify(request.PersonKey); err != nil {
		c.failPending(request.Token)
		c.respond(session, pairingResponse{Status: statusKeyMismatch})
		return fmt.Errorf("%w: acceptor endpoint: %v", ErrKeyMismatch, err)
	}
	if hash.Key(session.Peer().PublicKey) != request.Endpoint.InstanceKeyHash {
		c.failPending(request.Token)
		c.respond(session, pairingResponse{Status: statusKeyMismatch})
		return fmt.Errorf("%w: session instance key differs from the advertised endpoint", ErrKeyMismatch)
	}

	now := c.clk.Now().UnixMilli()
	ownEndpoint, err := directory.NewSignedEndpoint(c.person, c.instance, c.listenAddress, now)
	if err != nil {
		return fmt.Errorf("building own endpoint: %w", err)
	}
	if err := transport.SendMessage(session, pairingResponse{
		Status:    statusOK,
		Endpoint:  ownEndpoint,
		PersonKey: c.person.PublicKey,
	}); err != nil {
		return &TransportError{Err: fmt.Errorf("sending pairing response: %w", err)}
	}

	contact := directory.Contact{
		LocalPerson:     c.person.ID,
		RemotePerson:    request.Endpoint.Person,
		RemotePersonKey: request.PersonKey,
		CreatedAt:       now,
	}
	if err := c.materialize(ctx, contact, request.Endpoint); err != nil {
		return err
	}
	c.setPendingState(request.Token, StateTrusted)
	c.logger.Info("pairing complete", "state", StateTrusted, "remote_person", contact.RemotePerson)
	return nil
}

// consumeToken looks up and burns a token. Consumption happens before
// the handshake completes: a failed handshake still burns the token,
// so an observer of a half-finished exchange cannot replay it.
func (c *Coordinator) consumeToken(token []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, exists := c.pending[hex.EncodeToString(token)]
	if !exists || pending.consumed {
		return ErrInvalidToken
	}
	pending.consumed = true
	if c.clk.Now().UnixMilli() >= pending.invitation.ExpiresAt {
		pending.state = StateExpired
		return ErrExpired
	}
	pending.state = StateAwaitingHandshake
	return nil
}

func (c *Coordinator) setPendingState(token []byte, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending, exists := c.pending[hex.EncodeToString(token)]; exists {
		pending.state = state
	}
}

func (c *Coordinator) failPending(token []byte) {
	c.setPendingState(token, StateRejected)
}

// InvitationState reports the ledger state of an issued invitation,
// or StateIdle for an unknown token.
func (c *Coordinator) InvitationState(token []byte) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending, exists := c.pending[hex.EncodeToString(token)]; exists {
		return pending.state
	}
	return StateIdle
}

// respond sends a failure status, best-effort: the protocol error
// being reported matters more than whether the peer heard it.
func (c *Coordinator) respond(session transport.Stream, response pairingResponse) {
	if err := transport.SendMessage(session, response); err != nil {
		c.logger.Debug("sending pairing failure response", "error", err)
	}
}

// materialize records the contact and its endpoint and fires the
// discovery hook.
func (c *Coordinator) materialize(ctx context.Context, contact directory.Contact, endpoint directory.Endpoint) error {
	if err := c.directory.RecordContact(ctx, contact); err != nil {
		return fmt.Errorf("recording contact: %w", err)
	}
	if err := c.directory.RecordEndpoint(ctx, endpoint); err != nil {
		return fmt.Errorf("recording endpoint: %w", err)
	}
	if c.onTrusted != nil {
		c.onTrusted()
	}
	return nil
}
