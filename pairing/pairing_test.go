// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hearth-federation/hearth/directory"
	"github.com/hearth-federation/hearth/identity"
	"github.com/hearth-federation/hearth/lib/clock"
	"github.com/hearth-federation/hearth/lib/testutil"
	"github.com/hearth-federation/hearth/store"
	"github.com/hearth-federation/hearth/transport"
)

const testTimeout = 5 * time.Second

// testNetwork routes dials to coordinators by advertised address and
// collects inviter-side handshake results.
type testNetwork struct {
	hosts      map[string]*Coordinator
	handlerErr chan error
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		hosts:      make(map[string]*Coordinator),
		handlerErr: make(chan error, 16),
	}
}

func (n *testNetwork) Dial(ctx context.Context, address string) (transport.Stream, error) {
	host, exists := n.hosts[address]
	if !exists {
		return nil, fmt.Errorf("no host listening at %s", address)
	}
	local, remote := transport.Pipe()
	go func() { n.handlerErr <- host.HandleStream(context.Background(), remote) }()
	return local, nil
}

// testPeer bundles one side's identity, storage, and coordinator.
type testPeer struct {
	person      *identity.Person
	instance    *identity.Instance
	directory   *directory.Directory
	coordinator *Coordinator
	triggered   chan struct{}
}

func newTestPeer(t *testing.T, network *testNetwork, credential, listenAddress string, clk clock.Clock) *testPeer {
	t.Helper()
	person, err := identity.NewPerson(credential)
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}
	instance, err := identity.NewInstance(person.ID)
	if err != nil {
		t.Fatalf("NewInstance error: %v", err)
	}
	dir, err := directory.New(context.Background(), store.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("directory.New error: %v", err)
	}
	triggered := make(chan struct{}, 1)
	peer := &testPeer{
		person:    person,
		instance:  instance,
		directory: dir,
		triggered: triggered,
	}
	peer.coordinator = NewCoordinator(Config{
		Person:        person,
		Instance:      instance,
		Directory:     dir,
		Dialer:        network,
		Clock:         clk,
		ListenAddress: listenAddress,
		OnTrusted: func() {
			select {
			case triggered <- struct{}{}:
			default:
			}
		},
	})
	if listenAddress != "" {
		network.hosts[listenAddress] = peer.coordinator
	}
	return peer
}

func TestPairingEstablishesMutualTrust(t *testing.T) {
	network := newTestNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	inviter := newTestPeer(t, network, "alice@example.com", "alice.host:7410", clk)
	acceptor := newTestPeer(t, network, "bob@example.com", "", clk)

	invitation, err := inviter.coordinator.CreateInvitation()
	if err != nil {
		t.Fatalf("CreateInvitation error: %v", err)
	}

	contact, err := acceptor.coordinator.AcceptInvitation(context.Background(), invitation)
	if err != nil {
		t.Fatalf("AcceptInvitation error: %v", err)
	}
	if err := testutil.RequireReceive(t, network.handlerErr, testTimeout, "inviter handshake"); err != nil {
		t.Fatalf("inviter HandleStream error: %v", err)
	}

	if contact.RemotePerson != inviter.person.ID {
		t.Errorf("contact remote person = %s, want %s", contact.RemotePerson, inviter.person.ID)
	}
	if !bytes.Equal(contact.RemotePersonKey, inviter.person.PublicKey) {
		t.Error("contact pinned a different person key than the inviter's")
	}

	// Both directories hold the counterpart contact.
	if _, exists := acceptor.directory.Contact(inviter.person.ID); !exists {
		t.Error("acceptor directory has no contact for the inviter")
	}
	if _, exists := inviter.directory.Contact(acceptor.person.ID); !exists {
		t.Error("inviter directory has no contact for the acceptor")
	}

	// The acceptor can now look up the inviter's reachable endpoint.
	endpoints := acceptor.directory.Lookup(inviter.person.ID)
	if len(endpoints) != 1 || endpoints[0].ReachableAt != "alice.host:7410" {
		t.Errorf("Lookup(inviter) = %+v, want one endpoint at alice.host:7410", endpoints)
	}

	// Discovery hook fired on both sides.
	testutil.RequireReceive(t, inviter.triggered, testTimeout, "inviter discovery trigger")
	testutil.RequireReceive(t, acceptor.triggered, testTimeout, "acceptor discovery trigger")

	if got := inviter.coordinator.InvitationState(invitation.Token); got != StateTrusted {
		t.Errorf("invitation state = %s, want trusted", got)
	}
}

func TestExpiredInvitationCreatesNoContact(t *testing.T) {
	network := newTestNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	inviter := newTestPeer(t, network, "alice@example.com", "alice.host:7410", clk)
	acceptor := newTestPeer(t, network, "bob@example.com", "", clk)

	invitation, err := inviter.coordinator.CreateInvitation()
	if err != nil {
		t.Fatalf("CreateInvitation error: %v", err)
	}
	clk.Advance(InvitationTTL + time.Second)

	if _, err := acceptor.coordinator.AcceptInvitation(context.Background(), invitation); !errors.Is(err, ErrExpired) {
		t.Fatalf("AcceptInvitation returned %v, want ErrExpired", err)
	}
	if _, exists := acceptor.directory.Contact(inviter.person.ID); exists {
		t.Error("expired pairing still created a contact")
	}
}

func TestInviterLedgerRejectsExpiredToken(t *testing.T) {
	network := newTestNetwork()
	inviterClock := clock.Fake(time.Unix(1700000000, 0))
	// The acceptor's clock lags, so its local expiry check passes and
	// the inviter's ledger is what rejects.
	acceptorClock := clock.Fake(time.Unix(1700000000, 0))
	inviter := newTestPeer(t, network, "alice@example.com", "alice.host:7410", inviterClock)
	acceptor := newTestPeer(t, network, "bob@example.com", "", acceptorClock)

	invitation, err := inviter.coordinator.CreateInvitation()
	if err != nil {
		t.Fatalf("CreateInvitation error: %v", err)
	}
	inviterClock.Advance(InvitationTTL + time.Second)

	if _, err := acceptor.coordinator.AcceptInvitation(context.Background(), invitation); !errors.Is(err, ErrExpired) {
		t.Fatalf("AcceptInvitation returned %v, want ErrExpired", err)
	}
	if err := testutil.RequireReceive(t, network.handlerErr, testTimeout, "inviter handshake"); !errors.Is(err, ErrExpired) {
		t.Errorf("HandleStream returned %v, want ErrExpired", err)
	}
	if got := inviter.coordinator.InvitationState(invitation.Token); got != StateExpired {
		t.Errorf("invitation state = %s, want expired", got)
	}
}

func TestTokenSingleConsumption(t *testing.T) {
	network := newTestNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	inviter := newTestPeer(t, network, "alice@example.com", "alice.host:7410", clk)
	first := newTestPeer(t, network, "bob@example.com", "", clk)
	second := newTestPeer(t, network, "carol@example.com", "", clk)

	invitation, err := inviter.coordinator.CreateInvitation()
	if err != nil {
		t.Fatalf("CreateInvitation error: %v", err)
	}
	if _, err := first.coordinator.AcceptInvitation(context.Background(), invitation); err != nil {
		t.Fatalf("first AcceptInvitation error: %v", err)
	}
	if err := testutil.RequireReceive(t, network.handlerErr, testTimeout, "first handshake"); err != nil {
		t.Fatalf("first HandleStream error: %v", err)
	}

	if _, err := second.coordinator.AcceptInvitation(context.Background(), invitation); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second AcceptInvitation returned %v, want ErrInvalidToken", err)
	}
	if err := testutil.RequireReceive(t, network.handlerErr, testTimeout, "second handshake"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second HandleStream returned %v, want ErrInvalidToken", err)
	}
	if _, exists := inviter.directory.Contact(second.person.ID); exists {
		t.Error("reused token still created a contact")
	}
}

func TestInstanceKeyMismatchRejected(t *testing.T) {
	network := newTestNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	inviter := newTestPeer(t, network, "alice@example.com", "alice.host:7410", clk)
	acceptor := newTestPeer(t, network, "bob@example.com", "", clk)
	imposter := newTestPeer(t, network, "mallory@example.com", "", clk)

	invitation, err := inviter.coordinator.CreateInvitation()
	if err != nil {
		t.Fatalf("CreateInvitation error: %v", err)
	}
	// The invitation claims a different instance key than the host at
	// ReachableAt actually holds.
	invitation.InstanceKey = imposter.instance.PublicKey

	if _, err := acceptor.coordinator.AcceptInvitation(context.Background(), invitation); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("AcceptInvitation returned %v, want ErrKeyMismatch", err)
	}
	if _, exists := acceptor.directory.Contact(inviter.person.ID); exists {
		t.Error("key-mismatched pairing still created a contact")
	}
}

func TestCreateInvitationRequiresListenAddress(t *testing.T) {
	network := newTestNetwork()
	peer := newTestPeer(t, network, "bob@example.com", "", clock.Fake(time.Unix(0, 0)))
	if _, err := peer.coordinator.CreateInvitation(); !errors.Is(err, ErrNotListening) {
		t.Errorf("CreateInvitation returned %v, want ErrNotListening", err)
	}
}

func TestInvitationEncodeDecode(t *testing.T) {
	network := newTestNetwork()
	clk := clock.Fake(time.Unix(1700000000, 0))
	inviter := newTestPeer(t, network, "alice@example.com", "alice.host:7410", clk)

	invitation, err := inviter.coordinator.CreateInvitation()
	if err != nil {
		t.Fatalf("CreateInvitation error: %v", err)
	}
	text, err := invitation.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	decoded, err := DecodeInvitation(text)
	if err != nil {
		t.Fatalf("DecodeInvitation error: %v", err)
	}
	if !bytes.Equal(decoded.Token, invitation.Token) ||
		!bytes.Equal(decoded.InstanceKey, invitation.InstanceKey) ||
		decoded.ReachableAt != invitation.ReachableAt ||
		decoded.ExpiresAt != invitation.ExpiresAt {
		t.Errorf("decoded invitation %+v differs from original %+v", decoded, invitation)
	}

	if _, err := DecodeInvitation("not base64!!"); err == nil {
		t.Error("DecodeInvitation accepted malformed text")
	}
}
