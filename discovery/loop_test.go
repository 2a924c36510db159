// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hearth-federation/hearth/channel"
	"github.com/hearth-federation/hearth/identity"
	"github.com/hearth-federation/hearth/lib/clock"
	"github.com/hearth-federation/hearth/lib/ref"
	"github.com/hearth-federation/hearth/lib/testutil"
	"github.com/hearth-federation/hearth/store"
)

const testTimeout = 5 * time.Second

// recordingProvisioner records granted groups and optionally fails
// for a chosen group ID.
type recordingProvisioner struct {
	mu      sync.Mutex
	granted []ref.GroupID
	failFor ref.GroupID
	// scanned receives one value per provisioning attempt.
	scanned chan ref.GroupID
}

func newRecordingProvisioner() *recordingProvisioner {
	return &recordingProvisioner{scanned: make(chan ref.GroupID, 64)}
}

func (p *recordingProvisioner) GrantGroupAccess(ctx context.Context, topic ref.TopicID, group channel.Group) error {
	p.scanned <- group.ID
	if group.ID == p.failFor {
		return fmt.Errorf("provisioning %s: store offline", group.ID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = append(p.granted, group.ID)
	return nil
}

func (p *recordingProvisioner) grantedGroups() []ref.GroupID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ref.GroupID(nil), p.granted...)
}

func testPerson(t *testing.T, credential string) ref.PersonID {
	t.Helper()
	person, err := identity.NewPerson(credential)
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}
	return person.ID
}

func TestStartupScanProvisionsExistingGroups(t *testing.T) {
	memoryStore := store.NewMemoryStore()
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, err := channel.CreateGroup(ctx, memoryStore, alice, []ref.PersonID{bob})
	if err != nil {
		t.Fatalf("CreateGroup error: %v", err)
	}

	provisioner := newRecordingProvisioner()
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	loop := NewLoop(memoryStore, provisioner, fakeClock, nil, time.Minute)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	got := testutil.RequireReceive(t, provisioner.scanned, testTimeout, "startup scan")
	if got != group.ID {
		t.Errorf("startup scan provisioned %s, want %s", got, group.ID)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, testTimeout, "loop shutdown"); err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestTriggerCausesScan(t *testing.T) {
	memoryStore := store.NewMemoryStore()
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provisioner := newRecordingProvisioner()
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	loop := NewLoop(memoryStore, provisioner, fakeClock, nil, time.Minute)

	go loop.Run(ctx)
	fakeClock.WaitForPending(1) // startup scan finished, ticker registered

	// The group appears after startup; only the trigger reveals it.
	group, err := channel.CreateGroup(ctx, memoryStore, alice, []ref.PersonID{bob})
	if err != nil {
		t.Fatalf("CreateGroup error: %v", err)
	}
	loop.Trigger()

	got := testutil.RequireReceive(t, provisioner.scanned, testTimeout, "triggered scan")
	if got != group.ID {
		t.Errorf("triggered scan provisioned %s, want %s", got, group.ID)
	}
}

func TestTickerCausesScan(t *testing.T) {
	memoryStore := store.NewMemoryStore()
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provisioner := newRecordingProvisioner()
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	loop := NewLoop(memoryStore, provisioner, fakeClock, nil, time.Minute)

	go loop.Run(ctx)
	fakeClock.WaitForPending(1)

	if _, err := channel.CreateGroup(ctx, memoryStore, alice, []ref.PersonID{bob}); err != nil {
		t.Fatalf("CreateGroup error: %v", err)
	}
	fakeClock.Advance(time.Minute)

	testutil.RequireReceive(t, provisioner.scanned, testTimeout, "periodic scan")
}

func TestPerGroupFailureIsolation(t *testing.T) {
	memoryStore := store.NewMemoryStore()
	alice := testPerson(t, "alice@example.com")
	bob := testPerson(t, "bob@example.com")
	ctx := context.Background()

	failing, err := channel.CreateGroup(ctx, memoryStore, alice, []ref.PersonID{bob})
	if err != nil {
		t.Fatalf("CreateGroup error: %v", err)
	}
	healthy, err := channel.CreateGroup(ctx, memoryStore, alice, []ref.PersonID{bob})
	if err != nil {
		t.Fatalf("CreateGroup error: %v", err)
	}

	provisioner := newRecordingProvisioner()
	provisioner.failFor = failing.ID
	loop := NewLoop(memoryStore, provisioner, clock.Fake(time.Unix(1700000000, 0)), nil, time.Minute)

	// One failing group must not stop the others from provisioning.
	loop.Scan(ctx)

	granted := provisioner.grantedGroups()
	if len(granted) != 1 || granted[0] != healthy.ID {
		t.Errorf("granted = %v, want exactly [%s]", granted, healthy.ID)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	loop := NewLoop(store.NewMemoryStore(), newRecordingProvisioner(), clock.Fake(time.Unix(0, 0)), nil, time.Minute)

	// With no consumer running, repeated triggers must never block.
	for range 100 {
		loop.Trigger()
	}
	if len(loop.trigger) != 1 {
		t.Errorf("trigger channel holds %d items, want 1 (coalesced)", len(loop.trigger))
	}
}
