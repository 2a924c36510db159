// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery keeps channel provisioning converged with group
// membership. New groups arrive asynchronously (created locally,
// replicated from peers, or learned during pairing); the loop notices
// them and makes sure every locally-hosted member has a channel for
// the group's topic with the right access grants.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-federation/hearth/channel"
	"github.com/hearth-federation/hearth/lib/clock"
	"github.com/hearth-federation/hearth/lib/ref"
	"github.com/hearth-federation/hearth/store"
)

// DefaultScanInterval is the periodic sweep cadence. The sweep is a
// safety net; the Trigger path is what makes new groups usable
// promptly, so the interval can stay lazy.
const DefaultScanInterval = 30 * time.Second

// Provisioner is the slice of the channel engine the loop drives.
type Provisioner interface {
	// GrantGroupAccess ensures every locally-hosted member of group
	// has a channel for topic carrying grants for the other members.
	// Idempotent.
	GrantGroupAccess(ctx context.Context, topic ref.TopicID, group channel.Group) error
}

var _ Provisioner = (*channel.Engine)(nil)

// Loop periodically reconciles known groups against provisioned
// channels. Scans are serialized: a Trigger during a scan coalesces
// into at most one follow-up scan.
type Loop struct {
	contentStore store.ContentStore
	provisioner  Provisioner
	clk          clock.Clock
	logger       *slog.Logger
	interval     time.Duration

	// trigger is capacity-1: pending triggers coalesce.
	trigger chan struct{}

	scanMu sync.Mutex
}

// NewLoop creates a discovery loop. A zero interval selects
// DefaultScanInterval; a nil clock selects the real one.
func NewLoop(contentStore store.ContentStore, provisioner Provisioner, clk clock.Clock, logger *slog.Logger, interval time.Duration) *Loop {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Loop{
		contentStore: contentStore,
		provisioner:  provisioner,
		clk:          clk,
		logger:       logger,
		interval:     interval,
		trigger:      make(chan struct{}, 1),
	}
}

// Trigger requests an out-of-band scan. Never blocks; triggers
// arriving while a scan request is already pending coalesce.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Run scans at startup, then on every tick and trigger until ctx is
// cancelled. Always returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.Scan(ctx)

	ticker := l.clk.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-l.trigger:
		}
		l.Scan(ctx)
	}
}

// Scan reconciles every known group once. Failures are per-group: a
// group that cannot be provisioned is logged and skipped, and the
// next scan retries it. Concurrent calls serialize.
func (l *Loop) Scan(ctx context.Context) {
	l.scanMu.Lock()
	defer l.scanMu.Unlock()

	groups, err := channel.Groups(ctx, l.contentStore)
	if err != nil {
		l.logger.Warn("group scan failed", "error", err)
		return
	}
	for _, group := range groups {
		if err := l.provisioner.GrantGroupAccess(ctx, group.Topic(), group); err != nil {
			l.logger.Warn("group provisioning failed",
				"group", group.ID,
				"error", err)
			continue
		}
	}
	l.logger.Debug("group scan complete", "groups", len(groups))
}
