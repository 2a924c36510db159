// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Hearthd is the storage/network-facing Hearth instance. It owns the
// durable store, listens for peer connections (pairing and sync),
// runs the group discovery loop, and periodically reconciles with
// every reachable contact.
//
// On startup:
//  1. Loads configuration (YAML file, flag overrides).
//  2. Opens the file store and decrypts the keyring (creating both on
//     first boot).
//  3. Starts the discovery loop and the peer listener.
//  4. Enters the sync scheduler: periodic full reconciliation with
//     every contact, plus immediate passes when new contacts appear.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hearth-federation/hearth/channel"
	"github.com/hearth-federation/hearth/directory"
	"github.com/hearth-federation/hearth/discovery"
	"github.com/hearth-federation/hearth/identity"
	"github.com/hearth-federation/hearth/lib/clock"
	"github.com/hearth-federation/hearth/pairing"
	"github.com/hearth-federation/hearth/peersync"
	"github.com/hearth-federation/hearth/store"
	"github.com/hearth-federation/hearth/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		printInvite  bool
		flagListen   string
		flagDataDir  string
		flagCredName string
	)
	pflag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	pflag.BoolVar(&printInvite, "invite", false, "print a fresh pairing invitation on startup")
	pflag.StringVar(&flagListen, "listen", "", "listen address override")
	pflag.StringVar(&flagDataDir, "data-dir", "", "data directory override")
	pflag.StringVar(&flagCredName, "credential", "", "identity credential override (first boot only)")
	pflag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagCredName != "" {
		cfg.Credential = flagCredName
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.logLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	fileStore, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	keyring, err := openKeyring(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("identity loaded",
		"person", keyring.Person.ID,
		"instance", keyring.Instance.ID)

	dir, err := directory.New(ctx, fileStore, logger)
	if err != nil {
		return fmt.Errorf("loading directory: %w", err)
	}
	engine := channel.NewEngine(fileStore, dir, logger)
	engine.RegisterLocalOwner(keyring.Person)

	loop := discovery.NewLoop(fileStore, engine, clk, logger, cfg.scanInterval())
	go loop.Run(ctx)

	syncWake := make(chan struct{}, 1)
	wakeSync := func() {
		select {
		case syncWake <- struct{}{}:
		default:
		}
	}

	syncer := peersync.NewSyncer(fileStore, engine, dir, logger, loop.Trigger)
	coordinator := pairing.NewCoordinator(pairing.Config{
		Person:        keyring.Person,
		Instance:      keyring.Instance,
		Directory:     dir,
		Dialer:        transport.WithIntent(transport.TCPDialer{}, transport.IntentPair),
		Logger:        logger,
		ListenAddress: cfg.Listen,
		OnTrusted: func() {
			loop.Trigger()
			wakeSync()
		},
	})

	listener, err := transport.ListenTCP(cfg.Listen)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	defer listener.Close()
	logger.Info("listening", "address", listener.Addr())

	// Advertise this instance in the local directory so it replicates
	// to every peer we sync with.
	selfEndpoint, err := directory.NewSignedEndpoint(keyring.Person, keyring.Instance, cfg.Listen, clk.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("building self endpoint: %w", err)
	}
	if err := dir.RecordEndpoint(ctx, selfEndpoint); err != nil {
		return fmt.Errorf("recording self endpoint: %w", err)
	}

	if printInvite {
		invitation, err := coordinator.CreateInvitation()
		if err != nil {
			return fmt.Errorf("creating invitation: %w", err)
		}
		text, err := invitation.Encode()
		if err != nil {
			return err
		}
		fmt.Printf("invitation (valid %s):\n%s\n", pairing.InvitationTTL, text)
	}

	daemon := newDaemon(keyring, dir, syncer, coordinator, clk, logger)
	go daemon.acceptLoop(ctx, listener)
	daemon.syncScheduler(ctx, cfg.syncInterval(), syncWake)
	return nil
}

type daemon struct {
	keyring     *identity.Keyring
	directory   *directory.Directory
	syncer      *peersync.Syncer
	coordinator *pairing.Coordinator
	clk         clock.Clock
	logger      *slog.Logger

	// syncContacts is the scheduler's unit of work, split out so tests
	// can count scheduler passes without a network.
	syncContacts func(context.Context)
}

func newDaemon(keyring *identity.Keyring, dir *directory.Directory, syncer *peersync.Syncer, coordinator *pairing.Coordinator, clk clock.Clock, logger *slog.Logger) *daemon {
	d := &daemon{
		keyring:     keyring,
		directory:   dir,
		syncer:      syncer,
		coordinator: coordinator,
		clk:         clk,
		logger:      logger,
	}
	d.syncContacts = d.syncAllContacts
	return d
}

// acceptLoop routes inbound streams by their intent frame.
func (d *daemon) acceptLoop(ctx context.Context, listener transport.Listener) {
	for {
		stream, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("accepting peer connection", "error", err)
			continue
		}
		go d.serveStream(ctx, stream)
	}
}

func (d *daemon) serveStream(ctx context.Context, stream transport.Stream) {
	intent, err := stream.Receive()
	if err != nil {
		d.logger.Debug("reading connection intent", "error", err)
		stream.Close()
		return
	}
	switch string(intent) {
	case transport.IntentPair:
		if err := d.coordinator.HandleStream(ctx, stream); err != nil {
			d.logger.Warn("pairing attempt failed", "error", err)
		}
	case transport.IntentSync:
		if err := d.serveSync(ctx, stream); err != nil {
			d.logger.Warn("inbound sync failed", "error", err)
		}
	default:
		d.logger.Warn("unknown connection intent", "intent", string(intent))
		stream.Close()
	}
}

func (d *daemon) serveSync(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()
	session, err := transport.Secure(stream, d.keyring.Instance)
	if err != nil {
		return fmt.Errorf("securing sync session: %w", err)
	}
	if err := peersync.VerifyPeer(d.directory, session.Peer()); err != nil {
		return fmt.Errorf("refusing sync: %w", err)
	}
	return d.syncer.Sync(ctx, session)
}

// syncScheduler reconciles with every reachable contact on a fixed
// interval and immediately when woken (new contact, completed
// pairing). Blocks until ctx is cancelled.
func (d *daemon) syncScheduler(ctx context.Context, interval time.Duration, wake <-chan struct{}) {
	ticker := d.clk.NewTicker(interval)
	defer ticker.Stop()

	d.syncContacts(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		case <-d.directory.NewContacts():
		}
		d.syncContacts(ctx)
	}
}

// syncAllContacts runs one sync session per reachable endpoint of
// every contact. Per-peer failures are logged and skipped.
func (d *daemon) syncAllContacts(ctx context.Context) {
	dialer := transport.WithIntent(transport.TCPDialer{}, transport.IntentSync)
	for _, contact := range d.directory.Contacts() {
		for _, endpoint := range d.directory.Lookup(contact.RemotePerson) {
			if endpoint.ReachableAt == "" || endpoint.Instance == d.keyring.Instance.ID {
				continue
			}
			if err := d.syncWithEndpoint(ctx, dialer, endpoint); err != nil {
				d.logger.Warn("sync with peer failed",
					"person", endpoint.Person,
					"instance", endpoint.Instance,
					"address", endpoint.ReachableAt,
					"error", err)
			}
		}
	}
}

func (d *daemon) syncWithEndpoint(ctx context.Context, dialer transport.Dialer, endpoint directory.Endpoint) error {
	stream, err := dialer.Dial(ctx, endpoint.ReachableAt)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	defer stream.Close()

	session, err := transport.Secure(stream, d.keyring.Instance)
	if err != nil {
		return fmt.Errorf("securing session: %w", err)
	}
	// The endpoint record pins the instance key we expect to find at
	// this address.
	if session.Peer().Instance != endpoint.Instance {
		return fmt.Errorf("dialed instance %s but reached %s", endpoint.Instance, session.Peer().Instance)
	}
	return d.syncer.Sync(ctx, session)
}

// openKeyring loads the keyring, creating a fresh identity on first
// boot when a credential is configured.
func openKeyring(cfg config, logger *slog.Logger) (*identity.Keyring, error) {
	passphrase, err := readPassphrase(cfg.PassphraseFile)
	if err != nil {
		return nil, err
	}

	keyring, err := identity.LoadKeyring(cfg.keyringPath(), passphrase)
	if err == nil {
		return keyring, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading keyring: %w", err)
	}
	if cfg.Credential == "" {
		return nil, fmt.Errorf("no keyring at %s and no credential configured for first boot", cfg.keyringPath())
	}

	person, err := identity.NewPerson(cfg.Credential)
	if err != nil {
		return nil, fmt.Errorf("creating person identity: %w", err)
	}
	instance, err := identity.NewInstance(person.ID)
	if err != nil {
		return nil, fmt.Errorf("creating instance identity: %w", err)
	}
	keyring = &identity.Keyring{Person: person, Instance: instance}
	if err := identity.SaveKeyring(cfg.keyringPath(), passphrase, keyring); err != nil {
		return nil, fmt.Errorf("saving keyring: %w", err)
	}
	logger.Info("new identity created", "person", person.ID, "instance", instance.ID)
	return keyring, nil
}

func readPassphrase(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("passphrase_file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading passphrase file: %w", err)
	}
	passphrase := strings.TrimSpace(string(data))
	if passphrase == "" {
		return "", fmt.Errorf("passphrase file %s is empty", path)
	}
	return passphrase, nil
}
