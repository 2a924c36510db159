// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Hearth is the operator CLI. It works directly against a Hearth data
// directory: creating the identity, redeeming pairing invitations,
// sending and reading messages, managing groups, and storing or
// fetching attachments. Run it against its own data directory (or
// while the daemon is stopped); the daemon owns its store while
// running.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/hearth-federation/hearth/attachment"
	"github.com/hearth-federation/hearth/channel"
	"github.com/hearth-federation/hearth/directory"
	"github.com/hearth-federation/hearth/identity"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
	"github.com/hearth-federation/hearth/pairing"
	"github.com/hearth-federation/hearth/peersync"
	"github.com/hearth-federation/hearth/store"
	"github.com/hearth-federation/hearth/transport"
)

const usage = `usage: hearth <command> [flags]

commands:
  init          create a new identity keyring
  accept        redeem a pairing invitation
  contacts      list trusted contacts
  send          append a message to a conversation
  history       print the merged history of a conversation
  group-create  create a group conversation
  groups        list known groups
  attach        store a file as an attachment blob
  fetch         fetch an attachment blob by hash
  sync          run one sync session against a peer address

Common flags: --data-dir, --passphrase-file.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("no command given")
	}
	command, rest := args[0], args[1:]
	switch command {
	case "init":
		return runInit(rest)
	case "accept":
		return runAccept(rest)
	case "contacts":
		return runContacts(rest)
	case "send":
		return runSend(rest)
	case "history":
		return runHistory(rest)
	case "group-create":
		return runGroupCreate(rest)
	case "groups":
		return runGroups(rest)
	case "attach":
		return runAttach(rest)
	case "fetch":
		return runFetch(rest)
	case "sync":
		return runSync(rest)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// env is the opened state every data-bearing command needs.
type env struct {
	keyring   *identity.Keyring
	fileStore *store.FileStore
	directory *directory.Directory
	engine    *channel.Engine
}

// commonFlags registers the shared flags on a command's flag set.
func commonFlags(flags *pflag.FlagSet) (dataDir, passphraseFile *string) {
	dataDir = flags.String("data-dir", defaultDataDir(), "Hearth data directory")
	passphraseFile = flags.String("passphrase-file", "", "file containing the keyring passphrase")
	return dataDir, passphraseFile
}

func defaultDataDir() string {
	if dir := os.Getenv("HEARTH_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hearth"
	}
	return home + "/.hearth"
}

func openEnv(ctx context.Context, dataDir, passphraseFile string) (*env, error) {
	passphrase, err := readPassphrase(passphraseFile)
	if err != nil {
		return nil, err
	}
	fileStore, err := store.NewFileStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	keyring, err := identity.LoadKeyring(dataDir+"/keyring.age", passphrase)
	if err != nil {
		return nil, fmt.Errorf("loading keyring (run 'hearth init' first?): %w", err)
	}
	dir, err := directory.New(ctx, fileStore, nil)
	if err != nil {
		return nil, fmt.Errorf("loading directory: %w", err)
	}
	engine := channel.NewEngine(fileStore, dir, nil)
	engine.RegisterLocalOwner(keyring.Person)
	return &env{keyring: keyring, fileStore: fileStore, directory: dir, engine: engine}, nil
}

func readPassphrase(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("--passphrase-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading passphrase file: %w", err)
	}
	passphrase := string(data)
	for len(passphrase) > 0 && (passphrase[len(passphrase)-1] == '\n' || passphrase[len(passphrase)-1] == '\r') {
		passphrase = passphrase[:len(passphrase)-1]
	}
	if passphrase == "" {
		return "", fmt.Errorf("passphrase file %s is empty", path)
	}
	return passphrase, nil
}

func runInit(args []string) error {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	credential := flags.String("credential", "", "identity credential (email address or similar)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *credential == "" {
		return fmt.Errorf("--credential is required")
	}
	passphrase, err := readPassphrase(*passphraseFile)
	if err != nil {
		return err
	}

	keyringPath := *dataDir + "/keyring.age"
	if _, err := os.Stat(keyringPath); err == nil {
		return fmt.Errorf("keyring already exists at %s", keyringPath)
	}
	person, err := identity.NewPerson(*credential)
	if err != nil {
		return err
	}
	instance, err := identity.NewInstance(person.ID)
	if err != nil {
		return err
	}
	if err := identity.SaveKeyring(keyringPath, passphrase, &identity.Keyring{Person: person, Instance: instance}); err != nil {
		return err
	}
	fmt.Printf("person   %s\ninstance %s\nkeyring  %s\n", person.ID, instance.ID, keyringPath)
	return nil
}

func runAccept(args []string) error {
	flags := pflag.NewFlagSet("accept", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: hearth accept <invitation-text>")
	}
	invitation, err := pairing.DecodeInvitation(flags.Arg(0))
	if err != nil {
		return err
	}

	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	coordinator := pairing.NewCoordinator(pairing.Config{
		Person:    environment.keyring.Person,
		Instance:  environment.keyring.Instance,
		Directory: environment.directory,
		Dialer:    transport.WithIntent(transport.TCPDialer{}, transport.IntentPair),
	})
	contact, err := coordinator.AcceptInvitation(ctx, invitation)
	if err != nil {
		return err
	}
	fmt.Printf("paired with %s\n", contact.RemotePerson)
	return nil
}

func runContacts(args []string) error {
	flags := pflag.NewFlagSet("contacts", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	for _, contact := range environment.directory.Contacts() {
		fmt.Printf("%s  (paired %s)\n", contact.RemotePerson,
			time.UnixMilli(contact.CreatedAt).Format(time.RFC3339))
		for _, endpoint := range environment.directory.Lookup(contact.RemotePerson) {
			reachable := endpoint.ReachableAt
			if reachable == "" {
				reachable = "(originate-only)"
			}
			fmt.Printf("  %s  %s\n", endpoint.Instance, reachable)
		}
	}
	return nil
}

// resolveTopic turns --to / --group flags into a TopicID.
func resolveTopic(local ref.PersonID, to, group string) (ref.TopicID, error) {
	switch {
	case to != "" && group != "":
		return ref.TopicID{}, fmt.Errorf("--to and --group are mutually exclusive")
	case to != "":
		remote, err := ref.ParsePersonID(to)
		if err != nil {
			return ref.TopicID{}, err
		}
		return hash.DeriveDirectTopicID([]ref.PersonID{local, remote}), nil
	case group != "":
		groupID, err := ref.ParseGroupID(group)
		if err != nil {
			return ref.TopicID{}, err
		}
		return hash.DeriveGroupTopicID(groupID), nil
	default:
		return ref.TopicID{}, fmt.Errorf("one of --to or --group is required")
	}
}

func runSend(args []string) error {
	flags := pflag.NewFlagSet("send", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	to := flags.String("to", "", "person ID for a direct conversation")
	group := flags.String("group", "", "group ID for a group conversation")
	attach := flags.StringSlice("attach", nil, "attachment blob hashes")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: hearth send --to <person>|--group <group> <text>")
	}

	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	topic, err := resolveTopic(environment.keyring.Person.ID, *to, *group)
	if err != nil {
		return err
	}
	var attachments []hash.Hash
	for _, hexHash := range *attach {
		digest, err := hash.Parse(hexHash)
		if err != nil {
			return fmt.Errorf("attachment %q: %w", hexHash, err)
		}
		attachments = append(attachments, digest)
	}

	address, err := environment.engine.Append(ctx, topic, environment.keyring.Person.ID, channel.Entry{
		Timestamp:   time.Now().UnixMilli(),
		Text:        flags.Arg(0),
		Attachments: attachments,
	})
	if err != nil {
		return err
	}
	fmt.Printf("sent %s to %s\n", address.Short(), topic)
	return nil
}

func runHistory(args []string) error {
	flags := pflag.NewFlagSet("history", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	to := flags.String("to", "", "person ID for a direct conversation")
	group := flags.String("group", "", "group ID for a group conversation")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	topic, err := resolveTopic(environment.keyring.Person.ID, *to, *group)
	if err != nil {
		return err
	}
	entries, err := environment.engine.RetrieveAll(ctx, topic)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		timestamp := time.UnixMilli(entry.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %s  %s", timestamp, entry.Author, entry.Text)
		for _, attachmentHash := range entry.Attachments {
			fmt.Printf("  [attachment %s]", attachmentHash.Short())
		}
		fmt.Println()
	}
	return nil
}

func runGroupCreate(args []string) error {
	flags := pflag.NewFlagSet("group-create", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	members := flags.StringSlice("member", nil, "person ID of a member (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if len(*members) == 0 {
		return fmt.Errorf("at least one --member is required")
	}

	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	memberIDs := make([]ref.PersonID, 0, len(*members))
	for _, raw := range *members {
		member, err := ref.ParsePersonID(raw)
		if err != nil {
			return err
		}
		memberIDs = append(memberIDs, member)
	}
	group, err := channel.CreateGroup(ctx, environment.fileStore, environment.keyring.Person.ID, memberIDs)
	if err != nil {
		return err
	}
	if err := environment.engine.GrantGroupAccess(ctx, group.Topic(), group); err != nil {
		return err
	}
	fmt.Printf("group %s\ntopic %s\n", group.ID, group.Topic())
	return nil
}

func runGroups(args []string) error {
	flags := pflag.NewFlagSet("groups", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	groups, err := channel.Groups(ctx, environment.fileStore)
	if err != nil {
		return err
	}
	for _, group := range groups {
		fmt.Printf("%s  v%d  %d members\n", group.ID, group.Version, len(group.Members))
		for _, member := range group.Members {
			fmt.Printf("  %s\n", member)
		}
	}
	return nil
}

func runAttach(args []string) error {
	flags := pflag.NewFlagSet("attach", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	mimeType := flags.String("mime", "application/octet-stream", "MIME type of the attachment")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: hearth attach <file>")
	}

	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return fmt.Errorf("reading attachment: %w", err)
	}
	descriptor, err := attachment.NewBlobDescriptor(*mimeType, flags.Arg(0), data)
	if err != nil {
		return err
	}
	if err := attachment.StoreBlob(ctx, environment.fileStore, descriptor); err != nil {
		return err
	}
	fmt.Printf("%s\n", descriptor.Hash)
	return nil
}

func runFetch(args []string) error {
	flags := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	out := flags.String("out", "", "output file (default: the blob's original name)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: hearth fetch <hash>")
	}
	digest, err := hash.Parse(flags.Arg(0))
	if err != nil {
		return err
	}

	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	resolver := attachment.NewResolver(environment.fileStore, nil, nil, 0)
	descriptor, err := resolver.Resolve(ctx, digest)
	if err != nil {
		return err
	}
	target := *out
	if target == "" {
		target = descriptor.OriginalName
	}
	if target == "" {
		target = digest.Short()
	}
	if err := os.WriteFile(target, descriptor.Data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}
	fmt.Printf("wrote %d bytes (%s) to %s\n", descriptor.ByteSize, descriptor.MimeType, target)
	return nil
}

func runSync(args []string) error {
	flags := pflag.NewFlagSet("sync", pflag.ContinueOnError)
	dataDir, passphraseFile := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: hearth sync <address>")
	}

	ctx := context.Background()
	environment, err := openEnv(ctx, *dataDir, *passphraseFile)
	if err != nil {
		return err
	}
	dialer := transport.WithIntent(transport.TCPDialer{}, transport.IntentSync)
	stream, err := dialer.Dial(ctx, flags.Arg(0))
	if err != nil {
		return err
	}
	defer stream.Close()
	session, err := transport.Secure(stream, environment.keyring.Instance)
	if err != nil {
		return err
	}
	if err := peersync.VerifyPeer(environment.directory, session.Peer()); err != nil {
		return err
	}
	syncer := peersync.NewSyncer(environment.fileStore, environment.engine, environment.directory, nil, nil)
	if err := syncer.Sync(ctx, session); err != nil {
		return err
	}
	fmt.Println("sync complete")
	return nil
}
