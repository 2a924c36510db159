// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/hash"
	"github.com/hearth-federation/hearth/lib/ref"
	"github.com/hearth-federation/hearth/store"
)

// Group is a multi-party membership object. Membership changes are
// new versions of the group, never mutations: version N+1 replaces
// version N wholesale when it replicates, and stale versions are
// dropped by the store's record versioning.
type Group struct {
	ID ref.GroupID `cbor:"id"`
	// Members is the sorted member set. Sorting makes the encoding
	// canonical so identical membership always hashes identically.
	Members []ref.PersonID `cbor:"members"`
	Version uint64         `cbor:"version"`
}

// Topic returns the conversation topic associated with this group.
func (g Group) Topic() ref.TopicID {
	return hash.DeriveGroupTopicID(g.ID)
}

// Contains reports whether person is a member of the group.
func (g Group) Contains(person ref.PersonID) bool {
	for _, member := range g.Members {
		if member == person {
			return true
		}
	}
	return false
}

func groupRecordKey(id ref.GroupID) string { return "group/" + id.String() }

// CreateGroup creates a new group with the given members and
// persists it. The creator is always included. The GroupID carries a
// random discriminator, so two groups with identical member sets are
// distinct conversations.
func CreateGroup(ctx context.Context, contentStore store.ContentStore, creator ref.PersonID, members []ref.PersonID) (Group, error) {
	discriminator := make([]byte, 8)
	if _, err := rand.Read(discriminator); err != nil {
		return Group{}, fmt.Errorf("generating group discriminator: %w", err)
	}

	group := Group{
		ID:      hash.DeriveGroupID(creator, discriminator),
		Members: canonicalMembers(append([]ref.PersonID{creator}, members...)),
		Version: 1,
	}
	if err := PutGroup(ctx, contentStore, group); err != nil {
		return Group{}, err
	}
	return group, nil
}

// UpdateGroupMembers persists a new version of the group with the
// given member set. The caller supplies the current group; the next
// version number follows it.
func UpdateGroupMembers(ctx context.Context, contentStore store.ContentStore, current Group, members []ref.PersonID) (Group, error) {
	updated := Group{
		ID:      current.ID,
		Members: canonicalMembers(members),
		Version: current.Version + 1,
	}
	if err := PutGroup(ctx, contentStore, updated); err != nil {
		return Group{}, err
	}
	return updated, nil
}

// PutGroup persists a group record. Stale versions are a no-op, so
// ingesting a replicated group that the local store has already
// superseded is harmless.
func PutGroup(ctx context.Context, contentStore store.ContentStore, group Group) error {
	if group.ID.IsZero() {
		return fmt.Errorf("group has no ID")
	}
	if len(group.Members) == 0 {
		return fmt.Errorf("group %s has no members", group.ID)
	}
	if err := store.PutRecordObject(ctx, contentStore, groupRecordKey(group.ID), group.Version, group); err != nil {
		return fmt.Errorf("persisting group %s: %w", group.ID, err)
	}
	return nil
}

// GetGroup fetches the current version of a group.
func GetGroup(ctx context.Context, contentStore store.ContentStore, id ref.GroupID) (Group, error) {
	var group Group
	if _, err := store.GetRecordObject(ctx, contentStore, groupRecordKey(id), &group); err != nil {
		return Group{}, err
	}
	return group, nil
}

// Groups returns every locally-visible group.
func Groups(ctx context.Context, contentStore store.ContentStore) ([]Group, error) {
	records, err := contentStore.Records(ctx, "group/")
	if err != nil {
		return nil, fmt.Errorf("enumerating groups: %w", err)
	}
	groups := make([]Group, 0, len(records))
	for _, record := range records {
		var group Group
		if err := codec.Unmarshal(record.Data, &group); err != nil {
			return nil, fmt.Errorf("parsing group record %s: %w", record.Key, err)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// canonicalMembers sorts and deduplicates a member set without
// mutating the caller's slice.
func canonicalMembers(members []ref.PersonID) []ref.PersonID {
	sorted := make([]ref.PersonID, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	canonical := sorted[:0]
	for i, member := range sorted {
		if i > 0 && member == sorted[i-1] {
			continue
		}
		canonical = append(canonical, member)
	}
	return canonical
}
