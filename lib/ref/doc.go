// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated identifier types for Hearth principals
// and conversations: [PersonID] for key-pair-backed identities,
// [InstanceID] for running processes, [TopicID] for conversations, and
// [GroupID] for multi-party membership objects.
//
// All types are immutable value types wrapping a validated string. The
// zero value is never valid; use IsZero to check. Every type implements
// encoding.TextMarshaler and encoding.TextUnmarshaler so that values
// round-trip through CBOR and JSON with validation applied at
// deserialization, not at point of use.
//
// Identifier strings have the form "<prefix>-<16 hex chars>", e.g.
// "p-4f1a2b3c4d5e6f70". The hex payload is a truncated digest or random
// discriminator assigned at derivation; see lib/hash for the derivation
// functions.
package ref
