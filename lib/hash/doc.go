// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides Hearth's content addressing: 32-byte BLAKE3
// keyed digests with domain separation. An object's address is the
// digest of its canonical CBOR encoding (see lib/codec), which is what
// guarantees immutability — data retrievable only by its own digest
// can never be mutated in place.
//
// Domain separation keeps hashes from different contexts disjoint: a
// blob digest can never collide with an object digest or an identifier
// derivation, even for identical input bytes.
//
// The package also derives the lib/ref identifier types. Identifier
// derivations are deterministic: the same credential always produces
// the same PersonID, and the same participant set always produces the
// same TopicID, on independently-initialized instances.
package hash
