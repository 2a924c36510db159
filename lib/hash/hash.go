// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. All Hearth content addresses
// (objects, blobs, record keys) are this size.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same input bytes produce different hashes in
// different contexts. The byte values are the ASCII encoding of the
// domain name, zero-padded to 32 bytes: readable in hex dumps without
// sacrificing any cryptographic property.
type domainKey [32]byte

// Domain separation keys. Fixed constants — changing one invalidates
// every existing hash in that domain.
var (
	objectDomainKey = domainKey{
		'h', 'e', 'a', 'r', 't', 'h', '.', 'o', 'b', 'j', 'e', 'c', 't',
	}

	blobDomainKey = domainKey{
		'h', 'e', 'a', 'r', 't', 'h', '.', 'b', 'l', 'o', 'b',
	}

	deriveDomainKey = domainKey{
		'h', 'e', 'a', 'r', 't', 'h', '.', 'd', 'e', 'r', 'i', 'v', 'e',
	}

	keyDomainKey = domainKey{
		'h', 'e', 'a', 'r', 't', 'h', '.', 'k', 'e', 'y',
	}

	sessionDomainKey = domainKey{
		'h', 'e', 'a', 'r', 't', 'h', '.', 's', 'e', 's', 's', 'i', 'o', 'n',
	}
)

// Object computes the object-domain digest of an object's canonical
// CBOR encoding. This is the address under which the object is stored
// and fetched.
func Object(canonicalEncoding []byte) Hash {
	return keyedHash(objectDomainKey, canonicalEncoding)
}

// Blob computes the blob-domain digest of raw attachment bytes. This
// is the hash carried in message entries; the blob descriptor wrapping
// the bytes is itself an object with an object-domain address.
func Blob(data []byte) Hash {
	return keyedHash(blobDomainKey, data)
}

// Key computes the key-domain digest of a public signing key. Key
// hashes travel in Endpoint records so peers can pin the exact keys a
// contact advertised at pairing time without re-publishing the keys
// themselves.
func Key(publicKey []byte) Hash {
	return keyedHash(keyDomainKey, publicKey)
}

// Session derives a symmetric session key from ECDH handshake
// material. The caller composes the material (shared secret plus
// transcript) so that each direction of a transport session gets a
// distinct key.
func Session(material []byte) Hash {
	return keyedHash(sessionDomainKey, material)
}

// IsZero reports whether the hash is all zero bytes. The zero hash is
// never a valid address.
func (h Hash) IsZero() bool { return h == Hash{} }

// String returns the hex-encoded representation of the hash. This is
// the canonical format for logs, CLI output, and text serialization.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 12 hex characters of the hash, for log
// lines where the full digest is noise.
func (h Hash) Short() string { return hex.EncodeToString(h[:6]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Parse parses a 64-character hex string into a Hash.
func Parse(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing content hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("content hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// keyedHash computes a BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees;
	// the error is only returned for wrong key length.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("hash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
