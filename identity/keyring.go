// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/hearth-federation/hearth/lib/codec"
	"github.com/hearth-federation/hearth/lib/ref"
)

// Keyring bundles a person identity with the local instance identity
// for persistence. Private keys never touch disk in the clear: the
// keyring file is an age ciphertext under a passphrase-derived scrypt
// key.
type Keyring struct {
	Person   *Person
	Instance *Instance
}

// keyringFile is the CBOR payload inside the age ciphertext.
type keyringFile struct {
	PersonID           ref.PersonID   `cbor:"person_id"`
	PersonPrivateKey   []byte         `cbor:"person_private_key"`
	InstanceID         ref.InstanceID `cbor:"instance_id"`
	InstancePrivateKey []byte         `cbor:"instance_private_key"`
}

// SaveKeyring writes the keyring to path, encrypted to the
// passphrase. The file is created with mode 0600.
func SaveKeyring(path, passphrase string, keyring *Keyring) error {
	if passphrase == "" {
		return fmt.Errorf("empty keyring passphrase")
	}

	payload, err := codec.Marshal(keyringFile{
		PersonID:           keyring.Person.ID,
		PersonPrivateKey:   keyring.Person.privateKey,
		InstanceID:         keyring.Instance.ID,
		InstancePrivateKey: keyring.Instance.privateKey,
	})
	if err != nil {
		return fmt.Errorf("encoding keyring: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("deriving keyring recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("creating keyring encryptor: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("encrypting keyring: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing keyring encryption: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating keyring directory: %w", err)
	}
	if err := os.WriteFile(path, ciphertext.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing keyring file: %w", err)
	}
	return nil
}

// LoadKeyring reads and decrypts the keyring at path. Returns an
// error if the passphrase is wrong or the file is corrupt.
func LoadKeyring(path, passphrase string) (*Keyring, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyring file: %w", err)
	}

	passphraseIdentity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving keyring identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), passphraseIdentity)
	if err != nil {
		return nil, fmt.Errorf("decrypting keyring: %w", err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted keyring: %w", err)
	}

	var file keyringFile
	if err := codec.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("parsing keyring: %w", err)
	}
	if len(file.PersonPrivateKey) != ed25519.PrivateKeySize || len(file.InstancePrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keyring contains malformed key material")
	}

	personPrivate := ed25519.PrivateKey(file.PersonPrivateKey)
	instancePrivate := ed25519.PrivateKey(file.InstancePrivateKey)
	return &Keyring{
		Person: &Person{
			ID:         file.PersonID,
			PublicKey:  personPrivate.Public().(ed25519.PublicKey),
			privateKey: personPrivate,
		},
		Instance: &Instance{
			ID:         file.InstanceID,
			Owner:      file.PersonID,
			PublicKey:  instancePrivate.Public().(ed25519.PublicKey),
			privateKey: instancePrivate,
		},
	}, nil
}
