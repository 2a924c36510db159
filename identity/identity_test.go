// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestNewPerson_DeterministicID(t *testing.T) {
	first, err := NewPerson("alice@example.com")
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}
	second, err := NewPerson("alice@example.com")
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("same credential derived different IDs: %v vs %v", first.ID, second.ID)
	}
	// Keys are fresh randomness, never reproducible from the credential.
	if bytes.Equal(first.PublicKey, second.PublicKey) {
		t.Error("two NewPerson calls produced the same keypair")
	}
}

func TestNewPerson_EmptyCredential(t *testing.T) {
	if _, err := NewPerson(""); err == nil {
		t.Error("NewPerson accepted an empty credential")
	}
}

func TestSignVerify(t *testing.T) {
	person, err := NewPerson("alice@example.com")
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}

	message := []byte("endpoint advertisement")
	signature := person.Sign(message)

	if err := Verify(person.PublicKey, message, signature); err != nil {
		t.Errorf("Verify rejected a valid signature: %v", err)
	}
	if err := Verify(person.PublicKey, []byte("tampered"), signature); err == nil {
		t.Error("Verify accepted a signature over different bytes")
	}

	other, err := NewPerson("bob@example.com")
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}
	if err := Verify(other.PublicKey, message, signature); err == nil {
		t.Error("Verify accepted a signature under the wrong key")
	}
}

func TestNewInstance(t *testing.T) {
	person, err := NewPerson("alice@example.com")
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}

	instance, err := NewInstance(person.ID)
	if err != nil {
		t.Fatalf("NewInstance error: %v", err)
	}
	if instance.Owner != person.ID {
		t.Errorf("Owner = %v, want %v", instance.Owner, person.ID)
	}
	if instance.ID.IsZero() {
		t.Error("instance ID is zero")
	}
	if instance.KeyHash().IsZero() {
		t.Error("instance key hash is zero")
	}
}

func TestKeyringRoundTrip(t *testing.T) {
	person, err := NewPerson("alice@example.com")
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}
	instance, err := NewInstance(person.ID)
	if err != nil {
		t.Fatalf("NewInstance error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "keys", "keyring.age")
	if err := SaveKeyring(path, "correct horse", &Keyring{Person: person, Instance: instance}); err != nil {
		t.Fatalf("SaveKeyring error: %v", err)
	}

	loaded, err := LoadKeyring(path, "correct horse")
	if err != nil {
		t.Fatalf("LoadKeyring error: %v", err)
	}
	if loaded.Person.ID != person.ID {
		t.Errorf("loaded person ID = %v, want %v", loaded.Person.ID, person.ID)
	}
	if !bytes.Equal(loaded.Person.PublicKey, person.PublicKey) {
		t.Error("loaded person public key differs")
	}
	if loaded.Instance.ID != instance.ID {
		t.Errorf("loaded instance ID = %v, want %v", loaded.Instance.ID, instance.ID)
	}

	// The loaded private keys still sign correctly.
	message := []byte("signed after reload")
	if err := Verify(loaded.Person.PublicKey, message, loaded.Person.Sign(message)); err != nil {
		t.Errorf("loaded person key failed to sign: %v", err)
	}
	if err := Verify(loaded.Instance.PublicKey, message, loaded.Instance.Sign(message)); err != nil {
		t.Errorf("loaded instance key failed to sign: %v", err)
	}
}

func TestKeyringWrongPassphrase(t *testing.T) {
	person, err := NewPerson("alice@example.com")
	if err != nil {
		t.Fatalf("NewPerson error: %v", err)
	}
	instance, err := NewInstance(person.ID)
	if err != nil {
		t.Fatalf("NewInstance error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "keyring.age")
	if err := SaveKeyring(path, "right", &Keyring{Person: person, Instance: instance}); err != nil {
		t.Fatalf("SaveKeyring error: %v", err)
	}

	if _, err := LoadKeyring(path, "wrong"); err == nil {
		t.Error("LoadKeyring succeeded with the wrong passphrase")
	}
}
