// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

// State tracks a pairing attempt through the handshake. Trusted,
// Expired, and Rejected are terminal.
type State int

const (
	StateIdle State = iota
	StateInvitationIssued
	StateAwaitingHandshake
	StateKeysExchanged
	StateIdentitiesExchanged
	StateTrusted
	StateExpired
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInvitationIssued:
		return "invitation-issued"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateKeysExchanged:
		return "keys-exchanged"
	case StateIdentitiesExchanged:
		return "identities-exchanged"
	case StateTrusted:
		return "trusted"
	case StateExpired:
		return "expired"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the attempt.
func (s State) Terminal() bool {
	return s == StateTrusted || s == StateExpired || s == StateRejected
}
