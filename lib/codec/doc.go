// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Hearth's canonical serialization: CBOR with
// Core Deterministic Encoding (RFC 8949 §4.2). The same logical value
// always encodes to identical bytes, which is what makes
// content-addressing sound — an object's hash is the hash of its
// canonical encoding, so independently-produced copies of the same
// object resolve to the same address.
//
// Every persisted object (entries, channels, groups, contacts,
// endpoints, blob descriptors) and every transport frame goes through
// this package. JSON appears only at human-facing CLI boundaries.
//
// The encoder and decoder honor encoding.TextMarshaler and
// encoding.TextUnmarshaler, so lib/ref identifier types serialize as
// CBOR text strings and validate on decode.
package codec
