// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR configuration used on the fetcherd admin
// socket. Encoding is deterministic (RFC 8949 core deterministic
// rules), so the same response always produces the same bytes.
//
// Struct fields use json tags; fxamacker/cbor falls back to them when
// no cbor tag is present, so admin payloads can also be printed as
// JSON by the status command without a second set of tags.
package codec
