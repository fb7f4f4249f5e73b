// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the fetcher protocol's frame format.
//
// Every frame is a fixed 13-byte [Header] followed by exactly
// Header.Size body bytes:
//
//	offset  size  field
//	0       4     size      (uint32, big-endian, body length)
//	4       1     code      (message kind, see [Code])
//	5       4     sender    (IPv4, one octet per byte)
//	9       4     receiver  (IPv4, one octet per byte)
//
// Bodies are UTF-8 JSON by convention. The typed body structs in
// bodies.go define the JSON carried by each code. File chunk bodies
// embed the file bytes as a base64 string inside JSON; raw file bytes
// never appear directly in a frame.
//
// A stream carries no resynchronization marker, so a header that
// fails to decode leaves the reader unable to find the next frame
// boundary. Callers treat every decode error as fatal to the stream.
package wire
