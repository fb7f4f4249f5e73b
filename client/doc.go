// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package client speaks the fetch protocol from the peer side.
//
// [Dial] connects and waits for the server's welcome. [Conn.Push]
// requests a fetch and streams a file as chunks, optionally
// compressed with LZ4 or zstd. [Agent] is the receiving side: it
// writes each prepared fetch to a temporary file beneath its root,
// verifies the size and BLAKE3 checksum on the final chunk, moves the
// file into place and reports the outcome.
//
// Heartbeat probes from the server are answered inside
// [Conn.Receive], so any caller that keeps receiving stays alive.
package client
