// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Code identifies the kind of a message. The set is open: new codes
// are added over time, and a receiver that does not recognize a code
// ignores the frame.
type Code uint8

const (
	// CodeTest is a no-op probe used during manual testing. Nothing
	// handles it.
	CodeTest Code = 0x00

	// CodeWelcome is sent by the server right after it registers a new
	// connection. Body: [Welcome].
	CodeWelcome Code = 0x01

	// CodeConnectionFull tells a new peer that the server is at its
	// connection ceiling. The server closes the socket after sending
	// it. Body: [ConnectionFull].
	CodeConnectionFull Code = 0x02

	// CodeEcho is answered with a copy of its body.
	CodeEcho Code = 0x03

	// CodeFetchRequest carries a [FetchRequest] from a sender to the
	// server, and a [Prepare] from the server to each reserved target.
	CodeFetchRequest Code = 0x04

	// CodeFetchResult carries a target's final [FetchResult].
	CodeFetchResult Code = 0x05

	// CodeHeartbeat is the liveness probe. Empty body in both
	// directions.
	CodeHeartbeat Code = 0x06

	// CodeChunkResult acknowledges relayed chunks. Body: [ChunkResult].
	CodeChunkResult Code = 0x07

	// CodeChunk carries one piece of file data. Body: [Chunk].
	CodeChunk Code = 0x08

	// CodeFetchAdmission answers a fetch request. Body: [FetchAdmission].
	CodeFetchAdmission Code = 0x09

	// CodeClientStateRequest asks the server for every connection's
	// state. Empty body.
	CodeClientStateRequest Code = 0x0B

	// CodeClientStateResponse answers a client-state request. Body:
	// [ClientStateResponse].
	CodeClientStateResponse Code = 0x0C
)

var codeNames = map[Code]string{
	CodeTest:                "test",
	CodeWelcome:             "welcome",
	CodeConnectionFull:      "connection-full",
	CodeEcho:                "echo",
	CodeFetchRequest:        "fetch-request",
	CodeFetchResult:         "fetch-result",
	CodeHeartbeat:           "heartbeat",
	CodeChunkResult:         "chunk-result",
	CodeChunk:               "chunk",
	CodeFetchAdmission:      "fetch-admission",
	CodeClientStateRequest:  "client-state-request",
	CodeClientStateResponse: "client-state-response",
}

// String returns the code's name, or its hex value for codes this
// package does not know.
func (code Code) String() string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("code(0x%02x)", uint8(code))
}
