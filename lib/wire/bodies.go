// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
)

// FailCause explains why a target did not complete a fetch. The set
// is open; receivers must tolerate values they do not recognize.
type FailCause int

const (
	// FailDisconnected means the target's connection was lost before
	// it reported a result. The server synthesizes this cause.
	FailDisconnected FailCause = 0

	// FailCorrupt means the target received the whole file but its
	// checksum or size did not match the descriptor.
	FailCorrupt FailCause = 1

	// FailLocalWrite means the target could not create or write the
	// destination file.
	FailLocalWrite FailCause = 2
)

func (cause FailCause) String() string {
	switch cause {
	case FailDisconnected:
		return "disconnected"
	case FailCorrupt:
		return "corrupt"
	case FailLocalWrite:
		return "local-write"
	default:
		return fmt.Sprintf("cause(%d)", int(cause))
	}
}

// Welcome is the body of [CodeWelcome].
type Welcome struct {
	// IP is the address the server registered this connection under.
	IP string `json:"ip"`

	// Session is a unique identifier for this connection instance.
	// Two connections from the same IP have different sessions.
	Session string `json:"session"`

	// HeartbeatSeconds is the server's liveness interval.
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// ConnectionFull is the body of [CodeConnectionFull].
type ConnectionFull struct {
	MaxClients int    `json:"max_clients"`
	Reason     string `json:"reason"`
}

// FileDescriptor describes a file being pushed.
type FileDescriptor struct {
	// No is the persisted file number, assigned by the server. A
	// sender may set it to reuse a file already known to the server.
	No int64 `json:"no,omitempty"`

	Name string `json:"name"`
	Ext  string `json:"ext"`
	Size int64  `json:"size"`

	// Checksum is the lowercase hex BLAKE3 digest of the file bytes.
	Checksum string `json:"checksum"`
}

// FileName joins Name and Ext the way targets name the written file.
func (file FileDescriptor) FileName() string {
	if file.Ext == "" {
		return file.Name
	}
	return file.Name + "." + file.Ext
}

// FetchTarget names one recipient of a fetch.
type FetchTarget struct {
	IP   string `json:"ip"`
	Path string `json:"path"`
}

// FetchRequest is the body of [CodeFetchRequest] sent by a sender.
type FetchRequest struct {
	// SenderIP overrides the requester's connection address as the
	// recorded originator. Empty means the connection address.
	SenderIP string         `json:"sender_ip,omitempty"`
	File     FileDescriptor `json:"file"`
	Targets  []FetchTarget  `json:"targets"`
}

// FetchAdmission is the body of [CodeFetchAdmission].
type FetchAdmission struct {
	FetchNo   int64 `json:"fetch_no,omitempty"`
	IsSuccess bool  `json:"is_success"`

	// FailClientsIP lists the requested targets that were missing,
	// busy, duplicated or unparseable. Empty on success and on
	// failures that are not about particular targets.
	FailClientsIP []string `json:"fail_clients_ip,omitempty"`

	// Reason describes a failure that is not about particular targets.
	Reason string `json:"reason,omitempty"`
}

// Prepare is the body of [CodeFetchRequest] sent by the server to each
// reserved target.
type Prepare struct {
	FetchNo     int64          `json:"fetch_no"`
	FetchFileNo int64          `json:"fetch_file_no"`
	File        FileDescriptor `json:"file"`
	Path        string         `json:"path"`
}

// Chunk encodings.
const (
	EncodingNone = ""
	EncodingLZ4  = "lz4"
	EncodingZstd = "zstd"
)

// Chunk is the body of [CodeChunk].
type Chunk struct {
	FetchNo int64 `json:"fetch_no"`

	// Binary is the base64 (standard alphabet) encoding of the chunk
	// payload.
	Binary string `json:"binary"`

	// Encoding names the compression applied to the payload before
	// base64. Empty means uncompressed.
	Encoding string `json:"encoding,omitempty"`

	// RawSize is the payload length after decompression. Required when
	// Encoding is lz4.
	RawSize int `json:"raw_size,omitempty"`

	// IsFinal marks the last chunk of the file.
	IsFinal bool `json:"is_final"`
}

// ChunkRef is the subset of [Chunk] the server reads when relaying.
// The server forwards the original body bytes without re-encoding.
type ChunkRef struct {
	FetchNo int64 `json:"fetch_no"`
	IsFinal bool  `json:"is_final"`
}

// ChunkResult is the body of [CodeChunkResult], sent by a target after
// it has written a chunk.
type ChunkResult struct {
	FetchNo int64 `json:"fetch_no"`

	// Received is the total number of file bytes written so far.
	Received int64 `json:"received"`
	IsFinal  bool  `json:"is_final"`
}

// FetchResult is the body of [CodeFetchResult]. Targets send it to
// report their outcome. The server sends it to a target, with
// IsComplete false, when the fetch is abandoned because its sender
// disconnected before the final chunk.
type FetchResult struct {
	FetchNo    int64      `json:"fetch_no"`
	IsComplete bool       `json:"is_complete"`
	FailCause  *FailCause `json:"fail_cause,omitempty"`
}

// ClientState is one entry of [ClientStateResponse].
type ClientState struct {
	IP      string `json:"ip"`
	Session string `json:"session"`
	State   string `json:"state"`

	// The remaining fields describe the fetch the client is assigned
	// to and are empty for idle clients.
	FetchNo  int64  `json:"fetch_no,omitempty"`
	Phase    string `json:"phase,omitempty"`
	Path     string `json:"path,omitempty"`
	Received int64  `json:"received,omitempty"`
}

// ClientStateResponse is the body of [CodeClientStateResponse].
type ClientStateResponse struct {
	Clients []ClientState `json:"clients"`
}

// MarshalBody encodes value as a JSON frame body.
func MarshalBody(value any) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding %T body: %w", value, err)
	}
	return body, nil
}

// UnmarshalBody decodes the JSON body of message into value.
func UnmarshalBody(message Message, value any) error {
	if err := json.Unmarshal(message.Body, value); err != nil {
		return fmt.Errorf("decoding %s body into %T: %w", message.Header.Code, value, err)
	}
	return nil
}
