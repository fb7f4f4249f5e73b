// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

// DefaultChunkSize is the file bytes carried per chunk when
// [PushOptions.ChunkSize] is zero.
const DefaultChunkSize = 256 << 10

// PushOptions configure [Conn.Push].
type PushOptions struct {
	Targets []wire.FetchTarget

	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int

	// Encoding is the chunk compression to attempt.
	Encoding string

	// SenderIP is recorded as the originator instead of this
	// connection's address when set.
	SenderIP string

	// FileNo reuses a file the server already knows.
	FileNo int64
}

// PushResult summarizes a push.
type PushResult struct {
	FetchNo int64
	Chunks  int
	Bytes   int64
}

// RefusedError is returned by [Conn.Push] when the server does not
// admit the fetch.
type RefusedError struct {
	Admission wire.FetchAdmission
}

func (e *RefusedError) Error() string {
	if len(e.Admission.FailClientsIP) > 0 {
		return fmt.Sprintf("fetch refused: unavailable targets %s", strings.Join(e.Admission.FailClientsIP, ", "))
	}
	return fmt.Sprintf("fetch refused: %s", e.Admission.Reason)
}

// Push asks the server to fetch the file at path to the targets and,
// once admitted, streams it. Push returns after the final chunk is
// written; targets report their outcomes to the server, not to the
// sender.
func (c *Conn) Push(ctx context.Context, path string, options PushOptions) (PushResult, error) {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	checksum, size, err := ChecksumFile(path)
	if err != nil {
		return PushResult{}, err
	}
	name, ext := splitFileName(filepath.Base(path))

	admission, err := c.RequestFetch(ctx, wire.FetchRequest{
		SenderIP: options.SenderIP,
		File: wire.FileDescriptor{
			No:       options.FileNo,
			Name:     name,
			Ext:      ext,
			Size:     size,
			Checksum: checksum,
		},
		Targets: options.Targets,
	})
	if err != nil {
		return PushResult{}, err
	}
	if !admission.IsSuccess {
		return PushResult{}, &RefusedError{Admission: admission}
	}

	file, err := os.Open(path)
	if err != nil {
		return PushResult{}, err
	}
	defer file.Close()

	result := PushResult{FetchNo: admission.FetchNo}
	buffer := make([]byte, options.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		read, err := io.ReadFull(file, buffer)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return result, fmt.Errorf("reading %s: %w", path, err)
		}
		final := result.Bytes+int64(read) >= size
		chunk, err := EncodeChunk(admission.FetchNo, buffer[:read], options.Encoding, final)
		if err != nil {
			return result, err
		}
		if err := c.SendJSON(wire.CodeChunk, chunk); err != nil {
			return result, err
		}
		result.Chunks++
		result.Bytes += int64(read)
		if final {
			return result, nil
		}
		if read == 0 {
			return result, fmt.Errorf("%s shrank while being pushed", path)
		}
	}
}

// splitFileName splits "name.ext" at its last dot. Leading-dot names
// have no extension.
func splitFileName(base string) (string, string) {
	index := strings.LastIndexByte(base, '.')
	if index <= 0 {
		return base, ""
	}
	return base[:index], base[index+1:]
}
