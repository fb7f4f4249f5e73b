// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

// Agent receives fetches on a connection and writes them under a root
// directory. It answers each prepare, acknowledges each chunk and
// reports one result per fetch.
type Agent struct {
	conn   *Conn
	root   string
	logger *slog.Logger

	// Results, if set, receives every result the agent reports.
	Results chan<- wire.FetchResult

	current *transfer
}

// transfer is the fetch being written.
type transfer struct {
	prepare     wire.Prepare
	destination string
	temporary   *os.File
	hasher      *blake3.Hasher
	received    int64
}

// NewAgent returns an agent writing beneath root.
func NewAgent(conn *Conn, root string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{conn: conn, root: root, logger: logger}
}

// Run processes frames until ctx is cancelled or the connection
// fails. It returns nil on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	defer a.discard("agent stopping")
	for {
		message, err := a.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := a.handle(message); err != nil {
			return err
		}
	}
}

// handle processes one frame. Only connection errors are returned.
func (a *Agent) handle(message wire.Message) error {
	switch message.Code() {
	case wire.CodeFetchRequest:
		var prepare wire.Prepare
		if err := wire.UnmarshalBody(message, &prepare); err != nil {
			a.logger.Warn("malformed prepare", "error", err)
			return nil
		}
		return a.prepare(prepare)
	case wire.CodeChunk:
		var chunk wire.Chunk
		if err := wire.UnmarshalBody(message, &chunk); err != nil {
			a.logger.Warn("malformed chunk", "error", err)
			return nil
		}
		return a.write(chunk)
	case wire.CodeFetchResult:
		var notice wire.FetchResult
		if err := wire.UnmarshalBody(message, &notice); err != nil {
			return nil
		}
		if a.current != nil && a.current.prepare.FetchNo == notice.FetchNo {
			a.discard("fetch abandoned by its sender")
		}
	default:
		a.logger.Debug("ignoring frame", "code", message.Code())
	}
	return nil
}

func (a *Agent) prepare(prepare wire.Prepare) error {
	a.discard("superseded by a new fetch")

	destination, err := a.destination(prepare)
	if err != nil {
		a.logger.Warn("rejecting fetch destination", "fetch_no", prepare.FetchNo, "error", err)
		return a.report(prepare.FetchNo, false, wire.FailLocalWrite)
	}
	directory := filepath.Dir(destination)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		a.logger.Warn("creating fetch directory failed", "fetch_no", prepare.FetchNo, "error", err)
		return a.report(prepare.FetchNo, false, wire.FailLocalWrite)
	}
	temporary, err := os.CreateTemp(directory, ".fetch-*")
	if err != nil {
		a.logger.Warn("creating fetch file failed", "fetch_no", prepare.FetchNo, "error", err)
		return a.report(prepare.FetchNo, false, wire.FailLocalWrite)
	}

	a.current = &transfer{
		prepare:     prepare,
		destination: destination,
		temporary:   temporary,
		hasher:      blake3.New(),
	}
	a.logger.Info("fetch prepared",
		"fetch_no", prepare.FetchNo,
		"file", prepare.File.FileName(),
		"size", prepare.File.Size,
		"destination", destination,
	)
	return nil
}

// destination maps a prepare's path and file name beneath the root.
// The path is cleaned as if absolute, so it cannot climb out.
func (a *Agent) destination(prepare wire.Prepare) (string, error) {
	name := prepare.File.FileName()
	if name == "" || name == "." || name == ".." || path.Base(name) != name || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	directory := path.Clean("/" + filepath.ToSlash(prepare.Path))
	return filepath.Join(a.root, filepath.FromSlash(directory), name), nil
}

func (a *Agent) write(chunk wire.Chunk) error {
	current := a.current
	if current == nil || current.prepare.FetchNo != chunk.FetchNo {
		a.logger.Debug("ignoring chunk for another fetch", "fetch_no", chunk.FetchNo)
		return nil
	}

	data, err := DecodeChunk(chunk)
	if err != nil {
		a.logger.Warn("undecodable chunk", "fetch_no", chunk.FetchNo, "error", err)
		return a.fail(wire.FailCorrupt)
	}
	if _, err := current.temporary.Write(data); err != nil {
		a.logger.Warn("writing chunk failed", "fetch_no", chunk.FetchNo, "error", err)
		return a.fail(wire.FailLocalWrite)
	}
	current.hasher.Write(data)
	current.received += int64(len(data))

	progress := wire.ChunkResult{FetchNo: chunk.FetchNo, Received: current.received, IsFinal: chunk.IsFinal}
	if err := a.conn.SendJSON(wire.CodeChunkResult, progress); err != nil {
		return err
	}
	if !chunk.IsFinal {
		return nil
	}
	return a.finish()
}

// finish verifies the received file and moves it into place.
func (a *Agent) finish() error {
	current := a.current
	file := current.prepare.File
	if current.received != file.Size {
		a.logger.Warn("fetched size mismatch", "fetch_no", current.prepare.FetchNo,
			"received", current.received, "expected", file.Size)
		return a.fail(wire.FailCorrupt)
	}
	if file.Checksum != "" {
		if sum := hex.EncodeToString(current.hasher.Sum(nil)); sum != file.Checksum {
			a.logger.Warn("fetched checksum mismatch", "fetch_no", current.prepare.FetchNo,
				"checksum", sum, "expected", file.Checksum)
			return a.fail(wire.FailCorrupt)
		}
	}
	if err := current.temporary.Close(); err != nil {
		return a.fail(wire.FailLocalWrite)
	}
	if err := os.Rename(current.temporary.Name(), current.destination); err != nil {
		a.logger.Warn("installing fetched file failed", "fetch_no", current.prepare.FetchNo, "error", err)
		return a.fail(wire.FailLocalWrite)
	}

	a.current = nil
	a.logger.Info("fetch complete", "fetch_no", current.prepare.FetchNo, "destination", current.destination)
	return a.report(current.prepare.FetchNo, true, 0)
}

// fail discards the current transfer and reports cause.
func (a *Agent) fail(cause wire.FailCause) error {
	fetchNo := a.current.prepare.FetchNo
	a.discard(cause.String())
	return a.report(fetchNo, false, cause)
}

// discard removes the partial file of the current transfer, if any.
func (a *Agent) discard(reason string) {
	current := a.current
	if current == nil {
		return
	}
	a.current = nil
	current.temporary.Close()
	if err := os.Remove(current.temporary.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("removing partial file failed", "path", current.temporary.Name(), "error", err)
	}
	a.logger.Info("fetch discarded", "fetch_no", current.prepare.FetchNo, "reason", reason)
}

func (a *Agent) report(fetchNo int64, complete bool, cause wire.FailCause) error {
	result := wire.FetchResult{FetchNo: fetchNo, IsComplete: complete}
	if !complete {
		result.FailCause = &cause
	}
	if a.Results != nil {
		a.Results <- result
	}
	return a.conn.SendJSON(wire.CodeFetchResult, result)
}
