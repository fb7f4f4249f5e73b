// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

// EchoHandler answers every echo frame with an echo carrying the same
// body.
type EchoHandler struct {
	Logger *slog.Logger
}

func (EchoHandler) Accepts(code wire.Code) bool { return code == wire.CodeEcho }

func (h EchoHandler) Receive(_ context.Context, conn *Conn, message wire.Message) {
	if err := conn.Send(wire.CodeEcho, message.Body); err != nil && h.Logger != nil {
		h.Logger.Debug("echo reply failed", "client", conn.Addr(), "error", err)
	}
}

// HeartbeatHandler swallows heartbeat replies. Liveness is recorded
// for every frame before dispatch, so there is nothing left to do;
// registering it keeps replies out of the unhandled count.
type HeartbeatHandler struct{}

func (HeartbeatHandler) Accepts(code wire.Code) bool { return code == wire.CodeHeartbeat }

func (HeartbeatHandler) Receive(context.Context, *Conn, wire.Message) {}

// TraceHandler logs every frame at debug level. It accepts all codes,
// so registering it first gives a complete record of the traffic.
type TraceHandler struct {
	Logger *slog.Logger
}

func (TraceHandler) Accepts(wire.Code) bool { return true }

func (h TraceHandler) Receive(ctx context.Context, conn *Conn, message wire.Message) {
	h.Logger.Log(ctx, slog.LevelDebug, "frame received",
		"client", conn.Addr(),
		"code", message.Header.Code,
		"size", message.Header.Size,
	)
}
