// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/fetcher/lib/event"
)

// TrackClients subscribes to bus and records every connect and
// disconnect in store. A failed write is logged and does not affect
// the connection.
func TrackClients(bus *event.Bus, store Store, logger *slog.Logger) {
	bus.Subscribe(event.Connect, func(connected event.Event) {
		err := store.Update(context.Background(), func(tx Tx) error {
			return tx.UpsertClient(connected.Addr, connected.At)
		})
		if err != nil {
			logger.Error("recording client connect failed", "client", connected.Addr, "error", err)
		}
	})
	bus.Subscribe(event.Disconnect, func(disconnected event.Event) {
		err := store.Update(context.Background(), func(tx Tx) error {
			return tx.RecordDisconnect(disconnected.Addr, disconnected.At)
		})
		if err != nil {
			logger.Error("recording client disconnect failed", "client", disconnected.Addr, "error", err)
		}
	})
}
