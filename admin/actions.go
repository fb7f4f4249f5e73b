// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/fetcher/fetch"
	"github.com/bureau-foundation/fetcher/lib/clock"
	"github.com/bureau-foundation/fetcher/lib/codec"
	"github.com/bureau-foundation/fetcher/lib/version"
	"github.com/bureau-foundation/fetcher/lib/wire"
	"github.com/bureau-foundation/fetcher/persist"
	"github.com/bureau-foundation/fetcher/server"
)

// ServerStats is the part of the connection server the status action
// reads.
type ServerStats interface {
	Stats() server.Stats
}

// Fetches is the part of the orchestrator the actions read.
type Fetches interface {
	Stats() fetch.Stats
	Jobs() []fetch.Job
	ClientStates() []wire.ClientState
}

// Sources are the daemon components the actions report on.
type Sources struct {
	Server    ServerStats
	Fetches   Fetches
	Store     persist.Store
	Clock     clock.Clock
	StartedAt time.Time
}

// Status is the data of the "status" action.
type Status struct {
	Version       string       `cbor:"version"`
	UptimeSeconds int64        `cbor:"uptime_seconds"`
	Connections   int          `cbor:"connections"`
	LiveFetches   int          `cbor:"live_fetches"`
	Server        server.Stats `cbor:"server"`
	Fetch         fetch.Stats  `cbor:"fetch"`
}

// ClientHistory is the data of the "client" action.
type ClientHistory struct {
	IP              string    `cbor:"ip"`
	LastConnect     time.Time `cbor:"last_connect"`
	LastDisconnect  time.Time `cbor:"last_disconnect"`
	DisconnectCount int       `cbor:"disconnect_count"`
}

// FetchHistory is one element of the "history" action's data.
type FetchHistory struct {
	ID        int64               `cbor:"id"`
	File      wire.FileDescriptor `cbor:"file"`
	SenderIP  string              `cbor:"sender_ip"`
	StartedAt time.Time           `cbor:"started_at"`
	Outcomes  []TargetOutcome     `cbor:"outcomes"`
}

// TargetOutcome is one target of a persisted fetch.
type TargetOutcome struct {
	IP       string    `cbor:"ip"`
	Path     string    `cbor:"path"`
	Resolved bool      `cbor:"resolved"`
	Success  bool      `cbor:"success"`
	EndedAt  time.Time `cbor:"ended_at"`
	Cause    string    `cbor:"cause,omitempty"`
}

const defaultHistoryLimit = 20

// Register installs the "status", "clients", "fetches", "history"
// and "client" actions on s.
func Register(s *Server, sources Sources) {
	if sources.Clock == nil {
		sources.Clock = clock.Real()
	}

	s.Handle("status", func(context.Context, []byte) (any, error) {
		return Status{
			Version:       version.Info(),
			UptimeSeconds: int64(sources.Clock.Now().Sub(sources.StartedAt) / time.Second),
			Connections:   len(sources.Fetches.ClientStates()),
			LiveFetches:   len(sources.Fetches.Jobs()),
			Server:        sources.Server.Stats(),
			Fetch:         sources.Fetches.Stats(),
		}, nil
	})

	s.Handle("clients", func(context.Context, []byte) (any, error) {
		return sources.Fetches.ClientStates(), nil
	})

	s.Handle("fetches", func(context.Context, []byte) (any, error) {
		jobs := sources.Fetches.Jobs()
		if jobs == nil {
			jobs = []fetch.Job{}
		}
		return jobs, nil
	})

	s.Handle("history", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Limit int `cbor:"limit"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid history request: %w", err)
		}
		if request.Limit <= 0 {
			request.Limit = defaultHistoryLimit
		}
		return fetchHistory(ctx, sources.Store, request.Limit)
	})

	s.Handle("client", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			IP string `cbor:"ip"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid client request: %w", err)
		}
		addr, err := wire.ParseIPv4(request.IP)
		if err != nil {
			return nil, fmt.Errorf("invalid ip %q: %w", request.IP, err)
		}
		record, err := sources.Store.Client(ctx, addr)
		if errors.Is(err, persist.ErrNotFound) {
			return nil, fmt.Errorf("no history for %s", addr)
		}
		if err != nil {
			return nil, err
		}
		return ClientHistory{
			IP:              record.IP.String(),
			LastConnect:     record.LastConnect,
			LastDisconnect:  record.LastDisconnect,
			DisconnectCount: record.DisconnectCount,
		}, nil
	})
}

func fetchHistory(ctx context.Context, store persist.Store, limit int) ([]FetchHistory, error) {
	records, err := store.RecentFetches(ctx, limit)
	if err != nil {
		return nil, err
	}
	history := make([]FetchHistory, 0, len(records))
	for _, record := range records {
		outcomes, err := store.Outcomes(ctx, record.ID)
		if err != nil {
			return nil, fmt.Errorf("outcomes of fetch %d: %w", record.ID, err)
		}
		entry := FetchHistory{
			ID: record.ID,
			File: wire.FileDescriptor{
				No:       record.File.ID,
				Name:     record.File.Name,
				Ext:      record.File.Ext,
				Size:     record.File.Size,
				Checksum: record.File.Checksum,
			},
			SenderIP:  record.SenderIP.String(),
			StartedAt: record.StartedAt,
			Outcomes:  make([]TargetOutcome, 0, len(outcomes)),
		}
		for _, outcome := range outcomes {
			target := TargetOutcome{
				IP:       outcome.TargetIP.String(),
				Path:     outcome.Path,
				Resolved: outcome.Resolved,
				Success:  outcome.Success,
				EndedAt:  outcome.EndedAt,
			}
			if outcome.Cause != nil {
				target.Cause = wire.FailCause(*outcome.Cause).String()
			}
			entry.Outcomes = append(entry.Outcomes, target)
		}
		history = append(history, entry)
	}
	return history, nil
}
