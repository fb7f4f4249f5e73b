// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is a Store that keeps records in maps. Transactions run on a
// copy of the records that replaces the original only on success.
type Memory struct {
	mu      sync.Mutex
	state   memoryState
	failure error
	commits int
}

type targetKey struct {
	fetchID int64
	ip      netip.Addr
}

type memoryState struct {
	clients  map[netip.Addr]ClientRecord
	files    []FileRecord
	fetches  []FetchRecord
	targets  map[targetKey]string
	outcomes map[targetKey]Outcome
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{state: memoryState{
		clients:  make(map[netip.Addr]ClientRecord),
		targets:  make(map[targetKey]string),
		outcomes: make(map[targetKey]Outcome),
	}}
}

func (s memoryState) clone() memoryState {
	return memoryState{
		clients:  maps.Clone(s.clients),
		files:    slices.Clone(s.files),
		fetches:  slices.Clone(s.fetches),
		targets:  maps.Clone(s.targets),
		outcomes: maps.Clone(s.outcomes),
	}
}

// FailUpdates makes every later Update discard its writes and return
// err. FailUpdates(nil) restores normal behavior.
func (m *Memory) FailUpdates(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Commits returns the number of transactions that committed.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Update runs fn against a copy of the records. Updates are
// serialized.
func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persist: update: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if m.failure != nil {
		return m.failure
	}
	m.state = tx.state
	m.commits++
	return nil
}

// Client returns the history of ip.
func (m *Memory) Client(_ context.Context, ip netip.Addr) (ClientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.state.clients[ip]
	if !ok {
		return ClientRecord{}, fmt.Errorf("persist: client %s: %w", ip, ErrNotFound)
	}
	return record, nil
}

// Fetch returns one fetch with its file.
func (m *Memory) Fetch(_ context.Context, id int64) (FetchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.state.fetches {
		if record.ID == id {
			return record, nil
		}
	}
	return FetchRecord{}, fmt.Errorf("persist: fetch %d: %w", id, ErrNotFound)
}

// RecentFetches returns up to limit fetches, newest first.
func (m *Memory) RecentFetches(_ context.Context, limit int) ([]FetchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []FetchRecord
	for index := len(m.state.fetches) - 1; index >= 0 && len(records) < limit; index-- {
		records = append(records, m.state.fetches[index])
	}
	return records, nil
}

// Outcomes returns every target of a fetch.
func (m *Memory) Outcomes(_ context.Context, fetchID int64) ([]Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var outcomes []Outcome
	for key, path := range m.state.targets {
		if key.fetchID != fetchID {
			continue
		}
		outcome, resolved := m.state.outcomes[key]
		if !resolved {
			outcome = Outcome{FetchID: fetchID, TargetIP: key.ip}
		}
		outcome.Path = path
		outcomes = append(outcomes, outcome)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].TargetIP.String() < outcomes[j].TargetIP.String()
	})
	return outcomes, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

type memoryTx struct {
	state memoryState
}

func (tx *memoryTx) UpsertClient(ip netip.Addr, connectedAt time.Time) error {
	record := tx.state.clients[ip]
	record.IP = ip
	record.LastConnect = connectedAt
	tx.state.clients[ip] = record
	return nil
}

func (tx *memoryTx) RecordDisconnect(ip netip.Addr, disconnectedAt time.Time) error {
	record := tx.state.clients[ip]
	record.IP = ip
	record.LastDisconnect = disconnectedAt
	record.DisconnectCount++
	tx.state.clients[ip] = record
	return nil
}

func (tx *memoryTx) File(id int64) (FileRecord, error) {
	for _, file := range tx.state.files {
		if file.ID == id {
			return file, nil
		}
	}
	return FileRecord{}, fmt.Errorf("file %d: %w", id, ErrNotFound)
}

func (tx *memoryTx) FindFileByChecksum(checksum string) (FileRecord, error) {
	for index := len(tx.state.files) - 1; index >= 0; index-- {
		if tx.state.files[index].Checksum == checksum {
			return tx.state.files[index], nil
		}
	}
	return FileRecord{}, fmt.Errorf("file with checksum %s: %w", checksum, ErrNotFound)
}

func (tx *memoryTx) CreateFile(file FileRecord) (int64, error) {
	file.ID = int64(len(tx.state.files)) + 1
	tx.state.files = append(tx.state.files, file)
	return file.ID, nil
}

func (tx *memoryTx) CreateFetch(fileID int64, senderIP netip.Addr, startedAt time.Time) (int64, error) {
	file, err := tx.File(fileID)
	if err != nil {
		return 0, fmt.Errorf("creating fetch: %w", err)
	}
	record := FetchRecord{
		ID:        int64(len(tx.state.fetches)) + 1,
		File:      file,
		SenderIP:  senderIP,
		StartedAt: startedAt,
	}
	tx.state.fetches = append(tx.state.fetches, record)
	return record.ID, nil
}

func (tx *memoryTx) RecordTarget(fetchID int64, ip netip.Addr, path string) error {
	if fetchID < 1 || fetchID > int64(len(tx.state.fetches)) {
		return fmt.Errorf("recording target %s: fetch %d: %w", ip, fetchID, ErrNotFound)
	}
	key := targetKey{fetchID: fetchID, ip: ip}
	if _, exists := tx.state.targets[key]; exists {
		return fmt.Errorf("target %s already recorded for fetch %d", ip, fetchID)
	}
	tx.state.targets[key] = path
	return nil
}

func (tx *memoryTx) RecordOutcome(fetchID int64, ip netip.Addr, endedAt time.Time, success bool) error {
	key := targetKey{fetchID: fetchID, ip: ip}
	if _, exists := tx.state.targets[key]; !exists {
		return fmt.Errorf("recording outcome: target %s of fetch %d: %w", ip, fetchID, ErrNotFound)
	}
	if _, exists := tx.state.outcomes[key]; exists {
		return fmt.Errorf("outcome of %s in fetch %d already recorded", ip, fetchID)
	}
	tx.state.outcomes[key] = Outcome{
		FetchID:  fetchID,
		TargetIP: ip,
		Resolved: true,
		EndedAt:  endedAt,
		Success:  success,
	}
	return nil
}

func (tx *memoryTx) RecordFailureCause(fetchID int64, ip netip.Addr, cause int) error {
	key := targetKey{fetchID: fetchID, ip: ip}
	outcome, exists := tx.state.outcomes[key]
	if !exists {
		return fmt.Errorf("recording failure cause: outcome of %s in fetch %d: %w", ip, fetchID, ErrNotFound)
	}
	outcome.Cause = &cause
	tx.state.outcomes[key] = outcome
	return nil
}
