// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("persist: not found")

// ClientRecord is the history of one peer address.
type ClientRecord struct {
	IP              netip.Addr
	LastConnect     time.Time
	LastDisconnect  time.Time
	DisconnectCount int
}

// FileRecord describes a pushed file.
type FileRecord struct {
	ID        int64
	Name      string
	Ext       string
	Size      int64
	Checksum  string
	CreatorIP netip.Addr
	CreatedAt time.Time
}

// FetchRecord is one admitted fetch.
type FetchRecord struct {
	ID        int64
	File      FileRecord
	SenderIP  netip.Addr
	StartedAt time.Time
}

// Outcome is one target of a fetch and, once resolved, its result.
type Outcome struct {
	FetchID  int64
	TargetIP netip.Addr
	Path     string

	// Resolved is false while the target has not reported and has not
	// disconnected. The remaining fields are only meaningful when it
	// is true.
	Resolved bool
	EndedAt  time.Time
	Success  bool

	// Cause is set for failed outcomes.
	Cause *int
}

// Tx is the set of writes available inside [Store.Update].
type Tx interface {
	// UpsertClient records a connection from ip.
	UpsertClient(ip netip.Addr, connectedAt time.Time) error

	// RecordDisconnect records the end of a connection from ip and
	// increments its disconnect count.
	RecordDisconnect(ip netip.Addr, disconnectedAt time.Time) error

	// File returns the file with the given ID.
	File(id int64) (FileRecord, error)

	// FindFileByChecksum returns the most recently created file with
	// the given checksum.
	FindFileByChecksum(checksum string) (FileRecord, error)

	// CreateFile stores file and returns its new ID. file.ID is
	// ignored.
	CreateFile(file FileRecord) (int64, error)

	// CreateFetch stores a fetch of an existing file and returns its
	// new ID.
	CreateFetch(fileID int64, senderIP netip.Addr, startedAt time.Time) (int64, error)

	// RecordTarget adds ip as a target of an existing fetch.
	RecordTarget(fetchID int64, ip netip.Addr, path string) error

	// RecordOutcome stores the result for a recorded target. Each
	// target has at most one outcome.
	RecordOutcome(fetchID int64, ip netip.Addr, endedAt time.Time, success bool) error

	// RecordFailureCause attaches a cause to a recorded outcome.
	RecordFailureCause(fetchID int64, ip netip.Addr, cause int) error
}

// Store is the history database.
type Store interface {
	// Update runs fn in a transaction that commits if fn returns nil
	// and rolls back otherwise. Update returns fn's error, or the
	// commit error.
	Update(ctx context.Context, fn func(Tx) error) error

	// Client returns the history of ip.
	Client(ctx context.Context, ip netip.Addr) (ClientRecord, error)

	// Fetch returns one fetch with its file.
	Fetch(ctx context.Context, id int64) (FetchRecord, error)

	// RecentFetches returns up to limit fetches, newest first.
	RecentFetches(ctx context.Context, limit int) ([]FetchRecord, error)

	// Outcomes returns every target of a fetch ordered by the text
	// form of its address.
	Outcomes(ctx context.Context, fetchID int64) ([]Outcome, error)

	Close() error
}

func fromNanos(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
