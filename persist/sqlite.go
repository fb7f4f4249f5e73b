// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fetcher/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS client_pc (
	ip               TEXT PRIMARY KEY,
	last_connect     INTEGER,
	last_disconnect  INTEGER,
	disconnect_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fetch_file (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	ext        TEXT NOT NULL,
	size       INTEGER NOT NULL,
	checksum   TEXT NOT NULL,
	creator_ip TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS fetch_file_checksum ON fetch_file (checksum);

CREATE TABLE IF NOT EXISTS fetch (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id    INTEGER NOT NULL REFERENCES fetch_file (id),
	sender_ip  TEXT NOT NULL,
	started_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS client_fetch (
	fetch_id INTEGER NOT NULL REFERENCES fetch (id),
	ip       TEXT NOT NULL,
	path     TEXT NOT NULL,
	PRIMARY KEY (fetch_id, ip)
);

CREATE TABLE IF NOT EXISTS fetch_result (
	fetch_id INTEGER NOT NULL,
	ip       TEXT NOT NULL,
	ended_at INTEGER NOT NULL,
	success  INTEGER NOT NULL,
	PRIMARY KEY (fetch_id, ip),
	FOREIGN KEY (fetch_id, ip) REFERENCES client_fetch (fetch_id, ip)
);

CREATE TABLE IF NOT EXISTS fetch_fail_cause (
	fetch_id INTEGER NOT NULL,
	ip       TEXT NOT NULL,
	cause    INTEGER NOT NULL,
	PRIMARY KEY (fetch_id, ip),
	FOREIGN KEY (fetch_id, ip) REFERENCES fetch_result (fetch_id, ip)
);
`

// SQLiteStore keeps the history in a SQLite database.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenSQLite opens or creates the database at path and applies the
// schema. Use sqlitepool.MemoryPath for a throwaway database.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Schema: schema,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	// Connections are prepared lazily; take one now so a bad path or
	// schema fails here instead of on the first fetch.
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: opening %s: %w", path, err)
	}
	pool.Put(conn)
	return &SQLiteStore{pool: pool, logger: logger}, nil
}

// Update runs fn inside an IMMEDIATE transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("persist: update: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("persist: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&sqliteTx{conn: conn})
}

func (s *SQLiteStore) read(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("persist: read: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Client returns the history of ip.
func (s *SQLiteStore) Client(ctx context.Context, ip netip.Addr) (ClientRecord, error) {
	record := ClientRecord{IP: ip}
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT last_connect, last_disconnect, disconnect_count FROM client_pc WHERE ip = ?`,
			&sqlitex.ExecOptions{
				Args: []any{ip.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					if !stmt.ColumnIsNull(0) {
						record.LastConnect = fromNanos(stmt.ColumnInt64(0))
					}
					if !stmt.ColumnIsNull(1) {
						record.LastDisconnect = fromNanos(stmt.ColumnInt64(1))
					}
					record.DisconnectCount = stmt.ColumnInt(2)
					return nil
				},
			})
	})
	if err != nil {
		return ClientRecord{}, fmt.Errorf("persist: client %s: %w", ip, err)
	}
	if !found {
		return ClientRecord{}, fmt.Errorf("persist: client %s: %w", ip, ErrNotFound)
	}
	return record, nil
}

const fetchColumns = `fetch.id, fetch.sender_ip, fetch.started_at,
	fetch_file.id, fetch_file.name, fetch_file.ext, fetch_file.size,
	fetch_file.checksum, fetch_file.creator_ip, fetch_file.created_at`

func scanFetch(stmt *sqlite.Stmt) (FetchRecord, error) {
	sender, err := netip.ParseAddr(stmt.ColumnText(1))
	if err != nil {
		return FetchRecord{}, fmt.Errorf("fetch %d sender: %w", stmt.ColumnInt64(0), err)
	}
	creator, err := netip.ParseAddr(stmt.ColumnText(8))
	if err != nil {
		return FetchRecord{}, fmt.Errorf("file %d creator: %w", stmt.ColumnInt64(3), err)
	}
	return FetchRecord{
		ID:        stmt.ColumnInt64(0),
		SenderIP:  sender,
		StartedAt: fromNanos(stmt.ColumnInt64(2)),
		File: FileRecord{
			ID:        stmt.ColumnInt64(3),
			Name:      stmt.ColumnText(4),
			Ext:       stmt.ColumnText(5),
			Size:      stmt.ColumnInt64(6),
			Checksum:  stmt.ColumnText(7),
			CreatorIP: creator,
			CreatedAt: fromNanos(stmt.ColumnInt64(9)),
		},
	}, nil
}

// Fetch returns one fetch with its file.
func (s *SQLiteStore) Fetch(ctx context.Context, id int64) (FetchRecord, error) {
	var record FetchRecord
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+fetchColumns+` FROM fetch JOIN fetch_file ON fetch_file.id = fetch.file_id WHERE fetch.id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) (err error) {
					found = true
					record, err = scanFetch(stmt)
					return err
				},
			})
	})
	if err != nil {
		return FetchRecord{}, fmt.Errorf("persist: fetch %d: %w", id, err)
	}
	if !found {
		return FetchRecord{}, fmt.Errorf("persist: fetch %d: %w", id, ErrNotFound)
	}
	return record, nil
}

// RecentFetches returns up to limit fetches, newest first.
func (s *SQLiteStore) RecentFetches(ctx context.Context, limit int) ([]FetchRecord, error) {
	var records []FetchRecord
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+fetchColumns+` FROM fetch JOIN fetch_file ON fetch_file.id = fetch.file_id
			ORDER BY fetch.id DESC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record, err := scanFetch(stmt)
					if err != nil {
						return err
					}
					records = append(records, record)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("persist: recent fetches: %w", err)
	}
	return records, nil
}

// Outcomes returns every target of a fetch.
func (s *SQLiteStore) Outcomes(ctx context.Context, fetchID int64) ([]Outcome, error) {
	var outcomes []Outcome
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT client_fetch.ip, client_fetch.path,
				fetch_result.ended_at, fetch_result.success, fetch_fail_cause.cause
			FROM client_fetch
			LEFT JOIN fetch_result
				ON fetch_result.fetch_id = client_fetch.fetch_id AND fetch_result.ip = client_fetch.ip
			LEFT JOIN fetch_fail_cause
				ON fetch_fail_cause.fetch_id = client_fetch.fetch_id AND fetch_fail_cause.ip = client_fetch.ip
			WHERE client_fetch.fetch_id = ?
			ORDER BY client_fetch.ip`,
			&sqlitex.ExecOptions{
				Args: []any{fetchID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ip, err := netip.ParseAddr(stmt.ColumnText(0))
					if err != nil {
						return fmt.Errorf("target address: %w", err)
					}
					outcome := Outcome{FetchID: fetchID, TargetIP: ip, Path: stmt.ColumnText(1)}
					if !stmt.ColumnIsNull(2) {
						outcome.Resolved = true
						outcome.EndedAt = fromNanos(stmt.ColumnInt64(2))
						outcome.Success = stmt.ColumnBool(3)
					}
					if !stmt.ColumnIsNull(4) {
						cause := stmt.ColumnInt(4)
						outcome.Cause = &cause
					}
					outcomes = append(outcomes, outcome)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("persist: outcomes of fetch %d: %w", fetchID, err)
	}
	return outcomes, nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

type sqliteTx struct {
	conn *sqlite.Conn
}

func (tx *sqliteTx) UpsertClient(ip netip.Addr, connectedAt time.Time) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO client_pc (ip, last_connect) VALUES (?, ?)
		ON CONFLICT (ip) DO UPDATE SET last_connect = excluded.last_connect`,
		&sqlitex.ExecOptions{Args: []any{ip.String(), connectedAt.UnixNano()}})
	if err != nil {
		return fmt.Errorf("upserting client %s: %w", ip, err)
	}
	return nil
}

func (tx *sqliteTx) RecordDisconnect(ip netip.Addr, disconnectedAt time.Time) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO client_pc (ip, last_disconnect, disconnect_count) VALUES (?, ?, 1)
		ON CONFLICT (ip) DO UPDATE SET
			last_disconnect = excluded.last_disconnect,
			disconnect_count = client_pc.disconnect_count + 1`,
		&sqlitex.ExecOptions{Args: []any{ip.String(), disconnectedAt.UnixNano()}})
	if err != nil {
		return fmt.Errorf("recording disconnect of %s: %w", ip, err)
	}
	return nil
}

func (tx *sqliteTx) queryFile(where string, arg any) (FileRecord, error) {
	var record FileRecord
	found := false
	var scanErr error
	err := sqlitex.Execute(tx.conn,
		`SELECT id, name, ext, size, checksum, creator_ip, created_at FROM fetch_file WHERE `+where+` ORDER BY id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				creator, err := netip.ParseAddr(stmt.ColumnText(5))
				if err != nil {
					scanErr = err
				}
				record = FileRecord{
					ID:        stmt.ColumnInt64(0),
					Name:      stmt.ColumnText(1),
					Ext:       stmt.ColumnText(2),
					Size:      stmt.ColumnInt64(3),
					Checksum:  stmt.ColumnText(4),
					CreatorIP: creator,
					CreatedAt: fromNanos(stmt.ColumnInt64(6)),
				}
				return nil
			},
		})
	if err != nil {
		return FileRecord{}, err
	}
	if scanErr != nil {
		return FileRecord{}, fmt.Errorf("file creator address: %w", scanErr)
	}
	if !found {
		return FileRecord{}, ErrNotFound
	}
	return record, nil
}

func (tx *sqliteTx) File(id int64) (FileRecord, error) {
	record, err := tx.queryFile("id = ?", id)
	if err != nil {
		return FileRecord{}, fmt.Errorf("file %d: %w", id, err)
	}
	return record, nil
}

func (tx *sqliteTx) FindFileByChecksum(checksum string) (FileRecord, error) {
	record, err := tx.queryFile("checksum = ?", checksum)
	if err != nil {
		return FileRecord{}, fmt.Errorf("file with checksum %s: %w", checksum, err)
	}
	return record, nil
}

func (tx *sqliteTx) CreateFile(file FileRecord) (int64, error) {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO fetch_file (name, ext, size, checksum, creator_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			file.Name, file.Ext, file.Size, file.Checksum, file.CreatorIP.String(), file.CreatedAt.UnixNano(),
		}})
	if err != nil {
		return 0, fmt.Errorf("creating file %q: %w", file.Name, err)
	}
	return tx.conn.LastInsertRowID(), nil
}

func (tx *sqliteTx) CreateFetch(fileID int64, senderIP netip.Addr, startedAt time.Time) (int64, error) {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO fetch (file_id, sender_ip, started_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{fileID, senderIP.String(), startedAt.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("creating fetch of file %d: %w", fileID, err)
	}
	return tx.conn.LastInsertRowID(), nil
}

func (tx *sqliteTx) RecordTarget(fetchID int64, ip netip.Addr, path string) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO client_fetch (fetch_id, ip, path) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{fetchID, ip.String(), path}})
	if err != nil {
		return fmt.Errorf("recording target %s of fetch %d: %w", ip, fetchID, err)
	}
	return nil
}

func (tx *sqliteTx) RecordOutcome(fetchID int64, ip netip.Addr, endedAt time.Time, success bool) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO fetch_result (fetch_id, ip, ended_at, success) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{fetchID, ip.String(), endedAt.UnixNano(), success}})
	if err != nil {
		return fmt.Errorf("recording outcome of %s in fetch %d: %w", ip, fetchID, err)
	}
	return nil
}

func (tx *sqliteTx) RecordFailureCause(fetchID int64, ip netip.Addr, cause int) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO fetch_fail_cause (fetch_id, ip, cause) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{fetchID, ip.String(), cause}})
	if err != nil {
		return fmt.Errorf("recording failure cause of %s in fetch %d: %w", ip, fetchID, err)
	}
	return nil
}
