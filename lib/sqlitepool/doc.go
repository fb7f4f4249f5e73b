// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite's connection pool
// with the settings fetcherd's history database uses.
//
// Every connection runs in WAL mode with synchronous=NORMAL and a five
// second busy timeout, enforces foreign keys, and applies the caller's
// schema script before first use. Callers Take a connection, open a
// transaction on it with sqlitex, and Put it back:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//	endTransaction, err := sqlitex.ImmediateTransaction(conn)
//	if err != nil {
//	    return err
//	}
//	defer endTransaction(&err)
package sqlitepool
