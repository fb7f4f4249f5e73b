// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package persist records client and fetch history.
//
// A [Store] exposes its writes only through [Store.Update], which runs
// a function against a [Tx] as one transaction: every write made in
// the function commits together when it returns nil and none of them
// survive when it returns an error. The fetch orchestrator relies on
// this to keep its in-memory state and the history in step. It
// performs its writes first and changes memory only after Update
// succeeded.
//
// [SQLiteStore] is the production implementation. [Memory] keeps the
// same records in maps, enforces the same references between them, and
// can be told to fail, which is what the orchestrator's tests use.
//
// Times are stored as Unix nanoseconds. Addresses are stored in their
// text form.
package persist
