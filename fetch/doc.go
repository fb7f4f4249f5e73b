// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch coordinates pushing one file from a sender to a set of
// target connections.
//
// A fetch request is admitted all-or-nothing: every named target must
// be registered and idle, or the request fails and the reply lists the
// targets that were not. An admitted request is persisted (file, fetch
// and target rows in one transaction) before any target is marked busy,
// so a failed commit leaves the registry exactly as it was.
//
// Chunks sent for an admitted fetch are forwarded verbatim to each
// outstanding target. Each target is resolved exactly once, either by
// its own fetch result or, when its connection is lost first, by a
// synthesized failure with cause [wire.FailDisconnected]. The job
// closes when its last target resolves. If the sender disconnects
// before relaying its final chunk, the remaining targets are resolved
// the same way and told so with a fetch result of their own.
//
// Job state shares the server registry's lock. Work that persists is
// additionally serialized by the orchestrator, which keeps admission,
// result recording and disconnect handling from interleaving between
// their availability check and their in-memory update.
package fetch
