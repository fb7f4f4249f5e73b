// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the connection multiplexer of fetcherd.
//
// A [Server] accepts TCP connections, assembles inbound frames and
// hands each one to a [Dispatcher], which fans it out to every
// [Handler] that accepts its code. A [Registry] holds the live
// connections keyed by peer IP, so a peer has at most one registered
// connection at a time.
//
// # Goroutines
//
// One accept goroutine and one reader goroutine per connection do
// nothing but block in the kernel (through the runtime netpoller) and
// post what they read to a single event-loop goroutine. The event loop
// registers new connections, updates liveness, dispatches frames and
// runs disconnects, one event at a time, so handlers never run
// concurrently with each other. A separate monitor goroutine wakes
// every heartbeat interval, probes quiet connections and disconnects
// those that have missed too many probes.
//
// # Locking
//
// The registry lock guards the connection map and every connection's
// state, receive time and missed-probe counter. Components that keep
// per-connection bookkeeping of their own (the fetch orchestrator)
// guard it with the same lock through [Registry.Update], so a check of
// several connections' states and the resulting transitions are one
// atomic step. Each connection also has a write mutex, so a frame is
// always written whole.
//
// # Disconnect
//
// A connection is disconnected at most once. Whoever removes it from
// the registry (the event loop after a read error, the monitor after
// too many missed probes, or an accept that supersedes it) closes the
// socket and emits the [event.Disconnect] event after releasing the
// registry lock. Every other attempt finds it already gone and only
// makes sure the socket is closed. A failed write closes the socket
// too, which makes the reader fail and post the disconnect, so send
// errors need no separate cleanup path.
package server
