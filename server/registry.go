// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Registry is the set of live connections, keyed by peer IP.
type Registry struct {
	mu          sync.Mutex
	connections map[netip.Addr]*Conn
}

// Errors returned by [Registry.Add].
var (
	ErrRegistryFull = errors.New("server: registry is at its connection limit")
	ErrAddressInUse = errors.New("server: address already has a registered connection")
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[netip.Addr]*Conn)}
}

// Locked is the view of a registry available while its lock is held.
// It is only valid inside the callback that received it.
type Locked struct {
	registry *Registry
}

// Update runs fn with the registry lock held and returns its error.
// fn must not block on the network or call back into the registry.
func (r *Registry) Update(fn func(Locked) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(Locked{registry: r})
}

// View runs fn with the registry lock held.
func (r *Registry) View(fn func(Locked)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(Locked{registry: r})
}

// Add registers conn in the idle state. It fails if another
// connection is registered under the same address, or if limit is
// positive and the registry already holds limit connections.
func (r *Registry) Add(conn *Conn, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.connections[conn.addr]; taken {
		return ErrAddressInUse
	}
	if limit > 0 && len(r.connections) >= limit {
		return ErrRegistryFull
	}
	conn.state = StateIdle
	r.connections[conn.addr] = conn
	return nil
}

// Remove unregisters conn and marks it disconnected, if conn is the
// connection registered under its address. It reports whether it
// did; for a given connection only one call ever returns true.
func (r *Registry) Remove(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.connections[conn.addr]; !ok || current != conn {
		return false
	}
	delete(r.connections, conn.addr)
	conn.state = StateDisconnected
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// Lookup returns the connection registered for addr.
func (l Locked) Lookup(addr netip.Addr) (*Conn, bool) {
	conn, ok := l.registry.connections[addr]
	return conn, ok
}

// Len returns the number of registered connections.
func (l Locked) Len() int {
	return len(l.registry.connections)
}

// Connections returns the registered connections ordered by address.
func (l Locked) Connections() []*Conn {
	connections := make([]*Conn, 0, len(l.registry.connections))
	for _, conn := range l.registry.connections {
		connections = append(connections, conn)
	}
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].addr.Less(connections[j].addr)
	})
	return connections
}

// State returns conn's scheduling state.
func (l Locked) State(conn *Conn) State {
	return conn.state
}

// SetState changes conn's scheduling state. A disconnected connection
// stays disconnected.
func (l Locked) SetState(conn *Conn, state State) {
	if conn.state == StateDisconnected {
		return
	}
	conn.state = state
}

// LastReceive is when the last complete frame arrived from conn.
func (l Locked) LastReceive(conn *Conn) time.Time {
	return conn.lastReceive
}

// MissedProbes is the number of heartbeat probes sent to conn since
// it last sent anything.
func (l Locked) MissedProbes(conn *Conn) int {
	return conn.missedProbes
}

// touch records a received frame. It reports false when conn is no
// longer registered.
func (l Locked) touch(conn *Conn, now time.Time) bool {
	if current, ok := l.registry.connections[conn.addr]; !ok || current != conn {
		return false
	}
	conn.lastReceive = now
	conn.missedProbes = 0
	return true
}
