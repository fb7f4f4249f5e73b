// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event is the in-process publish/subscribe bus that carries
// connection lifecycle notices from the server to the components that
// react to them.
//
// Emit calls every subscriber of the event's kind synchronously, on
// the emitting goroutine, in subscription order. A subscriber must
// not emit on the same bus from inside its callback for the same
// kind, and must not assume which goroutine calls it.
package event

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// Kind distinguishes lifecycle events.
type Kind int

const (
	// Connect fires after a connection is registered.
	Connect Kind = iota + 1

	// Disconnect fires exactly once per registered connection, after
	// it has been removed from the registry.
	Disconnect
)

func (kind Kind) String() string {
	switch kind {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", int(kind))
	}
}

// Event is one lifecycle notice.
type Event struct {
	Kind    Kind
	Addr    netip.Addr
	Session string
	At      time.Time

	// Reason is the error that ended the connection. Nil for Connect.
	Reason error
}

// Subscriber receives events of the kind it subscribed to.
type Subscriber func(Event)

// Bus routes events to subscribers. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]Subscriber
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Kind][]Subscriber)}
}

// Subscribe registers fn for events of kind.
func (b *Bus) Subscribe(kind Kind, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], fn)
}

// Emit delivers event to each subscriber of its kind exactly once.
// The bus lock is not held while subscribers run.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	subscribers := b.subscribers[event.Kind]
	b.mu.RUnlock()
	for _, subscriber := range subscribers {
		subscriber(event)
	}
}
