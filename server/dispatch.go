// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"slices"
	"sync"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

// Handler receives the frames whose code it accepts. Receive runs on
// the server's event loop, so it must not block for long: network
// writes to other peers are bounded by their write timeout, and
// anything slower belongs on its own goroutine.
type Handler interface {
	Accepts(code wire.Code) bool
	Receive(ctx context.Context, conn *Conn, message wire.Message)
}

// HandlerFunc adapts a function to the receive half of [Handler].
type HandlerFunc func(ctx context.Context, conn *Conn, message wire.Message)

type codeHandler struct {
	codes   []wire.Code
	receive HandlerFunc
}

func (h codeHandler) Accepts(code wire.Code) bool { return slices.Contains(h.codes, code) }

func (h codeHandler) Receive(ctx context.Context, conn *Conn, message wire.Message) {
	h.receive(ctx, conn, message)
}

// Dispatcher is an ordered list of handlers. Every handler that
// accepts a frame's code receives it, in registration order. A frame
// no handler accepts is dropped.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register appends handler.
func (d *Dispatcher) Register(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// HandleCodes registers fn for the listed codes.
func (d *Dispatcher) HandleCodes(fn HandlerFunc, codes ...wire.Code) {
	d.Register(codeHandler{codes: codes, receive: fn})
}

// Dispatch delivers message to every accepting handler and returns how
// many received it.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, message wire.Message) int {
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	delivered := 0
	for _, handler := range handlers {
		if handler.Accepts(message.Header.Code) {
			handler.Receive(ctx, conn, message)
			delivered++
		}
	}
	return delivered
}
