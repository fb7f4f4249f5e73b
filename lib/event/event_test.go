// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"net/netip"
	"testing"
)

func TestEmitDeliversToKindSubscribersInOrder(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	var order []string
	bus.Subscribe(Disconnect, func(Event) { order = append(order, "first") })
	bus.Subscribe(Disconnect, func(Event) { order = append(order, "second") })
	bus.Subscribe(Connect, func(Event) { order = append(order, "connect") })

	address := netip.MustParseAddr("10.0.0.3")
	bus.Emit(Event{Kind: Disconnect, Addr: address})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("delivery order = %v, want [first second]", order)
	}
}

func TestEmitWithoutSubscribers(t *testing.T) {
	t.Parallel()
	NewBus().Emit(Event{Kind: Connect})
}

func TestSubscriberMaySubscribeDuringEmit(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	calls := 0
	bus.Subscribe(Connect, func(Event) {
		calls++
		bus.Subscribe(Disconnect, func(Event) {})
	})
	bus.Emit(Event{Kind: Connect})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	if Connect.String() != "connect" || Disconnect.String() != "disconnect" {
		t.Errorf("names: %s %s", Connect, Disconnect)
	}
}
