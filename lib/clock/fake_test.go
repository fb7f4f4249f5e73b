// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now = %v, want %v", got, epoch)
	}
	fake.Advance(90 * time.Second)
	if got := fake.Now(); !got.Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("Now after Advance = %v", got)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	channel := fake.After(time.Minute)

	fake.Advance(59 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}
	if fake.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", fake.PendingCount())
	}

	fake.Advance(time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(epoch.Add(time.Minute)) {
			t.Errorf("fired at %v", fired)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if fake.PendingCount() != 0 {
		t.Errorf("PendingCount after firing = %d, want 0", fake.PendingCount())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) not ready immediately")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Second)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not fire")
	}
}
