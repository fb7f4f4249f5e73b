// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that measure elapsed time or wait on a deadline hold a
// Clock instead of calling time.Now or time.After directly. Tests use
// Fake to make those waits deterministic:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	srv := server.New(server.Config{Clock: fake, ...})
//	go srv.Serve(ctx, listener)
//	fake.WaitForTimers(1)          // monitor is parked on its next wake
//	fake.Advance(time.Minute)      // fire it
//	fake.WaitForTimers(1)          // monitor finished the pass and re-armed
package clock
