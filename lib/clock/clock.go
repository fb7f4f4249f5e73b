// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source used by the server's liveness monitor, the
// fetch orchestrator and the client agent. Production code injects
// Real(); tests inject Fake() and move time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0, the channel is ready
	// immediately.
	After(d time.Duration) <-chan time.Time
}
