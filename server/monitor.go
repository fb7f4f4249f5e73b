// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

// monitor wakes every heartbeat interval until ctx is done.
func (s *Server) monitor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.heartbeatInterval):
			s.checkLiveness()
		}
	}
}

// checkLiveness probes every connection that has been quiet for at
// least one interval and disconnects those whose missed-probe count
// already reached the limit. A probe counts as missed as soon as it
// is sent; any inbound frame resets the count.
func (s *Server) checkLiveness() {
	now := s.clock.Now()
	var probe, expired []*Conn
	s.registry.View(func(locked Locked) {
		for _, conn := range locked.Connections() {
			if now.Sub(conn.lastReceive) < s.heartbeatInterval {
				continue
			}
			if conn.missedProbes >= s.maxMissedHeartbeats {
				expired = append(expired, conn)
				continue
			}
			conn.missedProbes++
			probe = append(probe, conn)
		}
	})

	for _, conn := range expired {
		s.disconnect(conn, ErrHeartbeatTimeout)
	}
	for _, conn := range probe {
		s.probes.Add(1)
		if err := conn.Send(wire.CodeHeartbeat, nil); err != nil {
			s.logger.Debug("heartbeat probe failed", "client", conn.addr, "error", err)
		}
	}
}
