// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

// ErrPeerClosed is returned by [Conn.ReceiveExactly] when the peer
// closed the connection cleanly before sending any byte of the
// requested block.
var ErrPeerClosed = errors.New("server: peer closed connection")

// State is the scheduling state of a connection.
type State int

const (
	// StateIdle connections may be assigned to a fetch.
	StateIdle State = iota

	// StateBusy connections are reserved by a fetch.
	StateBusy

	// StateDisconnected connections have been removed from the
	// registry. The state never changes again.
	StateDisconnected
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// Conn is one peer connection.
type Conn struct {
	netConn      net.Conn
	addr         netip.Addr
	local        netip.Addr
	session      string
	connectedAt  time.Time
	writeTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once

	// Guarded by the registry lock.
	state        State
	lastReceive  time.Time
	missedProbes int
}

// NewConn wraps netConn. addr is the identity the connection is
// registered under and local is the server-side address written as
// the sender of outbound frames. A zero writeTimeout leaves writes
// unbounded.
func NewConn(netConn net.Conn, addr, local netip.Addr, connectedAt time.Time, writeTimeout time.Duration) *Conn {
	return &Conn{
		netConn:      netConn,
		addr:         addr,
		local:        local,
		session:      uuid.NewString(),
		connectedAt:  connectedAt,
		writeTimeout: writeTimeout,
		lastReceive:  connectedAt,
	}
}

// Addr is the peer IP, the connection's identity.
func (c *Conn) Addr() netip.Addr { return c.addr }

// Session distinguishes this connection from earlier or later ones
// from the same peer.
func (c *Conn) Session() string { return c.session }

// ConnectedAt is when the connection was accepted.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// SendFrame writes an encoded frame in full while holding the write
// lock. On failure the socket is closed so that the reader observes
// the failure and the connection goes through the normal disconnect.
func (c *Conn) SendFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.Close()
			return fmt.Errorf("setting write deadline for %s: %w", c.addr, err)
		}
	}
	if _, err := c.netConn.Write(frame); err != nil {
		c.Close()
		return fmt.Errorf("writing to %s: %w", c.addr, err)
	}
	return nil
}

// Send builds a frame from the server to this peer and writes it.
func (c *Conn) Send(code wire.Code, body []byte) error {
	return c.SendFrame(wire.NewMessage(code, c.local, c.addr, body).Frame())
}

// SendJSON marshals body and sends it.
func (c *Conn) SendJSON(code wire.Code, body any) error {
	encoded, err := wire.MarshalBody(body)
	if err != nil {
		return err
	}
	return c.Send(code, encoded)
}

// ReceiveExactly reads exactly n bytes, blocking until they arrive.
// It returns [ErrPeerClosed] if the stream ends before the first byte
// and an error wrapping io.ErrUnexpectedEOF if it ends part way.
func (c *Conn) ReceiveExactly(n int) ([]byte, error) {
	buffer := make([]byte, n)
	read, err := io.ReadFull(c.netConn, buffer)
	if err != nil {
		if read == 0 && errors.Is(err, io.EOF) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("receiving %d bytes from %s (got %d): %w", n, c.addr, read, err)
	}
	return buffer, nil
}

// Close closes the socket. It does not unregister the connection;
// the server does that when the reader sees the close. Only the first
// call can fail; later calls return nil.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.netConn.Close() })
	return err
}
