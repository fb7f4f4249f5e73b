// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bureau-foundation/fetcher/lib/netutil"
	"github.com/bureau-foundation/fetcher/lib/wire"
)

// ErrConnectionFull is returned by [Dial] when the server refuses the
// connection because it is at its limit.
var ErrConnectionFull = errors.New("client: server is at its connection limit")

// Options configure [Dial].
type Options struct {
	// LocalIP is the source address to dial from. The server
	// identifies clients by address, so several clients on one host
	// need distinct loopback or interface addresses. Empty lets the
	// kernel choose.
	LocalIP string

	// DialTimeout defaults to 10 seconds.
	DialTimeout time.Duration

	// MaxFrameSize bounds inbound bodies. Zero selects
	// [wire.DefaultMaxBodySize].
	MaxFrameSize uint32

	// IgnoreHeartbeats leaves heartbeat probes unanswered, so the
	// server eventually disconnects this client. Receive still hides
	// the probes from the caller.
	IgnoreHeartbeats bool

	Logger *slog.Logger
}

// Conn is a client connection to a fetch server.
type Conn struct {
	netConn      net.Conn
	local        netip.Addr
	remote       netip.Addr
	maxFrameSize uint32
	answer       bool
	logger       *slog.Logger
	welcome      wire.Welcome

	writeMu sync.Mutex
}

// Dial connects to address and waits for the server's welcome.
func Dial(ctx context.Context, address string, options Options) (*Conn, error) {
	if options.DialTimeout == 0 {
		options.DialTimeout = 10 * time.Second
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	dialer := net.Dialer{Timeout: options.DialTimeout}
	if options.LocalIP != "" {
		local, err := wire.ParseIPv4(options.LocalIP)
		if err != nil {
			return nil, fmt.Errorf("local address: %w", err)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: local.AsSlice()}
	}
	netConn, err := dialer.DialContext(ctx, "tcp4", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	conn := &Conn{
		netConn:      netConn,
		local:        netutil.AddrOf(netConn.LocalAddr()),
		remote:       netutil.AddrOf(netConn.RemoteAddr()),
		maxFrameSize: options.MaxFrameSize,
		answer:       !options.IgnoreHeartbeats,
		logger:       options.Logger,
	}

	dialContext, cancel := context.WithTimeout(ctx, options.DialTimeout)
	defer cancel()
	message, err := conn.Receive(dialContext)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("waiting for welcome from %s: %w", address, err)
	}
	switch message.Code() {
	case wire.CodeWelcome:
		if err := wire.UnmarshalBody(message, &conn.welcome); err != nil {
			netConn.Close()
			return nil, err
		}
	case wire.CodeConnectionFull:
		netConn.Close()
		var full wire.ConnectionFull
		if err := wire.UnmarshalBody(message, &full); err == nil && full.Reason != "" {
			return nil, fmt.Errorf("%w: %s (max %d)", ErrConnectionFull, full.Reason, full.MaxClients)
		}
		return nil, ErrConnectionFull
	default:
		netConn.Close()
		return nil, fmt.Errorf("expected welcome from %s, got %s", address, message.Code())
	}
	return conn, nil
}

// Welcome is the server's greeting.
func (c *Conn) Welcome() wire.Welcome { return c.welcome }

// LocalAddr is the address the server knows this client by.
func (c *Conn) LocalAddr() netip.Addr { return c.local }

// Send writes one frame with body.
func (c *Conn) Send(code wire.Code, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.netConn, wire.NewMessage(code, c.local, c.remote, body))
}

// SendJSON marshals body and sends it.
func (c *Conn) SendJSON(code wire.Code, body any) error {
	encoded, err := wire.MarshalBody(body)
	if err != nil {
		return err
	}
	return c.Send(code, encoded)
}

// Receive returns the next frame that is not a heartbeat probe,
// answering probes unless the connection ignores them. Cancelling ctx
// interrupts the read. Receive must not be called concurrently.
func (c *Conn) Receive(ctx context.Context) (wire.Message, error) {
	// A zero deadline clears whatever an earlier call left behind.
	deadline, _ := ctx.Deadline()
	c.netConn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.netConn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		message, err := wire.ReadFrame(c.netConn, c.maxFrameSize)
		if err != nil {
			if ctx.Err() != nil {
				return wire.Message{}, ctx.Err()
			}
			return wire.Message{}, err
		}
		if message.Code() != wire.CodeHeartbeat {
			return message, nil
		}
		if c.answer {
			if err := c.Send(wire.CodeHeartbeat, nil); err != nil {
				return wire.Message{}, fmt.Errorf("answering heartbeat: %w", err)
			}
		}
	}
}

// await receives until a frame with code arrives, discarding others.
func (c *Conn) await(ctx context.Context, code wire.Code) (wire.Message, error) {
	for {
		message, err := c.Receive(ctx)
		if err != nil {
			return wire.Message{}, err
		}
		if message.Code() == code {
			return message, nil
		}
		c.logger.Debug("discarding frame while waiting", "want", code, "got", message.Code())
	}
}

// Echo sends body and returns the server's copy.
func (c *Conn) Echo(ctx context.Context, body []byte) ([]byte, error) {
	if err := c.Send(wire.CodeEcho, body); err != nil {
		return nil, err
	}
	reply, err := c.await(ctx, wire.CodeEcho)
	if err != nil {
		return nil, err
	}
	return reply.Body, nil
}

// RequestFetch asks the server to admit request and returns its
// decision.
func (c *Conn) RequestFetch(ctx context.Context, request wire.FetchRequest) (wire.FetchAdmission, error) {
	var admission wire.FetchAdmission
	if err := c.SendJSON(wire.CodeFetchRequest, request); err != nil {
		return admission, err
	}
	reply, err := c.await(ctx, wire.CodeFetchAdmission)
	if err != nil {
		return admission, err
	}
	err = wire.UnmarshalBody(reply, &admission)
	return admission, err
}

// ClientStates asks the server for the state of every connection.
func (c *Conn) ClientStates(ctx context.Context) ([]wire.ClientState, error) {
	if err := c.Send(wire.CodeClientStateRequest, nil); err != nil {
		return nil, err
	}
	reply, err := c.await(ctx, wire.CodeClientStateResponse)
	if err != nil {
		return nil, err
	}
	var response wire.ClientStateResponse
	if err := wire.UnmarshalBody(reply, &response); err != nil {
		return nil, err
	}
	return response.Clients, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}
