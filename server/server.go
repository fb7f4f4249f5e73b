// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/fetcher/lib/clock"
	"github.com/bureau-foundation/fetcher/lib/event"
	"github.com/bureau-foundation/fetcher/lib/netutil"
	"github.com/bureau-foundation/fetcher/lib/wire"
)

// Disconnect reasons produced by the server itself.
var (
	ErrHeartbeatTimeout = errors.New("server: heartbeat probes unanswered")
	ErrSuperseded       = errors.New("server: superseded by a newer connection from the same address")
	ErrServerClosed     = errors.New("server: shutting down")
)

// Config holds the parameters for [New].
type Config struct {
	// MaxClients is the connection ceiling. Required.
	MaxClients int

	// HeartbeatInterval is the monitor period and the quiet time after
	// which a connection is probed. Required.
	HeartbeatInterval time.Duration

	// MaxMissedHeartbeats is the number of unanswered probes after
	// which a connection is disconnected. Required.
	MaxMissedHeartbeats int

	// WriteTimeout bounds every frame write. Zero means unbounded.
	WriteTimeout time.Duration

	// MaxFrameSize bounds inbound body lengths. Zero selects
	// wire.DefaultMaxBodySize.
	MaxFrameSize uint32

	// Registry, Dispatcher and Events are created when nil.
	Registry   *Registry
	Dispatcher *Dispatcher
	Events     *event.Bus

	// Clock defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Stats are cumulative counters since the server started.
type Stats struct {
	Accepted     uint64 `json:"accepted"`
	Rejected     uint64 `json:"rejected"`
	Superseded   uint64 `json:"superseded"`
	Disconnected uint64 `json:"disconnected"`
	Frames       uint64 `json:"frames"`
	Unhandled    uint64 `json:"unhandled"`
	Probes       uint64 `json:"probes"`
}

// Server accepts connections and drives the event loop.
type Server struct {
	maxClients          int
	heartbeatInterval   time.Duration
	maxMissedHeartbeats int
	writeTimeout        time.Duration
	maxFrameSize        uint32

	registry   *Registry
	dispatcher *Dispatcher
	events     *event.Bus
	clock      clock.Clock
	logger     *slog.Logger

	loopEvents chan loopEvent
	stopped    chan struct{}
	goroutines sync.WaitGroup
	serving    atomic.Bool

	accepted     atomic.Uint64
	rejected     atomic.Uint64
	superseded   atomic.Uint64
	disconnected atomic.Uint64
	frames       atomic.Uint64
	unhandled    atomic.Uint64
	probes       atomic.Uint64
}

type loopEventKind int

const (
	eventAccepted loopEventKind = iota
	eventFrame
	eventReadFailed
)

// loopEvent is what the accept and reader goroutines post to the
// event loop.
type loopEvent struct {
	kind    loopEventKind
	netConn net.Conn
	conn    *Conn
	message wire.Message
	err     error
}

// New validates cfg and returns a server ready for Serve.
func New(cfg Config) (*Server, error) {
	if cfg.MaxClients < 1 {
		return nil, fmt.Errorf("server: MaxClients must be positive, got %d", cfg.MaxClients)
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("server: HeartbeatInterval must be positive, got %v", cfg.HeartbeatInterval)
	}
	if cfg.MaxMissedHeartbeats < 1 {
		return nil, fmt.Errorf("server: MaxMissedHeartbeats must be positive, got %d", cfg.MaxMissedHeartbeats)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewDispatcher()
	}
	if cfg.Events == nil {
		cfg.Events = event.NewBus()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = wire.DefaultMaxBodySize
	}
	return &Server{
		maxClients:          cfg.MaxClients,
		heartbeatInterval:   cfg.HeartbeatInterval,
		maxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		writeTimeout:        cfg.WriteTimeout,
		maxFrameSize:        cfg.MaxFrameSize,
		registry:            cfg.Registry,
		dispatcher:          cfg.Dispatcher,
		events:              cfg.Events,
		clock:               cfg.Clock,
		logger:              cfg.Logger,
		loopEvents:          make(chan loopEvent, 64),
		stopped:             make(chan struct{}),
	}, nil
}

// Registry returns the server's connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Dispatcher returns the server's dispatcher.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Events returns the bus lifecycle events are emitted on.
func (s *Server) Events() *event.Bus { return s.events }

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:     s.accepted.Load(),
		Rejected:     s.rejected.Load(),
		Superseded:   s.superseded.Load(),
		Disconnected: s.disconnected.Load(),
		Frames:       s.frames.Load(),
		Unhandled:    s.unhandled.Load(),
		Probes:       s.probes.Load(),
	}
}

// Listen opens an IPv4 TCP listener on address.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp4", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return listener, nil
}

// Serve runs the server on listener until ctx is cancelled. On return
// the listener is closed, every registered connection has been
// disconnected (with its disconnect event emitted) and every goroutine
// the server started has exited. Serve may be called once.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("server: Serve called more than once")
	}
	s.logger.Info("server listening",
		"address", listener.Addr().String(),
		"max_clients", s.maxClients,
		"heartbeat_interval", s.heartbeatInterval,
		"max_missed_heartbeats", s.maxMissedHeartbeats,
	)

	monitorContext, stopMonitor := context.WithCancel(ctx)
	s.goroutines.Add(2)
	go func() {
		defer s.goroutines.Done()
		s.acceptLoop(listener)
	}()
	go func() {
		defer s.goroutines.Done()
		s.monitor(monitorContext)
	}()

	s.eventLoop(ctx)

	stopMonitor()
	close(s.stopped)
	listener.Close()
	s.disconnectAll()
	s.goroutines.Wait()
	s.drainLoopEvents()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case loopEvent := <-s.loopEvents:
			switch loopEvent.kind {
			case eventAccepted:
				s.register(loopEvent.netConn)
			case eventFrame:
				s.receive(ctx, loopEvent.conn, loopEvent.message)
			case eventReadFailed:
				s.disconnect(loopEvent.conn, loopEvent.err)
			}
		}
	}
}

// post hands an event to the event loop. It returns false once the
// server is stopping.
func (s *Server) post(loopEvent loopEvent) bool {
	select {
	case s.loopEvents <- loopEvent:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-s.stopped:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if !s.post(loopEvent{kind: eventAccepted, netConn: netConn}) {
			netConn.Close()
			return
		}
	}
}

// register admits a freshly accepted socket, or rejects it when the
// server is full.
func (s *Server) register(netConn net.Conn) {
	addr := netutil.AddrOf(netConn.RemoteAddr())
	if !addr.Is4() {
		s.logger.Warn("rejecting connection without an IPv4 peer address", "remote", netConn.RemoteAddr().String())
		netConn.Close()
		return
	}
	if err := setUserTimeout(netConn, s.writeTimeout); err != nil {
		s.logger.Debug("setting TCP user timeout failed", "client", addr, "error", err)
	}
	conn := NewConn(netConn, addr, netutil.AddrOf(netConn.LocalAddr()), s.clock.Now(), s.writeTimeout)

	var previous *Conn
	s.registry.View(func(locked Locked) {
		previous, _ = locked.Lookup(addr)
	})
	if previous != nil {
		s.superseded.Add(1)
		s.disconnect(previous, ErrSuperseded)
	}

	if err := s.registry.Add(conn, s.maxClients); err != nil {
		s.reject(conn, err)
		return
	}

	s.accepted.Add(1)
	s.goroutines.Add(1)
	go s.readLoop(conn)

	s.logger.Info("client connected", "client", addr, "session", conn.session)
	s.events.Emit(event.Event{
		Kind:    event.Connect,
		Addr:    addr,
		Session: conn.session,
		At:      conn.connectedAt,
	})

	welcome := wire.Welcome{
		IP:               addr.String(),
		Session:          conn.session,
		HeartbeatSeconds: int(s.heartbeatInterval / time.Second),
	}
	if err := conn.SendJSON(wire.CodeWelcome, welcome); err != nil {
		s.logger.Debug("sending welcome failed", "client", addr, "error", err)
	}
}

func (s *Server) reject(conn *Conn, reason error) {
	s.rejected.Add(1)
	s.logger.Warn("connection refused", "client", conn.addr, "max_clients", s.maxClients, "reason", reason)
	full := wire.ConnectionFull{
		MaxClients: s.maxClients,
		Reason:     "server is at its connection limit",
	}
	if err := conn.SendJSON(wire.CodeConnectionFull, full); err != nil {
		s.logger.Debug("sending connection-full notice failed", "client", conn.addr, "error", err)
	}
	conn.Close()
}

// receive records liveness and dispatches one frame.
func (s *Server) receive(ctx context.Context, conn *Conn, message wire.Message) {
	now := s.clock.Now()
	registered := false
	s.registry.View(func(locked Locked) {
		registered = locked.touch(conn, now)
	})
	if !registered {
		return
	}
	s.frames.Add(1)
	if s.dispatcher.Dispatch(ctx, conn, message) == 0 {
		s.unhandled.Add(1)
		s.logger.Debug("no handler for frame", "client", conn.addr, "code", message.Header.Code)
	}
}

// readLoop is conn's reader goroutine. It only frames bytes into
// messages; every state change happens on the event loop it posts to.
func (s *Server) readLoop(conn *Conn) {
	defer s.goroutines.Done()
	for {
		message, err := s.readMessage(conn)
		if err != nil {
			s.post(loopEvent{kind: eventReadFailed, conn: conn, err: err})
			return
		}
		if !s.post(loopEvent{kind: eventFrame, conn: conn, message: message}) {
			return
		}
	}
}

func (s *Server) readMessage(conn *Conn) (wire.Message, error) {
	headerBytes, err := conn.ReceiveExactly(wire.HeaderLength)
	if err != nil {
		return wire.Message{}, err
	}
	header, err := wire.Decode(headerBytes)
	if err != nil {
		return wire.Message{}, err
	}
	if header.Size > s.maxFrameSize {
		return wire.Message{}, fmt.Errorf("%w: %s declares %d bytes, limit %d", wire.ErrFrameTooLarge, header.Code, header.Size, s.maxFrameSize)
	}
	var body []byte
	if header.Size > 0 {
		body, err = conn.ReceiveExactly(int(header.Size))
		if errors.Is(err, ErrPeerClosed) {
			return wire.Message{}, fmt.Errorf("reading %s body: %w", header.Code, io.ErrUnexpectedEOF)
		}
		if err != nil {
			return wire.Message{}, err
		}
	}
	return wire.Message{Header: header, Body: body}, nil
}

// disconnect removes conn from the registry, closes it and, if this
// call was the one that removed it, emits the disconnect event. Safe
// to call from any goroutine any number of times.
func (s *Server) disconnect(conn *Conn, reason error) {
	removed := s.registry.Remove(conn)
	conn.Close()
	if !removed {
		return
	}
	s.disconnected.Add(1)

	switch {
	case errors.Is(reason, ErrPeerClosed), errors.Is(reason, ErrServerClosed), errors.Is(reason, ErrSuperseded):
		s.logger.Info("client disconnected", "client", conn.addr, "session", conn.session, "reason", reason)
	case netutil.IsExpectedCloseError(reason):
		s.logger.Info("client connection lost", "client", conn.addr, "session", conn.session, "error", reason)
	default:
		s.logger.Warn("client disconnected on error", "client", conn.addr, "session", conn.session, "error", reason)
	}

	s.events.Emit(event.Event{
		Kind:    event.Disconnect,
		Addr:    conn.addr,
		Session: conn.session,
		At:      s.clock.Now(),
		Reason:  reason,
	})
}

func (s *Server) disconnectAll() {
	var connections []*Conn
	s.registry.View(func(locked Locked) {
		connections = locked.Connections()
	})
	for _, conn := range connections {
		s.disconnect(conn, ErrServerClosed)
	}
}

// drainLoopEvents closes sockets that were accepted but never reached
// the event loop.
func (s *Server) drainLoopEvents() {
	for {
		select {
		case loopEvent := <-s.loopEvents:
			if loopEvent.netConn != nil {
				loopEvent.netConn.Close()
			}
		default:
			return
		}
	}
}
