// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bureau-foundation/fetcher/lib/testutil"
	"github.com/bureau-foundation/fetcher/lib/wire"
)

var (
	peerAddr  = netip.MustParseAddr("10.0.0.2")
	localAddr = netip.MustParseAddr("10.0.0.1")
)

// pipeConn returns a Conn over one end of a net.Pipe and the other end
// for the test to act as the peer.
func pipeConn(t *testing.T, addr netip.Addr) (*Conn, net.Conn) {
	t.Helper()
	serverEnd, peerEnd := net.Pipe()
	t.Cleanup(func() {
		serverEnd.Close()
		peerEnd.Close()
	})
	return NewConn(serverEnd, addr, localAddr, epoch, time.Second), peerEnd
}

func TestReceiveExactlyAcrossWrites(t *testing.T) {
	t.Parallel()
	conn, peer := pipeConn(t, peerAddr)
	go func() {
		peer.Write([]byte("ab"))
		peer.Write([]byte("cde"))
	}()
	data, err := conn.ReceiveExactly(5)
	if err != nil {
		t.Fatalf("ReceiveExactly: %v", err)
	}
	if string(data) != "abcde" {
		t.Errorf("data = %q", data)
	}
}

func TestReceiveExactlyPeerClosed(t *testing.T) {
	t.Parallel()
	conn, peer := pipeConn(t, peerAddr)
	peer.Close()
	if _, err := conn.ReceiveExactly(13); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("error = %v, want ErrPeerClosed", err)
	}
}

func TestReceiveExactlyTruncated(t *testing.T) {
	t.Parallel()
	conn, peer := pipeConn(t, peerAddr)
	go func() {
		peer.Write([]byte("abc"))
		peer.Close()
	}()
	_, err := conn.ReceiveExactly(13)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("error = %v, want io.ErrUnexpectedEOF", err)
	}
	if errors.Is(err, ErrPeerClosed) {
		t.Error("partial read reported as a clean close")
	}
}

func TestSendWritesWholeFrame(t *testing.T) {
	t.Parallel()
	conn, peer := pipeConn(t, peerAddr)
	received := make(chan wire.Message, 1)
	go func() {
		message, err := wire.ReadFrame(peer, 0)
		if err == nil {
			received <- message
		}
	}()
	if err := conn.Send(wire.CodeEcho, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	message := testutil.RequireReceive(t, received, testTimeout, "waiting for frame")
	if message.Header.Sender != localAddr || message.Header.Receiver != peerAddr {
		t.Errorf("header addresses = %v -> %v", message.Header.Sender, message.Header.Receiver)
	}
	if string(message.Body) != "hello" {
		t.Errorf("body = %q", message.Body)
	}
}

func TestSendFailureClosesSocket(t *testing.T) {
	t.Parallel()
	conn, peer := pipeConn(t, peerAddr)
	peer.Close()
	if err := conn.Send(wire.CodeHeartbeat, nil); err == nil {
		t.Fatal("Send to a closed peer succeeded")
	}
	if _, err := conn.ReceiveExactly(1); err == nil || errors.Is(err, ErrPeerClosed) {
		t.Errorf("read after failed send = %v, want a closed-socket error", err)
	}
}

func TestCloseTwiceIsNoOp(t *testing.T) {
	t.Parallel()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		netConn, err := listener.Accept()
		if err == nil {
			accepted <- netConn
		}
	}()
	dialed, err := net.Dial("tcp4", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer dialed.Close()
	serverEnd := testutil.RequireReceive(t, accepted, 5*time.Second, "waiting for accept")

	conn := NewConn(serverEnd, peerAddr, localAddr, epoch, time.Second)
	if err := conn.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestCloseAfterFailedSend(t *testing.T) {
	t.Parallel()
	conn, peer := pipeConn(t, peerAddr)
	peer.Close()
	if err := conn.Send(wire.CodeHeartbeat, nil); err == nil {
		t.Fatal("Send to a closed peer succeeded")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close after a failed send = %v, want nil", err)
	}
}

func TestSessionsAreUnique(t *testing.T) {
	t.Parallel()
	first, _ := pipeConn(t, peerAddr)
	second, _ := pipeConn(t, peerAddr)
	if first.Session() == "" || first.Session() == second.Session() {
		t.Errorf("sessions %q and %q", first.Session(), second.Session())
	}
}
