// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/fetcher/lib/netutil"
	"github.com/bureau-foundation/fetcher/lib/testutil"
	"github.com/bureau-foundation/fetcher/lib/wire"
)

const testTimeout = 5 * time.Second

// fakeServer accepts connections on loopback and greets each with
// greeting, then hands the socket to the test.
type fakeServer struct {
	listener net.Listener
	accepted chan net.Conn
}

func startFakeServer(t *testing.T, greeting wire.Code, body any) *fakeServer {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	server := &fakeServer{listener: listener, accepted: make(chan net.Conn, 4)}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
			encoded, _ := wire.MarshalBody(body)
			local := netutil.AddrOf(conn.LocalAddr())
			remote := netutil.AddrOf(conn.RemoteAddr())
			if err := wire.WriteFrame(conn, wire.NewMessage(greeting, local, remote, encoded)); err != nil {
				return
			}
			server.accepted <- conn
		}
	}()
	return server
}

func (s *fakeServer) address() string { return s.listener.Addr().String() }

func (s *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	return testutil.RequireReceive(t, s.accepted, testTimeout, "waiting for a client connection")
}

func welcomeServer(t *testing.T) *fakeServer {
	return startFakeServer(t, wire.CodeWelcome, wire.Welcome{IP: "127.0.0.1", Session: "session-1", HeartbeatSeconds: 60})
}

func dialTest(t *testing.T, server *fakeServer, options Options) (*Conn, net.Conn) {
	t.Helper()
	options.Logger = slog.New(slog.DiscardHandler)
	conn, err := Dial(context.Background(), server.address(), options)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, server.accept(t)
}

func serverSend(t *testing.T, conn net.Conn, code wire.Code, body any) {
	t.Helper()
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = wire.MarshalBody(body); err != nil {
			t.Fatalf("encoding %s: %v", code, err)
		}
	}
	message := wire.NewMessage(code, netutil.AddrOf(conn.LocalAddr()), netutil.AddrOf(conn.RemoteAddr()), encoded)
	if err := wire.WriteFrame(conn, message); err != nil {
		t.Fatalf("writing %s: %v", code, err)
	}
}

func serverReceive(t *testing.T, conn net.Conn, code wire.Code) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	message, err := wire.ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("reading frame from client: %v", err)
	}
	if message.Code() != code {
		t.Fatalf("client sent %s, want %s", message.Code(), code)
	}
	return message
}

func serverReceiveBody[T any](t *testing.T, conn net.Conn, code wire.Code) T {
	t.Helper()
	var body T
	if err := wire.UnmarshalBody(serverReceive(t, conn, code), &body); err != nil {
		t.Fatalf("decoding %s: %v", code, err)
	}
	return body
}

func TestDialReadsWelcome(t *testing.T) {
	t.Parallel()
	server := welcomeServer(t)
	conn, _ := dialTest(t, server, Options{})
	if welcome := conn.Welcome(); welcome.Session != "session-1" || welcome.HeartbeatSeconds != 60 {
		t.Errorf("welcome = %+v", welcome)
	}
	if !conn.LocalAddr().Is4() {
		t.Errorf("local address %v is not IPv4", conn.LocalAddr())
	}
}

func TestDialConnectionFull(t *testing.T) {
	t.Parallel()
	server := startFakeServer(t, wire.CodeConnectionFull, wire.ConnectionFull{MaxClients: 1, Reason: "full"})
	_, err := Dial(context.Background(), server.address(), Options{})
	if !errors.Is(err, ErrConnectionFull) {
		t.Errorf("Dial error = %v, want ErrConnectionFull", err)
	}
}

func TestDialFromLocalIP(t *testing.T) {
	t.Parallel()
	server := welcomeServer(t)
	conn, serverSide := dialTest(t, server, Options{LocalIP: "127.0.0.9"})
	if got := netutil.AddrOf(serverSide.RemoteAddr()).String(); got != "127.0.0.9" {
		t.Errorf("server sees %s, want 127.0.0.9", got)
	}
	if conn.LocalAddr().String() != "127.0.0.9" {
		t.Errorf("LocalAddr = %s", conn.LocalAddr())
	}
}

func TestReceiveAnswersHeartbeats(t *testing.T) {
	t.Parallel()
	server := welcomeServer(t)
	conn, serverSide := dialTest(t, server, Options{})

	serverSend(t, serverSide, wire.CodeHeartbeat, nil)
	serverSend(t, serverSide, wire.CodeEcho, map[string]string{"hello": "world"})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	message, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if message.Code() != wire.CodeEcho {
		t.Errorf("Receive returned %s, want echo", message.Code())
	}
	serverReceive(t, serverSide, wire.CodeHeartbeat)
}

func TestReceiveHonorsCancellation(t *testing.T) {
	t.Parallel()
	server := welcomeServer(t)
	conn, _ := dialTest(t, server, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Receive(ctx)
		done <- err
	}()
	cancel()
	if err := testutil.RequireReceive(t, done, testTimeout, "waiting for Receive to return"); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive error = %v, want context.Canceled", err)
	}
}

func TestPushStreamsFile(t *testing.T) {
	t.Parallel()
	server := welcomeServer(t)
	conn, serverSide := dialTest(t, server, Options{})

	content := []byte("0123456789abcdefghij")
	path := filepath.Join(t.TempDir(), "digits.txt")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	type pushOutcome struct {
		result PushResult
		err    error
	}
	done := make(chan pushOutcome, 1)
	go func() {
		result, err := conn.Push(context.Background(), path, PushOptions{
			Targets:   []wire.FetchTarget{{IP: "10.0.0.11", Path: "/srv"}},
			ChunkSize: 8,
		})
		done <- pushOutcome{result, err}
	}()

	request := serverReceiveBody[wire.FetchRequest](t, serverSide, wire.CodeFetchRequest)
	if request.File.Name != "digits" || request.File.Ext != "txt" || request.File.Size != 20 {
		t.Errorf("descriptor = %+v", request.File)
	}
	if request.File.Checksum != Checksum(content) {
		t.Errorf("checksum = %s, want %s", request.File.Checksum, Checksum(content))
	}
	serverSend(t, serverSide, wire.CodeFetchAdmission, wire.FetchAdmission{FetchNo: 7, IsSuccess: true})

	var received []byte
	chunks := 0
	for {
		chunk := serverReceiveBody[wire.Chunk](t, serverSide, wire.CodeChunk)
		if chunk.FetchNo != 7 {
			t.Fatalf("chunk for fetch %d, want 7", chunk.FetchNo)
		}
		data, err := DecodeChunk(chunk)
		if err != nil {
			t.Fatalf("DecodeChunk: %v", err)
		}
		received = append(received, data...)
		chunks++
		if chunk.IsFinal {
			break
		}
	}
	if !bytes.Equal(received, content) || chunks != 3 {
		t.Errorf("received %q in %d chunks, want %q in 3", received, chunks, content)
	}

	outcome := testutil.RequireReceive(t, done, testTimeout, "waiting for Push")
	if outcome.err != nil {
		t.Fatalf("Push: %v", outcome.err)
	}
	if outcome.result.FetchNo != 7 || outcome.result.Chunks != 3 || outcome.result.Bytes != 20 {
		t.Errorf("result = %+v", outcome.result)
	}
}

func TestPushRefused(t *testing.T) {
	t.Parallel()
	server := welcomeServer(t)
	conn, serverSide := dialTest(t, server, Options{})
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.Push(context.Background(), path, PushOptions{Targets: []wire.FetchTarget{{IP: "10.0.0.11"}}})
		done <- err
	}()
	serverReceive(t, serverSide, wire.CodeFetchRequest)
	serverSend(t, serverSide, wire.CodeFetchAdmission, wire.FetchAdmission{FailClientsIP: []string{"10.0.0.11"}})

	err := testutil.RequireReceive(t, done, testTimeout, "waiting for Push")
	var refused *RefusedError
	if !errors.As(err, &refused) || refused.Admission.FailClientsIP[0] != "10.0.0.11" {
		t.Errorf("Push error = %v, want RefusedError naming 10.0.0.11", err)
	}
}

// startAgent runs an agent on a fresh connection and returns the
// server side, the agent's root and its result channel.
func startAgent(t *testing.T) (net.Conn, string, <-chan wire.FetchResult) {
	t.Helper()
	server := welcomeServer(t)
	conn, serverSide := dialTest(t, server, Options{})
	root := t.TempDir()
	results := make(chan wire.FetchResult, 8)
	agent := NewAgent(conn, root, slog.New(slog.DiscardHandler))
	agent.Results = results

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, testTimeout, "waiting for agent to stop"); err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return serverSide, root, results
}

func TestAgentWritesVerifiedFile(t *testing.T) {
	t.Parallel()
	serverSide, root, results := startAgent(t)
	content := []byte("hello world")

	serverSend(t, serverSide, wire.CodeFetchRequest, wire.Prepare{
		FetchNo:     5,
		FetchFileNo: 2,
		File:        wire.FileDescriptor{No: 2, Name: "hello", Ext: "txt", Size: int64(len(content)), Checksum: Checksum(content)},
		Path:        "/../../etc/app",
	})
	first, _ := EncodeChunk(5, content[:6], wire.EncodingLZ4, false)
	second, _ := EncodeChunk(5, content[6:], wire.EncodingNone, true)
	serverSend(t, serverSide, wire.CodeChunk, first)
	serverSend(t, serverSide, wire.CodeChunk, second)

	progress := serverReceiveBody[wire.ChunkResult](t, serverSide, wire.CodeChunkResult)
	if progress.Received != 6 || progress.IsFinal {
		t.Errorf("first progress = %+v", progress)
	}
	progress = serverReceiveBody[wire.ChunkResult](t, serverSide, wire.CodeChunkResult)
	if progress.Received != 11 || !progress.IsFinal {
		t.Errorf("final progress = %+v", progress)
	}
	result := serverReceiveBody[wire.FetchResult](t, serverSide, wire.CodeFetchResult)
	if result.FetchNo != 5 || !result.IsComplete || result.FailCause != nil {
		t.Errorf("result = %+v, want success", result)
	}
	testutil.RequireReceive(t, results, testTimeout, "waiting for the agent's result")

	written, err := os.ReadFile(filepath.Join(root, "etc", "app", "hello.txt"))
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if !bytes.Equal(written, content) {
		t.Errorf("fetched content = %q", written)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "etc", "app"))
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the fetched file", len(entries))
	}
}

func TestAgentReportsCorruptFile(t *testing.T) {
	t.Parallel()
	serverSide, root, _ := startAgent(t)

	serverSend(t, serverSide, wire.CodeFetchRequest, wire.Prepare{
		FetchNo: 6,
		File:    wire.FileDescriptor{Name: "data", Size: 4, Checksum: Checksum([]byte("good"))},
		Path:    "in",
	})
	chunk, _ := EncodeChunk(6, []byte("evil"), wire.EncodingNone, true)
	serverSend(t, serverSide, wire.CodeChunk, chunk)

	serverReceive(t, serverSide, wire.CodeChunkResult)
	result := serverReceiveBody[wire.FetchResult](t, serverSide, wire.CodeFetchResult)
	if result.IsComplete || result.FailCause == nil || *result.FailCause != wire.FailCorrupt {
		t.Errorf("result = %+v, want corrupt failure", result)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "in"))
	if len(entries) != 0 {
		t.Errorf("corrupt fetch left %d files behind", len(entries))
	}
}

func TestAgentRejectsUnsafeFileName(t *testing.T) {
	t.Parallel()
	serverSide, _, _ := startAgent(t)

	serverSend(t, serverSide, wire.CodeFetchRequest, wire.Prepare{
		FetchNo: 8,
		File:    wire.FileDescriptor{Name: "../escape", Size: 1},
		Path:    "/",
	})
	result := serverReceiveBody[wire.FetchResult](t, serverSide, wire.CodeFetchResult)
	if result.FetchNo != 8 || result.FailCause == nil || *result.FailCause != wire.FailLocalWrite {
		t.Errorf("result = %+v, want local-write failure", result)
	}
}

func TestAgentDiscardsAbandonedFetch(t *testing.T) {
	t.Parallel()
	serverSide, root, _ := startAgent(t)

	serverSend(t, serverSide, wire.CodeFetchRequest, wire.Prepare{
		FetchNo: 9,
		File:    wire.FileDescriptor{Name: "big", Size: 100},
		Path:    "partial",
	})
	chunk, _ := EncodeChunk(9, []byte("first part"), wire.EncodingNone, false)
	serverSend(t, serverSide, wire.CodeChunk, chunk)
	serverReceive(t, serverSide, wire.CodeChunkResult)

	directory := filepath.Join(root, "partial")
	if entries, _ := os.ReadDir(directory); len(entries) != 1 {
		t.Fatalf("partial directory holds %d entries, want the temporary file", len(entries))
	}

	cause := wire.FailDisconnected
	serverSend(t, serverSide, wire.CodeFetchResult, wire.FetchResult{FetchNo: 9, FailCause: &cause})
	testutil.Eventually(t, testTimeout, func() bool {
		entries, _ := os.ReadDir(directory)
		return len(entries) == 0
	}, "waiting for the partial file to be removed")
}
