// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/fetcher/lib/clock"
	"github.com/bureau-foundation/fetcher/lib/event"
	"github.com/bureau-foundation/fetcher/lib/wire"
	"github.com/bureau-foundation/fetcher/persist"
	"github.com/bureau-foundation/fetcher/server"
)

// errNotOutstanding is returned by resolve when the target has
// already been resolved or never belonged to the job.
var errNotOutstanding = errors.New("fetch: target is not outstanding")

// Config holds the orchestrator's collaborators.
type Config struct {
	// Registry is the server's connection registry. Its lock also
	// guards the orchestrator's job table.
	Registry *server.Registry

	// Store records files, fetches and outcomes.
	Store persist.Store

	// Events delivers disconnect notices. The orchestrator subscribes
	// in New.
	Events *event.Bus

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Orchestrator admits fetch requests, relays chunks to the reserved
// targets and resolves each target exactly once. It implements
// [server.Handler] for the fetch codes.
type Orchestrator struct {
	registry *server.Registry
	store    persist.Store
	clock    clock.Clock
	logger   *slog.Logger

	// writeMu serializes every unit of work that persists, from the
	// check before its transaction to the in-memory update after it.
	// It is always acquired before the registry lock.
	writeMu sync.Mutex

	// Guarded by the registry lock.
	jobs        map[int64]*job
	assignments map[netip.Addr]int64

	admitted      atomic.Uint64
	refused       atomic.Uint64
	closed        atomic.Uint64
	abandoned     atomic.Uint64
	succeeded     atomic.Uint64
	failed        atomic.Uint64
	chunksRelayed atomic.Uint64
	chunksDropped atomic.Uint64
}

// New creates an orchestrator and subscribes it to disconnect events.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("fetch: registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("fetch: store is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("fetch: event bus is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	orchestrator := &Orchestrator{
		registry:    cfg.Registry,
		store:       cfg.Store,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		jobs:        make(map[int64]*job),
		assignments: make(map[netip.Addr]int64),
	}
	cfg.Events.Subscribe(event.Disconnect, orchestrator.handleDisconnect)
	return orchestrator, nil
}

// Accepts reports whether code is one of the fetch codes.
func (o *Orchestrator) Accepts(code wire.Code) bool {
	switch code {
	case wire.CodeFetchRequest, wire.CodeFetchResult, wire.CodeChunkResult,
		wire.CodeChunk, wire.CodeClientStateRequest:
		return true
	}
	return false
}

// Receive handles one fetch frame from conn.
func (o *Orchestrator) Receive(ctx context.Context, conn *server.Conn, message wire.Message) {
	switch message.Code() {
	case wire.CodeFetchRequest:
		o.handleFetchRequest(ctx, conn, message)
	case wire.CodeChunk:
		o.relay(conn, message)
	case wire.CodeChunkResult:
		o.handleChunkResult(conn, message)
	case wire.CodeFetchResult:
		o.handleFetchResult(ctx, conn, message)
	case wire.CodeClientStateRequest:
		o.handleClientState(conn)
	}
}

// preparation is a prepare message owed to one reserved target.
type preparation struct {
	conn *server.Conn
	body wire.Prepare
}

func (o *Orchestrator) handleFetchRequest(ctx context.Context, conn *server.Conn, message wire.Message) {
	var request wire.FetchRequest
	var admission wire.FetchAdmission
	var preparations []preparation
	if err := wire.UnmarshalBody(message, &request); err != nil {
		o.logger.Warn("malformed fetch request", "client", conn.Addr(), "error", err)
		o.refused.Add(1)
		admission = wire.FetchAdmission{Reason: "malformed fetch request body"}
	} else {
		admission, preparations = o.admit(ctx, conn, request)
	}

	if err := conn.SendJSON(wire.CodeFetchAdmission, admission); err != nil {
		o.logger.Debug("sending fetch admission failed", "client", conn.Addr(), "error", err)
	}
	for _, prepared := range preparations {
		if err := prepared.conn.SendJSON(wire.CodeFetchRequest, prepared.body); err != nil {
			o.logger.Debug("sending prepare failed",
				"fetch_no", prepared.body.FetchNo, "target", prepared.conn.Addr(), "error", err)
		}
	}
}

// reservation is a target that passed the availability check.
type reservation struct {
	conn *server.Conn
	path string
}

// admit decides a fetch request. On success the job is registered and
// every target is busy before admit returns; the caller sends the
// reply and the preparations.
func (o *Orchestrator) admit(ctx context.Context, conn *server.Conn, request wire.FetchRequest) (wire.FetchAdmission, []preparation) {
	refuse := func(admission wire.FetchAdmission) (wire.FetchAdmission, []preparation) {
		o.refused.Add(1)
		o.logger.Info("fetch refused",
			"requester", conn.Addr(),
			"unavailable", admission.FailClientsIP,
			"reason", admission.Reason,
		)
		return admission, nil
	}

	if reason := validateRequest(request); reason != "" {
		return refuse(wire.FetchAdmission{Reason: reason})
	}
	sender := conn.Addr()
	if request.SenderIP != "" {
		parsed, err := wire.ParseIPv4(request.SenderIP)
		if err != nil {
			return refuse(wire.FetchAdmission{Reason: fmt.Sprintf("invalid sender_ip %q", request.SenderIP)})
		}
		sender = parsed
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	reserved, unavailable := o.reserve(request.Targets)
	if len(unavailable) > 0 {
		return refuse(wire.FetchAdmission{FailClientsIP: unavailable})
	}

	now := o.clock.Now()
	var fileID, fetchID int64
	err := o.store.Update(ctx, func(tx persist.Tx) error {
		var err error
		fileID, err = resolveFile(tx, request.File, sender, now)
		if err != nil {
			return err
		}
		fetchID, err = tx.CreateFetch(fileID, sender, now)
		if err != nil {
			return err
		}
		for _, reservation := range reserved {
			if err := tx.RecordTarget(fetchID, reservation.conn.Addr(), reservation.path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.logger.Error("recording fetch admission failed", "requester", conn.Addr(), "error", err)
		return refuse(wire.FetchAdmission{Reason: "fetch could not be recorded"})
	}

	file := request.File
	file.No = fileID
	admitted := &job{
		id:               fetchID,
		file:             file,
		requester:        conn.Addr(),
		requesterSession: conn.Session(),
		sender:           sender,
		startedAt:        now,
		phase:            PhaseActive,
		targets:          make(map[netip.Addr]*target, len(reserved)),
	}
	preparations := make([]preparation, 0, len(reserved))
	o.registry.View(func(locked server.Locked) {
		for _, reservation := range reserved {
			addr := reservation.conn.Addr()
			locked.SetState(reservation.conn, server.StateBusy)
			admitted.targets[addr] = &target{
				addr:    addr,
				session: reservation.conn.Session(),
				path:    reservation.path,
			}
			admitted.order = append(admitted.order, addr)
			o.assignments[addr] = fetchID
			preparations = append(preparations, preparation{
				conn: reservation.conn,
				body: wire.Prepare{
					FetchNo:     fetchID,
					FetchFileNo: fileID,
					File:        file,
					Path:        reservation.path,
				},
			})
		}
		o.jobs[fetchID] = admitted
	})

	o.admitted.Add(1)
	o.logger.Info("fetch admitted",
		"fetch_no", fetchID,
		"file_no", fileID,
		"file", file.FileName(),
		"requester", conn.Addr(),
		"sender", sender,
		"targets", len(reserved),
	)
	return wire.FetchAdmission{FetchNo: fetchID, IsSuccess: true}, preparations
}

func validateRequest(request wire.FetchRequest) string {
	switch {
	case len(request.Targets) == 0:
		return "no targets"
	case request.File.Name == "":
		return "file name is required"
	case request.File.Size < 0:
		return "file size is negative"
	}
	return ""
}

// reserve checks every requested target under the registry lock. A
// target is unavailable when its address does not parse, repeats an
// earlier target, has no registered connection, or is not idle.
func (o *Orchestrator) reserve(targets []wire.FetchTarget) ([]reservation, []string) {
	var reserved []reservation
	var unavailable []string
	seen := make(map[netip.Addr]bool, len(targets))
	o.registry.View(func(locked server.Locked) {
		for _, requested := range targets {
			addr, err := wire.ParseIPv4(requested.IP)
			if err != nil || seen[addr] {
				unavailable = append(unavailable, requested.IP)
				continue
			}
			seen[addr] = true
			conn, ok := locked.Lookup(addr)
			if !ok || locked.State(conn) != server.StateIdle {
				unavailable = append(unavailable, requested.IP)
				continue
			}
			if _, assigned := o.assignments[addr]; assigned {
				unavailable = append(unavailable, requested.IP)
				continue
			}
			reserved = append(reserved, reservation{conn: conn, path: requested.Path})
		}
	})
	return reserved, unavailable
}

// resolveFile returns the ID of the stored file matching descriptor:
// the file named by descriptor.No when its checksum agrees, else the
// newest file with the same checksum, else a newly created one.
func resolveFile(tx persist.Tx, descriptor wire.FileDescriptor, creator netip.Addr, now time.Time) (int64, error) {
	if descriptor.No > 0 {
		existing, err := tx.File(descriptor.No)
		switch {
		case err == nil && (descriptor.Checksum == "" || existing.Checksum == descriptor.Checksum):
			return existing.ID, nil
		case err != nil && !errors.Is(err, persist.ErrNotFound):
			return 0, err
		}
	}
	if descriptor.Checksum != "" {
		existing, err := tx.FindFileByChecksum(descriptor.Checksum)
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, persist.ErrNotFound) {
			return 0, err
		}
	}
	return tx.CreateFile(persist.FileRecord{
		Name:      descriptor.Name,
		Ext:       descriptor.Ext,
		Size:      descriptor.Size,
		Checksum:  descriptor.Checksum,
		CreatorIP: creator,
		CreatedAt: now,
	})
}

// relay forwards a chunk body unchanged to every outstanding target of
// its job. Chunks for unknown jobs are dropped.
func (o *Orchestrator) relay(conn *server.Conn, message wire.Message) {
	var ref wire.ChunkRef
	if err := wire.UnmarshalBody(message, &ref); err != nil {
		o.chunksDropped.Add(1)
		o.logger.Warn("dropping malformed chunk", "client", conn.Addr(), "error", err)
		return
	}

	var recipients []*server.Conn
	known := false
	o.registry.View(func(locked server.Locked) {
		relayed, ok := o.jobs[ref.FetchNo]
		if !ok {
			return
		}
		known = true
		relayed.chunksRelayed++
		if ref.IsFinal {
			relayed.finalRelayed = true
		}
		for _, target := range relayed.outstanding() {
			if recipient, ok := locked.Lookup(target.addr); ok && recipient.Session() == target.session {
				recipients = append(recipients, recipient)
			}
		}
	})
	if !known {
		o.chunksDropped.Add(1)
		o.logger.Debug("dropping chunk for unknown fetch", "client", conn.Addr(), "fetch_no", ref.FetchNo)
		return
	}

	o.chunksRelayed.Add(1)
	for _, recipient := range recipients {
		if err := recipient.Send(wire.CodeChunk, message.Body); err != nil {
			o.logger.Debug("relaying chunk failed", "fetch_no", ref.FetchNo, "target", recipient.Addr(), "error", err)
		}
	}
}

func (o *Orchestrator) handleChunkResult(conn *server.Conn, message wire.Message) {
	var result wire.ChunkResult
	if err := wire.UnmarshalBody(message, &result); err != nil {
		o.logger.Warn("malformed chunk result", "client", conn.Addr(), "error", err)
		return
	}
	o.registry.View(func(server.Locked) {
		progressing, ok := o.jobs[result.FetchNo]
		if !ok {
			return
		}
		target, ok := progressing.targets[conn.Addr()]
		if !ok || target.session != conn.Session() {
			return
		}
		target.received = result.Received
		target.acknowledged++
		if result.IsFinal {
			target.final = true
		}
	})
}

func (o *Orchestrator) handleFetchResult(ctx context.Context, conn *server.Conn, message wire.Message) {
	var result wire.FetchResult
	if err := wire.UnmarshalBody(message, &result); err != nil {
		o.logger.Warn("malformed fetch result", "client", conn.Addr(), "error", err)
		return
	}
	var cause *wire.FailCause
	if !result.IsComplete {
		cause = result.FailCause
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	err := o.resolve(ctx, result.FetchNo, conn.Addr(), conn.Session(), result.IsComplete, cause, o.clock.Now())
	switch {
	case errors.Is(err, errNotOutstanding):
		o.logger.Warn("ignoring result for a fetch the client is not part of",
			"client", conn.Addr(), "fetch_no", result.FetchNo)
	case err != nil:
		// The target stays busy and assigned; it may report again.
		o.logger.Error("recording fetch result failed",
			"fetch_no", result.FetchNo, "target", conn.Addr(), "error", err)
	}
}

// resolve persists one target's outcome and, after the commit,
// releases the target. The caller holds writeMu.
func (o *Orchestrator) resolve(ctx context.Context, fetchID int64, addr netip.Addr, session string, success bool, cause *wire.FailCause, at time.Time) error {
	outstanding := false
	o.registry.View(func(server.Locked) {
		resolving, ok := o.jobs[fetchID]
		if !ok {
			return
		}
		target, ok := resolving.targets[addr]
		outstanding = ok && target.session == session
	})
	if !outstanding {
		return errNotOutstanding
	}

	err := o.store.Update(ctx, func(tx persist.Tx) error {
		if err := tx.RecordOutcome(fetchID, addr, at, success); err != nil {
			return err
		}
		if cause != nil {
			return tx.RecordFailureCause(fetchID, addr, int(*cause))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if success {
		o.succeeded.Add(1)
		o.logger.Info("fetch target succeeded", "fetch_no", fetchID, "target", addr)
	} else {
		o.failed.Add(1)
		causeText := "unspecified"
		if cause != nil {
			causeText = cause.String()
		}
		o.logger.Info("fetch target failed", "fetch_no", fetchID, "target", addr, "cause", causeText)
	}
	o.release(fetchID, addr)
	return nil
}

// release removes a target from its job, returns its connection to
// idle if it is still the one that was reserved, and closes the job
// when no targets remain.
func (o *Orchestrator) release(fetchID int64, addr netip.Addr) {
	closedJob := false
	o.registry.View(func(locked server.Locked) {
		releasing, ok := o.jobs[fetchID]
		if !ok {
			return
		}
		target, ok := releasing.targets[addr]
		if !ok {
			return
		}
		delete(releasing.targets, addr)
		if o.assignments[addr] == fetchID {
			delete(o.assignments, addr)
		}
		if conn, ok := locked.Lookup(addr); ok && conn.Session() == target.session && locked.State(conn) == server.StateBusy {
			locked.SetState(conn, server.StateIdle)
		}

		releasing.phase = PhaseResolving
		if len(releasing.targets) == 0 {
			releasing.phase = PhaseClosed
			delete(o.jobs, fetchID)
			closedJob = true
		}
	})
	if closedJob {
		o.closed.Add(1)
		o.logger.Info("fetch closed", "fetch_no", fetchID)
	}
}

// notice is a fetch result owed to a target whose job was abandoned.
type notice struct {
	conn *server.Conn
	body wire.FetchResult
}

// handleDisconnect resolves the disconnected connection's assignment
// with cause disconnected, and abandons the jobs it was sending whose
// final chunk had not been relayed.
func (o *Orchestrator) handleDisconnect(disconnected event.Event) {
	notices := o.resolveDisconnect(context.Background(), disconnected)
	for _, owed := range notices {
		if err := owed.conn.SendJSON(wire.CodeFetchResult, owed.body); err != nil {
			o.logger.Debug("sending abandon notice failed",
				"fetch_no", owed.body.FetchNo, "target", owed.conn.Addr(), "error", err)
		}
	}
}

func (o *Orchestrator) resolveDisconnect(ctx context.Context, disconnected event.Event) []notice {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	var fetchID int64
	assigned := false
	o.registry.View(func(server.Locked) {
		fetchID, assigned = o.assignments[disconnected.Addr]
	})
	if assigned {
		o.resolveLost(ctx, fetchID, disconnected.Addr, disconnected.Session, disconnected.At)
	}

	type abandonment struct {
		id      int64
		targets []target
	}
	var abandonments []abandonment
	o.registry.View(func(server.Locked) {
		for id, sending := range o.jobs {
			if sending.requester != disconnected.Addr || sending.requesterSession != disconnected.Session || sending.finalRelayed {
				continue
			}
			abandoned := abandonment{id: id}
			for _, outstanding := range sending.outstanding() {
				abandoned.targets = append(abandoned.targets, *outstanding)
			}
			abandonments = append(abandonments, abandoned)
		}
	})
	sort.Slice(abandonments, func(i, j int) bool { return abandonments[i].id < abandonments[j].id })

	var notices []notice
	cause := wire.FailDisconnected
	for _, abandoned := range abandonments {
		o.abandoned.Add(1)
		o.logger.Warn("fetch abandoned, sender disconnected before the final chunk",
			"fetch_no", abandoned.id, "sender", disconnected.Addr, "targets", len(abandoned.targets))
		for _, target := range abandoned.targets {
			o.resolveLost(ctx, abandoned.id, target.addr, target.session, disconnected.At)
			o.registry.View(func(locked server.Locked) {
				if conn, ok := locked.Lookup(target.addr); ok && conn.Session() == target.session {
					notices = append(notices, notice{
						conn: conn,
						body: wire.FetchResult{FetchNo: abandoned.id, FailCause: &cause},
					})
				}
			})
		}
	}
	return notices
}

// resolveLost records a disconnected outcome for a target. If the
// outcome cannot be stored the target is released anyway, since
// nothing would ever resolve it later.
func (o *Orchestrator) resolveLost(ctx context.Context, fetchID int64, addr netip.Addr, session string, at time.Time) {
	cause := wire.FailDisconnected
	err := o.resolve(ctx, fetchID, addr, session, false, &cause, at)
	if err == nil || errors.Is(err, errNotOutstanding) {
		return
	}
	o.failed.Add(1)
	o.logger.Error("recording disconnected target failed, releasing it without an outcome",
		"fetch_no", fetchID, "target", addr, "error", err)
	o.release(fetchID, addr)
}

func (o *Orchestrator) handleClientState(conn *server.Conn) {
	response := wire.ClientStateResponse{Clients: o.ClientStates()}
	if err := conn.SendJSON(wire.CodeClientStateResponse, response); err != nil {
		o.logger.Debug("sending client state failed", "client", conn.Addr(), "error", err)
	}
}

// ClientStates describes every registered connection, ordered by
// address, with the fetch each busy one is working on.
func (o *Orchestrator) ClientStates() []wire.ClientState {
	states := []wire.ClientState{}
	o.registry.View(func(locked server.Locked) {
		for _, conn := range locked.Connections() {
			state := wire.ClientState{
				IP:      conn.Addr().String(),
				Session: conn.Session(),
				State:   locked.State(conn).String(),
			}
			if fetchID, ok := o.assignments[conn.Addr()]; ok {
				if assigned, ok := o.jobs[fetchID]; ok {
					if target, ok := assigned.targets[conn.Addr()]; ok && target.session == conn.Session() {
						state.FetchNo = fetchID
						state.Phase = assigned.phase.String()
						state.Path = target.path
						state.Received = target.received
					}
				}
			}
			states = append(states, state)
		}
	})
	return states
}

// Jobs returns a snapshot of every live job ordered by ID.
func (o *Orchestrator) Jobs() []Job {
	var jobs []Job
	o.registry.View(func(server.Locked) {
		for _, live := range o.jobs {
			jobs = append(jobs, live.snapshot())
		}
	})
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// Job returns a snapshot of one live job.
func (o *Orchestrator) Job(id int64) (Job, bool) {
	var snapshot Job
	found := false
	o.registry.View(func(server.Locked) {
		if live, ok := o.jobs[id]; ok {
			snapshot = live.snapshot()
			found = true
		}
	})
	return snapshot, found
}

// Stats returns the orchestrator's counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Admitted:      o.admitted.Load(),
		Refused:       o.refused.Load(),
		Closed:        o.closed.Load(),
		Abandoned:     o.abandoned.Load(),
		Succeeded:     o.succeeded.Load(),
		Failed:        o.failed.Load(),
		ChunksRelayed: o.chunksRelayed.Load(),
		ChunksDropped: o.chunksDropped.Load(),
	}
}
