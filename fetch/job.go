// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

// Phase is the lifecycle position of a fetch job.
type Phase int

const (
	// PhaseAdmitting covers the window between a request arriving and
	// its persistence committing. Jobs in this phase are never visible
	// in the job table.
	PhaseAdmitting Phase = iota

	// PhaseActive jobs have every target reserved and none resolved.
	PhaseActive

	// PhaseResolving jobs have at least one resolved target and at
	// least one outstanding.
	PhaseResolving

	// PhaseClosed jobs have no outstanding targets and are removed
	// from the job table.
	PhaseClosed
)

func (phase Phase) String() string {
	switch phase {
	case PhaseAdmitting:
		return "admitting"
	case PhaseActive:
		return "active"
	case PhaseResolving:
		return "resolving"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(phase))
	}
}

// job is a live fetch. Guarded by the registry lock.
type job struct {
	id        int64
	file      wire.FileDescriptor
	requester netip.Addr
	sender    netip.Addr
	startedAt time.Time
	phase     Phase

	// requesterSession identifies the connection that asked for the
	// fetch, so that a reconnect from the same address is not mistaken
	// for it.
	requesterSession string

	chunksRelayed int
	finalRelayed  bool

	// targets holds only outstanding targets; resolved ones are
	// removed. order preserves request order for snapshots.
	targets map[netip.Addr]*target
	order   []netip.Addr
}

type target struct {
	addr    netip.Addr
	session string
	path    string

	received     int64
	acknowledged int
	final        bool
}

// outstanding returns the outstanding targets in request order.
func (j *job) outstanding() []*target {
	targets := make([]*target, 0, len(j.targets))
	for _, addr := range j.order {
		if target, ok := j.targets[addr]; ok {
			targets = append(targets, target)
		}
	}
	return targets
}

// Job is a snapshot of a live fetch.
type Job struct {
	ID            int64               `json:"id"`
	File          wire.FileDescriptor `json:"file"`
	Requester     string              `json:"requester"`
	Sender        string              `json:"sender"`
	StartedAt     time.Time           `json:"started_at"`
	Phase         string              `json:"phase"`
	ChunksRelayed int                 `json:"chunks_relayed"`
	FinalRelayed  bool                `json:"final_relayed"`
	Targets       []Target            `json:"targets"`
}

// Target is a snapshot of one outstanding target.
type Target struct {
	IP           string `json:"ip"`
	Path         string `json:"path"`
	Received     int64  `json:"received"`
	Acknowledged int    `json:"acknowledged"`
	Final        bool   `json:"final"`
}

func (j *job) snapshot() Job {
	snapshot := Job{
		ID:            j.id,
		File:          j.file,
		Requester:     j.requester.String(),
		Sender:        j.sender.String(),
		StartedAt:     j.startedAt,
		Phase:         j.phase.String(),
		ChunksRelayed: j.chunksRelayed,
		FinalRelayed:  j.finalRelayed,
	}
	for _, target := range j.outstanding() {
		snapshot.Targets = append(snapshot.Targets, Target{
			IP:           target.addr.String(),
			Path:         target.path,
			Received:     target.received,
			Acknowledged: target.acknowledged,
			Final:        target.final,
		})
	}
	return snapshot
}

// Stats are cumulative orchestrator counters.
type Stats struct {
	Admitted      uint64 `json:"admitted"`
	Refused       uint64 `json:"refused"`
	Closed        uint64 `json:"closed"`
	Abandoned     uint64 `json:"abandoned"`
	Succeeded     uint64 `json:"succeeded"`
	Failed        uint64 `json:"failed"`
	ChunksRelayed uint64 `json:"chunks_relayed"`
	ChunksDropped uint64 `json:"chunks_dropped"`
}
