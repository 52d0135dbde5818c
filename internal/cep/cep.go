// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cep implements the Complex Event Processing Fuser: a single
// cooperative loop that drains the Event Bus, fuses entry barriers with NFC
// reads inside a bounded time window, expires orphans and ghosts, and
// dispatches to the FSM the event targets. This is the only goroutine that
// mutates FSM state (other than timer callbacks, which post back into this
// same loop — see internal/timer).
package cep

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/bus"
	"github.com/periphx/conveyorctl/internal/model"
	"github.com/periphx/conveyorctl/internal/timer"
)

// Defaults from spec.md §4.E.
const (
	DefaultFusionWindow = 2 * time.Second
	DefaultExpiryWindow = 5 * time.Second
	TickInterval        = 10 * time.Millisecond
)

// Handler is implemented by every FSM the fuser can dispatch to (stations
// and corners).
type Handler interface {
	HandleFused(model.FusedEvent)
	HandleTimer(timer.Kind)
}

// Stats is a point-in-time snapshot of the fuser's running counters
// (spec.md §8 scenarios reference these directly).
type Stats struct {
	OrphanedBarriers uint64
	GhostNFC         uint64
	UnknownTargets   uint64
}

// fuserStats holds the live counters as atomics: Stats() is called from
// goroutines other than the fuser's own Run loop (e.g. cmd/conveyorctl's
// periodic telemetry poll), so the counters themselves must tolerate a
// concurrent reader even though they're only ever written from the fuser's
// single dispatch goroutine (spec.md §5 single-writer model).
type fuserStats struct {
	orphanedBarriers atomic.Uint64
	ghostNFC         atomic.Uint64
	unknownTargets   atomic.Uint64
}

type pendingBarrier struct {
	event model.BarrierEvent
}

type pendingNFC struct {
	event model.NfcEvent
}

// Fuser is the CEP Fuser.
type Fuser struct {
	bus   *bus.Bus
	sched *timer.Scheduler
	fsms  map[model.Location]Handler
	log   *activity.Logger
	sys   *logrus.Entry

	fusionWindow time.Duration
	expiryWindow time.Duration

	pendingBarriers []pendingBarrier
	pendingNFC      []pendingNFC
	stats           fuserStats

	now func() time.Time
}

// New constructs a Fuser. fsms must be populated before Run is called and
// is read-only thereafter (spec.md §9: "No shared ownership of FSMs").
func New(b *bus.Bus, sched *timer.Scheduler, fsms map[model.Location]Handler, log *activity.Logger, fusionWindow, expiryWindow time.Duration) *Fuser {
	if fusionWindow <= 0 {
		fusionWindow = DefaultFusionWindow
	}
	if expiryWindow <= 0 {
		expiryWindow = DefaultExpiryWindow
	}
	return &Fuser{
		bus:          b,
		sched:        sched,
		fsms:         fsms,
		log:          log,
		sys:          logrus.WithField("component", "cep"),
		fusionWindow: fusionWindow,
		expiryWindow: expiryWindow,
		now:          time.Now,
	}
}

// Stats returns a snapshot of the running counters. Safe to call
// concurrently with Run/Tick.
func (f *Fuser) Stats() Stats {
	return Stats{
		OrphanedBarriers: f.stats.orphanedBarriers.Load(),
		GhostNFC:         f.stats.ghostNFC.Load(),
		UnknownTargets:   f.stats.unknownTargets.Load(),
	}
}

// SetClock overrides the clock used by expire(); for deterministic tests.
func (f *Fuser) SetClock(now func() time.Time) { f.now = now }

// Run drains and processes events until ctx is cancelled, sleeping
// TickInterval between ticks (spec.md §4.E step 4).
func (f *Fuser) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick()
		}
	}
}

// Tick runs exactly one drain/fuse/expire/dispatch pass. Exported so tests
// can drive the fuser deterministically without a real ticker.
func (f *Fuser) Tick() {
	f.drainTimers()
	f.drainInputs()
	f.fuse()
	f.expire()
}

func (f *Fuser) drainTimers() {
	for {
		select {
		case fired := <-f.sched.Out():
			f.dispatchTimer(fired)
		default:
			return
		}
	}
}

func (f *Fuser) dispatchTimer(fired timer.Fired) {
	h, ok := f.fsms[fired.Location]
	if !ok {
		f.sys.WithField("location", fired.Location).Warn("timer fired for unknown FSM, dropped")
		return
	}
	h.HandleTimer(fired.Kind)
}

func (f *Fuser) drainInputs() {
	var barriers []model.BarrierEvent
	barriers = f.bus.DrainBarriers(barriers[:0])
	for _, b := range barriers {
		f.pendingBarriers = append(f.pendingBarriers, pendingBarrier{event: b})
	}
	var nfcs []model.NfcEvent
	nfcs = f.bus.DrainNFC(nfcs[:0])
	for _, n := range nfcs {
		f.pendingNFC = append(f.pendingNFC, pendingNFC{event: n})
	}
}

// fuse implements spec.md §4.E step 2: dispatch non-entry barriers
// immediately; for entry barriers, scan pending NFC in arrival order for the
// first match within the fusion window.
func (f *Fuser) fuse() {
	remaining := f.pendingBarriers[:0]
	for _, pb := range f.pendingBarriers {
		if !model.IsEntryBarrier(pb.event.BarrierID) {
			f.dispatch(model.FusedEvent{
				Timestamp: pb.event.Timestamp,
				BarrierID: pb.event.BarrierID,
				Location:  pb.event.Location,
			})
			continue
		}
		if idx := f.findFusionMatch(pb.event); idx >= 0 {
			nfcEv := f.pendingNFC[idx].event
			f.pendingNFC = append(f.pendingNFC[:idx], f.pendingNFC[idx+1:]...)
			f.dispatch(model.FusedEvent{
				Timestamp: pb.event.Timestamp,
				BarrierID: pb.event.BarrierID,
				Location:  pb.event.Location,
				PartID:    nfcEv.TagID,
			})
			continue
		}
		// No match yet: stays pending until matched or expired. An entry
		// event is either dispatched with a part_id or logged as an
		// orphan — never both (invariant 4/the ordering guarantee).
		remaining = append(remaining, pb)
	}
	f.pendingBarriers = remaining
}

func (f *Fuser) findFusionMatch(b model.BarrierEvent) int {
	station := model.StationIndexOf(b.BarrierID)
	for i, pn := range f.pendingNFC {
		if pn.event.StationIndex != station {
			continue
		}
		if absDuration(b.Timestamp.Sub(pn.event.Timestamp)) <= f.fusionWindow {
			return i
		}
	}
	return -1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// expire implements spec.md §4.E step 3.
func (f *Fuser) expire() {
	now := f.now()

	remainingBarriers := f.pendingBarriers[:0]
	for _, pb := range f.pendingBarriers {
		if now.Sub(pb.event.Timestamp) > f.expiryWindow {
			f.stats.orphanedBarriers.Add(1)
			f.log.LogActivity(activity.UnknownPart(), stationIDFor(pb.event.Location), fmt.Sprintf("ERROR_ORPHAN_%s", pb.event.BarrierID))
			continue
		}
		remainingBarriers = append(remainingBarriers, pb)
	}
	f.pendingBarriers = remainingBarriers

	remainingNFC := f.pendingNFC[:0]
	for _, pn := range f.pendingNFC {
		if now.Sub(pn.event.Timestamp) > f.expiryWindow {
			f.stats.ghostNFC.Add(1)
			f.log.LogActivity(pn.event.TagID, fmt.Sprintf("S%d", pn.event.StationIndex), "ERROR_GHOST_NFC")
			continue
		}
		remainingNFC = append(remainingNFC, pn)
	}
	f.pendingNFC = remainingNFC
}

func (f *Fuser) dispatch(ev model.FusedEvent) {
	h, ok := f.fsms[ev.Location]
	if !ok {
		f.stats.unknownTargets.Add(1)
		f.sys.WithField("location", ev.Location).Error("unknown FSM target, event dropped")
		return
	}
	h.HandleFused(ev)
}

func stationIDFor(loc model.Location) string {
	switch loc.Kind {
	case model.Station:
		return fmt.Sprintf("S%d", loc.Index)
	case model.Corner:
		return fmt.Sprintf("C%d", loc.Index)
	default:
		return fmt.Sprintf("conveyor%d", loc.Index)
	}
}
