// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cep

import (
	"testing"
	"time"

	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/bus"
	"github.com/periphx/conveyorctl/internal/model"
	"github.com/periphx/conveyorctl/internal/timer"
)

type fakeHandler struct {
	fused []model.FusedEvent
	timed []timer.Kind
}

func (f *fakeHandler) HandleFused(ev model.FusedEvent) { f.fused = append(f.fused, ev) }
func (f *fakeHandler) HandleTimer(k timer.Kind)         { f.timed = append(f.timed, k) }

func newTestFuser(fsms map[model.Location]Handler) *Fuser {
	b := bus.New()
	sched := timer.NewScheduler(8)
	log := activity.New(nil)
	return New(b, sched, fsms, log, 2*time.Second, 5*time.Second)
}

func TestFuseMatchesEntryBarrierWithNFC(t *testing.T) {
	loc := model.Location{Kind: model.Station, Index: 1}
	h := &fakeHandler{}
	f := newTestFuser(map[model.Location]Handler{loc: h})

	now := time.Now()
	f.bus.PublishGPIO(model.BarrierEvent{Timestamp: now, BarrierID: model.S1Entry, Location: loc})
	f.bus.PublishNFC(model.NfcEvent{Timestamp: now, StationIndex: 1, TagID: model.TagID{0x42}})

	f.Tick()

	if len(h.fused) != 1 {
		t.Fatalf("expected 1 fused dispatch, got %d", len(h.fused))
	}
	if !h.fused[0].HasPart() || h.fused[0].PartID.String() != "42" {
		t.Fatalf("expected fused part_id 42, got %+v", h.fused[0])
	}
}

func TestNonEntryBarrierDispatchedImmediately(t *testing.T) {
	loc := model.Location{Kind: model.Station, Index: 1}
	h := &fakeHandler{}
	f := newTestFuser(map[model.Location]Handler{loc: h})

	f.bus.PublishGPIO(model.BarrierEvent{Timestamp: time.Now(), BarrierID: model.S1Proc, Location: loc})
	f.Tick()

	if len(h.fused) != 1 || h.fused[0].HasPart() {
		t.Fatalf("expected 1 fused dispatch with no part, got %+v", h.fused)
	}
}

func TestOrphanEntryExpiresAfterWindow(t *testing.T) {
	loc := model.Location{Kind: model.Station, Index: 1}
	h := &fakeHandler{}
	f := newTestFuser(map[model.Location]Handler{loc: h})

	base := time.Now()
	f.SetClock(func() time.Time { return base })
	f.bus.PublishGPIO(model.BarrierEvent{Timestamp: base, BarrierID: model.S1Entry, Location: loc})
	f.Tick()
	if len(h.fused) != 0 {
		t.Fatalf("entry barrier with no NFC match should stay pending, got %+v", h.fused)
	}

	f.SetClock(func() time.Time { return base.Add(6 * time.Second) })
	f.Tick()

	if len(h.fused) != 0 {
		t.Fatalf("orphaned barrier must never dispatch, got %+v", h.fused)
	}
	if f.Stats().OrphanedBarriers != 1 {
		t.Fatalf("expected OrphanedBarriers=1, got %d", f.Stats().OrphanedBarriers)
	}
}

func TestGhostNFCExpiresAfterWindow(t *testing.T) {
	loc := model.Location{Kind: model.Station, Index: 1}
	h := &fakeHandler{}
	f := newTestFuser(map[model.Location]Handler{loc: h})

	base := time.Now()
	f.SetClock(func() time.Time { return base })
	f.bus.PublishNFC(model.NfcEvent{Timestamp: base, StationIndex: 1, TagID: model.TagID{0x01}})
	f.Tick()

	f.SetClock(func() time.Time { return base.Add(6 * time.Second) })
	f.Tick()

	if f.Stats().GhostNFC != 1 {
		t.Fatalf("expected GhostNFC=1, got %d", f.Stats().GhostNFC)
	}
}

func TestUnknownTargetIncrementsStats(t *testing.T) {
	f := newTestFuser(map[model.Location]Handler{})
	f.bus.PublishGPIO(model.BarrierEvent{
		Timestamp: time.Now(),
		BarrierID: model.S1Proc,
		Location:  model.Location{Kind: model.Station, Index: 99},
	})
	f.Tick()

	if f.Stats().UnknownTargets != 1 {
		t.Fatalf("expected UnknownTargets=1, got %d", f.Stats().UnknownTargets)
	}
}

func TestTimerFiredDispatchesToHandler(t *testing.T) {
	loc := model.Location{Kind: model.Corner, Index: 2}
	h := &fakeHandler{}
	f := newTestFuser(map[model.Location]Handler{loc: h})

	f.sched.Arm(time.Millisecond, loc, timer.KindRetract)
	time.Sleep(20 * time.Millisecond)
	f.Tick()

	if len(h.timed) != 1 || h.timed[0] != timer.KindRetract {
		t.Fatalf("expected 1 KindRetract dispatch, got %+v", h.timed)
	}
}

func TestFusionWindowRejectsStaleNFC(t *testing.T) {
	loc := model.Location{Kind: model.Station, Index: 1}
	h := &fakeHandler{}
	f := newTestFuser(map[model.Location]Handler{loc: h})

	base := time.Now()
	f.bus.PublishNFC(model.NfcEvent{Timestamp: base, StationIndex: 1, TagID: model.TagID{0x07}})
	f.bus.PublishGPIO(model.BarrierEvent{Timestamp: base.Add(3 * time.Second), BarrierID: model.S1Entry, Location: loc})
	f.Tick()

	if len(h.fused) != 0 {
		t.Fatalf("NFC read 3s before entry (outside 2s fusion window) must not fuse, got %+v", h.fused)
	}
}
