// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package station

import (
	"testing"
	"time"

	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/model"
	"github.com/periphx/conveyorctl/internal/motor"
	"github.com/periphx/conveyorctl/internal/timer"
)

type fakeController struct {
	set map[int]float64
}

func newFakeController() *fakeController { return &fakeController{set: make(map[int]float64)} }

func (f *fakeController) SetChannel(ch int, v float64) error { f.set[ch] = v; return nil }
func (f *fakeController) Addr() uint16                       { return 0x60 }

func newTestStation(index int) (*Station, *motor.Facade, *timer.Scheduler) {
	m := motor.NewFacade(newFakeController(), newFakeController())
	log := activity.New(nil)
	sched := timer.NewScheduler(8)
	speed := 1.0
	if index == 2 {
		speed = -1.0
	}
	return New(index, speed, 50*time.Millisecond, m, log, sched), m, sched
}

func stationMotorIdx(index int) int {
	if index == 1 {
		return model.MotorStation1
	}
	return model.MotorStation2
}

func TestScenario1CleanStationCycle(t *testing.T) {
	s, m, sched := newTestStation(1)
	loc := model.Location{Kind: model.Station, Index: 1}
	part := model.TagID{0x01}

	s.HandleFused(model.FusedEvent{BarrierID: model.S1Entry, Location: loc, PartID: part})
	if s.Phase() != Entering {
		t.Fatalf("after ENTER, phase = %s, want ENTERING", s.Phase())
	}
	if got := m.Last(stationMotorIdx(1)); got != 1.0 {
		t.Fatalf("motor should be running forward at entry, got %v", got)
	}

	s.HandleFused(model.FusedEvent{BarrierID: model.S1Proc, Location: loc})
	if s.Phase() != Processing {
		t.Fatalf("after PROCESS barrier, phase = %s, want PROCESSING", s.Phase())
	}
	if got := m.Last(stationMotorIdx(1)); got != 0 {
		t.Fatalf("motor should stop while processing, got %v", got)
	}

	select {
	case fired := <-sched.Out():
		s.HandleTimer(fired.Kind)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("process timer never fired")
	}
	if s.Phase() != AdvancingToExit {
		t.Fatalf("after process timer, phase = %s, want ADVANCING_TO_EXIT", s.Phase())
	}

	s.HandleFused(model.FusedEvent{BarrierID: model.S1Exit, Location: loc})
	if s.Phase() != Exiting {
		t.Fatalf("after EXIT barrier, phase = %s, want EXITING", s.Phase())
	}

	select {
	case fired := <-sched.Out():
		s.HandleTimer(fired.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("exit timer never fired")
	}
	if s.Phase() != Idle {
		t.Fatalf("after exit timer, phase = %s, want IDLE", s.Phase())
	}
}

type recordingSink struct {
	got []activity.Record
}

func (r *recordingSink) Observe(rec activity.Record) { r.got = append(r.got, rec) }

func TestEntryWithoutPartLogsError(t *testing.T) {
	m := motor.NewFacade(newFakeController(), newFakeController())
	log := activity.New(nil)
	sink := &recordingSink{}
	log.AddSink(sink)
	s := New(1, 1.0, 50*time.Millisecond, m, log, timer.NewScheduler(8))
	loc := model.Location{Kind: model.Station, Index: 1}

	s.HandleFused(model.FusedEvent{BarrierID: model.S1Entry, Location: loc})
	if s.Phase() != Idle {
		t.Fatalf("entry with no part_id must not transition state, phase = %s", s.Phase())
	}
	if len(sink.got) != 1 || sink.got[0].Activity != "ERROR_NO_PART_ID" {
		t.Fatalf("expected one ERROR_NO_PART_ID activity record, got %+v", sink.got)
	}
}

func TestJitterIdempotenceDuringEntering(t *testing.T) {
	s, _, _ := newTestStation(1)
	loc := model.Location{Kind: model.Station, Index: 1}
	part := model.TagID{0x02}

	s.HandleFused(model.FusedEvent{BarrierID: model.S1Entry, Location: loc, PartID: part})
	s.HandleFused(model.FusedEvent{BarrierID: model.S1Entry, Location: loc, PartID: part})
	if s.Phase() != Entering {
		t.Fatalf("repeated entry barrier should be a no-op, phase = %s", s.Phase())
	}
}

func TestUnexpectedBarrierInProcessingIsIgnored(t *testing.T) {
	s, _, _ := newTestStation(1)
	loc := model.Location{Kind: model.Station, Index: 1}
	part := model.TagID{0x03}

	s.HandleFused(model.FusedEvent{BarrierID: model.S1Entry, Location: loc, PartID: part})
	s.HandleFused(model.FusedEvent{BarrierID: model.S1Proc, Location: loc})
	s.HandleFused(model.FusedEvent{BarrierID: model.S1Entry, Location: loc, PartID: part})
	if s.Phase() != Processing {
		t.Fatalf("unexpected barrier during processing must not change phase, got %s", s.Phase())
	}
}

func TestTimerFiredInWrongPhaseIsIgnored(t *testing.T) {
	s, _, _ := newTestStation(1)
	s.HandleTimer(timer.KindExit)
	if s.Phase() != Idle {
		t.Fatalf("stray exit timer while idle must not change phase, got %s", s.Phase())
	}
}
