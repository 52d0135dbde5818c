// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package corner

import (
	"testing"
	"time"

	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/arbiter"
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

func testConfig() Config {
	return Config{
		ExtendTime:       10 * time.Millisecond,
		RetractTime:      10 * time.Millisecond,
		FinalDelay:       10 * time.Millisecond,
		HandshakeTimeout: 30 * time.Millisecond,
		PushSpeed:        1.0,
		ConveyorSpeed:    0.5,
	}
}

func newTestCorner(index int, cfg Config) (*Corner, *arbiter.Arbiter, *timer.Scheduler) {
	m := motor.NewFacade(newFakeController(), newFakeController())
	log := activity.New(nil)
	sched := timer.NewScheduler(8)
	arb := arbiter.New()
	return New(index, cfg, arb, m, log, sched), arb, sched
}

func waitFired(t *testing.T, sched *timer.Scheduler) timer.Kind {
	t.Helper()
	select {
	case fired := <-sched.Out():
		return fired.Kind
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
		return ""
	}
}

func TestFullCornerCycle(t *testing.T) {
	c, arb, sched := newTestCorner(1, testConfig())
	loc := model.Location{Kind: model.Corner, Index: 1}

	c.HandleFused(model.FusedEvent{BarrierID: model.CornerPos(1), Location: loc})
	if c.Phase() != FinalApproach {
		t.Fatalf("phase = %s, want FINAL_APPROACH", c.Phase())
	}

	c.HandleTimer(waitFired(t, sched))
	if c.Phase() != Extending {
		t.Fatalf("phase = %s, want EXTENDING (arbiter should grant an unoccupied corner)", c.Phase())
	}
	if !arb.IsOccupied(1) {
		t.Fatal("corner should be reserved in the arbiter once extending")
	}

	c.HandleFused(model.FusedEvent{BarrierID: model.CornerExt(1), Location: loc})
	if c.Phase() != WaitingForConfirmation {
		t.Fatalf("phase = %s, want WAITING_FOR_CONFIRMATION", c.Phase())
	}

	c.HandleFused(model.FusedEvent{BarrierID: confirmationBarrier(1), Location: loc})
	if c.Phase() != Retracting {
		t.Fatalf("phase = %s, want RETRACTING", c.Phase())
	}

	c.HandleFused(model.FusedEvent{BarrierID: model.CornerRet(1), Location: loc})
	if c.Phase() != Idle {
		t.Fatalf("phase = %s, want IDLE", c.Phase())
	}
	if arb.IsOccupied(1) {
		t.Fatal("corner reservation should be released on return to idle")
	}
}

func TestPushRetryWhenCornerOccupied(t *testing.T) {
	cfg := testConfig()
	c, arb, sched := newTestCorner(3, cfg)
	loc := model.Location{Kind: model.Corner, Index: 3}

	// Corner 3 is adjacent to 2 and 4; occupy 2 so corner 3's RequestCorner fails.
	arb.RequestCorner(2)

	c.HandleFused(model.FusedEvent{BarrierID: model.CornerPos(3), Location: loc})
	c.HandleTimer(waitFired(t, sched)) // KindApproach -> ReadyToPush -> tryPush fails
	if c.Phase() != ReadyToPush {
		t.Fatalf("phase = %s, want READY_TO_PUSH (corner 2 occupies an adjacent slot)", c.Phase())
	}

	arb.ReleaseCorner(2)
	c.HandleTimer(waitFired(t, sched)) // KindPushRetry -> tryPush succeeds
	if c.Phase() != Extending {
		t.Fatalf("phase = %s, want EXTENDING once the conflicting corner is released", c.Phase())
	}
}

func TestScenario5HandshakeJam(t *testing.T) {
	c, arb, sched := newTestCorner(1, testConfig())
	loc := model.Location{Kind: model.Corner, Index: 1}

	c.HandleFused(model.FusedEvent{BarrierID: model.CornerPos(1), Location: loc})
	c.HandleTimer(waitFired(t, sched)) // -> Extending
	c.HandleFused(model.FusedEvent{BarrierID: model.CornerExt(1), Location: loc})
	if c.Phase() != WaitingForConfirmation {
		t.Fatalf("phase = %s, want WAITING_FOR_CONFIRMATION", c.Phase())
	}

	c.HandleTimer(waitFired(t, sched)) // handshake timeout fires
	if c.Phase() != TerminalLocked {
		t.Fatalf("phase = %s, want TERMINAL_LOCKED after handshake timeout", c.Phase())
	}
	if arb.IsOccupied(1) == false {
		t.Fatal("a jam must hold the reservation, not release it")
	}

	// The corner must ignore every further event while locked.
	c.HandleFused(model.FusedEvent{BarrierID: model.CornerRet(1), Location: loc})
	if c.Phase() != TerminalLocked {
		t.Fatalf("phase changed after jam, got %s", c.Phase())
	}
}

func TestRedundantPushSensorCheckJamsOnReExtend(t *testing.T) {
	cfg := testConfig()
	cfg.RedundantPushSensorCheck = true
	c, _, sched := newTestCorner(1, cfg)
	loc := model.Location{Kind: model.Corner, Index: 1}

	c.HandleFused(model.FusedEvent{BarrierID: model.CornerPos(1), Location: loc})
	c.HandleTimer(waitFired(t, sched))
	c.HandleFused(model.FusedEvent{BarrierID: model.CornerExt(1), Location: loc})

	c.HandleFused(model.FusedEvent{BarrierID: model.CornerExt(1), Location: loc})
	if c.Phase() != TerminalLocked {
		t.Fatalf("phase = %s, want TERMINAL_LOCKED when RedundantPushSensorCheck catches a stray re-extend", c.Phase())
	}
}

func TestResetRecoversFromTerminalLocked(t *testing.T) {
	c, arb, sched := newTestCorner(1, testConfig())
	loc := model.Location{Kind: model.Corner, Index: 1}

	c.HandleFused(model.FusedEvent{BarrierID: model.CornerPos(1), Location: loc})
	c.HandleTimer(waitFired(t, sched))
	c.HandleFused(model.FusedEvent{BarrierID: model.CornerExt(1), Location: loc})
	c.HandleTimer(waitFired(t, sched)) // handshake timeout -> TerminalLocked

	c.Reset()
	if c.Phase() != Idle {
		t.Fatalf("phase after Reset = %s, want IDLE", c.Phase())
	}
	if arb.IsOccupied(1) {
		t.Fatal("Reset should force-release the arbiter reservation")
	}
}
