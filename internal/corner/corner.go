// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package corner implements the Corner FSM: IDLE → FINAL_APPROACH →
// READY_TO_PUSH → EXTENDING → WAITING_FOR_CONFIRMATION → RETRACTING → IDLE,
// arbitrating pusher access through internal/arbiter and driven exclusively
// by fused events and its own deferred timers.
package corner

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/arbiter"
	"github.com/periphx/conveyorctl/internal/model"
	"github.com/periphx/conveyorctl/internal/motor"
	"github.com/periphx/conveyorctl/internal/timer"
)

// Phase is one of the spec's corner states, plus a terminal-locked sink
// state reached only via an unrecovered jam.
type Phase string

const (
	Idle                   Phase = "IDLE"
	FinalApproach          Phase = "FINAL_APPROACH"
	ReadyToPush            Phase = "READY_TO_PUSH"
	Extending              Phase = "EXTENDING"
	WaitingForConfirmation Phase = "WAITING_FOR_CONFIRMATION"
	Retracting             Phase = "RETRACTING"
	TerminalLocked         Phase = "TERMINAL_LOCKED"
)

// Defaults from spec.md §4.G.
const (
	PushRetryInterval = 200 * time.Millisecond
)

// Config holds the per-corner timing parameters, all spec.md §6
// configuration keys.
type Config struct {
	ExtendTime       time.Duration
	RetractTime      time.Duration
	FinalDelay       time.Duration
	HandshakeTimeout time.Duration
	PushSpeed        float64 // signed: positive extends, negative retracts
	ConveyorSpeed    float64 // feed motor's running speed, restored on retract
	// RedundantPushSensorCheck preserves the source's formal PUSHING state
	// sensor check (spec.md §9 Open Question) as an explicit, configurable
	// choice rather than a silent one. When true, Corner treats a stray
	// CORNERi_EXT re-arrival while already WAITING_FOR_CONFIRMATION as an
	// immediate jam, duplicating the handshake timeout's own detection.
	RedundantPushSensorCheck bool
}

// Corner is one of the four corner FSMs.
type Corner struct {
	index int
	cfg   Config

	arb    *arbiter.Arbiter
	motor  *motor.Facade
	log    *activity.Logger
	sysLog *logrus.Entry
	sched  *timer.Scheduler

	phase          Phase
	approachTimer  *timer.Handle
	retryTimer     *timer.Handle
	handshakeTimer *timer.Handle
	retractTimer   *timer.Handle
}

// New constructs corner i (1..4).
func New(index int, cfg Config, arb *arbiter.Arbiter, m *motor.Facade, log *activity.Logger, sched *timer.Scheduler) *Corner {
	return &Corner{
		index:  index,
		cfg:    cfg,
		arb:    arb,
		motor:  m,
		log:    log,
		sysLog: logrus.WithField("fsm", fmt.Sprintf("corner%d", index)),
		sched:  sched,
		phase:  Idle,
	}
}

func (c *Corner) id() string { return fmt.Sprintf("C%d", c.index) }

func (c *Corner) loc() model.Location {
	return model.Location{Kind: model.Corner, Index: c.index}
}

func (c *Corner) pusherMotor() int { return model.CornerPusherMotor(c.index) }

// Phase returns the current phase, for tests and the console dashboard.
func (c *Corner) Phase() Phase { return c.phase }

// confirmationBarrier returns the barrier that confirms corner i's pushed
// part arrived downstream (spec.md §4.G confirmation map).
func confirmationBarrier(i int) model.BarrierID {
	switch i {
	case 1:
		return model.S1Entry
	case 2:
		return model.M1Start
	case 3:
		return model.S2Entry
	default:
		return model.M2Start
	}
}

// HandleFused processes one fused event dispatched by the CEP fuser. It
// must only ever be called from the fuser's single dispatch goroutine.
func (c *Corner) HandleFused(ev model.FusedEvent) {
	switch c.phase {
	case Idle:
		c.handleIdle(ev)
	case Extending:
		c.handleExtending(ev)
	case WaitingForConfirmation:
		c.handleWaiting(ev)
	case Retracting:
		c.handleRetracting(ev)
	case TerminalLocked:
		// No further events processed by this corner (scenario 5).
	default:
		c.warnUnexpected(ev.BarrierID)
	}
}

func (c *Corner) handleIdle(ev model.FusedEvent) {
	if ev.BarrierID != model.CornerPos(c.index) {
		c.warnUnexpected(ev.BarrierID)
		return
	}
	feedMotor, hasFeed := arbiter.FeedMotorFor(c.index)
	if hasFeed && !c.arb.IsConveyorSafeToStop(feedMotor) {
		// Unsafe to stop: ignore, a later Ci_POS retry (or periodic
		// re-poll upstream) will try again.
		return
	}
	if hasFeed {
		_ = c.motor.Stop(feedMotor)
	}
	c.approachTimer = c.sched.Arm(c.cfg.FinalDelay, c.loc(), timer.KindApproach)
	c.phase = FinalApproach
}

func (c *Corner) handleExtending(ev model.FusedEvent) {
	if ev.BarrierID != model.CornerExt(c.index) {
		c.warnUnexpected(ev.BarrierID)
		return
	}
	_ = c.motor.Stop(c.pusherMotor())
	c.arb.SetHandshakeWait(c.index)
	c.handshakeTimer = c.sched.Arm(c.cfg.HandshakeTimeout, c.loc(), timer.KindHandshake)
	c.phase = WaitingForConfirmation
}

func (c *Corner) handleWaiting(ev model.FusedEvent) {
	if c.cfg.RedundantPushSensorCheck && ev.BarrierID == model.CornerExt(c.index) {
		c.jam("redundant push-sensor check: part still on corner sensor")
		return
	}
	if ev.BarrierID != confirmationBarrier(c.index) {
		c.warnUnexpected(ev.BarrierID)
		return
	}
	c.handshakeTimer.Cancel()
	c.arb.ClearHandshakeWait(c.index)
	c.log.LogActivityTagged(activity.UnknownPart(), c.id(), "PUSH_COMPLETE", activity.TagFinish)
	_ = c.motor.SetSpeed(c.pusherMotor(), -c.cfg.PushSpeed)
	c.retractTimer = c.sched.Arm(2*c.cfg.RetractTime, c.loc(), timer.KindRetract)
	c.phase = Retracting
}

func (c *Corner) handleRetracting(ev model.FusedEvent) {
	if ev.BarrierID != model.CornerRet(c.index) {
		c.warnUnexpected(ev.BarrierID)
		return
	}
	c.retractTimer.Cancel()
	_ = c.motor.Stop(c.pusherMotor())
	c.arb.ReleaseCorner(c.index)
	if feedMotor, ok := arbiter.FeedMotorFor(c.index); ok {
		_ = c.motor.SetSpeed(feedMotor, c.cfg.ConveyorSpeed)
	}
	c.phase = Idle
}

// HandleTimer processes a timer.Fired event for this corner, dispatched by
// the fuser the same way a fused event is.
func (c *Corner) HandleTimer(kind timer.Kind) {
	switch kind {
	case timer.KindApproach:
		if c.phase != FinalApproach {
			return
		}
		c.phase = ReadyToPush
		c.tryPush()
	case timer.KindPushRetry:
		if c.phase != ReadyToPush {
			return
		}
		c.tryPush()
	case timer.KindHandshake:
		if c.phase != WaitingForConfirmation {
			return
		}
		c.arb.ClearHandshakeWait(c.index)
		c.jam("handshake timeout: confirmation barrier never arrived")
	case timer.KindRetract:
		if c.phase != Retracting {
			return
		}
		c.jam("retract timeout: retract limit switch never arrived")
	}
}

func (c *Corner) tryPush() {
	if c.arb.RequestCorner(c.index) {
		_ = c.motor.SetSpeed(c.pusherMotor(), c.cfg.PushSpeed)
		c.log.LogActivityTagged(activity.UnknownPart(), c.id(), "PUSH_START", activity.TagStart)
		c.phase = Extending
		return
	}
	c.retryTimer = c.sched.Arm(PushRetryInterval, c.loc(), timer.KindPushRetry)
}

// jam halts this corner permanently: the reservation is deliberately not
// released (automatic jam recovery is a non-goal; spec.md §7). Only an
// explicit Reset call clears it.
func (c *Corner) jam(reason string) {
	c.sysLog.WithField("reason", reason).Error("JAM: corner halted, reservation held")
	if feedMotor, ok := arbiter.FeedMotorFor(c.index); ok {
		_ = c.motor.Stop(feedMotor)
	}
	_ = c.motor.Stop(c.pusherMotor())
	c.phase = TerminalLocked
}

// Reset is the explicit, external-only recovery operation for a corner
// parked in TerminalLocked (spec.md §7: "requiring external reset
// (collaborator operation, out of scope here)"; supplemented here per
// original_source/src/corner_controller.py). It is never invoked
// automatically by any FSM transition.
func (c *Corner) Reset() {
	c.approachTimer.Cancel()
	c.retryTimer.Cancel()
	c.handshakeTimer.Cancel()
	c.retractTimer.Cancel()
	c.arb.ForceRelease(c.index)
	c.phase = Idle
	c.sysLog.Info("corner reset by external operator")
}

func (c *Corner) warnUnexpected(id model.BarrierID) {
	c.sysLog.WithFields(logrus.Fields{
		"barrier": id,
		"phase":   c.phase,
	}).Warn("unexpected event in state")
}
