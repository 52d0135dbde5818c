// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package station implements the Station FSM: IDLE → ENTERING →
// PROCESSING → ADVANCING_TO_EXIT → EXITING → IDLE, driven exclusively by
// fused events and its own deferred timers.
package station

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/model"
	"github.com/periphx/conveyorctl/internal/motor"
	"github.com/periphx/conveyorctl/internal/timer"
)

// Phase is one of the spec's five station states.
type Phase string

const (
	Idle              Phase = "IDLE"
	Entering          Phase = "ENTERING"
	Processing        Phase = "PROCESSING"
	AdvancingToExit   Phase = "ADVANCING_TO_EXIT"
	Exiting           Phase = "EXITING"
)

// ExitPulseDuration is the brief actuation the spec calls "motor=speed
// briefly" when clearing the trailing part's sensor during the
// ADVANCING_TO_EXIT → EXITING transition. It runs on the motor facade's own
// async Pulse helper and is not itself an FSM phase or a distinct entry in
// the phase-transition motor-command trace Scenario 1 checks (see
// DESIGN.md).
const ExitPulseDuration = 150 * time.Millisecond

// ExitTimerDuration is the fixed 1s exit timer from spec.md §4.F, existing
// to clear the physical sensor of the trailing part.
const ExitTimerDuration = 1 * time.Second

// Station is one of the two station FSMs.
type Station struct {
	index       int
	speed       float64 // signed: station 1 positive, station 2 negative
	processTime time.Duration

	motor  *motor.Facade
	log    *activity.Logger
	sysLog *logrus.Entry
	sched  *timer.Scheduler

	phase          Phase
	currentPart    model.TagID
	entryTimestamp time.Time
	activeTimer    *timer.Handle
}

// New constructs station i (1 or 2) with the given signed motor speed and
// process duration.
func New(index int, speed float64, processTime time.Duration, m *motor.Facade, log *activity.Logger, sched *timer.Scheduler) *Station {
	return &Station{
		index:       index,
		speed:       speed,
		processTime: processTime,
		motor:       m,
		log:         log,
		sysLog:      logrus.WithField("fsm", fmt.Sprintf("station%d", index)),
		sched:       sched,
		phase:       Idle,
	}
}

func (s *Station) id() string { return fmt.Sprintf("S%d", s.index) }

func (s *Station) loc() model.Location {
	return model.Location{Kind: model.Station, Index: s.index}
}

func (s *Station) motorIdx() int {
	if s.index == 1 {
		return model.MotorStation1
	}
	return model.MotorStation2
}

// Phase returns the current phase, for tests and the console dashboard.
func (s *Station) Phase() Phase { return s.phase }

// HandleFused processes one fused event dispatched by the CEP fuser. It
// must only ever be called from the fuser's single dispatch goroutine.
func (s *Station) HandleFused(ev model.FusedEvent) {
	switch s.phase {
	case Idle:
		s.handleIdle(ev)
	case Entering:
		s.handleEntering(ev)
	case Processing:
		s.warnUnexpected(ev.BarrierID)
	case AdvancingToExit:
		s.handleAdvancing(ev)
	case Exiting:
		s.warnUnexpected(ev.BarrierID)
	}
}

func (s *Station) handleIdle(ev model.FusedEvent) {
	if ev.BarrierID != entryBarrier(s.index) {
		s.warnUnexpected(ev.BarrierID)
		return
	}
	if !ev.HasPart() {
		s.log.LogActivity(activity.UnknownPart(), s.id(), "ERROR_NO_PART_ID")
		return
	}
	s.currentPart = ev.PartID
	s.entryTimestamp = ev.Timestamp
	s.log.LogActivity(s.currentPart, s.id(), "ENTER")
	_ = s.motor.SetSpeed(s.motorIdx(), s.speed)
	s.phase = Entering
}

func (s *Station) handleEntering(ev model.FusedEvent) {
	switch ev.BarrierID {
	case entryBarrier(s.index):
		// Jitter: repeated entry barrier while entering. No state change,
		// no motor command (invariant: jitter idempotence).
	case processBarrier(s.index):
		_ = s.motor.Stop(s.motorIdx())
		s.log.LogActivity(s.currentPart, s.id(), "PROCESS_START")
		s.activeTimer = s.sched.Arm(s.processTime, s.loc(), timer.KindProcess)
		s.phase = Processing
	default:
		s.warnUnexpected(ev.BarrierID)
	}
}

func (s *Station) handleAdvancing(ev model.FusedEvent) {
	if ev.BarrierID != exitBarrier(s.index) {
		s.warnUnexpected(ev.BarrierID)
		return
	}
	_ = s.motor.Stop(s.motorIdx())
	s.motor.Pulse(s.motorIdx(), s.speed, ExitPulseDuration)
	s.activeTimer = s.sched.Arm(ExitTimerDuration, s.loc(), timer.KindExit)
	s.phase = Exiting
}

// HandleTimer processes a timer.Fired event for this station, dispatched by
// the fuser the same way a fused event is.
func (s *Station) HandleTimer(kind timer.Kind) {
	switch kind {
	case timer.KindProcess:
		if s.phase != Processing {
			return
		}
		s.log.LogActivity(s.currentPart, s.id(), "PROCESS_END")
		_ = s.motor.SetSpeed(s.motorIdx(), s.speed)
		s.phase = AdvancingToExit
	case timer.KindExit:
		if s.phase != Exiting {
			return
		}
		_ = s.motor.Stop(s.motorIdx())
		s.log.LogActivity(s.currentPart, s.id(), "EXIT")
		s.currentPart = nil
		s.phase = Idle
	}
}

func (s *Station) warnUnexpected(id model.BarrierID) {
	s.sysLog.WithFields(logrus.Fields{
		"barrier": id,
		"phase":   s.phase,
	}).Warn("unexpected event in state")
}

func entryBarrier(station int) model.BarrierID {
	if station == 1 {
		return model.S1Entry
	}
	return model.S2Entry
}

func processBarrier(station int) model.BarrierID {
	if station == 1 {
		return model.S1Proc
	}
	return model.S2Proc
}

func exitBarrier(station int) model.BarrierID {
	if station == 1 {
		return model.S1Exit
	}
	return model.S2Exit
}
