// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package timer reifies FSM timer expirations as synthetic events posted
// back onto a channel the CEP fuser owns, so that all FSM state mutation —
// whether triggered by a fused event or by a deferred timer — happens on
// the fuser's single execution context (spec.md §9 design note).
package timer

import (
	"time"

	"github.com/periphx/conveyorctl/internal/model"
)

// Kind names which deferred timer fired.
type Kind string

const (
	KindProcess   Kind = "process"
	KindExit      Kind = "exit"
	KindApproach  Kind = "approach"
	KindPushRetry Kind = "push_retry"
	KindHandshake Kind = "handshake"
	KindRetract   Kind = "retract"
)

// Fired is posted when an armed timer expires and was not cancelled first.
type Fired struct {
	Location model.Location
	Kind     Kind
}

// Scheduler arms cancellable one-shot timers and funnels their expirations
// into a single output channel.
type Scheduler struct {
	out chan Fired
}

// NewScheduler returns a Scheduler whose output channel has the given
// buffer size (expirations are rare relative to the fuser's 10ms tick, so a
// small buffer suffices; a full buffer drops the firing rather than
// blocking the timer goroutine).
func NewScheduler(buffer int) *Scheduler {
	return &Scheduler{out: make(chan Fired, buffer)}
}

// Out is the channel the fuser drains every tick.
func (s *Scheduler) Out() <-chan Fired {
	return s.out
}

// Handle is a cancellable armed timer.
type Handle struct {
	t *time.Timer
}

// Cancel stops the timer. On cancel, no Fired event is posted (if it hasn't
// already fired). Safe to call on a nil Handle or one already cancelled.
func (h *Handle) Cancel() bool {
	if h == nil || h.t == nil {
		return true
	}
	return h.t.Stop()
}

// Arm schedules a Fired{loc, kind} to be posted after d, unless cancelled
// first.
func (s *Scheduler) Arm(d time.Duration, loc model.Location, kind Kind) *Handle {
	t := time.AfterFunc(d, func() {
		select {
		case s.out <- Fired{Location: loc, Kind: kind}:
		default:
		}
	})
	return &Handle{t: t}
}
