// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package arbiter implements the Collision Arbiter: a pure, mutex-guarded
// predicate over four corners' reservation state. No operation blocks on
// external resources; collision policy lives entirely here so corner FSMs
// never inspect each other's state directly.
package arbiter

import (
	"sync"
	"time"
)

// MinInterval is the minimum time a corner must stay released before it can
// be reserved again (spec.md §4.D).
const MinInterval = 2 * time.Second

// adjacency is the cyclic neighbor table: 1↔{2,4}, 2↔{1,3}, 3↔{2,4}, 4↔{1,3}.
var adjacency = map[int][2]int{
	1: {2, 4},
	2: {1, 3},
	3: {2, 4},
	4: {3, 1},
}

// feedMotor maps a corner fed by a main conveyor to its feed motor index.
// Corners 2 and 4 are fed by station ejection and have no feed motor.
var feedMotor = map[int]int{1: 1, 3: 2}

// motorDownstreamCorner maps a feed motor to the corner it feeds into
// (spec.md §4.D: motor 1 ↔ corner 2, motor 2 ↔ corner 4).
var motorDownstreamCorner = map[int]int{1: 2, 2: 4}

type cornerState struct {
	occupied        bool
	lastReleasedAt  time.Time
	waitingHandshake bool
}

// Arbiter is safe for concurrent use by multiple corner FSMs.
type Arbiter struct {
	mu      sync.Mutex
	corners map[int]*cornerState
	now     func() time.Time
}

// New constructs an Arbiter for corners 1..4, all initially unoccupied and
// immediately reservable (last-released is far in the past).
func New() *Arbiter {
	return newWithClock(time.Now)
}

// newWithClock lets tests inject a deterministic clock.
func newWithClock(now func() time.Time) *Arbiter {
	a := &Arbiter{
		corners: make(map[int]*cornerState, 4),
		now:     now,
	}
	past := now().Add(-MinInterval - time.Second)
	for i := 1; i <= 4; i++ {
		a.corners[i] = &cornerState{lastReleasedAt: past}
	}
	return a
}

// RequestCorner attempts to reserve corner i. It succeeds iff neither i nor
// either adjacent corner is occupied, and at least MinInterval has elapsed
// since i was last released. On success it atomically marks i occupied.
func (a *Arbiter) RequestCorner(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.corners[i]
	if !ok {
		return false
	}
	if c.occupied {
		return false
	}
	for _, adj := range adjacency[i] {
		if a.corners[adj].occupied {
			return false
		}
	}
	if a.now().Sub(c.lastReleasedAt) < MinInterval {
		return false
	}
	c.occupied = true
	return true
}

// ReleaseCorner releases corner i. Idempotent: releasing an already-released
// corner is a no-op beyond refreshing last-released-at.
func (a *Arbiter) ReleaseCorner(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.corners[i]
	if !ok {
		return
	}
	c.occupied = false
	c.lastReleasedAt = a.now()
}

// SetHandshakeWait marks corner i as waiting for a confirmation barrier.
func (a *Arbiter) SetHandshakeWait(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.corners[i]; ok {
		c.waitingHandshake = true
	}
}

// ClearHandshakeWait clears corner i's handshake-wait flag.
func (a *Arbiter) ClearHandshakeWait(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.corners[i]; ok {
		c.waitingHandshake = false
	}
}

// IsOccupied reports corner i's current reservation state, for tests and
// the console dashboard.
func (a *Arbiter) IsOccupied(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.corners[i]
	return ok && c.occupied
}

// ForceRelease clears corner i's reservation and handshake-wait flag
// unconditionally. Used only by the explicit per-corner jam-reset operation
// (internal/corner Reset); never called automatically by any FSM
// transition.
func (a *Arbiter) ForceRelease(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.corners[i]
	if !ok {
		return
	}
	c.occupied = false
	c.waitingHandshake = false
	c.lastReleasedAt = a.now()
}

// IsConveyorSafeToStop reports whether the feed motor may be halted: false
// if the corner it feeds is currently waiting_handshake.
func (a *Arbiter) IsConveyorSafeToStop(motor int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	corner, ok := motorDownstreamCorner[motor]
	if !ok {
		// Motor has no downstream corner under this mapping; nothing to
		// protect against.
		return true
	}
	c, ok := a.corners[corner]
	if !ok {
		return true
	}
	return !c.waitingHandshake
}

// FeedMotorFor returns the feed motor index for corner i and whether one
// exists (corners 2 and 4 are fed by station ejection, not a main conveyor).
func FeedMotorFor(corner int) (motor int, ok bool) {
	m, ok := feedMotor[corner]
	return m, ok
}
