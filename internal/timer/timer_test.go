// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package timer

import (
	"testing"
	"time"

	"github.com/periphx/conveyorctl/internal/model"
)

func TestArmFiresAfterDuration(t *testing.T) {
	s := NewScheduler(4)
	loc := model.Location{Kind: model.Station, Index: 1}
	s.Arm(10*time.Millisecond, loc, KindProcess)

	select {
	case fired := <-s.Out():
		if fired.Location != loc || fired.Kind != KindProcess {
			t.Fatalf("unexpected Fired: %+v", fired)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer did not fire within timeout")
	}
}

func TestCancelSuppressesFire(t *testing.T) {
	s := NewScheduler(4)
	loc := model.Location{Kind: model.Corner, Index: 2}
	h := s.Arm(20*time.Millisecond, loc, KindRetract)
	if !h.Cancel() {
		t.Fatal("Cancel should succeed before the timer fires")
	}

	select {
	case fired := <-s.Out():
		t.Fatalf("cancelled timer should not fire, got %+v", fired)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestCancelNilHandleSafe(t *testing.T) {
	var h *Handle
	if !h.Cancel() {
		t.Fatal("Cancel on a nil Handle should report success")
	}
}

func TestSchedulerDropsWhenOutputFull(t *testing.T) {
	s := NewScheduler(1)
	loc := model.Location{Kind: model.Station, Index: 1}
	s.Arm(5*time.Millisecond, loc, KindProcess)
	s.Arm(5*time.Millisecond, loc, KindApproach)
	time.Sleep(40 * time.Millisecond)

	// Exactly one of the two fires lands in the size-1 buffer; the other is
	// dropped rather than blocking the AfterFunc goroutine.
	count := 0
	for {
		select {
		case <-s.Out():
			count++
		default:
			if count != 1 {
				t.Fatalf("expected exactly 1 buffered fire, got %d", count)
			}
			return
		}
	}
}
