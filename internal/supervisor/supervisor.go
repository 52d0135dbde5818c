// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package supervisor builds the conveyor's object graph in the order
// spec.md §4.I specifies, starts producers and the fuser, and drives
// cooperative shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/arbiter"
	"github.com/periphx/conveyorctl/internal/bus"
	"github.com/periphx/conveyorctl/internal/cep"
	"github.com/periphx/conveyorctl/internal/config"
	"github.com/periphx/conveyorctl/internal/corner"
	"github.com/periphx/conveyorctl/internal/model"
	"github.com/periphx/conveyorctl/internal/motor"
	"github.com/periphx/conveyorctl/internal/nfcreader"
	"github.com/periphx/conveyorctl/internal/sensors"
	"github.com/periphx/conveyorctl/internal/station"
	"github.com/periphx/conveyorctl/internal/timer"
)

// TimerSchedulerBuffer sizes the Scheduler's output channel (spec.md §9
// timer-as-event design note): expirations are rare relative to the
// fuser's 10ms tick.
const TimerSchedulerBuffer = 64

// Supervisor owns the whole conveyor object graph. It builds the arbiter,
// station FSMs, corner FSMs, fsm_map and fuser itself; the motor facade,
// logger and the NFC/sensor producers are built by the caller and handed
// in through New and AttachProducers.
type Supervisor struct {
	cfg *config.Config

	Bus      *bus.Bus
	Arbiter  *arbiter.Arbiter
	Activity *activity.Logger
	Motors   *motor.Facade
	Sched    *timer.Scheduler

	GPIO *sensors.GPIOProducer
	MCP  *sensors.MCPProducer
	NFC  []*nfcreader.Producer

	Stations map[int]*station.Station
	Corners  map[int]*corner.Corner
	Fuser    *cep.Fuser

	sysLog *logrus.Entry

	sensorCtx    context.Context
	sensorCancel context.CancelFunc
	nfcCtx       context.Context
	nfcCancel    context.CancelFunc
	fuserCtx     context.Context
	fuserCancel  context.CancelFunc

	wgSensor sync.WaitGroup
	wgNFC    sync.WaitGroup
	wgFuser  sync.WaitGroup
}

// New builds the Event Bus, arbiter, FSMs, and fuser (spec.md §4.I build
// order up to "fsm_map → fuser"). The GPIO/MCP/NFC producers are built
// against s.Bus by the caller and registered afterwards via
// AttachProducers, since their pin/device wiring is hardware-specific and
// lives in cmd/conveyorctl, not here.
func New(cfg *config.Config, log *activity.Logger, motors *motor.Facade) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		Bus:      bus.New(),
		Arbiter:  arbiter.New(),
		Activity: log,
		Motors:   motors,
		Sched:    timer.NewScheduler(TimerSchedulerBuffer),
		Stations: make(map[int]*station.Station, 2),
		Corners:  make(map[int]*corner.Corner, 4),
		sysLog:   logrus.WithField("component", "supervisor"),
	}

	for i := 1; i <= 2; i++ {
		sc := cfg.Station(i)
		s.Stations[i] = station.New(i, sc.Speed, sc.ProcessTime(), motors, log, s.Sched)
	}
	for i := 1; i <= 4; i++ {
		cc := cfg.Corner(i)
		s.Corners[i] = corner.New(i, cc.ToCornerConfig(), s.Arbiter, motors, log, s.Sched)
	}

	fsms := make(map[model.Location]cep.Handler, 6)
	for i, st := range s.Stations {
		fsms[model.Location{Kind: model.Station, Index: i}] = st
	}
	for i, cn := range s.Corners {
		fsms[model.Location{Kind: model.Corner, Index: i}] = cn
	}

	s.Fuser = cep.New(s.Bus, s.Sched, fsms, log, cfg.CEP.FusionWindow(), cfg.CEP.ExpiryWindow())
	return s
}

// AttachProducers registers the sensor and NFC producers built against
// s.Bus. gpio or mcp may be nil (e.g. a pure-simulation run with no real
// GPIO pins wired). Must be called before Start.
func (s *Supervisor) AttachProducers(gpio *sensors.GPIOProducer, mcp *sensors.MCPProducer, nfcs []*nfcreader.Producer) {
	s.GPIO = gpio
	s.MCP = mcp
	s.NFC = nfcs
}

// Start launches the sensor producer(s) and NFC producers, then the fuser,
// matching spec.md §4.I's start order (NFC producers → fuser; sensor
// producers are started alongside the NFC producers since nothing in the
// fuser can run meaningfully before both input sides are live).
func (s *Supervisor) Start() {
	s.sensorCtx, s.sensorCancel = context.WithCancel(context.Background())
	s.nfcCtx, s.nfcCancel = context.WithCancel(context.Background())
	s.fuserCtx, s.fuserCancel = context.WithCancel(context.Background())

	if s.GPIO != nil {
		s.wgSensor.Add(1)
		go func() {
			defer s.wgSensor.Done()
			s.GPIO.Run(s.sensorCtx)
		}()
	}
	if s.MCP != nil {
		s.wgSensor.Add(1)
		go func() {
			defer s.wgSensor.Done()
			s.MCP.Run(s.sensorCtx)
		}()
	}
	for _, p := range s.NFC {
		p := p
		s.wgNFC.Add(1)
		go func() {
			defer s.wgNFC.Done()
			p.Run(s.nfcCtx)
		}()
	}

	s.wgFuser.Add(1)
	go func() {
		defer s.wgFuser.Done()
		s.Fuser.Run(s.fuserCtx)
	}()

	s.sysLog.Info("supervisor started: sensor producers, nfc producers, fuser running")
}

// Shutdown stops every running task in order: fuser first (and wait), then
// NFC producers (and wait), then the sensor producer (cancelling its
// context stops the GPIO watchers' WaitForEdge loops and the MCP poll
// ticker), then stop_all() on the motors. Armed FSM timers are not
// cancelled (see below), and no collaborator (logger, motor facade, I²C
// buses) is closed or released.
func (s *Supervisor) Shutdown() error {
	s.sysLog.Info("shutdown: stopping fuser")
	if s.fuserCancel != nil {
		s.fuserCancel()
	}
	s.wgFuser.Wait()

	s.sysLog.Info("shutdown: stopping nfc producers")
	if s.nfcCancel != nil {
		s.nfcCancel()
	}
	s.wgNFC.Wait()

	s.sysLog.Info("shutdown: stopping sensor producer")
	if s.sensorCancel != nil {
		s.sensorCancel()
	}
	s.wgSensor.Wait()

	// FSM timers are owned per-FSM (internal/timer.Handle); there is no
	// global registry to cancel in bulk. Outstanding timers harmlessly
	// post into s.Sched's output channel, which nobody drains once the
	// fuser has stopped, and are garbage collected with the process.
	s.sysLog.Info("shutdown: fsm timers idle (fuser no longer dispatching)")

	s.sysLog.Info("shutdown: stopping all motors")
	if err := s.Motors.StopAll(); err != nil {
		return fmt.Errorf("supervisor: stop_all motors: %w", err)
	}

	s.sysLog.Info("shutdown complete")
	return nil
}
