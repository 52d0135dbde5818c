// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package motor implements the Motor Facade: eight logical motors spread
// across two I²C PWM controllers (four channels each), with clamped
// set-speed, stop, and stop-all operations. No internal state beyond the
// last commanded speed per motor, kept only for introspection/tests.
package motor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
)

// Controller drives one 4-channel I²C PWM bank (e.g. a PCA9685-style motor
// driver board).
type Controller interface {
	// SetChannel commands channel ch (0..3) to signed duty v in [-1, 1].
	SetChannel(ch int, v float64) error
	// Addr returns the bus address, for diagnostics.
	Addr() uint16
}

// i2cController is the real Controller backend, bound to an i2c.Dev.
type i2cController struct {
	dev  *i2c.Dev
	addr uint16
}

// NewI2CController opens a Controller on bus at the given 7-bit address.
func NewI2CController(bus i2c.Bus, addr uint16) Controller {
	return &i2cController{dev: &i2c.Dev{Bus: bus, Addr: addr}, addr: addr}
}

func (c *i2cController) Addr() uint16 { return c.addr }

// SetChannel writes a two-byte signed PWM register: register layout is a
// simplification of typical PCA9685 motor-shield framing (register = 2*ch,
// value = int16 duty scaled to the channel's full range).
func (c *i2cController) SetChannel(ch int, v float64) error {
	if ch < 0 || ch > 3 {
		return fmt.Errorf("motor: channel %d out of range", ch)
	}
	duty := int16(v * 32767)
	reg := byte(2 * ch)
	w := []byte{reg, byte(duty >> 8), byte(duty)}
	return c.dev.Tx(w, nil)
}

// SpeedOf100kHz is the bus speed used when opening a real I²C controller,
// matching typical PCA9685 motor-shield timing.
const SpeedOf100kHz = 100 * physic.KiloHertz

// Facade is the spec's Motor Facade: 8 logical motors (1..8), routed two
// boards of 4 channels each.
type Facade struct {
	mu          sync.Mutex
	controllers [2]Controller
	last        [9]float64 // index 1..8, 0 unused
}

// NewFacade builds a Facade from two 4-channel controllers. board0 drives
// motors 1-4, board1 drives motors 5-8.
func NewFacade(board0, board1 Controller) *Facade {
	return &Facade{controllers: [2]Controller{board0, board1}}
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func route(motor int) (board, channel int, err error) {
	if motor < 1 || motor > 8 {
		return 0, 0, fmt.Errorf("motor: index %d out of range 1..8", motor)
	}
	return (motor - 1) / 4, (motor - 1) % 4, nil
}

// SetSpeed clamps v to [-1, 1] and routes it to the hardware backend for
// the given motor (1..8).
func (f *Facade) SetSpeed(motorIdx int, v float64) error {
	board, ch, err := route(motorIdx)
	if err != nil {
		return err
	}
	v = clamp(v)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.controllers[board].SetChannel(ch, v); err != nil {
		return err
	}
	f.last[motorIdx] = v
	return nil
}

// Stop is SetSpeed(i, 0).
func (f *Facade) Stop(motorIdx int) error {
	return f.SetSpeed(motorIdx, 0)
}

// StopAll halts all 8 motors, in index order. It continues past individual
// errors and returns the first one encountered, matching an emergency-stop
// best-effort contract.
func (f *Facade) StopAll() error {
	var first error
	for i := 1; i <= 8; i++ {
		if err := f.Stop(i); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Last returns the last commanded speed for motorIdx (1..8), for tests and
// the console dashboard.
func (f *Facade) Last(motorIdx int) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if motorIdx < 1 || motorIdx > 8 {
		return 0
	}
	return f.last[motorIdx]
}

// Pulse commands motor to v, then reverts it to 0 after dur, without
// blocking the caller. It is hardware-level convenience used where the
// conveyor needs a brief actuation (e.g. to clear a trailing part off a
// sensor) that is not itself a distinct FSM phase transition; it runs
// asynchronously on its own timer, independent of the fuser's single-writer
// FSM domain.
func (f *Facade) Pulse(motorIdx int, v float64, dur time.Duration) {
	_ = f.SetSpeed(motorIdx, v)
	time.AfterFunc(dur, func() {
		_ = f.Stop(motorIdx)
	})
}

// SelfTest pulses each motor briefly in turn to confirm I²C addressing
// before the supervisor starts any producer. It is best-effort: failures
// are returned to the caller to log, not treated as fatal.
func (f *Facade) SelfTest(ctx context.Context) error {
	for i := 1; i <= 8; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := f.SetSpeed(i, 0.1); err != nil {
			return fmt.Errorf("motor: self-test motor %d: %w", i, err)
		}
		if err := f.Stop(i); err != nil {
			return fmt.Errorf("motor: self-test stop %d: %w", i, err)
		}
	}
	return nil
}
