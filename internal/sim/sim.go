// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sim provides the simulation fallback path used when hardware
// init fails: a no-op motor.Controller and the periph.io host-init wrapper
// cmd/conveyorctl uses to decide whether real GPIO/I²C drivers are available
// at all, carrying forward periph-extra's hostextra.Init() idiom.
package sim

import (
	"github.com/sirupsen/logrus"
	"periph.io/x/periph"
	"periph.io/x/periph/host"
)

// DetectHardware calls host.Init(), logging and returning ok=false instead
// of a fatal error when no drivers loaded (e.g. running off-target).
// cmd/conveyorctl uses ok to decide whether to wire real producers/motor
// controllers or the simulation fallbacks in this package.
func DetectHardware() (state *periph.State, ok bool) {
	s, err := host.Init()
	if err != nil {
		logrus.WithError(err).Warn("hardware init failed, falling back to simulation")
		return nil, false
	}
	if len(s.Failed) > 0 {
		for _, f := range s.Failed {
			logrus.WithField("driver", f.D.String()).WithError(f.Err).Warn("driver failed to load")
		}
	}
	return s, true
}

// NoopController is a motor.Controller that discards every command, used in
// place of an i2cController when DetectHardware reports no hardware.
type NoopController struct {
	addr uint16
}

// NewNoopController returns a Controller that accepts any channel/value and
// does nothing, reporting addr for diagnostics parity with the real backend.
func NewNoopController(addr uint16) *NoopController {
	return &NoopController{addr: addr}
}

func (c *NoopController) Addr() uint16 { return c.addr }

// SetChannel always succeeds without touching any bus.
func (c *NoopController) SetChannel(ch int, v float64) error { return nil }
