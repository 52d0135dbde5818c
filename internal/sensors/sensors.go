// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sensors implements the Sensor Producer: an interrupt-driven
// reader over Raspberry Pi GPIO pins and a 100 Hz polled reader over an
// MCP23017-style I²C expander, both converting hardware edges into
// debounced, logically-duplicated BarrierEvents.
package sensors

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/periph/conn/gpio"

	"github.com/periphx/conveyorctl/internal/bus"
	"github.com/periphx/conveyorctl/internal/model"
)

// DefaultDebounce is the software debounce window for interrupt-driven GPIO
// edges (spec.md §4.B).
const DefaultDebounce = 50 * time.Millisecond

// DefaultPollInterval is the expander poll period for 100 Hz polling
// (spec.md §4.B).
const DefaultPollInterval = 10 * time.Millisecond

// LogicalBarrier is one of the (possibly several) logical barriers a single
// physical edge represents (spec.md §4.B "logical-sensor duplication": a
// station exit barrier doubles as the adjacent corner's arrival barrier).
type LogicalBarrier struct {
	ID       model.BarrierID
	Location model.Location
}

// PhysicalPin binds a real GPIO pin configured for rising-edge interrupts
// to the one or more logical barriers its edge represents.
type PhysicalPin struct {
	Pin      gpio.PinIn
	Barriers []LogicalBarrier
}

// GPIOProducer is the interrupt-driven half of the Sensor Producer. A nil
// or empty Pins list is the hardware-init-failure simulation fallback: it
// emits no events (spec.md §4.B).
type GPIOProducer struct {
	Pins     []PhysicalPin
	Debounce time.Duration
	Bus      *bus.Bus

	sysLog *logrus.Entry
}

// NewGPIOProducer constructs an interrupt-driven GPIO producer. Each pin
// must already be configured for gpio.PullUp/gpio.RisingEdge by the caller
// (spec.md §4.B: "configured with pull-ups and rising-edge detection").
func NewGPIOProducer(pins []PhysicalPin, b *bus.Bus) *GPIOProducer {
	return &GPIOProducer{
		Pins:     pins,
		Debounce: DefaultDebounce,
		Bus:      b,
		sysLog:   logrus.WithField("component", "gpio-producer"),
	}
}

// Run blocks, spawning one watcher per physical pin, until ctx is
// cancelled. Each watcher's callback captures a timestamp before any
// further work, matching spec.md §4.B's "timestamp before any further
// work" ordering guarantee.
func (p *GPIOProducer) Run(ctx context.Context) {
	if len(p.Pins) == 0 {
		<-ctx.Done()
		return
	}
	done := make(chan struct{})
	for i := range p.Pins {
		go p.watch(ctx, p.Pins[i], done)
	}
	<-ctx.Done()
	for range p.Pins {
		<-done
	}
}

func (p *GPIOProducer) watch(ctx context.Context, pin PhysicalPin, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	var lastAccepted time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// WaitForEdge blocks up to its timeout so the loop can observe
		// ctx cancellation between edges.
		if !pin.Pin.WaitForEdge(250 * time.Millisecond) {
			continue
		}
		ts := time.Now()
		if ts.Sub(lastAccepted) < p.Debounce {
			continue
		}
		lastAccepted = ts
		for _, lb := range pin.Barriers {
			ev := model.BarrierEvent{
				Timestamp: ts,
				BarrierID: lb.ID,
				Location:  lb.Location,
				Source:    model.Interrupt,
			}
			if !p.Bus.PublishGPIO(ev) {
				p.sysLog.WithField("barrier", lb.ID).Warn("gpio channel overrun, event dropped")
			}
		}
	}
}

// ExpanderPin is one active-low expander pin (corner limit switches,
// conveyor-start sensors), read via whatever I²C binding the caller wires
// up (the read function owns debouncing of the I²C transaction itself; the
// producer only does edge detection on the returned boolean).
type ExpanderPin struct {
	// Read returns true when the physical (active-low) input is asserted.
	Read     func() (bool, error)
	Barriers []LogicalBarrier
}

// MCPProducer is the polled half of the Sensor Producer, reading the
// expander at 100 Hz and emitting one event per false→true transition per
// pin. A nil or empty Pins list is the simulation fallback.
type MCPProducer struct {
	Pins         []ExpanderPin
	PollInterval time.Duration
	Bus          *bus.Bus

	lastState []bool
	sysLog    *logrus.Entry
}

// NewMCPProducer constructs a polled expander producer.
func NewMCPProducer(pins []ExpanderPin, b *bus.Bus) *MCPProducer {
	return &MCPProducer{
		Pins:         pins,
		PollInterval: DefaultPollInterval,
		Bus:          b,
		lastState:    make([]bool, len(pins)),
		sysLog:       logrus.WithField("component", "mcp-producer"),
	}
}

// Run polls every PollInterval until ctx is cancelled.
func (p *MCPProducer) Run(ctx context.Context) {
	if len(p.Pins) == 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *MCPProducer) pollOnce() {
	for i := range p.Pins {
		active, err := p.Pins[i].Read()
		if err != nil {
			p.sysLog.WithError(err).Warn("expander read error")
			continue
		}
		if active && !p.lastState[i] {
			ts := time.Now()
			p.lastState[i] = true
			for _, lb := range p.Pins[i].Barriers {
				ev := model.BarrierEvent{
					Timestamp: ts,
					BarrierID: lb.ID,
					Location:  lb.Location,
					Source:    model.Polled,
				}
				if !p.Bus.PublishMCP(ev) {
					p.sysLog.WithField("barrier", lb.ID).Warn("mcp channel overrun, event dropped")
				}
			}
			continue
		}
		if !active {
			p.lastState[i] = false
		}
	}
}
