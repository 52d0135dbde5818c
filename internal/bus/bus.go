// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bus implements the Event Bus: three bounded, non-blocking,
// multi-producer/single-consumer queues (gpio, mcp, nfc) that sensor and NFC
// producers enqueue into and the CEP fuser drains.
//
// Built on code.hybscloud.com/lfq's MPSC ring buffer: Enqueue and Dequeue
// never block; a full queue returns lfq.ErrWouldBlock, which callers treat
// as "drop and count an overrun" rather than a failure.
package bus

import (
	"sync/atomic"

	"code.hybscloud.com/lfq"

	"github.com/periphx/conveyorctl/internal/model"
)

// Capacities from spec.md §4.A.
const (
	GPIOCapacity = 100
	MCPCapacity  = 100
	NFCCapacity  = 20
)

// Bus holds the three named channels plus overrun counters.
type Bus struct {
	gpio *lfq.MPSC[model.BarrierEvent]
	mcp  *lfq.MPSC[model.BarrierEvent]
	nfc  *lfq.MPSC[model.NfcEvent]

	gpioOverruns atomic.Uint64
	mcpOverruns  atomic.Uint64
	nfcOverruns  atomic.Uint64
}

// New constructs a Bus with the spec's fixed capacities.
func New() *Bus {
	return &Bus{
		gpio: lfq.NewMPSC[model.BarrierEvent](GPIOCapacity),
		mcp:  lfq.NewMPSC[model.BarrierEvent](MCPCapacity),
		nfc:  lfq.NewMPSC[model.NfcEvent](NFCCapacity),
	}
}

// PublishGPIO enqueues a barrier event from the interrupt-driven GPIO
// producer. Returns false if the channel was full (event dropped, overrun
// counted).
func (b *Bus) PublishGPIO(e model.BarrierEvent) bool {
	if err := b.gpio.Enqueue(&e); err != nil {
		b.gpioOverruns.Add(1)
		return false
	}
	return true
}

// PublishMCP enqueues a barrier event from the polled expander producer.
func (b *Bus) PublishMCP(e model.BarrierEvent) bool {
	if err := b.mcp.Enqueue(&e); err != nil {
		b.mcpOverruns.Add(1)
		return false
	}
	return true
}

// PublishNFC enqueues an NFC read event.
func (b *Bus) PublishNFC(e model.NfcEvent) bool {
	if err := b.nfc.Enqueue(&e); err != nil {
		b.nfcOverruns.Add(1)
		return false
	}
	return true
}

// DrainBarriers drains both the gpio and mcp channels (in that order) into
// dst, preserving each channel's internal FIFO order, and returns the
// extended slice.
func (b *Bus) DrainBarriers(dst []model.BarrierEvent) []model.BarrierEvent {
	for {
		e, err := b.gpio.Dequeue()
		if err != nil {
			break
		}
		dst = append(dst, e)
	}
	for {
		e, err := b.mcp.Dequeue()
		if err != nil {
			break
		}
		dst = append(dst, e)
	}
	return dst
}

// DrainNFC drains the nfc channel into dst and returns the extended slice.
func (b *Bus) DrainNFC(dst []model.NfcEvent) []model.NfcEvent {
	for {
		e, err := b.nfc.Dequeue()
		if err != nil {
			break
		}
		dst = append(dst, e)
	}
	return dst
}

// Overruns returns the cumulative drop counts per channel.
type Overruns struct {
	GPIO, MCP, NFC uint64
}

// Stats returns the current overrun counters.
func (b *Bus) Stats() Overruns {
	return Overruns{
		GPIO: b.gpioOverruns.Load(),
		MCP:  b.mcpOverruns.Load(),
		NFC:  b.nfcOverruns.Load(),
	}
}
