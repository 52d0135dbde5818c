// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nfcreader implements the NFC Producer: one polling task per
// reader, performing a blocking read with a 1s timeout and emitting
// (timestamp, station, tag_id) on success.
package nfcreader

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/periph/conn/i2c"

	"github.com/periphx/conveyorctl/internal/bus"
	"github.com/periphx/conveyorctl/internal/model"
)

// PollInterval is the idle sleep after a successful read (spec.md §4.C).
const PollInterval = 100 * time.Millisecond

// ReadTimeout bounds each blocking read attempt (spec.md §4.C).
const ReadTimeout = 1 * time.Second

// ErrorBackoff is the pause after a read error before retrying
// (spec.md §4.C / §7).
const ErrorBackoff = 1 * time.Second

// Device performs one blocking tag read, bounded by ctx. It returns
// (nil, nil) when no tag was presented before ctx expired — "no tag" is not
// an error (spec.md §4.C).
type Device interface {
	ReadTag(ctx context.Context) (model.TagID, error)
}

// Producer is one per-reader NFC polling task. A nil Device is the
// hardware-init-failure simulation fallback: it emits no events.
type Producer struct {
	ReaderIndex  int
	StationIndex int
	Device       Device
	Bus          *bus.Bus

	sysLog *logrus.Entry
}

// New constructs a Producer for the reader feeding station stationIndex.
func New(readerIndex, stationIndex int, dev Device, b *bus.Bus) *Producer {
	return &Producer{
		ReaderIndex:  readerIndex,
		StationIndex: stationIndex,
		Device:       dev,
		Bus:          b,
		sysLog: logrus.WithFields(logrus.Fields{
			"component": "nfc-producer",
			"reader":    readerIndex,
		}),
	}
}

// Run loops until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) {
	if p.Device == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		readCtx, cancel := context.WithTimeout(ctx, ReadTimeout)
		tag, err := p.Device.ReadTag(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.sysLog.WithError(err).Warn("nfc read error, backing off")
			if !sleep(ctx, ErrorBackoff) {
				return
			}
			continue
		}
		if tag == nil {
			// No tag within the read timeout: not an error, no event,
			// and the 1s already spent is this iteration's pacing.
			continue
		}
		ts := time.Now() // captured after the read returns (spec.md §4.C)
		ev := model.NfcEvent{
			Timestamp:    ts,
			StationIndex: p.StationIndex,
			TagID:        tag,
			ReaderIndex:  p.ReaderIndex,
		}
		if !p.Bus.PublishNFC(ev) {
			p.sysLog.Warn("nfc channel overrun, event dropped")
		}
		if !sleep(ctx, PollInterval) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// I2CDevice is a PN532-style NFC reader bound to an I²C bus, implementing
// Device. The exact register protocol is PN532-vendor-specific and is kept
// minimal here: Tx writes the "read passive target" command and Rx reads
// back a framed response, with a bare UID payload taken as the tag id.
type I2CDevice struct {
	dev *i2c.Dev
}

// NewI2CDevice opens a reader on bus at addr (PN532's default I²C address
// is 0x24).
func NewI2CDevice(bus i2c.Bus, addr uint16) *I2CDevice {
	return &I2CDevice{dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

var cmdReadPassiveTarget = []byte{0xd4, 0x4a, 0x01, 0x00}

// ReadTag issues one read-passive-target transaction, returning (nil, nil)
// if ctx expires before a tag responds.
func (d *I2CDevice) ReadTag(ctx context.Context) (model.TagID, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(ReadTimeout)
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}
		resp := make([]byte, 32)
		if err := d.dev.Tx(cmdReadPassiveTarget, resp); err != nil {
			return nil, fmt.Errorf("nfcreader: i2c transaction: %w", err)
		}
		if uid := parseUID(resp); uid != nil {
			return uid, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, nil
}

// parseUID extracts a tag UID from a PN532 InListPassiveTarget response
// frame, or nil if the frame reports no target found.
func parseUID(resp []byte) model.TagID {
	if len(resp) < 8 || resp[5] == 0 {
		return nil
	}
	uidLen := int(resp[6])
	if uidLen <= 0 || 7+uidLen > len(resp) {
		return nil
	}
	uid := make([]byte, uidLen)
	copy(uid, resp[7:7+uidLen])
	return uid
}
