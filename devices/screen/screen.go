// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package screen renders a live, one-line console view of conveyor activity:
// one ANSI-colored cell per station/corner, updated as FSMs change phase.
//
// Adapted from a 1D LED-strip console emulator; instead of drawing an
// image.Image onto simulated LEDs, it draws conveyor entity phases onto
// simulated status cells, reusing the same ansi256 block rendering trick.
package screen // import "github.com/periphx/conveyorctl/devices/screen"

import (
	"bytes"
	"errors"
	"image/color"
	"io"
	"sort"
	"sync"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
)

// DefaultPalette maps a station/corner phase name to the color its cell is
// drawn in; phases not in the map draw as white.
var DefaultPalette = map[string]color.NRGBA{
	"IDLE":                      {R: 0x30, G: 0x30, B: 0x30, A: 0xff},
	"ENTERING":                  {R: 0x20, G: 0x60, B: 0xff, A: 0xff},
	"PROCESSING":                {R: 0xff, G: 0xa5, B: 0x00, A: 0xff},
	"ADVANCING_TO_EXIT":         {R: 0xff, G: 0xa5, B: 0x00, A: 0xff},
	"EXITING":                   {R: 0x20, G: 0x60, B: 0xff, A: 0xff},
	"FINAL_APPROACH":            {R: 0x20, G: 0x60, B: 0xff, A: 0xff},
	"READY_TO_PUSH":             {R: 0xcc, G: 0xcc, B: 0x00, A: 0xff},
	"EXTENDING":                 {R: 0xff, G: 0xa5, B: 0x00, A: 0xff},
	"WAITING_FOR_CONFIRMATION":  {R: 0xcc, G: 0x00, B: 0xcc, A: 0xff},
	"RETRACTING":                {R: 0xff, G: 0xa5, B: 0x00, A: 0xff},
	"TERMINAL_LOCKED":           {R: 0xff, G: 0x00, B: 0x00, A: 0xff},
}

// Dev is a console dashboard: a fixed set of named cells, each colored
// according to the last phase reported for it.
type Dev struct {
	w    io.Writer
	mu   sync.Mutex
	ids  []string
	cell map[string]color.NRGBA
	buf  bytes.Buffer
}

// New returns a Dev with one cell per id in ids, in the given display order.
func New(ids []string) *Dev {
	d := &Dev{
		w:    colorable.NewColorableStdout(),
		ids:  append([]string(nil), ids...),
		cell: make(map[string]color.NRGBA, len(ids)),
	}
	for _, id := range d.ids {
		d.cell[id] = DefaultPalette["IDLE"]
	}
	return d
}

func (d *Dev) String() string {
	return "Screen"
}

// Halt implements conn.Resource. It ends the strip's line and resets the
// terminal colors so the display is not left mid-refresh.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Update sets the cell for id to the color registered for phase (white if
// the phase is not in DefaultPalette) and redraws the whole strip.
func (d *Dev) Update(id, phase string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cell[id]; !ok {
		return errors.New("screen: unknown id " + id)
	}
	c, ok := DefaultPalette[phase]
	if !ok {
		c = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	}
	d.cell[id] = c
	return d.refresh()
}

// refresh must be called with d.mu held.
func (d *Dev) refresh() error {
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	for _, id := range d.ids {
		_, _ = io.WriteString(&d.buf, ansi256.Default.Block(d.cell[id]))
	}
	_, _ = d.buf.WriteString("\033[0m ")
	_, err := d.buf.WriteTo(d.w)
	return err
}

// Snapshot returns the current phase colors keyed by id, for tests.
func (d *Dev) Snapshot() map[string]color.NRGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]color.NRGBA, len(d.cell))
	for k, v := range d.cell {
		out[k] = v
	}
	return out
}

// IDs returns the cell ids sorted by name, for deterministic tests; the
// display order given to New is not preserved.
func (d *Dev) IDs() []string {
	out := append([]string(nil), d.ids...)
	sort.Strings(out)
	return out
}
