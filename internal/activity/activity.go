// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package activity implements the Activity Logger collaborator
// (spec.md §6): a structured log of part/station activity, with automatic
// START/FINISH tag inference, backed by logrus.
package activity

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/periphx/conveyorctl/internal/model"
)

// Tag classifies an activity record as the start or the finish of a unit of
// work, for downstream KPI aggregation (out of scope here).
type Tag string

const (
	TagStart  Tag = "START"
	TagFinish Tag = "FINISH"
)

// Record is one emitted activity entry.
type Record struct {
	PartID    model.TagID
	StationID string
	Activity  string
	Tag       Tag
}

// inferTag implements "FINISH if activity contains any of EXIT, COMPLETE,
// END, FINISH, else START" (spec.md §6).
func inferTag(activity string) Tag {
	u := strings.ToUpper(activity)
	for _, marker := range []string{"EXIT", "COMPLETE", "END", "FINISH"} {
		if strings.Contains(u, marker) {
			return TagFinish
		}
	}
	return TagStart
}

// Sink receives every emitted Record, in addition to the logrus output.
// Used by devices/screen and internal/telemetry to observe activity without
// coupling them to the logger.
type Sink interface {
	Observe(Record)
}

// Logger is the Activity Logger collaborator.
type Logger struct {
	out   *logrus.Logger
	sinks []Sink
}

// New returns a Logger writing structured entries via logrus at Info level
// (Warn for ERROR_* activities, matching spec.md §7's severity mapping).
func New(log *logrus.Logger) *Logger {
	if log == nil {
		log = logrus.New()
	}
	return &Logger{out: log}
}

// AddSink registers a Sink to receive every future Record.
func (l *Logger) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// unknownPart is substituted when an orphaned barrier has no known part.
var unknownPart = model.TagID("UNKNOWN")

// UnknownPart returns the sentinel part id used for orphaned-barrier
// activity records (spec.md §4.E step 3).
func UnknownPart() model.TagID { return unknownPart }

// LogActivity records one activity entry, inferring tag from the activity
// string.
func (l *Logger) LogActivity(partID model.TagID, stationID, activity string) {
	l.record(partID, stationID, activity, inferTag(activity))
}

// LogActivityTagged records one activity entry with an explicit tag.
func (l *Logger) LogActivityTagged(partID model.TagID, stationID, activity string, tag Tag) {
	l.record(partID, stationID, activity, tag)
}

// partIDString renders partID the way a collaborator should read it: the
// UNKNOWN sentinel (spec.md §4.E step 3 / Scenario 3: "part_id = UNKNOWN")
// renders as the literal word, never as its hex encoding.
func partIDString(partID model.TagID) string {
	if bytes.Equal(partID, unknownPart) {
		return "UNKNOWN"
	}
	return partID.String()
}

func (l *Logger) record(partID model.TagID, stationID, activity string, tag Tag) {
	fields := logrus.Fields{
		"part_id":    partIDString(partID),
		"station_id": stationID,
		"activity":   activity,
		"tag":        string(tag),
	}
	entry := l.out.WithFields(fields)
	if strings.HasPrefix(activity, "ERROR_") {
		entry.Warn(activity)
	} else {
		entry.Info(activity)
	}
	rec := Record{PartID: partID, StationID: stationID, Activity: activity, Tag: tag}
	for _, s := range l.sinks {
		s.Observe(rec)
	}
}
