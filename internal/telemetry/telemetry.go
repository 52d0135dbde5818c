// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry exposes the supervisor's running counters as Prometheus
// metrics: it observes internal/activity records as an activity.Sink and is
// polled periodically for internal/cep and internal/bus statistics.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/bus"
	"github.com/periphx/conveyorctl/internal/cep"
)

// Telemetry is registered once against a prometheus.Registerer and then fed
// via Observe (as an activity.Sink) and the Record* methods.
type Telemetry struct {
	activityTotal *prometheus.CounterVec

	// wipGlobal is the literal reading of the spec's ambiguous
	// current_wip counter: incremented on every ENTER and decremented only
	// on S2's EXIT, with no station dimension (see DESIGN.md Open Question
	// decision). wipByStation is the unambiguous supplement: per station,
	// every ENTER increments and every EXIT decrements, which is what a
	// dashboard actually wants.
	wipGlobal    prometheus.Gauge
	wipByStation *prometheus.GaugeVec

	// entered/exited and cycleTime are the unambiguous per-station
	// supplement to wipGlobal (SPEC_FULL.md SUPPLEMENTED FEATURES,
	// grounded on original_source/physical_system/system_manager.py's
	// running per-station counters and average cycle time).
	entered   *prometheus.CounterVec
	exited    *prometheus.CounterVec
	cycleTime *prometheus.HistogramVec

	mu          sync.Mutex
	enteredAt   map[string]time.Time

	orphanedBarriers prometheus.Counter
	ghostNFC         prometheus.Counter
	unknownTargets   prometheus.Counter

	busOverruns *prometheus.GaugeVec
}

// New constructs and registers a Telemetry against reg.
func New(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		activityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyorctl",
			Name:      "activity_total",
			Help:      "Count of activity log entries, by station and activity name.",
		}, []string{"station_id", "activity", "tag"}),
		wipGlobal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conveyorctl",
			Name:      "current_wip",
			Help:      "Global work-in-progress counter: ENTER at any station increments, only S2 EXIT decrements, no station dimension.",
		}),
		wipByStation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conveyorctl",
			Name:      "wip_by_station",
			Help:      "Work-in-progress per station: ENTER increments, EXIT decrements.",
		}, []string{"station_id"}),
		entered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyorctl",
			Name:      "parts_entered_total",
			Help:      "Parts entered per station, monotonic.",
		}, []string{"station_id"}),
		exited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyorctl",
			Name:      "parts_exited_total",
			Help:      "Parts exited per station, monotonic.",
		}, []string{"station_id"}),
		cycleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conveyorctl",
			Name:      "cycle_time_seconds",
			Help:      "Wall time from a station's ENTER to its EXIT for the same part.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"station_id"}),
		enteredAt: make(map[string]time.Time),
		orphanedBarriers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyorctl",
			Name:      "orphaned_barriers_total",
			Help:      "Entry barriers expired without a fusing NFC read.",
		}),
		ghostNFC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyorctl",
			Name:      "ghost_nfc_total",
			Help:      "NFC reads expired without a fusing entry barrier.",
		}),
		unknownTargets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyorctl",
			Name:      "unknown_dispatch_targets_total",
			Help:      "Fused events addressed to a location with no registered FSM.",
		}),
		busOverruns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conveyorctl",
			Name:      "bus_overruns",
			Help:      "Cumulative dropped-on-full event counts per bus channel.",
		}, []string{"channel"}),
	}
	reg.MustRegister(
		t.activityTotal,
		t.wipGlobal,
		t.wipByStation,
		t.entered,
		t.exited,
		t.cycleTime,
		t.orphanedBarriers,
		t.ghostNFC,
		t.unknownTargets,
		t.busOverruns,
	)
	return t
}

// Observe implements activity.Sink.
func (t *Telemetry) Observe(rec activity.Record) {
	t.activityTotal.WithLabelValues(rec.StationID, rec.Activity, string(rec.Tag)).Inc()
	switch rec.Activity {
	case "ENTER":
		// Literal reading of the spec's ambiguous current_wip accounting:
		// increments on ENTER at either station (see DESIGN.md Open
		// Question decision).
		t.wipGlobal.Inc()
		t.wipByStation.WithLabelValues(rec.StationID).Inc()
		t.entered.WithLabelValues(rec.StationID).Inc()
		t.mu.Lock()
		t.enteredAt[rec.StationID+"/"+rec.PartID.String()] = time.Now()
		t.mu.Unlock()
	case "EXIT":
		// ...but decrements only on S2's EXIT, never S1's.
		if rec.StationID == "S2" {
			t.wipGlobal.Dec()
		}
		t.wipByStation.WithLabelValues(rec.StationID).Dec()
		t.exited.WithLabelValues(rec.StationID).Inc()
		key := rec.StationID + "/" + rec.PartID.String()
		t.mu.Lock()
		enteredAt, ok := t.enteredAt[key]
		if ok {
			delete(t.enteredAt, key)
		}
		t.mu.Unlock()
		if ok {
			t.cycleTime.WithLabelValues(rec.StationID).Observe(time.Since(enteredAt).Seconds())
		}
	}
}

// RecordFuserStats updates the orphan/ghost/unknown-target counters from a
// cep.Stats snapshot. Callers pass the delta since the last call, since the
// underlying prometheus.Counter only ever increases.
func (t *Telemetry) RecordFuserStats(delta cep.Stats) {
	if delta.OrphanedBarriers > 0 {
		t.orphanedBarriers.Add(float64(delta.OrphanedBarriers))
	}
	if delta.GhostNFC > 0 {
		t.ghostNFC.Add(float64(delta.GhostNFC))
	}
	if delta.UnknownTargets > 0 {
		t.unknownTargets.Add(float64(delta.UnknownTargets))
	}
}

// RecordBusStats sets the overrun gauges to the bus's current cumulative
// counts.
func (t *Telemetry) RecordBusStats(o bus.Overruns) {
	t.busOverruns.WithLabelValues("gpio").Set(float64(o.GPIO))
	t.busOverruns.WithLabelValues("mcp").Set(float64(o.MCP))
	t.busOverruns.WithLabelValues("nfc").Set(float64(o.NFC))
}
