// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// conveyorctl is the process entry point: it loads configuration, detects
// hardware (falling back to simulation when absent), builds the
// supervisor's object graph, and runs until an interrupt or terminate
// signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"

	"github.com/periphx/conveyorctl/devices/screen"
	"github.com/periphx/conveyorctl/internal/activity"
	"github.com/periphx/conveyorctl/internal/cep"
	"github.com/periphx/conveyorctl/internal/config"
	"github.com/periphx/conveyorctl/internal/model"
	"github.com/periphx/conveyorctl/internal/motor"
	"github.com/periphx/conveyorctl/internal/nfcreader"
	"github.com/periphx/conveyorctl/internal/sensors"
	"github.com/periphx/conveyorctl/internal/sim"
	"github.com/periphx/conveyorctl/internal/supervisor"
	"github.com/periphx/conveyorctl/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration (defaults built in if empty)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on; empty disables")
	dashboard := flag.Bool("dashboard", false, "render a console activity dashboard")
	verbose := flag.Bool("v", false, "verbose (debug-level) logging")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("loading configuration")
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	activityLog := activity.New(log)

	_, hwOK := sim.DetectHardware()
	motors := buildMotorFacade(cfg, hwOK, log)
	if err := motors.SelfTest(ctx); err != nil {
		log.WithError(err).Warn("motor self-test failed, continuing")
	}

	sup := supervisor.New(cfg, activityLog, motors)

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		tel := telemetry.New(reg)
		activityLog.AddSink(tel)
		go serveMetrics(ctx, *metricsAddr, reg, log)
		go pollStats(ctx, sup, tel)
	}

	if *dashboard {
		dev := screen.New([]string{"S1", "S2", "C1", "C2", "C3", "C4"})
		activityLog.AddSink(dashboardSink{sup: sup, dev: dev})
	}

	gpioProd, mcpProd := buildSensorProducers(sup, cfg, hwOK, log)
	nfcProds := buildNFCProducers(sup, hwOK, log)
	sup.AttachProducers(gpioProd, mcpProd, nfcProds)

	sup.Start()
	log.Info("conveyorctl running")

	<-ctx.Done()
	log.Info("signal received, shutting down")
	if err := sup.Shutdown(); err != nil {
		log.WithError(err).Fatal("shutdown failed")
	}
}

func buildMotorFacade(cfg *config.Config, hwOK bool, log *logrus.Logger) *motor.Facade {
	noop := func() *motor.Facade {
		return motor.NewFacade(
			sim.NewNoopController(cfg.Motors.Board0Addr),
			sim.NewNoopController(cfg.Motors.Board1Addr),
		)
	}
	if !hwOK {
		log.Warn("no hardware detected, motor facade running in simulation mode")
		return noop()
	}
	bus0, err := i2creg.Open("")
	if err != nil {
		log.WithError(err).Warn("opening i2c bus for motor boards, falling back to simulation")
		return noop()
	}
	return motor.NewFacade(
		motor.NewI2CController(bus0, cfg.Motors.Board0Addr),
		motor.NewI2CController(bus0, cfg.Motors.Board1Addr),
	)
}

// gpioPinNames is the 8 physical Pi GPIO pins: six carry station entry/
// process/exit barriers and two carry the M1_START/M2_START conveyor-start
// barriers (spec.md §4.B). The dual-mapping pins (S1_EXIT / S2_EXIT) are
// wired twice in the logical-barrier table below.
var gpioPinNames = []string{"GPIO5", "GPIO6", "GPIO13", "GPIO19", "GPIO26", "GPIO21", "GPIO20", "GPIO16"}

func buildSensorProducers(sup *supervisor.Supervisor, cfg *config.Config, hwOK bool, log *logrus.Logger) (*sensors.GPIOProducer, *sensors.MCPProducer) {
	if !hwOK {
		log.Warn("no hardware detected, sensor producer running in simulation mode (no events)")
		return sensors.NewGPIOProducer(nil, sup.Bus), sensors.NewMCPProducer(nil, sup.Bus)
	}

	logical := map[string][]sensors.LogicalBarrier{
		"GPIO5": {{ID: model.S1Entry, Location: model.Location{Kind: model.Station, Index: 1}}},
		"GPIO6": {{ID: model.S1Proc, Location: model.Location{Kind: model.Station, Index: 1}}},
		"GPIO13": {
			{ID: model.S1Exit, Location: model.Location{Kind: model.Station, Index: 1}},
			{ID: model.CornerPos(4), Location: model.Location{Kind: model.Corner, Index: 4}},
		},
		"GPIO19": {{ID: model.S2Entry, Location: model.Location{Kind: model.Station, Index: 2}}},
		"GPIO26": {{ID: model.S2Proc, Location: model.Location{Kind: model.Station, Index: 2}}},
		"GPIO21": {
			{ID: model.S2Exit, Location: model.Location{Kind: model.Station, Index: 2}},
			{ID: model.CornerPos(2), Location: model.Location{Kind: model.Corner, Index: 2}},
		},
		"GPIO20": {{ID: model.M1Start, Location: model.Location{Kind: model.Conveyor, Index: 1}}},
		"GPIO16": {{ID: model.M2Start, Location: model.Location{Kind: model.Conveyor, Index: 2}}},
	}

	var pins []sensors.PhysicalPin
	for _, name := range gpioPinNames {
		p := gpioreg.ByName(name)
		if p == nil {
			log.WithField("pin", name).Warn("gpio pin not found, skipping")
			continue
		}
		if err := p.In(gpio.PullUp, gpio.RisingEdge); err != nil {
			log.WithError(err).WithField("pin", name).Warn("gpio pin configuration failed, skipping")
			continue
		}
		pins = append(pins, sensors.PhysicalPin{Pin: p, Barriers: logical[name]})
	}

	gpioProd := sensors.NewGPIOProducer(pins, sup.Bus)
	if cfg.Sensors.DebounceMS > 0 {
		gpioProd.Debounce = time.Duration(cfg.Sensors.DebounceMS) * time.Millisecond
	}

	expander := buildExpanderPins(log)
	mcpProd := sensors.NewMCPProducer(expander, sup.Bus)
	if cfg.Sensors.PollHz > 0 {
		mcpProd.PollInterval = time.Second / time.Duration(cfg.Sensors.PollHz)
	}
	return gpioProd, mcpProd
}

// expanderAddr is the MCP23017-style expander's default I²C address.
const expanderAddr = 0x20

// buildExpanderPins wires the 10 expander pins: 4 corners' extend/retract
// limit switches (8 pins) and the two conveyor-start sensors.
func buildExpanderPins(log *logrus.Logger) []sensors.ExpanderPin {
	b, err := i2creg.Open("")
	if err != nil {
		log.WithError(err).Warn("opening i2c bus for expander, expander producer disabled")
		return nil
	}
	dev := &i2c.Dev{Bus: b, Addr: expanderAddr}

	var pins []sensors.ExpanderPin
	for i := 1; i <= 4; i++ {
		i := i
		pins = append(pins,
			sensors.ExpanderPin{
				Read:     expanderBitReader(dev, uint8(i-1)),
				Barriers: []sensors.LogicalBarrier{{ID: model.CornerExt(i), Location: model.Location{Kind: model.Corner, Index: i}}},
			},
			sensors.ExpanderPin{
				Read:     expanderBitReader(dev, uint8(4+i-1)),
				Barriers: []sensors.LogicalBarrier{{ID: model.CornerRet(i), Location: model.Location{Kind: model.Corner, Index: i}}},
			},
		)
	}
	pins = append(pins,
		sensors.ExpanderPin{
			Read:     expanderBitReader(dev, 8),
			Barriers: []sensors.LogicalBarrier{{ID: model.M1Start, Location: model.Location{Kind: model.Conveyor, Index: 1}}},
		},
		sensors.ExpanderPin{
			Read:     expanderBitReader(dev, 9),
			Barriers: []sensors.LogicalBarrier{{ID: model.M2Start, Location: model.Location{Kind: model.Conveyor, Index: 2}}},
		},
	)
	return pins
}

// expanderBitReader returns a Read func over one active-low expander input
// bit (GPIO register at 0x00 on a typical MCP23017 configuration).
func expanderBitReader(dev *i2c.Dev, bit uint8) func() (bool, error) {
	return func() (bool, error) {
		resp := make([]byte, 1)
		if err := dev.Tx([]byte{0x00}, resp); err != nil {
			return false, fmt.Errorf("expander read: %w", err)
		}
		return resp[0]&(1<<bit) == 0, nil // active-low
	}
}

func buildNFCProducers(sup *supervisor.Supervisor, hwOK bool, log *logrus.Logger) []*nfcreader.Producer {
	noop := func() []*nfcreader.Producer {
		return []*nfcreader.Producer{
			nfcreader.New(1, 1, nil, sup.Bus),
			nfcreader.New(2, 2, nil, sup.Bus),
		}
	}
	if !hwOK {
		log.Warn("no hardware detected, nfc producers running in simulation mode (no events)")
		return noop()
	}
	bus1, err := i2creg.Open("")
	if err != nil {
		log.WithError(err).Warn("opening i2c bus for nfc readers failed, nfc producers running in simulation mode")
		return noop()
	}
	return []*nfcreader.Producer{
		nfcreader.New(1, 1, nfcreader.NewI2CDevice(bus1, 0x24), sup.Bus),
		nfcreader.New(2, 2, nfcreader.NewI2CDevice(bus1, 0x25), sup.Bus),
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.WithField("addr", addr).Info("serving /metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics server stopped")
	}
}

// pollStats periodically copies the fuser's and bus's running counters
// into the telemetry sink (the counters themselves are cheap to read but
// not instrumented for push-on-change, matching a typical scrape-friendly
// supervisor loop).
func pollStats(ctx context.Context, sup *supervisor.Supervisor, tel *telemetry.Telemetry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := sup.Fuser.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := sup.Fuser.Stats()
			tel.RecordFuserStats(cep.Stats{
				OrphanedBarriers: cur.OrphanedBarriers - last.OrphanedBarriers,
				GhostNFC:         cur.GhostNFC - last.GhostNFC,
				UnknownTargets:   cur.UnknownTargets - last.UnknownTargets,
			})
			last = cur
			tel.RecordBusStats(sup.Bus.Stats())
		}
	}
}

// dashboardSink bridges every activity record into the console Dev,
// mapping station/corner ids to their FSM's current phase string.
type dashboardSink struct {
	sup *supervisor.Supervisor
	dev *screen.Dev
}

func (d dashboardSink) Observe(rec activity.Record) {
	switch rec.StationID {
	case "S1":
		_ = d.dev.Update("S1", string(d.sup.Stations[1].Phase()))
	case "S2":
		_ = d.dev.Update("S2", string(d.sup.Stations[2].Phase()))
	case "C1", "C2", "C3", "C4":
		idx := int(rec.StationID[1] - '0')
		_ = d.dev.Update(rec.StationID, string(d.sup.Corners[idx].Phase()))
	}
}
