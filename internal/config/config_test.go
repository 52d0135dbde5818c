// Copyright 2026 The conveyorctl Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultDurations(t *testing.T) {
	cfg := Default()
	if got := cfg.Station(1).ProcessTime(); got != 3*time.Second {
		t.Errorf("station 1 process time = %v, want 3s", got)
	}
	if got := cfg.CEP.FusionWindow(); got != 2*time.Second {
		t.Errorf("CEP fusion window = %v, want 2s", got)
	}
	if got := cfg.CEP.ExpiryWindow(); got != 5*time.Second {
		t.Errorf("CEP expiry window = %v, want 5s", got)
	}
}

func TestCornerConfigConversion(t *testing.T) {
	cfg := Default()
	cc := cfg.Corner(1).ToCornerConfig()
	if cc.ExtendTime != 1500*time.Millisecond {
		t.Errorf("ExtendTime = %v, want 1500ms", cc.ExtendTime)
	}
	if cc.RedundantPushSensorCheck {
		t.Error("default corner config should not enable the redundant push-sensor check")
	}
}

func TestStationAndCornerFallbackToDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.Station(1).Speed; got != 1 {
		t.Errorf("unset station 1 should fall back to default speed 1, got %v", got)
	}
	if got := cfg.Corner(3).PushSpeed; got != 1 {
		t.Errorf("unset corner 3 should fall back to default push speed 1, got %v", got)
	}
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	doc := []byte(`
stations:
  "1":
    speed: 0.5
    process_time_ms: 1500
`)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Station(1).Speed; got != 0.5 {
		t.Errorf("overlaid station 1 speed = %v, want 0.5", got)
	}
	if got := cfg.Station(1).ProcessTime(); got != 1500*time.Millisecond {
		t.Errorf("overlaid station 1 process time = %v, want 1500ms", got)
	}
	// Untouched sections keep their defaults.
	if got := cfg.CEP.FusionWindow(); got != 2*time.Second {
		t.Errorf("untouched CEP config changed: fusion window = %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error opening a missing config file")
	}
}
