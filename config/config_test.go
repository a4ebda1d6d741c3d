// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Bind != ":3000" {
		t.Errorf("Server.Bind = %q, want :3000", cfg.Server.Bind)
	}
	if cfg.Docker.LoadBalancer != "traefik" {
		t.Errorf("Docker.LoadBalancer = %q, want traefik", cfg.Docker.LoadBalancer)
	}
	if cfg.Scheduler.DiscoveryInterval != 30*time.Second {
		t.Errorf("Scheduler.DiscoveryInterval = %s, want 30s", cfg.Scheduler.DiscoveryInterval)
	}
}

func TestLoadLayersOverrideInOrder(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "default.yaml"), "server:\n  bind: \":4000\"\n")
	mustWrite(t, filepath.Join(dir, "staging.yaml"), "server:\n  bind: \":5000\"\n")
	mustWrite(t, filepath.Join(dir, "local.yaml"), "server:\n  bind: \":6000\"\n")

	t.Setenv("SCOTTY_RUN_MODE", "staging")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != ":6000" {
		t.Errorf("Server.Bind = %q, want :6000 (local.yaml wins)", cfg.Server.Bind)
	}
	if cfg.RunMode != "staging" {
		t.Errorf("RunMode = %q, want staging", cfg.RunMode)
	}
}

func TestLoadMissingLayersAreOptional(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load with no layers present: %v", err)
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "default.yaml"), "server:\n  bind: \":4000\"\n")
	t.Setenv("SCOTTY__SERVER__BIND", ":9999")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != ":9999" {
		t.Errorf("Server.Bind = %q, want :9999 from env override", cfg.Server.Bind)
	}
}

func TestEnvOverrideParsesDuration(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCOTTY__SCHEDULER__TTL_SWEEP_INTERVAL", "90s")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.TTLSweepInterval != 90*time.Second {
		t.Errorf("Scheduler.TTLSweepInterval = %s, want 90s", cfg.Scheduler.TTLSweepInterval)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
