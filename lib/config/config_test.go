// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MaxClients != 10 {
		t.Errorf("max_clients = %d, want 10", cfg.MaxClients)
	}
	if cfg.HeartbeatPeriod() != time.Minute {
		t.Errorf("heartbeat period = %v, want 1m", cfg.HeartbeatPeriod())
	}
	if cfg.MaxMissedHeartbeats != 10 {
		t.Errorf("max_missed_heartbeats = %d, want 10", cfg.MaxMissedHeartbeats)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "port") {
		t.Errorf("Validate on defaults = %v, want a port error", err)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := writeConfig(t, "fetcher.yaml", `
port: 9400
max_clients: 3
heartbeat_interval: 5
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != 9400 || cfg.MaxClients != 3 || cfg.HeartbeatInterval != 5 {
		t.Errorf("loaded %+v", cfg)
	}
	if cfg.MaxMissedHeartbeats != 10 {
		t.Errorf("unset field lost its default: max_missed_heartbeats = %d", cfg.MaxMissedHeartbeats)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if cfg.Address() != "0.0.0.0:9400" {
		t.Errorf("Address = %q", cfg.Address())
	}
}

func TestLoadFileJSONC(t *testing.T) {
	path := writeConfig(t, "fetcher.jsonc", `{
	// comment
	"port": 9401,
	"log_format": "json",
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != 9401 || cfg.LogFormat != "json" {
		t.Errorf("loaded %+v", cfg)
	}
}

func TestLoadFileExpandsVariables(t *testing.T) {
	t.Setenv("FETCHER_TEST_STATE", "/srv/state")
	path := writeConfig(t, "fetcher.yaml", `
port: 1
database: ${FETCHER_TEST_STATE}/history.db
admin_socket: ${FETCHER_TEST_UNSET:-/run/fetcher.sock}
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Database != "/srv/state/history.db" {
		t.Errorf("database = %q", cfg.Database)
	}
	if cfg.AdminSocket != "/run/fetcher.sock" {
		t.Errorf("admin_socket = %q", cfg.AdminSocket)
	}
}

func TestLoadUsesEnvironment(t *testing.T) {
	path := writeConfig(t, "fetcher.yaml", "port: 7000\n")
	t.Setenv(EnvironmentVariable, path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("port = %d, want 7000", cfg.Port)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	cfg.MaxClients = 0
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate succeeded")
	}
	for _, want := range []string{"port", "max_clients", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateMaxFrameSize(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		valid bool
	}{
		{"minimum", 1024, true},
		{"default", 16 << 20, true},
		{"limit", MaxFrameSizeLimit, true},
		{"too small", 1023, false},
		{"above limit", MaxFrameSizeLimit + 1, false},
		{"wraps uint32", 1<<32 + 2048, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			cfg.Port = 9000
			cfg.MaxFrameSize = test.size
			err := cfg.Validate()
			if test.valid && err != nil {
				t.Errorf("Validate(%d): %v", test.size, err)
			}
			if !test.valid && (err == nil || !strings.Contains(err.Error(), "max_frame_size")) {
				t.Errorf("Validate(%d) = %v, want a max_frame_size error", test.size, err)
			}
		})
	}
}

func TestOverridesApplyOnlyChangedFlags(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	overrides := RegisterFlags(flagSet)
	if err := flagSet.Parse([]string{"--port", "9500", "--log-level", "debug"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg := Default()
	cfg.MaxClients = 4
	overrides.Apply(cfg)

	if cfg.Port != 9500 {
		t.Errorf("port = %d, want 9500", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.MaxClients != 4 {
		t.Errorf("max_clients = %d, want the file value 4", cfg.MaxClients)
	}
}
