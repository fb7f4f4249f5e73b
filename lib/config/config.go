// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// MaxFrameSizeLimit is the largest accepted max_frame_size (1 GiB).
const MaxFrameSizeLimit = 1 << 30

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "FETCHER_CONFIG"

// Config is fetcherd's configuration.
type Config struct {
	// Port is the TCP port the protocol server listens on. Required.
	Port int `yaml:"port" json:"port"`

	// Bind is the listen address. Default: 0.0.0.0.
	Bind string `yaml:"bind" json:"bind"`

	// MaxClients is the connection ceiling. Connections beyond it are
	// told the server is full and closed. Default: 10.
	MaxClients int `yaml:"max_clients" json:"max_clients"`

	// HeartbeatInterval is the liveness period in seconds: how often
	// the monitor wakes, and how long a connection may stay quiet
	// before it is probed. Default: 60.
	HeartbeatInterval int `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// MaxMissedHeartbeats is how many unanswered probes a connection
	// gets before it is disconnected. Default: 10.
	MaxMissedHeartbeats int `yaml:"max_missed_heartbeats" json:"max_missed_heartbeats"`

	// WriteTimeout bounds a single frame write, in seconds. Default: 10.
	WriteTimeout int `yaml:"write_timeout" json:"write_timeout"`

	// MaxFrameSize bounds the body length of an inbound frame in
	// bytes. Default: 16 MiB.
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`

	// Database is the SQLite history file, or ":memory:".
	Database string `yaml:"database" json:"database"`

	// AdminSocket is the Unix socket for status queries. Empty
	// disables it.
	AdminSocket string `yaml:"admin_socket" json:"admin_socket"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// LogFormat is text or json. Default: text.
	LogFormat string `yaml:"log_format" json:"log_format"`
}

// Default returns a configuration with every default filled in. Port
// is left zero and must be provided.
func Default() *Config {
	return &Config{
		Bind:                "0.0.0.0",
		MaxClients:          10,
		HeartbeatInterval:   60,
		MaxMissedHeartbeats: 10,
		WriteTimeout:        10,
		MaxFrameSize:        16 << 20,
		Database:            ":memory:",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads the file named by FETCHER_CONFIG, or returns the defaults
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults and expands environment
// references.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.expandVariables()
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if net.ParseIP(c.Bind) == nil {
		errs = append(errs, fmt.Errorf("bind must be an IP address, got %q", c.Bind))
	}
	if c.MaxClients < 1 {
		errs = append(errs, fmt.Errorf("max_clients must be positive, got %d", c.MaxClients))
	}
	if c.HeartbeatInterval < 1 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %d", c.HeartbeatInterval))
	}
	if c.MaxMissedHeartbeats < 1 {
		errs = append(errs, fmt.Errorf("max_missed_heartbeats must be positive, got %d", c.MaxMissedHeartbeats))
	}
	if c.WriteTimeout < 1 {
		errs = append(errs, fmt.Errorf("write_timeout must be positive, got %d", c.WriteTimeout))
	}
	if c.MaxFrameSize < 1024 || c.MaxFrameSize > MaxFrameSizeLimit {
		errs = append(errs, fmt.Errorf("max_frame_size must be between 1024 and %d, got %d", MaxFrameSizeLimit, c.MaxFrameSize))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Address is the host:port the server listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// HeartbeatPeriod is HeartbeatInterval as a duration.
func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// WriteDeadline is WriteTimeout as a duration.
func (c *Config) WriteDeadline() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

var variablePattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	c.Database = expandVariables(c.Database)
	c.AdminSocket = expandVariables(c.AdminSocket)
}

func expandVariables(text string) string {
	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := variablePattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}
