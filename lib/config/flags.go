// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import "github.com/spf13/pflag"

// Overrides collects command-line values for [Config] fields.
type Overrides struct {
	flagSet *pflag.FlagSet
	values  Config
	apply   map[string]func(target, source *Config)
}

// RegisterFlags adds one flag per Config field to flagSet. After the
// flag set is parsed, [Overrides.Apply] copies the values of the flags
// that were given onto a loaded Config.
func RegisterFlags(flagSet *pflag.FlagSet) *Overrides {
	defaults := Default()
	overrides := &Overrides{flagSet: flagSet}
	values := &overrides.values

	flagSet.IntVar(&values.Port, "port", defaults.Port, "TCP port to listen on")
	flagSet.StringVar(&values.Bind, "bind", defaults.Bind, "address to listen on")
	flagSet.IntVar(&values.MaxClients, "max-clients", defaults.MaxClients, "maximum concurrent connections")
	flagSet.IntVar(&values.HeartbeatInterval, "heartbeat-interval", defaults.HeartbeatInterval, "liveness interval in seconds")
	flagSet.IntVar(&values.MaxMissedHeartbeats, "max-missed-heartbeats", defaults.MaxMissedHeartbeats, "unanswered probes before disconnect")
	flagSet.IntVar(&values.WriteTimeout, "write-timeout", defaults.WriteTimeout, "frame write timeout in seconds")
	flagSet.IntVar(&values.MaxFrameSize, "max-frame-size", defaults.MaxFrameSize, "maximum inbound frame body in bytes")
	flagSet.StringVar(&values.Database, "database", defaults.Database, "SQLite history database path")
	flagSet.StringVar(&values.AdminSocket, "admin-socket", defaults.AdminSocket, "Unix socket for status queries")
	flagSet.StringVar(&values.LogLevel, "log-level", defaults.LogLevel, "debug, info, warn or error")
	flagSet.StringVar(&values.LogFormat, "log-format", defaults.LogFormat, "text or json")

	overrides.apply = map[string]func(target, source *Config){
		"port":                  func(target, source *Config) { target.Port = source.Port },
		"bind":                  func(target, source *Config) { target.Bind = source.Bind },
		"max-clients":           func(target, source *Config) { target.MaxClients = source.MaxClients },
		"heartbeat-interval":    func(target, source *Config) { target.HeartbeatInterval = source.HeartbeatInterval },
		"max-missed-heartbeats": func(target, source *Config) { target.MaxMissedHeartbeats = source.MaxMissedHeartbeats },
		"write-timeout":         func(target, source *Config) { target.WriteTimeout = source.WriteTimeout },
		"max-frame-size":        func(target, source *Config) { target.MaxFrameSize = source.MaxFrameSize },
		"database":              func(target, source *Config) { target.Database = source.Database },
		"admin-socket":          func(target, source *Config) { target.AdminSocket = source.AdminSocket },
		"log-level":             func(target, source *Config) { target.LogLevel = source.LogLevel },
		"log-format":            func(target, source *Config) { target.LogFormat = source.LogFormat },
	}
	return overrides
}

// Apply copies every explicitly passed flag onto cfg.
func (o *Overrides) Apply(cfg *Config) {
	o.flagSet.Visit(func(flag *pflag.Flag) {
		if apply, ok := o.apply[flag.Name]; ok {
			apply(cfg, &o.values)
		}
	})
}
