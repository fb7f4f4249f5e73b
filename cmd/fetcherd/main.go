// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// fetcherd accepts agent connections over TCP, keeps them alive with
// heartbeat probes and coordinates fetches: a sender asks for a file to
// be pushed to a set of connected agents, and fetcherd admits the
// request only if every target is idle, relays the sender's chunks to
// the targets and records each target's outcome.
//
// Configuration comes from the file named by --config (or the
// FETCHER_CONFIG environment variable), with individual flags
// overriding file values.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fetcher/admin"
	"github.com/bureau-foundation/fetcher/fetch"
	"github.com/bureau-foundation/fetcher/lib/clock"
	"github.com/bureau-foundation/fetcher/lib/config"
	"github.com/bureau-foundation/fetcher/lib/event"
	"github.com/bureau-foundation/fetcher/lib/process"
	"github.com/bureau-foundation/fetcher/lib/version"
	"github.com/bureau-foundation/fetcher/persist"
	"github.com/bureau-foundation/fetcher/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("fetcherd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML or JSONC configuration file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	overrides := config.RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("fetcherd %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	overrides.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(cfg *config.Config, output io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(output, options)), nil
	}
	return slog.New(slog.NewTextHandler(output, options)), nil
}

// serve wires the store, server, orchestrator and admin socket together
// and runs them until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	realClock := clock.Real()

	store, err := persist.OpenSQLite(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	events := event.NewBus()
	persist.TrackClients(events, store, logger)

	srv, err := server.New(server.Config{
		MaxClients:          cfg.MaxClients,
		HeartbeatInterval:   cfg.HeartbeatPeriod(),
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		WriteTimeout:        cfg.WriteDeadline(),
		MaxFrameSize:        uint32(cfg.MaxFrameSize),
		Events:              events,
		Clock:               realClock,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := fetch.New(fetch.Config{
		Registry: srv.Registry(),
		Store:    store,
		Events:   events,
		Clock:    realClock,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher := srv.Dispatcher()
	if logger.Enabled(ctx, slog.LevelDebug) {
		dispatcher.Register(server.TraceHandler{Logger: logger})
	}
	dispatcher.Register(server.EchoHandler{Logger: logger})
	dispatcher.Register(server.HeartbeatHandler{})
	dispatcher.Register(orchestrator)

	listener, err := server.Listen(ctx, cfg.Address())
	if err != nil {
		return err
	}

	adminDone := make(chan error, 1)
	if cfg.AdminSocket != "" {
		adminServer := admin.NewServer(cfg.AdminSocket, logger)
		admin.Register(adminServer, admin.Sources{
			Server:    srv,
			Fetches:   orchestrator,
			Store:     store,
			Clock:     realClock,
			StartedAt: realClock.Now(),
		})
		go func() { adminDone <- adminServer.Serve(ctx) }()
	} else {
		close(adminDone)
	}

	logger.Info("fetcherd starting",
		"version", version.Info(),
		"address", cfg.Address(),
		"database", cfg.Database,
		"admin_socket", cfg.AdminSocket,
	)
	serveErr := srv.Serve(ctx, listener)

	select {
	case err := <-adminDone:
		if err != nil {
			logger.Error("admin socket failed", "error", err)
		}
	case <-time.After(5 * time.Second):
		logger.Warn("admin socket did not stop in time")
	}
	stats := orchestrator.Stats()
	logger.Info("fetcherd stopped",
		"fetches_admitted", stats.Admitted,
		"fetches_succeeded", stats.Succeeded,
		"fetches_failed", stats.Failed,
	)
	return serveErr
}
