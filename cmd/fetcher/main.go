// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// fetcher is the client side of fetcherd. It runs a receiving agent,
// pushes files to connected agents and queries the server's state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/fetcher/lib/process"
	"github.com/bureau-foundation/fetcher/lib/version"
)

func main() {
	if err := rootCommand().execute(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func rootCommand() *command {
	return &command{
		name:    "fetcher",
		summary: "Push files through a fetcherd server and receive them.",
		subcommands: []*command{
			agentCommand(),
			pushCommand(),
			stateCommand(),
			statusCommand(),
			{
				name:    "version",
				summary: "Print version information",
				run: func([]string) error {
					fmt.Printf("fetcher %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func noArguments(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	return nil
}
