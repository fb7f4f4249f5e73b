// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fetcher/admin"
	"github.com/bureau-foundation/fetcher/client"
	"github.com/bureau-foundation/fetcher/fetch"
	"github.com/bureau-foundation/fetcher/lib/wire"
)

func stateCommand() *command {
	var serverAddress, localIP string
	return &command{
		name:    "state",
		summary: "Ask the server for every connection's state over the wire protocol",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("state", pflag.ContinueOnError)
			flagSet.StringVar(&serverAddress, "server", "127.0.0.1:9000", "fetcherd address")
			flagSet.StringVar(&localIP, "local-ip", "", "IPv4 address to connect from")
			return flagSet
		},
		run: func(args []string) error {
			if err := noArguments(args); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			conn, err := client.Dial(ctx, serverAddress, client.Options{LocalIP: localIP})
			if err != nil {
				return err
			}
			defer conn.Close()
			states, err := conn.ClientStates(ctx)
			if err != nil {
				return err
			}
			return printJSON(states)
		},
	}
}

func statusCommand() *command {
	var (
		socketPath string
		action     string
		limit      int
		ip         string
	)
	return &command{
		name:    "status",
		summary: "Query fetcherd's admin socket",
		usage:   "fetcher status --socket PATH [--action status|clients|fetches|history|client] [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "/run/fetcher/admin.sock", "fetcherd admin socket")
			flagSet.StringVar(&action, "action", "status", "status, clients, fetches, history or client")
			flagSet.IntVar(&limit, "limit", 20, "fetches returned by history")
			flagSet.StringVar(&ip, "ip", "", "client address for the client action")
			return flagSet
		},
		run: func(args []string) error {
			if err := noArguments(args); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			var fields map[string]any
			var result any
			switch action {
			case "status":
				result = new(admin.Status)
			case "clients":
				result = new([]wire.ClientState)
			case "fetches":
				result = new([]fetch.Job)
			case "history":
				fields = map[string]any{"limit": limit}
				result = new([]admin.FetchHistory)
			case "client":
				if ip == "" {
					return fmt.Errorf("--ip is required for the client action")
				}
				fields = map[string]any{"ip": ip}
				result = new(admin.ClientHistory)
			default:
				return fmt.Errorf("unknown action %q", action)
			}

			if err := admin.NewClient(socketPath).Call(ctx, action, fields, result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}
