// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fetcher/client"
)

func agentCommand() *command {
	var (
		serverAddress string
		localIP       string
		root          string
		verbose       bool
	)
	return &command{
		name:    "agent",
		summary: "Connect to a server and write fetched files under a root directory",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
			flagSet.StringVar(&serverAddress, "server", "127.0.0.1:9000", "fetcherd address")
			flagSet.StringVar(&localIP, "local-ip", "", "IPv4 address to connect from")
			flagSet.StringVar(&root, "root", ".", "directory fetched paths are resolved under")
			flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every frame")
			return flagSet
		},
		run: func(args []string) error {
			if err := noArguments(args); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			logger := newLogger(verbose)

			conn, err := client.Dial(ctx, serverAddress, client.Options{LocalIP: localIP, Logger: logger})
			if err != nil {
				if errors.Is(err, client.ErrConnectionFull) {
					return fmt.Errorf("%s has no room for another agent: %w", serverAddress, err)
				}
				return err
			}
			defer conn.Close()

			welcome := conn.Welcome()
			logger.Info("agent connected",
				"server", serverAddress,
				"ip", welcome.IP,
				"session", welcome.Session,
				"root", root,
			)
			return client.NewAgent(conn, root, logger).Run(ctx)
		},
	}
}
