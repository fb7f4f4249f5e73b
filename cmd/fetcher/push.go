// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fetcher/client"
	"github.com/bureau-foundation/fetcher/lib/wire"
)

func pushCommand() *command {
	var (
		serverAddress string
		localIP       string
		file          string
		targets       []string
		encoding      string
		chunkSize     int
		senderIP      string
		fileNo        int64
	)
	return &command{
		name:    "push",
		summary: "Push a file to one or more connected agents",
		usage:   "fetcher push --file PATH --target IP:DIR [--target IP:DIR ...] [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("push", pflag.ContinueOnError)
			flagSet.StringVar(&serverAddress, "server", "127.0.0.1:9000", "fetcherd address")
			flagSet.StringVar(&localIP, "local-ip", "", "IPv4 address to connect from")
			flagSet.StringVar(&file, "file", "", "file to push")
			flagSet.StringArrayVar(&targets, "target", nil, "agent address and destination directory as IP:DIR (repeatable)")
			flagSet.StringVar(&encoding, "encoding", wire.EncodingNone, "chunk compression: lz4 or zstd")
			flagSet.IntVar(&chunkSize, "chunk-size", client.DefaultChunkSize, "file bytes per chunk")
			flagSet.StringVar(&senderIP, "sender-ip", "", "record this address as the fetch's sender")
			flagSet.Int64Var(&fileNo, "file-no", 0, "reuse a file number the server already recorded")
			return flagSet
		},
		run: func(args []string) error {
			if err := noArguments(args); err != nil {
				return err
			}
			if file == "" {
				return errors.New("--file is required")
			}
			fetchTargets, err := parseTargets(targets)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			logger := newLogger(false)

			conn, err := client.Dial(ctx, serverAddress, client.Options{LocalIP: localIP, Logger: logger})
			if err != nil {
				return err
			}
			defer conn.Close()

			result, err := conn.Push(ctx, file, client.PushOptions{
				Targets:   fetchTargets,
				ChunkSize: chunkSize,
				Encoding:  encoding,
				SenderIP:  senderIP,
				FileNo:    fileNo,
			})
			if err != nil {
				return err
			}
			fmt.Printf("fetch %d: sent %d bytes in %d chunks to %d targets\n",
				result.FetchNo, result.Bytes, result.Chunks, len(fetchTargets))
			return nil
		},
	}
}

// parseTargets turns "IP:DIR" arguments into fetch targets. The
// directory may be empty.
func parseTargets(arguments []string) ([]wire.FetchTarget, error) {
	if len(arguments) == 0 {
		return nil, errors.New("at least one --target is required")
	}
	targets := make([]wire.FetchTarget, 0, len(arguments))
	for _, argument := range arguments {
		ip, directory, found := strings.Cut(argument, ":")
		if !found {
			return nil, fmt.Errorf("target %q: expected IP:DIR", argument)
		}
		if _, err := wire.ParseIPv4(ip); err != nil {
			return nil, fmt.Errorf("target %q: %w", argument, err)
		}
		targets = append(targets, wire.FetchTarget{IP: ip, Path: directory})
	}
	return targets, nil
}
