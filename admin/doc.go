// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package admin is the daemon's local control socket. Each connection
// carries one CBOR request with an "action" field and receives one
// [Response]. The actions report live connection and fetch state from
// memory and fetch history from the store:
//
//	status    version, uptime, connection and fetch counters
//	clients   every connection with its state and assignment
//	fetches   live fetch jobs with per-target progress
//	history   recent persisted fetches with outcomes ("limit")
//	client    persisted connect history of one address ("ip")
package admin
