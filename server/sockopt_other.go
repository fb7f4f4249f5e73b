// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package server

import (
	"net"
	"time"
)

func setUserTimeout(net.Conn, time.Duration) error { return nil }
