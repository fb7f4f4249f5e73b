// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds test helpers shared by the fetcher packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never hang on a lost message. [Eventually] polls a
// condition that has no channel to wait on. [SocketDir] returns a
// short directory for Unix sockets, whose paths are limited to 108
// bytes.
//
// Every helper fails the test through t.Fatalf rather than returning
// an error.
package testutil
