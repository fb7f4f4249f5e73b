// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setUserTimeout makes the kernel abort a connection whose sent data
// stays unacknowledged for longer than timeout, so a peer that
// vanished without a FIN or RST fails writes instead of filling the
// socket buffer.
func setUserTimeout(netConn net.Conn, timeout time.Duration) error {
	tcpConn, ok := netConn.(*net.TCPConn)
	if !ok || timeout <= 0 {
		return nil
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}
	var optionErr error
	err = rawConn.Control(func(fd uintptr) {
		optionErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(timeout.Milliseconds()))
	})
	if err != nil {
		return err
	}
	return optionErr
}
