// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"net"
	"net/netip"
)

// AddrOf returns the IP of a net.Addr with any IPv4-in-IPv6 mapping
// removed. It returns the zero Addr for addresses that carry no IP,
// such as Unix sockets or net.Pipe ends.
func AddrOf(address net.Addr) netip.Addr {
	switch typed := address.(type) {
	case *net.TCPAddr:
		return typed.AddrPort().Addr().Unmap()
	case *net.UDPAddr:
		return typed.AddrPort().Addr().Unmap()
	}
	if address == nil {
		return netip.Addr{}
	}
	addrPort, err := netip.ParseAddrPort(address.String())
	if err != nil {
		return netip.Addr{}
	}
	return addrPort.Addr().Unmap()
}
