// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// HeaderLength is the encoded size of a [Header] in bytes.
const HeaderLength = 13

// ErrMalformedHeader is returned by [Decode] when the input cannot be
// unpacked into a header.
var ErrMalformedHeader = errors.New("wire: malformed header")

// Header is the fixed-size prefix of every frame.
//
// Sender and Receiver are IPv4 addresses. Encode writes the unspecified
// address (0.0.0.0) for any address that is not IPv4 or IPv4-mapped
// IPv6, so only headers with IPv4 addresses survive an encode/decode
// round trip unchanged.
type Header struct {
	// Size is the exact byte length of the body that follows.
	Size uint32

	// Code identifies the message kind.
	Code Code

	// Sender is the address of the peer that produced the frame.
	Sender netip.Addr

	// Receiver is the address of the intended recipient.
	Receiver netip.Addr
}

// Encode returns the 13-byte wire form of header.
func Encode(header Header) []byte {
	buffer := make([]byte, HeaderLength)
	header.put(buffer)
	return buffer
}

// put writes the header into buffer, which must be at least
// HeaderLength bytes.
func (header Header) put(buffer []byte) {
	binary.BigEndian.PutUint32(buffer[0:4], header.Size)
	buffer[4] = byte(header.Code)
	sender := octets(header.Sender)
	receiver := octets(header.Receiver)
	copy(buffer[5:9], sender[:])
	copy(buffer[9:13], receiver[:])
}

// Decode unpacks a header from the first HeaderLength bytes of data.
// Extra trailing bytes are ignored.
func Decode(data []byte) (Header, error) {
	if len(data) < HeaderLength {
		return Header{}, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedHeader, len(data), HeaderLength)
	}
	return Header{
		Size:     binary.BigEndian.Uint32(data[0:4]),
		Code:     Code(data[4]),
		Sender:   netip.AddrFrom4([4]byte(data[5:9])),
		Receiver: netip.AddrFrom4([4]byte(data[9:13])),
	}, nil
}

// String formats the header for logs.
func (header Header) String() string {
	return fmt.Sprintf("%s size=%d %s->%s", header.Code, header.Size, header.Sender, header.Receiver)
}

func octets(address netip.Addr) [4]byte {
	address = address.Unmap()
	if !address.Is4() {
		return [4]byte{}
	}
	return address.As4()
}

// ParseIPv4 parses a dotted-quad address. Unlike netip.ParseAddr it
// rejects IPv6 input, since the header has room for four octets only.
func ParseIPv4(text string) (netip.Addr, error) {
	address, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("wire: parsing address %q: %w", text, err)
	}
	address = address.Unmap()
	if !address.Is4() {
		return netip.Addr{}, fmt.Errorf("wire: address %q is not IPv4", text)
	}
	return address, nil
}
