// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// DefaultMaxBodySize bounds the body length accepted by [ReadFrame]
// when the caller passes zero. A header claiming more is treated as a
// framing error rather than an allocation request.
const DefaultMaxBodySize = 16 << 20

// ErrFrameTooLarge is returned when a header declares a body larger
// than the reader's limit.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum body size")

// Message is one decoded frame.
type Message struct {
	Header Header
	Body   []byte
}

// NewMessage builds a message whose header size matches body.
func NewMessage(code Code, sender, receiver netip.Addr, body []byte) Message {
	return Message{
		Header: Header{
			Size:     uint32(len(body)),
			Code:     code,
			Sender:   sender,
			Receiver: receiver,
		},
		Body: body,
	}
}

// Code is shorthand for message.Header.Code.
func (message Message) Code() Code {
	return message.Header.Code
}

// Frame returns the full wire form of the message: header followed by
// body. The header's Size is taken from the body length, not from
// message.Header.Size.
func (message Message) Frame() []byte {
	frame := make([]byte, HeaderLength+len(message.Body))
	header := message.Header
	header.Size = uint32(len(message.Body))
	header.put(frame)
	copy(frame[HeaderLength:], message.Body)
	return frame
}

// WriteFrame writes message to w with a single Write call, so that a
// writer serialized by a mutex never interleaves two frames.
func WriteFrame(w io.Writer, message Message) error {
	if _, err := w.Write(message.Frame()); err != nil {
		return fmt.Errorf("writing %s frame: %w", message.Header.Code, err)
	}
	return nil
}

// ReadFrame reads one frame from r. maxBodySize bounds the declared
// body length; zero selects [DefaultMaxBodySize].
//
// A clean end of stream before any header byte returns io.EOF
// unwrapped. End of stream anywhere inside a frame returns an error
// wrapping io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxBodySize uint32) (Message, error) {
	if maxBodySize == 0 {
		maxBodySize = DefaultMaxBodySize
	}

	var headerBytes [HeaderLength]byte
	if _, err := io.ReadFull(r, headerBytes[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("reading frame header: %w", err)
	}
	header, err := Decode(headerBytes[:])
	if err != nil {
		return Message{}, err
	}
	if header.Size > maxBodySize {
		return Message{}, fmt.Errorf("%w: %s declares %d bytes, limit %d", ErrFrameTooLarge, header.Code, header.Size, maxBodySize)
	}

	var body []byte
	if header.Size > 0 {
		body = make([]byte, header.Size)
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, fmt.Errorf("reading %d-byte %s body: %w", header.Size, header.Code, err)
		}
	}
	return Message{Header: header, Body: body}, nil
}
