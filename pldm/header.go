// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// HeaderLen is the packed size of the PLDM message header.
const HeaderLen = 3

// MaxInstanceID is the largest value the 5-bit instance id field holds.
const MaxInstanceID = 31

// Header is the 3-byte PLDM message header carried ahead of every request
// and response body.
//
//	byte 0: rq(1) | datagram(1) | reserved(1) | instance id(5)
//	byte 1: header version(2) | pldm type(6)
//	byte 2: command code
type Header struct {
	InstanceID uint8
	Request    bool
	Datagram   bool
	Type       Type
	Command    uint8
}

const (
	hdrRequestBit  = 0x80
	hdrDatagramBit = 0x40
)

// Encode implements codec.Encodable.
func (h Header) Encode(buf *codec.Buffer) (int, error) {
	if h.InstanceID > MaxInstanceID {
		return 0, fmt.Errorf("%w: instance id %d", ErrInvalidMessage, h.InstanceID)
	}
	if h.Type > 0x3f {
		return 0, fmt.Errorf("%w: pldm type %d", ErrInvalidMessage, h.Type)
	}
	e := codec.NewEncoder(buf)
	b0 := h.InstanceID
	if h.Request {
		b0 |= hdrRequestBit
	}
	if h.Datagram {
		b0 |= hdrDatagramBit
	}
	e.U8(b0)
	e.U8(uint8(h.Type))
	e.U8(h.Command)
	return e.Finish()
}

// Decode implements codec.Decodable.
func (h *Header) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	b0 := d.U8()
	b1 := d.U8()
	h.Command = d.U8()
	if err := d.Err(); err != nil {
		return fmt.Errorf("%w: header: %v", ErrInvalidMessage, err)
	}
	h.Request = b0&hdrRequestBit != 0
	h.Datagram = b0&hdrDatagramBit != 0
	h.InstanceID = b0 & 0x1f
	if hdrVer := b1 >> 6; hdrVer != 0 {
		return fmt.Errorf("%w: header version %d", ErrInvalidMessage, hdrVer)
	}
	h.Type = Type(b1 & 0x3f)
	return nil
}

// ResponseTo returns the header a response to req carries: same instance id,
// type and command with the request bit cleared.
func (h Header) ResponseTo() Header {
	return Header{InstanceID: h.InstanceID, Type: h.Type, Command: h.Command}
}
