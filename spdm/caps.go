// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// Capability flags.
const (
	CapCache        uint32 = 1 << 0
	CapCert         uint32 = 1 << 1
	CapChal         uint32 = 1 << 2
	CapMeasHashOnly uint32 = 1 << 3
	CapMeasWithSig  uint32 = 2 << 3
	CapMeasFresh    uint32 = 1 << 5
	CapEncrypt      uint32 = 1 << 6
	CapMAC          uint32 = 1 << 7
	CapMutAuth      uint32 = 1 << 8
	CapKeyEx        uint32 = 1 << 9
	CapPSK          uint32 = 1 << 10
	CapEncap        uint32 = 1 << 12
	CapHeartbeat    uint32 = 1 << 13
	CapKeyUpdate    uint32 = 1 << 14
	CapChunk        uint32 = 1 << 17
	CapAliasCert    uint32 = 1 << 18

	capMeasMask uint32 = 3 << 3
)

// CTExponent reports a 2^20 microsecond (about one second) crypto timeout.
const CTExponent uint8 = 20

// MeasCap extracts the two-bit measurement capability field.
func MeasCap(flags uint32) uint32 { return (flags & capMeasMask) >> 3 }

// GetCapabilities carries the requester's capabilities. The data transfer
// sizes are present from version 1.2 on.
type GetCapabilities struct {
	Version          Version
	CTExponent       uint8
	Flags            uint32
	DataTransferSize uint32
	MaxMessageSize   uint32
}

// Encode implements codec.Encodable.
func (m GetCapabilities) Encode(buf *codec.Buffer) (int, error) {
	if _, err := (Header{Version: m.Version, Code: CodeGetCapabilities}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U8(0) // reserved
	e.U8(m.CTExponent)
	e.U16(0) // reserved
	e.U32(m.Flags)
	if m.Version >= Version12 {
		e.U32(m.DataTransferSize)
		e.U32(m.MaxMessageSize)
	}
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *GetCapabilities) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeGetCapabilities {
		return fmt.Errorf("%w: code %#x is not GET_CAPABILITIES", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	d := codec.NewDecoder(buf)
	d.Skip(1)
	m.CTExponent = d.U8()
	d.Skip(2)
	m.Flags = d.U32()
	if m.Version >= Version12 {
		m.DataTransferSize = d.U32()
		m.MaxMessageSize = d.U32()
	}
	return d.Err()
}

// Capabilities is the CAPABILITIES response; same layout as the request.
type Capabilities struct {
	Version          Version
	CTExponent       uint8
	Flags            uint32
	DataTransferSize uint32
	MaxMessageSize   uint32
}

// Encode implements codec.Encodable.
func (m Capabilities) Encode(buf *codec.Buffer) (int, error) {
	if _, err := (Header{Version: m.Version, Code: CodeCapabilities}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U8(0)
	e.U8(m.CTExponent)
	e.U16(0)
	e.U32(m.Flags)
	if m.Version >= Version12 {
		e.U32(m.DataTransferSize)
		e.U32(m.MaxMessageSize)
	}
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *Capabilities) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeCapabilities {
		return fmt.Errorf("%w: code %#x is not CAPABILITIES", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	d := codec.NewDecoder(buf)
	d.Skip(1)
	m.CTExponent = d.U8()
	d.Skip(2)
	m.Flags = d.U32()
	if m.Version >= Version12 {
		m.DataTransferSize = d.U32()
		m.MaxMessageSize = d.U32()
	}
	return d.Err()
}
