// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// GetVersion is always sent as version 1.0 and resets the connection.
type GetVersion struct{}

// Encode implements codec.Encodable.
func (GetVersion) Encode(buf *codec.Buffer) (int, error) {
	return Header{Version: Version10, Code: CodeGetVersion}.Encode(buf)
}

// Decode implements codec.Decodable.
func (GetVersion) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeGetVersion {
		return fmt.Errorf("%w: code %#x is not GET_VERSION", ErrMalformed, h.Code)
	}
	return nil
}

// VersionResponse lists the responder's supported versions. Each entry is a
// 16-bit version number with the version byte in the high octet.
type VersionResponse struct {
	Versions []Version
}

// Encode implements codec.Encodable.
func (m VersionResponse) Encode(buf *codec.Buffer) (int, error) {
	if _, err := (Header{Version: Version10, Code: CodeVersion}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U8(0) // reserved
	e.U8(uint8(len(m.Versions)))
	for _, v := range m.Versions {
		e.U16(uint16(v) << 8)
	}
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *VersionResponse) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeVersion {
		return fmt.Errorf("%w: code %#x is not VERSION", ErrMalformed, h.Code)
	}
	d := codec.NewDecoder(buf)
	d.Skip(1)
	count := d.U8()
	m.Versions = make([]Version, count)
	for i := range m.Versions {
		m.Versions[i] = Version(d.U16() >> 8)
	}
	return d.Err()
}
