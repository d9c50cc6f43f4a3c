// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"fmt"
	"strings"

	"github.com/silicon-rot/mcufw/codec"
)

// Ver32 field values with special meaning. A field equal to VerAbsent is not
// part of the version; a field with the high nibble set to 0xF carries a
// single BCD digit in the low nibble.
const (
	VerAbsent      uint8 = 0xff
	verSingleDigit uint8 = 0xf0
)

// Ver32 is a DSP0240 BCD-encoded version. Major, Minor and Update hold the
// raw BCD bytes so the single-digit form (0xFX) survives a decode/encode
// round trip; Alpha is a trailing ASCII character or zero.
type Ver32 struct {
	Major  uint8
	Minor  uint8
	Update uint8
	Alpha  byte
}

// NewVersion builds a Ver32 from numeric fields, using the single-digit BCD
// form for values below ten. Fields above 99 cannot be represented and
// saturate to 99.
func NewVersion(major, minor, update uint8, alpha byte) Ver32 {
	return Ver32{
		Major:  bcdEncode(major),
		Minor:  bcdEncode(minor),
		Update: bcdEncode(update),
		Alpha:  alpha,
	}
}

func bcdEncode(v uint8) uint8 {
	if v < 10 {
		return verSingleDigit | v
	}
	if v > 99 {
		v = 99
	}
	return v/10<<4 | v%10
}

// bcdDecode returns the numeric value of a BCD field. VerAbsent decodes to
// zero.
func bcdDecode(b uint8) uint8 {
	switch {
	case b == VerAbsent:
		return 0
	case b&0xf0 == 0xf0:
		return b & 0x0f
	default:
		return b>>4*10 + b&0x0f
	}
}

func bcdValid(b uint8) bool {
	if b == VerAbsent || b&0xf0 == 0xf0 {
		return true
	}
	return b>>4 <= 9 && b&0x0f <= 9
}

// MajorNum, MinorNum and UpdateNum return the numeric field values.
func (v Ver32) MajorNum() uint8  { return bcdDecode(v.Major) }
func (v Ver32) MinorNum() uint8  { return bcdDecode(v.Minor) }
func (v Ver32) UpdateNum() uint8 { return bcdDecode(v.Update) }

// Valid reports whether every field is well-formed BCD and the major and
// minor fields are present.
func (v Ver32) Valid() bool {
	if v.Major == VerAbsent || v.Minor == VerAbsent {
		return false
	}
	return bcdValid(v.Major) && bcdValid(v.Minor) && bcdValid(v.Update)
}

// Encode implements codec.Encodable. The wire form is a little-endian uint32
// of major<<24 | minor<<16 | update<<8 | alpha.
func (v Ver32) Encode(buf *codec.Buffer) (int, error) {
	if !v.Valid() {
		return 0, fmt.Errorf("%w: version %#x.%#x.%#x", ErrInvalidMessage, v.Major, v.Minor, v.Update)
	}
	e := codec.NewEncoder(buf)
	e.U32(uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Update)<<8 | uint32(v.Alpha))
	return e.Finish()
}

// Decode implements codec.Decodable.
func (v *Ver32) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	w := d.U32()
	if err := d.Err(); err != nil {
		return err
	}
	v.Major = uint8(w >> 24)
	v.Minor = uint8(w >> 16)
	v.Update = uint8(w >> 8)
	v.Alpha = byte(w)
	if !v.Valid() {
		return fmt.Errorf("%w: version %#08x", ErrInvalidMessage, w)
	}
	return nil
}

func (v Ver32) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d.%d", v.MajorNum(), v.MinorNum())
	if v.Update != VerAbsent {
		fmt.Fprintf(&sb, ".%d", v.UpdateNum())
	}
	if v.Alpha != 0 {
		sb.WriteByte(v.Alpha)
	}
	return sb.String()
}
