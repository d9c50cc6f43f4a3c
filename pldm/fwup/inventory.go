// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package fwup

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/pldm"
)

// Descriptor identifies a firmware device: a type code and an opaque value.
type Descriptor struct {
	Type  uint16
	Value []byte
}

func (d Descriptor) encode(e *codec.Encoder) {
	e.U16(d.Type)
	e.U16(uint16(len(d.Value)))
	e.Bytes(d.Value)
}

func (d *Descriptor) decode(dec *codec.Decoder) {
	d.Type = dec.U16()
	n := dec.U16()
	d.Value = dec.Bytes(int(n))
}

// VersionString is a typed component or image-set version string.
type VersionString struct {
	Type  uint8
	Value string
}

// ASCIIVersion builds an ASCII version string.
func ASCIIVersion(s string) VersionString { return VersionString{Type: StrTypeASCII, Value: s} }

func (v VersionString) check() error {
	if len(v.Value) > 255 {
		return fmt.Errorf("%w: version string length %d", pldm.ErrInvalidMessage, len(v.Value))
	}
	return nil
}

// QueryDeviceIdentifiersResponse lists the descriptors identifying the
// firmware device. The request has no body.
type QueryDeviceIdentifiersResponse struct {
	CompletionCode pldm.CompletionCode
	Descriptors    []Descriptor
}

// Encode implements codec.Encodable.
func (m QueryDeviceIdentifiersResponse) Encode(buf *codec.Buffer) (int, error) {
	var total int
	for _, d := range m.Descriptors {
		total += 4 + len(d.Value)
	}
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	e.U32(uint32(total))
	e.U8(uint8(len(m.Descriptors)))
	for _, d := range m.Descriptors {
		d.encode(e)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *QueryDeviceIdentifiersResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	d.U32() // device identifiers length, implied by the descriptor list
	count := d.U8()
	m.Descriptors = make([]Descriptor, count)
	for i := range m.Descriptors {
		m.Descriptors[i].decode(d)
	}
	return d.Err()
}

// ComponentParameterEntry describes one updatable component in a
// GetFirmwareParameters response.
type ComponentParameterEntry struct {
	Classification           uint16
	Identifier               uint16
	ClassificationIndex      uint8
	ActiveComparisonStamp    uint32
	ActiveVersion            VersionString
	ActiveReleaseDate        [8]byte
	PendingComparisonStamp   uint32
	PendingVersion           VersionString
	PendingReleaseDate       [8]byte
	ActivationMethods        uint16
	CapabilitiesDuringUpdate uint32
}

func (c ComponentParameterEntry) encode(e *codec.Encoder) {
	e.U16(c.Classification)
	e.U16(c.Identifier)
	e.U8(c.ClassificationIndex)
	e.U32(c.ActiveComparisonStamp)
	e.U8(c.ActiveVersion.Type)
	e.U8(uint8(len(c.ActiveVersion.Value)))
	e.Bytes(c.ActiveReleaseDate[:])
	e.U32(c.PendingComparisonStamp)
	e.U8(c.PendingVersion.Type)
	e.U8(uint8(len(c.PendingVersion.Value)))
	e.Bytes(c.PendingReleaseDate[:])
	e.U16(c.ActivationMethods)
	e.U32(c.CapabilitiesDuringUpdate)
	e.Bytes([]byte(c.ActiveVersion.Value))
	e.Bytes([]byte(c.PendingVersion.Value))
}

func (c *ComponentParameterEntry) decode(d *codec.Decoder) {
	c.Classification = d.U16()
	c.Identifier = d.U16()
	c.ClassificationIndex = d.U8()
	c.ActiveComparisonStamp = d.U32()
	c.ActiveVersion.Type = d.U8()
	activeLen := d.U8()
	d.Fill(c.ActiveReleaseDate[:])
	c.PendingComparisonStamp = d.U32()
	c.PendingVersion.Type = d.U8()
	pendingLen := d.U8()
	d.Fill(c.PendingReleaseDate[:])
	c.ActivationMethods = d.U16()
	c.CapabilitiesDuringUpdate = d.U32()
	c.ActiveVersion.Value = string(d.Bytes(int(activeLen)))
	c.PendingVersion.Value = string(d.Bytes(int(pendingLen)))
}

// GetFirmwareParametersResponse reports the device's update capabilities and
// component inventory. The request has no body.
type GetFirmwareParametersResponse struct {
	CompletionCode           pldm.CompletionCode
	CapabilitiesDuringUpdate uint32
	ActiveImageSetVersion    VersionString
	PendingImageSetVersion   VersionString
	Components               []ComponentParameterEntry
}

// Encode implements codec.Encodable.
func (m GetFirmwareParametersResponse) Encode(buf *codec.Buffer) (int, error) {
	if err := m.ActiveImageSetVersion.check(); err != nil {
		return 0, err
	}
	if err := m.PendingImageSetVersion.check(); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	e.U32(m.CapabilitiesDuringUpdate)
	e.U16(uint16(len(m.Components)))
	e.U8(m.ActiveImageSetVersion.Type)
	e.U8(uint8(len(m.ActiveImageSetVersion.Value)))
	e.U8(m.PendingImageSetVersion.Type)
	e.U8(uint8(len(m.PendingImageSetVersion.Value)))
	e.Bytes([]byte(m.ActiveImageSetVersion.Value))
	e.Bytes([]byte(m.PendingImageSetVersion.Value))
	for _, c := range m.Components {
		c.encode(e)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *GetFirmwareParametersResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	m.CapabilitiesDuringUpdate = d.U32()
	count := d.U16()
	m.ActiveImageSetVersion.Type = d.U8()
	activeLen := d.U8()
	m.PendingImageSetVersion.Type = d.U8()
	pendingLen := d.U8()
	m.ActiveImageSetVersion.Value = string(d.Bytes(int(activeLen)))
	m.PendingImageSetVersion.Value = string(d.Bytes(int(pendingLen)))
	m.Components = make([]ComponentParameterEntry, count)
	for i := range m.Components {
		m.Components[i].decode(d)
	}
	return d.Err()
}
