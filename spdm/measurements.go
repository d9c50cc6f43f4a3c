// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"crypto/sha512"
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// Reserved measurement operation indices.
const (
	MeasIndexTotal      uint8 = 0x00
	MeasIndexManifest   uint8 = 0xfd
	MeasIndexDeviceMode uint8 = 0xfe
	MeasIndexAll        uint8 = 0xff
)

// DMTF measurement value types. Bit 7 set means the raw bit stream is
// carried instead of its digest.
const (
	MeasValueImmutableROM uint8 = 0x00
	MeasValueFirmware     uint8 = 0x01
	MeasValueConfig       uint8 = 0x03
	MeasValueManifest     uint8 = 0x04
	MeasValueDeviceMode   uint8 = 0x05

	MeasValueRaw uint8 = 1 << 7
)

// GET_MEASUREMENTS request attribute bits.
const (
	MeasAttrSignature uint8 = 1 << 0
	MeasAttrRawStream uint8 = 1 << 1
)

// Block is one DMTF-format measurement block.
type Block struct {
	Index     uint8
	ValueType uint8
	Value     []byte
}

// encode appends the block's wire form: the block header then the DMTF
// value header and value.
func (b Block) encode(e *codec.Encoder) {
	e.U8(b.Index)
	e.U8(MeasSpecDMTF)
	e.U16(uint16(3 + len(b.Value)))
	e.U8(b.ValueType)
	e.U16(uint16(len(b.Value)))
	e.Bytes(b.Value)
}

func decodeBlock(d *codec.Decoder) (Block, error) {
	var b Block
	b.Index = d.U8()
	spec := d.U8()
	size := d.U16()
	b.ValueType = d.U8()
	valueSize := d.U16()
	b.Value = d.Bytes(int(valueSize))
	if err := d.Err(); err != nil {
		return Block{}, err
	}
	if spec != MeasSpecDMTF || int(size) != 3+len(b.Value) {
		return Block{}, fmt.Errorf("%w: measurement block header", ErrMalformed)
	}
	return b, nil
}

// MeasurementStore is the responder's ordered set of measurement blocks.
type MeasurementStore struct {
	blocks []Block
}

// Add appends a hashed measurement of value at the given index.
func (s *MeasurementStore) Add(index, valueType uint8, value []byte) {
	sum := sha512.Sum384(value)
	s.blocks = append(s.blocks, Block{Index: index, ValueType: valueType, Value: sum[:]})
}

// AddRaw appends a raw bit stream measurement at the given index.
func (s *MeasurementStore) AddRaw(index, valueType uint8, value []byte) {
	s.blocks = append(s.blocks, Block{Index: index, ValueType: valueType | MeasValueRaw, Value: value})
}

// Count returns the number of blocks held.
func (s *MeasurementStore) Count() int { return len(s.blocks) }

// Select returns the blocks a measurement operation index addresses. Index
// MeasIndexAll returns every block; any other index returns the one block
// with that index, or none.
func (s *MeasurementStore) Select(index uint8) []Block {
	if index == MeasIndexAll {
		return s.blocks
	}
	for _, b := range s.blocks {
		if b.Index == index {
			return []Block{b}
		}
	}
	return nil
}

// SummaryHash returns the SHA-384 over all block wire forms in order.
func (s *MeasurementStore) SummaryHash() [HashLen]byte {
	buf := codec.New(4096)
	e := codec.NewEncoder(buf)
	for _, b := range s.blocks {
		b.encode(e)
	}
	return sha512.Sum384(buf.Data())
}

// GetMeasurements requests measurement blocks. The nonce and slot are
// carried only when a signature is requested.
type GetMeasurements struct {
	Version   Version
	Attr      uint8
	Operation uint8
	Nonce     [NonceLen]byte
	Slot      uint8
}

// Encode implements codec.Encodable.
func (m GetMeasurements) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeGetMeasurements, Param1: m.Attr, Param2: m.Operation}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	if m.Attr&MeasAttrSignature == 0 {
		return HeaderLen, nil
	}
	e := codec.NewEncoder(buf)
	e.Bytes(m.Nonce[:])
	if m.Version >= Version11 {
		e.U8(m.Slot)
	}
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *GetMeasurements) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeGetMeasurements {
		return fmt.Errorf("%w: code %#x is not GET_MEASUREMENTS", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Attr = h.Param1
	m.Operation = h.Param2
	if m.Attr&MeasAttrSignature == 0 {
		return nil
	}
	d := codec.NewDecoder(buf)
	d.Fill(m.Nonce[:])
	if m.Version >= Version11 {
		m.Slot = d.U8()
	}
	return d.Err()
}

// Measurements is the MEASUREMENTS response. When the request operation was
// MeasIndexTotal, TotalIndices carries the block count and the record is
// empty. The signature is present only when the request asked for one.
type Measurements struct {
	Version      Version
	TotalIndices uint8
	Slot         uint8
	Blocks       []Block
	Nonce        [NonceLen]byte
	Opaque       []byte
	Signature    []byte
}

// Encode implements codec.Encodable.
func (m Measurements) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeMeasurements, Param1: m.TotalIndices, Param2: m.Slot}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	record := codec.New(4096)
	re := codec.NewEncoder(record)
	for _, b := range m.Blocks {
		b.encode(re)
	}
	if _, err := re.Finish(); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U8(uint8(len(m.Blocks)))
	recLen := record.Len()
	e.U8(uint8(recLen))
	e.U16(uint16(recLen >> 8)) // record length is a 24-bit field
	e.Bytes(record.Data())
	e.Bytes(m.Nonce[:])
	e.U16(uint16(len(m.Opaque)))
	e.Bytes(m.Opaque)
	e.Bytes(m.Signature)
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *Measurements) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeMeasurements {
		return fmt.Errorf("%w: code %#x is not MEASUREMENTS", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.TotalIndices = h.Param1
	m.Slot = h.Param2
	d := codec.NewDecoder(buf)
	count := d.U8()
	recLen := int(d.U8()) | int(d.U16())<<8
	record := codec.FromBytes(d.Bytes(recLen))
	d.Fill(m.Nonce[:])
	opaqueLen := d.U16()
	m.Opaque = d.Bytes(int(opaqueLen))
	if d.Remaining() >= SignatureLen {
		m.Signature = d.Bytes(SignatureLen)
	}
	if err := d.Err(); err != nil {
		return err
	}
	rd := codec.NewDecoder(record)
	m.Blocks = make([]Block, 0, count)
	for i := 0; i < int(count); i++ {
		b, err := decodeBlock(rd)
		if err != nil {
			return err
		}
		m.Blocks = append(m.Blocks, b)
	}
	return rd.Err()
}
