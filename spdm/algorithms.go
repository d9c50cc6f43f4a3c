// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// Base hash algorithm bits.
const (
	HashSHA256 uint32 = 1 << 0
	HashSHA384 uint32 = 1 << 1
	HashSHA512 uint32 = 1 << 2
)

// Base asymmetric algorithm bits.
const (
	AsymECDSAP256 uint32 = 1 << 3
	AsymECDSAP384 uint32 = 1 << 7
)

// DHE named group bits.
const (
	DHESecp256r1 uint16 = 1 << 3
	DHESecp384r1 uint16 = 1 << 4
)

// AEAD cipher suite bits.
const (
	AEADAes128Gcm uint16 = 1 << 0
	AEADAes256Gcm uint16 = 1 << 1
)

// Key schedule bits.
const KeyScheduleSPDM uint16 = 1 << 0

// DMTF measurement specification bit.
const MeasSpecDMTF uint8 = 1 << 0

// Algorithm structure types carried by NEGOTIATE_ALGORITHMS from v1.1 on.
const (
	AlgTypeDHE         uint8 = 0x02
	AlgTypeAEAD        uint8 = 0x03
	AlgTypeReqBaseAsym uint8 = 0x04
	AlgTypeKeySchedule uint8 = 0x05
)

// Priority tables. The responder walks each table in order and selects the
// first entry the peer also supports.
var (
	hashPriority        = []uint32{HashSHA384}
	asymPriority        = []uint32{AsymECDSAP384}
	dhePriority         = []uint16{DHESecp384r1}
	aeadPriority        = []uint16{AEADAes256Gcm}
	keySchedulePriority = []uint16{KeyScheduleSPDM}
)

// Algorithms is the negotiated algorithm set. Zero values mean "not
// selected".
type Algorithms struct {
	BaseHash    uint32
	BaseAsym    uint32
	MeasSpec    uint8
	MeasHash    uint32
	DHE         uint16
	AEAD        uint16
	KeySchedule uint16
}

// Select resolves the responder's algorithm choice against the peer's
// support masks. A failure to intersect on hash or asymmetric algorithm is
// terminal.
func Select(req NegotiateAlgorithms) (Algorithms, error) {
	alg := Algorithms{
		BaseHash: pick32(hashPriority, req.BaseHash),
		BaseAsym: pick32(asymPriority, req.BaseAsym),
		MeasSpec: req.MeasSpec & MeasSpecDMTF,
	}
	if alg.BaseHash == 0 {
		return Algorithms{}, fmt.Errorf("%w: hash mask %#x", ErrNoAlgorithm, req.BaseHash)
	}
	if alg.BaseAsym == 0 {
		return Algorithms{}, fmt.Errorf("%w: asym mask %#x", ErrNoAlgorithm, req.BaseAsym)
	}
	alg.MeasHash = alg.BaseHash
	// Session algorithms are optional; a missing intersection disables key
	// exchange rather than failing the negotiation.
	alg.DHE = pick16(dhePriority, req.DHE)
	alg.AEAD = pick16(aeadPriority, req.AEAD)
	alg.KeySchedule = pick16(keySchedulePriority, req.KeySchedule)
	return alg, nil
}

func pick32(priority []uint32, peer uint32) uint32 {
	for _, alg := range priority {
		if peer&alg != 0 {
			return alg
		}
	}
	return 0
}

func pick16(priority []uint16, peer uint16) uint16 {
	for _, alg := range priority {
		if peer&alg != 0 {
			return alg
		}
	}
	return 0
}

// NegotiateAlgorithms carries the requester's algorithm support masks. The
// session algorithm structures are present from version 1.1 on.
type NegotiateAlgorithms struct {
	Version     Version
	MeasSpec    uint8
	BaseAsym    uint32
	BaseHash    uint32
	DHE         uint16
	AEAD        uint16
	ReqBaseAsym uint16
	KeySchedule uint16
}

func (m NegotiateAlgorithms) structCount() int {
	if m.Version >= Version11 {
		return 4
	}
	return 0
}

// Encode implements codec.Encodable.
func (m NegotiateAlgorithms) Encode(buf *codec.Buffer) (int, error) {
	structs := m.structCount()
	if _, err := (Header{Version: m.Version, Code: CodeNegotiateAlgorithms, Param1: uint8(structs)}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(uint16(HeaderLen + 28 + 4*structs))
	e.U8(m.MeasSpec)
	e.U8(0) // other params
	e.U32(m.BaseAsym)
	e.U32(m.BaseHash)
	e.Zero(12)
	e.U8(0) // ext asym count
	e.U8(0) // ext hash count
	e.U16(0)
	if structs > 0 {
		encodeAlgStruct(e, AlgTypeDHE, m.DHE)
		encodeAlgStruct(e, AlgTypeAEAD, m.AEAD)
		encodeAlgStruct(e, AlgTypeReqBaseAsym, m.ReqBaseAsym)
		encodeAlgStruct(e, AlgTypeKeySchedule, m.KeySchedule)
	}
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *NegotiateAlgorithms) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeNegotiateAlgorithms {
		return fmt.Errorf("%w: code %#x is not NEGOTIATE_ALGORITHMS", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	d := codec.NewDecoder(buf)
	d.U16() // length
	m.MeasSpec = d.U8()
	d.Skip(1)
	m.BaseAsym = d.U32()
	m.BaseHash = d.U32()
	d.Skip(12)
	extAsym := d.U8()
	extHash := d.U8()
	d.Skip(2)
	if extAsym != 0 || extHash != 0 {
		return fmt.Errorf("%w: external algorithms not supported", ErrMalformed)
	}
	for i := 0; i < int(h.Param1); i++ {
		typ, mask, err := decodeAlgStruct(d)
		if err != nil {
			return err
		}
		switch typ {
		case AlgTypeDHE:
			m.DHE = mask
		case AlgTypeAEAD:
			m.AEAD = mask
		case AlgTypeReqBaseAsym:
			m.ReqBaseAsym = mask
		case AlgTypeKeySchedule:
			m.KeySchedule = mask
		}
	}
	return d.Err()
}

// AlgorithmsResponse is the ALGORITHMS response carrying the responder's
// selections, one bit set per field.
type AlgorithmsResponse struct {
	Version  Version
	Selected Algorithms
}

// Encode implements codec.Encodable.
func (m AlgorithmsResponse) Encode(buf *codec.Buffer) (int, error) {
	structs := 0
	if m.Version >= Version11 {
		structs = 4
	}
	if _, err := (Header{Version: m.Version, Code: CodeAlgorithms, Param1: uint8(structs)}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(uint16(HeaderLen + 32 + 4*structs))
	e.U8(m.Selected.MeasSpec)
	e.U8(0)
	e.U32(m.Selected.MeasHash)
	e.U32(m.Selected.BaseAsym)
	e.U32(m.Selected.BaseHash)
	e.Zero(12)
	e.U8(0)
	e.U8(0)
	e.U16(0)
	if structs > 0 {
		encodeAlgStruct(e, AlgTypeDHE, m.Selected.DHE)
		encodeAlgStruct(e, AlgTypeAEAD, m.Selected.AEAD)
		encodeAlgStruct(e, AlgTypeReqBaseAsym, 0)
		encodeAlgStruct(e, AlgTypeKeySchedule, m.Selected.KeySchedule)
	}
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *AlgorithmsResponse) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeAlgorithms {
		return fmt.Errorf("%w: code %#x is not ALGORITHMS", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	d := codec.NewDecoder(buf)
	d.U16()
	m.Selected.MeasSpec = d.U8()
	d.Skip(1)
	m.Selected.MeasHash = d.U32()
	m.Selected.BaseAsym = d.U32()
	m.Selected.BaseHash = d.U32()
	d.Skip(12)
	d.Skip(4)
	for i := 0; i < int(h.Param1); i++ {
		typ, mask, err := decodeAlgStruct(d)
		if err != nil {
			return err
		}
		switch typ {
		case AlgTypeDHE:
			m.Selected.DHE = mask
		case AlgTypeAEAD:
			m.Selected.AEAD = mask
		case AlgTypeKeySchedule:
			m.Selected.KeySchedule = mask
		}
	}
	return d.Err()
}

func encodeAlgStruct(e *codec.Encoder, typ uint8, mask uint16) {
	e.U8(typ)
	e.U8(0x20) // one 16-bit mask, no external entries
	e.U16(mask)
}

func decodeAlgStruct(d *codec.Decoder) (typ uint8, mask uint16, err error) {
	typ = d.U8()
	fixed := d.U8()
	mask = d.U16()
	if err := d.Err(); err != nil {
		return 0, 0, err
	}
	if fixed != 0x20 {
		return 0, 0, fmt.Errorf("%w: algorithm structure %#x", ErrMalformed, fixed)
	}
	return typ, mask, nil
}
