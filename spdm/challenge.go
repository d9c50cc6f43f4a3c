// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// Measurement summary hash types carried by CHALLENGE and KEY_EXCHANGE.
const (
	SummaryNone uint8 = 0x00
	SummaryTCB  uint8 = 0x01
	SummaryAll  uint8 = 0xff
)

// Challenge requests authentication of a certificate slot.
type Challenge struct {
	Version     Version
	Slot        uint8
	SummaryType uint8
	Nonce       [NonceLen]byte
}

// Encode implements codec.Encodable.
func (m Challenge) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeChallenge, Param1: m.Slot, Param2: m.SummaryType}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.Bytes(m.Nonce[:])
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *Challenge) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeChallenge {
		return fmt.Errorf("%w: code %#x is not CHALLENGE", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Slot = h.Param1
	m.SummaryType = h.Param2
	d := codec.NewDecoder(buf)
	d.Fill(m.Nonce[:])
	return d.Err()
}

// ChallengeAuth is the CHALLENGE_AUTH response. The signature covers the
// full authentication transcript up to but excluding the signature field.
type ChallengeAuth struct {
	Version       Version
	Slot          uint8
	SlotMask      uint8
	CertChainHash [HashLen]byte
	Nonce         [NonceLen]byte
	SummaryHash   []byte
	Opaque        []byte
	Signature     [SignatureLen]byte
}

// Encode implements codec.Encodable.
func (m ChallengeAuth) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeChallengeAuth, Param1: m.Slot, Param2: m.SlotMask}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.Bytes(m.CertChainHash[:])
	e.Bytes(m.Nonce[:])
	e.Bytes(m.SummaryHash)
	e.U16(uint16(len(m.Opaque)))
	e.Bytes(m.Opaque)
	e.Bytes(m.Signature[:])
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *ChallengeAuth) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeChallengeAuth {
		return fmt.Errorf("%w: code %#x is not CHALLENGE_AUTH", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Slot = h.Param1 & 0x0f
	m.SlotMask = h.Param2
	d := codec.NewDecoder(buf)
	d.Fill(m.CertChainHash[:])
	d.Fill(m.Nonce[:])
	// Whether a measurement summary hash is present is inferred from the
	// remaining length; opaque data in this implementation is far shorter
	// than a digest.
	m.SummaryHash = nil
	if d.Remaining() >= HashLen+2+SignatureLen {
		m.SummaryHash = d.Bytes(HashLen)
	}
	opaqueLen := d.U16()
	m.Opaque = d.Bytes(int(opaqueLen))
	d.Fill(m.Signature[:])
	return d.Err()
}
