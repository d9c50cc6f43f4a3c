// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// RandomLen is the random data length of KEY_EXCHANGE messages.
const RandomLen = 32

// KeyExchange opens a secure session handshake against a certificate slot.
type KeyExchange struct {
	Version       Version
	SummaryType   uint8
	Slot          uint8
	ReqSessionID  uint16
	SessionPolicy uint8
	Random        [RandomLen]byte
	ExchangeData  [ExchangeDataLen]byte
	Opaque        []byte
}

// Encode implements codec.Encodable.
func (m KeyExchange) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeKeyExchange, Param1: m.SummaryType, Param2: m.Slot}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(m.ReqSessionID)
	if m.Version >= Version12 {
		e.U8(m.SessionPolicy)
		e.U8(0)
	} else {
		e.U16(0)
	}
	e.Bytes(m.Random[:])
	e.Bytes(m.ExchangeData[:])
	e.U16(uint16(len(m.Opaque)))
	e.Bytes(m.Opaque)
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *KeyExchange) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeKeyExchange {
		return fmt.Errorf("%w: code %#x is not KEY_EXCHANGE", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.SummaryType = h.Param1
	m.Slot = h.Param2
	d := codec.NewDecoder(buf)
	m.ReqSessionID = d.U16()
	if m.Version >= Version12 {
		m.SessionPolicy = d.U8()
		d.Skip(1)
	} else {
		d.Skip(2)
	}
	d.Fill(m.Random[:])
	d.Fill(m.ExchangeData[:])
	opaqueLen := d.U16()
	m.Opaque = d.Bytes(int(opaqueLen))
	return d.Err()
}

// KeyExchangeRsp answers KEY_EXCHANGE with the responder's half of the
// exchange. The signature covers TH1; the verify data is the handshake HMAC.
type KeyExchangeRsp struct {
	Version      Version
	Heartbeat    uint8
	RspSessionID uint16
	MutAuth      uint8
	SlotParam    uint8
	Random       [RandomLen]byte
	ExchangeData [ExchangeDataLen]byte
	SummaryHash  []byte
	Opaque       []byte
	Signature    [SignatureLen]byte
	VerifyData   [HashLen]byte
}

// Encode implements codec.Encodable.
func (m KeyExchangeRsp) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeKeyExchangeRsp, Param1: m.Heartbeat}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(m.RspSessionID)
	e.U8(m.MutAuth)
	e.U8(m.SlotParam)
	e.Bytes(m.Random[:])
	e.Bytes(m.ExchangeData[:])
	e.Bytes(m.SummaryHash)
	e.U16(uint16(len(m.Opaque)))
	e.Bytes(m.Opaque)
	e.Bytes(m.Signature[:])
	e.Bytes(m.VerifyData[:])
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *KeyExchangeRsp) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeKeyExchangeRsp {
		return fmt.Errorf("%w: code %#x is not KEY_EXCHANGE_RSP", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Heartbeat = h.Param1
	d := codec.NewDecoder(buf)
	m.RspSessionID = d.U16()
	m.MutAuth = d.U8()
	m.SlotParam = d.U8()
	d.Fill(m.Random[:])
	d.Fill(m.ExchangeData[:])
	// As in CHALLENGE_AUTH, summary hash presence is inferred from length.
	fixedTail := 2 + SignatureLen + HashLen
	m.SummaryHash = nil
	if d.Remaining() >= HashLen+fixedTail {
		m.SummaryHash = d.Bytes(HashLen)
	}
	opaqueLen := d.U16()
	m.Opaque = d.Bytes(int(opaqueLen))
	d.Fill(m.Signature[:])
	d.Fill(m.VerifyData[:])
	return d.Err()
}

// Finish completes the session handshake. This core does not request mutual
// authentication, so the body is the requester's verify data alone.
type Finish struct {
	Version    Version
	VerifyData [HashLen]byte
}

// Encode implements codec.Encodable.
func (m Finish) Encode(buf *codec.Buffer) (int, error) {
	if _, err := (Header{Version: m.Version, Code: CodeFinish}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.Bytes(m.VerifyData[:])
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *Finish) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeFinish {
		return fmt.Errorf("%w: code %#x is not FINISH", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	d := codec.NewDecoder(buf)
	d.Fill(m.VerifyData[:])
	return d.Err()
}

// FinishRsp acknowledges FINISH. The handshake runs in the clear, so the
// responder's verify data is carried in the response.
type FinishRsp struct {
	Version    Version
	VerifyData [HashLen]byte
}

// Encode implements codec.Encodable.
func (m FinishRsp) Encode(buf *codec.Buffer) (int, error) {
	if _, err := (Header{Version: m.Version, Code: CodeFinishRsp}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.Bytes(m.VerifyData[:])
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *FinishRsp) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeFinishRsp {
		return fmt.Errorf("%w: code %#x is not FINISH_RSP", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	d := codec.NewDecoder(buf)
	d.Fill(m.VerifyData[:])
	return d.Err()
}

// EndSession tears down an established session.
type EndSession struct {
	Version Version
}

// Encode implements codec.Encodable.
func (m EndSession) Encode(buf *codec.Buffer) (int, error) {
	return Header{Version: m.Version, Code: CodeEndSession}.Encode(buf)
}

// Decode implements codec.Decodable.
func (m *EndSession) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeEndSession {
		return fmt.Errorf("%w: code %#x is not END_SESSION", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	return nil
}

// EndSessionAck acknowledges END_SESSION.
type EndSessionAck struct {
	Version Version
}

// Encode implements codec.Encodable.
func (m EndSessionAck) Encode(buf *codec.Buffer) (int, error) {
	return Header{Version: m.Version, Code: CodeEndSessionAck}.Encode(buf)
}

// Decode implements codec.Decodable.
func (m *EndSessionAck) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeEndSessionAck {
		return fmt.Errorf("%w: code %#x is not END_SESSION_ACK", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	return nil
}
