// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package spdm implements the DSP0274 SPDM message codecs, algorithm
// negotiation, certificate store, and measurement store shared by the
// responder and by initiator-side tests.
package spdm

import (
	"errors"
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// Version is an SPDM version byte: major nibble, minor nibble.
type Version uint8

// Supported SPDM versions.
const (
	Version10 Version = 0x10
	Version11 Version = 0x11
	Version12 Version = 0x12
	Version13 Version = 0x13
)

// SupportedVersions lists the versions this implementation speaks, ascending.
var SupportedVersions = []Version{Version10, Version11, Version12, Version13}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v>>4, v&0xf) }

// Request codes.
const (
	CodeGetDigests          uint8 = 0x81
	CodeGetCertificate      uint8 = 0x82
	CodeChallenge           uint8 = 0x83
	CodeGetVersion          uint8 = 0x84
	CodeChunkGet            uint8 = 0x86
	CodeGetMeasurements     uint8 = 0xe0
	CodeGetCapabilities     uint8 = 0xe1
	CodeNegotiateAlgorithms uint8 = 0xe3
	CodeKeyExchange         uint8 = 0xe4
	CodeFinish              uint8 = 0xe5
	CodeEndSession          uint8 = 0xec
)

// Response codes.
const (
	CodeDigests        uint8 = 0x01
	CodeCertificate    uint8 = 0x02
	CodeChallengeAuth  uint8 = 0x03
	CodeVersion        uint8 = 0x04
	CodeChunkResponse  uint8 = 0x06
	CodeMeasurements   uint8 = 0x60
	CodeCapabilities   uint8 = 0x61
	CodeAlgorithms     uint8 = 0x63
	CodeKeyExchangeRsp uint8 = 0x64
	CodeFinishRsp      uint8 = 0x65
	CodeEndSessionAck  uint8 = 0x6c
	CodeError          uint8 = 0x7f
)

// ERROR response codes.
const (
	ErrInvalidRequest   uint8 = 0x01
	ErrBusy             uint8 = 0x03
	ErrUnexpectedReq    uint8 = 0x04
	ErrUnspecified      uint8 = 0x05
	ErrDecryptError     uint8 = 0x06
	ErrUnsupportedReq   uint8 = 0x07
	ErrResponseTooLarge uint8 = 0x0d
	ErrLargeResponse    uint8 = 0x0f
	ErrVersionMismatch  uint8 = 0x41
)

// Codec and protocol errors.
var (
	ErrMalformed   = errors.New("spdm: malformed message")
	ErrNoAlgorithm = errors.New("spdm: no common algorithm")
)

// HashLen is the SHA-384 digest length, the only negotiable hash this core
// carries.
const HashLen = 48

// SignatureLen is the raw P-384 signature length (r || s).
const SignatureLen = 96

// NonceLen is the nonce length of CHALLENGE and GET_MEASUREMENTS.
const NonceLen = 32

// ExchangeDataLen is the uncompressed P-384 point length (x || y) carried by
// KEY_EXCHANGE, without the 0x04 prefix byte.
const ExchangeDataLen = 96

// HeaderLen is the packed size of the SPDM message header.
const HeaderLen = 4

// Header is the 4-byte header ahead of every SPDM message.
type Header struct {
	Version Version
	Code    uint8
	Param1  uint8
	Param2  uint8
}

// Encode implements codec.Encodable.
func (h Header) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(h.Version))
	e.U8(h.Code)
	e.U8(h.Param1)
	e.U8(h.Param2)
	return e.Finish()
}

// Decode implements codec.Decodable.
func (h *Header) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	h.Version = Version(d.U8())
	h.Code = d.U8()
	h.Param1 = d.U8()
	h.Param2 = d.U8()
	if err := d.Err(); err != nil {
		return fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	return nil
}

// ErrorResponse is the ERROR message. Param1 carries the error code and
// Param2 the error data (e.g. the large-response handle).
type ErrorResponse struct {
	Version Version
	Code    uint8
	Data    uint8
}

// Encode implements codec.Encodable.
func (m ErrorResponse) Encode(buf *codec.Buffer) (int, error) {
	return Header{Version: m.Version, Code: CodeError, Param1: m.Code, Param2: m.Data}.Encode(buf)
}

// Decode implements codec.Decodable.
func (m *ErrorResponse) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeError {
		return fmt.Errorf("%w: code %#x is not ERROR", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Code = h.Param1
	m.Data = h.Param2
	return nil
}
