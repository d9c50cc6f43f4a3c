// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"github.com/silicon-rot/mcufw/codec"
)

// TypeBitmap is the 64-bit PLDM type support bitfield of GetPLDMTypes.
type TypeBitmap [8]byte

// Set marks a PLDM type supported.
func (b *TypeBitmap) Set(t Type) { b[t/8] |= 1 << (t % 8) }

// Has reports whether a PLDM type is marked supported.
func (b TypeBitmap) Has(t Type) bool { return b[t/8]&(1<<(t%8)) != 0 }

// CommandBitmap is the 256-bit command support bitfield of GetPLDMCommands.
type CommandBitmap [32]byte

// Set marks a command supported.
func (b *CommandBitmap) Set(cmd uint8) { b[cmd/8] |= 1 << (cmd % 8) }

// Has reports whether a command is marked supported.
func (b CommandBitmap) Has(cmd uint8) bool { return b[cmd/8]&(1<<(cmd%8)) != 0 }

// ErrorResponse is the completion-code-only response body any command may
// answer with on failure.
type ErrorResponse struct {
	CompletionCode CompletionCode
}

// Encode implements codec.Encodable.
func (m ErrorResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *ErrorResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = CompletionCode(d.U8())
	return d.Err()
}

// SetTIDRequest assigns the terminus id.
type SetTIDRequest struct {
	TID TID
}

// Encode implements codec.Encodable.
func (m SetTIDRequest) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.TID))
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *SetTIDRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.TID = TID(d.U8())
	return d.Err()
}

// GetTIDResponse reports the terminus id.
type GetTIDResponse struct {
	CompletionCode CompletionCode
	TID            TID
}

// Encode implements codec.Encodable.
func (m GetTIDResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	e.U8(uint8(m.TID))
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *GetTIDResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = CompletionCode(d.U8())
	m.TID = TID(d.U8())
	return d.Err()
}

// GetTypesResponse reports the supported PLDM types.
type GetTypesResponse struct {
	CompletionCode CompletionCode
	Types          TypeBitmap
}

// Encode implements codec.Encodable.
func (m GetTypesResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	e.Bytes(m.Types[:])
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *GetTypesResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = CompletionCode(d.U8())
	d.Fill(m.Types[:])
	return d.Err()
}

// GetVersionRequest asks for the version of one PLDM type. The transfer
// handle and operation flag select a part of a multipart response; this
// terminus always answers StartAndEnd.
type GetVersionRequest struct {
	TransferHandle uint32
	TransferOpFlag uint8
	Type           Type
}

// Encode implements codec.Encodable.
func (m GetVersionRequest) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U32(m.TransferHandle)
	e.U8(m.TransferOpFlag)
	e.U8(uint8(m.Type))
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *GetVersionRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.TransferHandle = d.U32()
	m.TransferOpFlag = d.U8()
	m.Type = Type(d.U8())
	return d.Err()
}

// GetVersionResponse carries the version of one PLDM type.
type GetVersionResponse struct {
	CompletionCode     CompletionCode
	NextTransferHandle uint32
	TransferFlag       uint8
	Version            Ver32
}

// Encode implements codec.Encodable.
func (m GetVersionResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	e.U32(m.NextTransferHandle)
	e.U8(m.TransferFlag)
	n, err := e.Finish()
	if err != nil {
		return n, err
	}
	vn, err := m.Version.Encode(buf)
	return n + vn, err
}

// Decode implements codec.Decodable.
func (m *GetVersionResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = CompletionCode(d.U8())
	m.NextTransferHandle = d.U32()
	m.TransferFlag = d.U8()
	if err := d.Err(); err != nil {
		return err
	}
	return m.Version.Decode(buf)
}

// GetCommandsRequest asks for the commands supported for one PLDM type and
// version.
type GetCommandsRequest struct {
	Type    Type
	Version Ver32
}

// Encode implements codec.Encodable.
func (m GetCommandsRequest) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.Type))
	n, err := e.Finish()
	if err != nil {
		return n, err
	}
	vn, err := m.Version.Encode(buf)
	return n + vn, err
}

// Decode implements codec.Decodable.
func (m *GetCommandsRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.Type = Type(d.U8())
	if err := d.Err(); err != nil {
		return err
	}
	return m.Version.Decode(buf)
}

// GetCommandsResponse reports the supported commands as a 256-bit bitmap.
type GetCommandsResponse struct {
	CompletionCode CompletionCode
	Commands       CommandBitmap
}

// Encode implements codec.Encodable.
func (m GetCommandsResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	e.Bytes(m.Commands[:])
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *GetCommandsResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = CompletionCode(d.U8())
	d.Fill(m.Commands[:])
	return d.Err()
}
