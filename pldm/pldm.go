// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package pldm implements the DSP0240 PLDM base protocol: the 3-byte
// message header, BCD-encoded Ver32 versions, and the discovery commands
// every PLDM terminus answers.
package pldm

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage indicates a malformed PLDM message that cannot be
// attributed a completion code (e.g. a truncated header).
var ErrInvalidMessage = errors.New("pldm: invalid message")

// Type is the 6-bit PLDM type field.
type Type uint8

// PLDM types implemented by this terminus.
const (
	TypeBase           Type = 0x00
	TypeFirmwareUpdate Type = 0x05
)

func (t Type) String() string {
	switch t {
	case TypeBase:
		return "base"
	case TypeFirmwareUpdate:
		return "firmware-update"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// TID is a PLDM terminus identifier.
type TID uint8

// CompletionCode is the first byte of every PLDM response body.
type CompletionCode uint8

// DSP0240 generic completion codes.
const (
	Success               CompletionCode = 0x00
	Error                 CompletionCode = 0x01
	ErrorInvalidData      CompletionCode = 0x02
	ErrorInvalidLength    CompletionCode = 0x03
	ErrorNotReady         CompletionCode = 0x04
	ErrorUnsupportedCmd   CompletionCode = 0x05
	ErrorInvalidPLDMType  CompletionCode = 0x20
	ErrorInvalidVersion   CompletionCode = 0x21
	ErrorUnsupportedByTyp CompletionCode = 0x22
)

// Base protocol command codes.
const (
	CmdSetTID          uint8 = 0x01
	CmdGetTID          uint8 = 0x02
	CmdGetPLDMVersion  uint8 = 0x03
	CmdGetPLDMTypes    uint8 = 0x04
	CmdGetPLDMCommands uint8 = 0x05
)

// Transfer operation flags and transfer flags for multipart gets. This
// terminus always answers in a single part.
const (
	XferGetNextPart  uint8 = 0x00
	XferGetFirstPart uint8 = 0x01

	XferStart       uint8 = 0x01
	XferMiddle      uint8 = 0x02
	XferEnd         uint8 = 0x04
	XferStartAndEnd uint8 = 0x05
)
