// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package mctp implements the message-level MCTP transport contract used by
// the PLDM and SPDM engines: a one-byte typed header, tag-matched
// request/response pairing, and a driver interface below which the physical
// binding (I3C in silicon, an in-memory pipe here) lives.
package mctp

import (
	"context"
	"errors"
	"fmt"
)

// EID is an MCTP endpoint identifier.
type EID uint8

// Tag is an MCTP message tag. Valid values are 0 through 7.
type Tag uint8

// NumTags is the size of the MCTP tag space.
const NumTags = 8

// MsgType is the 7-bit MCTP message type carried in the header byte.
type MsgType uint8

// Message types used by this module. The integrity-check bit of the header
// is always cleared.
const (
	TypeControl    MsgType = 0x00
	TypePLDM       MsgType = 0x01
	TypeSPDM       MsgType = 0x05
	TypeSecuredMsg MsgType = 0x06
	TypeVendorPCI  MsgType = 0x7E
)

func (t MsgType) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypePLDM:
		return "pldm"
	case TypeSPDM:
		return "spdm"
	case TypeSecuredMsg:
		return "secured-message"
	case TypeVendorPCI:
		return "vendor-pci"
	default:
		return fmt.Sprintf("type(%#x)", uint8(t))
	}
}

// icMask is the integrity-check bit of the message-type header byte.
const icMask = 0x80

// Transport errors.
var (
	ErrSend                  = errors.New("mctp: send error")
	ErrReceive               = errors.New("mctp: receive error")
	ErrUnexpectedMessageType = errors.New("mctp: unexpected message type")
	ErrNoRequestInFlight     = errors.New("mctp: no request in flight")
)

// Packet is one MCTP message as exchanged with a Driver. Payload starts with
// the message-type header byte. TagOwner is set on requests and cleared on
// responses, per the MCTP tag-ownership convention.
type Packet struct {
	Src      EID
	Dest     EID
	Tag      Tag
	TagOwner bool
	Payload  []byte
}

// Driver is the physical MCTP binding. Implementations must be safe for one
// concurrent sender and one concurrent receiver.
type Driver interface {
	// MaxMessageSize reports the largest message body (including the
	// message-type byte) the binding can carry. Queried once at boot.
	MaxMessageSize() int

	// Send transmits one packet.
	Send(ctx context.Context, pkt Packet) error

	// Receive blocks for the next packet addressed to this endpoint.
	// Cancelling the context aborts the wait cleanly.
	Receive(ctx context.Context) (Packet, error)
}
