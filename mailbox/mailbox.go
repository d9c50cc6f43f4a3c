// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package mailbox implements the request/response client for the shared
// hardware mailbox through which the MCU reaches the crypto engine: SHA
// contexts, ECDSA signing, random generation, and image authorization all
// ride on this one register file.
package mailbox

import "errors"

// Mailbox errors.
var (
	ErrBusy            = errors.New("mailbox: busy")
	ErrTimeout         = errors.New("mailbox: timeout")
	ErrCmdFailed       = errors.New("mailbox: command failed")
	ErrInvalidChecksum = errors.New("mailbox: response has invalid checksum")
	ErrRespTooShort    = errors.New("mailbox: response too short")
)

// MaxWaitCycles bounds every mailbox transaction. At the 400 MHz reference
// clock this is roughly 100 ms.
const MaxWaitCycles = 40_000_000

// Status is the mailbox status register state.
type Status uint32

// Status register values.
const (
	StatusBusy Status = iota
	StatusDataReady
	StatusCmdComplete
	StatusCmdFailure
)

func (s Status) String() string {
	switch s {
	case StatusBusy:
		return "busy"
	case StatusDataReady:
		return "data-ready"
	case StatusCmdComplete:
		return "cmd-complete"
	case StatusCmdFailure:
		return "cmd-failure"
	default:
		return "unknown"
	}
}

// Regs is the memory-mapped mailbox register file. On silicon each method is
// a single volatile register access; tests substitute a model that executes
// commands in software.
type Regs interface {
	// Lock reads the lock register. A zero read means the lock was acquired.
	Lock() uint32
	// Unlock is implied by writing execute=0; present for models that need
	// explicit teardown.
	SetCmd(id uint32)
	SetLen(n uint32)
	Len() uint32
	// Push streams one request word into the datain FIFO.
	Push(word uint32)
	// Pop reads one response word from the dataout FIFO.
	Pop() uint32
	Execute(run bool)
	Status() Status
	FatalError() uint32
	NonFatalError() uint32
}

// checksum computes the mailbox payload checksum: the wrapping byte sum of
// the command identifier followed by the payload, negated. It occupies the
// first word of every request and response.
func checksum(cmd uint32, payload []byte) uint32 {
	var sum uint32
	for i := 0; i < 4; i++ {
		sum += (cmd >> (8 * i)) & 0xff
	}
	for _, b := range payload {
		sum += uint32(b)
	}
	return -sum
}
