// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package mcutest provides the in-memory harness the protocol tests run on:
// a software model of the crypto-engine mailbox, a flat RAM model, and small
// helpers for driving responders without hardware.
package mcutest

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"

	"github.com/silicon-rot/mcufw/mailbox"
)

// ImageSlot describes one image the engine model will authorize.
type ImageSlot struct {
	LoadAddr  uint64
	SizeLimit uint32
	// Authorized is flipped when AUTHORIZE_AND_STASH succeeds for the slot.
	Authorized bool
	// Deny makes AUTHORIZE_AND_STASH refuse the slot regardless of size.
	Deny bool
}

// Engine is a software model of the crypto engine behind the mailbox
// register file. It implements mailbox.Regs, executing commands with stdlib
// crypto when the execute bit is set, so tests exercise the real client:
// locking, word streaming, checksums, and tail masking included.
type Engine struct {
	// Keys maps ECDSA_SIGN key slots to P-384 signing keys.
	Keys map[uint32]*ecdsa.PrivateKey
	// Images maps firmware ids to their load regions.
	Images map[uint32]*ImageSlot
	// RAM backs image load addresses.
	RAM *RAM
	// FailNext forces the next executed command to report cmd_failure with
	// the given non-fatal error code.
	FailNext uint32

	locked  bool
	cmd     uint32
	dlen    uint32
	in      []byte
	inSum   uint32
	haveSum bool
	out     []byte
	outPos  int
	status  mailbox.Status

	fatal    uint32
	nonFatal uint32

	hashes     map[uint32]hash.Hash
	nextHandle uint32
}

// NewEngine creates an engine model with no keys or images provisioned.
func NewEngine() *Engine {
	return &Engine{
		Keys:   make(map[uint32]*ecdsa.PrivateKey),
		Images: make(map[uint32]*ImageSlot),
		RAM:    NewRAM(0, 1<<20),
		hashes: make(map[uint32]hash.Hash),
	}
}

// Lock implements mailbox.Regs.
func (e *Engine) Lock() uint32 {
	if e.locked {
		return 1
	}
	e.locked = true
	return 0
}

// SetCmd implements mailbox.Regs.
func (e *Engine) SetCmd(id uint32) { e.cmd = id }

// SetLen implements mailbox.Regs.
func (e *Engine) SetLen(n uint32) { e.dlen = n }

// Len implements mailbox.Regs.
func (e *Engine) Len() uint32 { return e.dlen }

// Push implements mailbox.Regs.
func (e *Engine) Push(word uint32) {
	if !e.haveSum {
		e.inSum = word
		e.haveSum = true
		return
	}
	e.in = binary.LittleEndian.AppendUint32(e.in, word)
}

// Pop implements mailbox.Regs.
func (e *Engine) Pop() uint32 {
	if e.outPos+4 > len(e.out) {
		return 0
	}
	w := binary.LittleEndian.Uint32(e.out[e.outPos:])
	e.outPos += 4
	return w
}

// Status implements mailbox.Regs.
func (e *Engine) Status() mailbox.Status { return e.status }

// FatalError implements mailbox.Regs.
func (e *Engine) FatalError() uint32 { return e.fatal }

// NonFatalError implements mailbox.Regs.
func (e *Engine) NonFatalError() uint32 { return e.nonFatal }

// Execute implements mailbox.Regs. Writing false releases the lock and
// clears the FIFOs; writing true runs the staged command.
func (e *Engine) Execute(run bool) {
	if !run {
		e.locked = false
		e.in = nil
		e.haveSum = false
		e.out = nil
		e.outPos = 0
		return
	}
	e.run()
}

func (e *Engine) run() {
	req := e.in[:min(int(e.dlen)-4, len(e.in))]
	if sum := respChecksum(e.cmd, req); sum != e.inSum {
		e.fail(0xbadc0de)
		return
	}
	if e.FailNext != 0 {
		e.fail(e.FailNext)
		e.FailNext = 0
		return
	}

	resp, ok := e.dispatch(req)
	if !ok {
		return
	}
	if resp == nil {
		e.status = mailbox.StatusCmdComplete
		return
	}
	e.dlen = uint32(4 + len(resp))
	padded := make([]byte, 4+((len(resp)+3)&^3))
	binary.LittleEndian.PutUint32(padded, respChecksum(e.cmd, resp))
	copy(padded[4:], resp)
	e.out = padded
	e.outPos = 0
	e.status = mailbox.StatusDataReady
}

func (e *Engine) fail(code uint32) {
	e.nonFatal = code
	e.status = mailbox.StatusCmdFailure
}

func (e *Engine) dispatch(req []byte) (resp []byte, ok bool) {
	switch e.cmd {
	case mailbox.CmdShaInit:
		if len(req) < 4 {
			e.fail(1)
			return nil, false
		}
		alg := mailbox.HashAlg(binary.LittleEndian.Uint32(req))
		var h hash.Hash
		switch alg {
		case mailbox.Sha256:
			h = sha256.New()
		case mailbox.Sha384:
			h = sha512.New384()
		case mailbox.Sha512:
			h = sha512.New()
		default:
			e.fail(1)
			return nil, false
		}
		h.Write(req[4:])
		e.nextHandle++
		e.hashes[e.nextHandle] = h
		return shaContext(e.nextHandle), true

	case mailbox.CmdShaUpdate:
		h, data, handle := e.shaLookup(req)
		if h == nil {
			return nil, false
		}
		h.Write(data)
		return shaContext(handle), true

	case mailbox.CmdShaFinal:
		h, _, handle := e.shaLookup(req)
		if h == nil {
			return nil, false
		}
		delete(e.hashes, handle)
		return h.Sum(nil), true

	case mailbox.CmdEcdsaSign:
		if len(req) < 4 {
			e.fail(1)
			return nil, false
		}
		slot := binary.LittleEndian.Uint32(req)
		key, provisioned := e.Keys[slot]
		if !provisioned {
			e.fail(2)
			return nil, false
		}
		r, s, err := ecdsa.Sign(rand.Reader, key, req[4:])
		if err != nil {
			e.fail(3)
			return nil, false
		}
		sig := make([]byte, mailbox.SignatureLen)
		r.FillBytes(sig[:48])
		s.FillBytes(sig[48:])
		return sig, true

	case mailbox.CmdRandomStir:
		return nil, true

	case mailbox.CmdRandomGenerate:
		if len(req) < 4 {
			e.fail(1)
			return nil, false
		}
		n := binary.LittleEndian.Uint32(req)
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			e.fail(3)
			return nil, false
		}
		return buf, true

	case mailbox.CmdGetImageInfo:
		if len(req) < 4 {
			e.fail(1)
			return nil, false
		}
		slot, provisioned := e.Images[binary.LittleEndian.Uint32(req)]
		if !provisioned {
			e.fail(2)
			return nil, false
		}
		resp := make([]byte, 12)
		binary.LittleEndian.PutUint64(resp, slot.LoadAddr)
		binary.LittleEndian.PutUint32(resp[8:], slot.SizeLimit)
		return resp, true

	case mailbox.CmdAuthorizeAndStash:
		if len(req) < 16 {
			e.fail(1)
			return nil, false
		}
		fwID := binary.LittleEndian.Uint32(req)
		size := binary.LittleEndian.Uint32(req[8:])
		slot, provisioned := e.Images[fwID]
		resp := make([]byte, 4)
		if !provisioned || slot.Deny || size > slot.SizeLimit {
			binary.LittleEndian.PutUint32(resp, 0)
			return resp, true
		}
		slot.Authorized = true
		binary.LittleEndian.PutUint32(resp, mailbox.AuthorizeSuccess)
		return resp, true

	default:
		e.fail(0xffff)
		return nil, false
	}
}

// shaLookup decodes the leading context blob of a SHA_UPDATE/SHA_FINAL
// request.
func (e *Engine) shaLookup(req []byte) (hash.Hash, []byte, uint32) {
	if len(req) < 8 || binary.LittleEndian.Uint32(req) != 4 {
		e.fail(1)
		return nil, nil, 0
	}
	handle := binary.LittleEndian.Uint32(req[4:])
	h, live := e.hashes[handle]
	if !live {
		e.fail(2)
		return nil, nil, 0
	}
	return h, req[8:], handle
}

// shaContext encodes the opaque context blob the client carries between
// calls: here a 4-byte handle.
func shaContext(handle uint32) []byte {
	blob := make([]byte, 8)
	binary.LittleEndian.PutUint32(blob, 4)
	binary.LittleEndian.PutUint32(blob[4:], handle)
	return blob
}

// respChecksum mirrors the mailbox payload checksum (negated wrapping byte
// sum over command id and payload).
func respChecksum(cmd uint32, payload []byte) uint32 {
	var sum uint32
	for i := 0; i < 4; i++ {
		sum += (cmd >> (8 * i)) & 0xff
	}
	for _, b := range payload {
		sum += uint32(b)
	}
	return -sum
}
