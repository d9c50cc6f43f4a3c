// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// baseVersion is the DSP0240 base protocol version this terminus speaks.
var baseVersion = NewVersion(1, 1, 0, 0)

// Handler serves the commands of one PLDM type.
type Handler interface {
	PLDMType() Type
	// Version is the protocol version advertised for GetPLDMVersion.
	Version() Ver32
	// Commands is the support bitmap advertised for GetPLDMCommands.
	Commands() CommandBitmap
	// Handle decodes the request body from req and encodes the response
	// body, completion code first, into resp.
	Handle(ctx context.Context, hdr Header, req, resp *codec.Buffer) error
}

// Terminus routes inbound PLDM requests to per-type handlers and answers the
// base discovery commands itself.
type Terminus struct {
	tid      TID
	handlers map[Type]Handler
}

// NewTerminus creates a terminus serving the base protocol plus the given
// type handlers.
func NewTerminus(handlers ...Handler) *Terminus {
	t := &Terminus{handlers: make(map[Type]Handler)}
	for _, h := range handlers {
		t.handlers[h.PLDMType()] = h
	}
	return t
}

// TID returns the terminus id assigned by the last SetTID.
func (t *Terminus) TID() TID { return t.tid }

// Handle processes one request message, header included, and writes the full
// response message to resp.
func (t *Terminus) Handle(ctx context.Context, req, resp *codec.Buffer) error {
	var hdr Header
	if err := hdr.Decode(req); err != nil {
		return err
	}
	if !hdr.Request {
		return fmt.Errorf("%w: not a request", ErrInvalidMessage)
	}
	if _, err := hdr.ResponseTo().Encode(resp); err != nil {
		return err
	}
	h, known := t.handlers[hdr.Type]
	switch {
	case hdr.Type == TypeBase:
		return t.base(hdr, req, resp)
	case !known:
		_, err := ErrorResponse{ErrorInvalidPLDMType}.Encode(resp)
		return err
	default:
		return h.Handle(ctx, hdr, req, resp)
	}
}

func (t *Terminus) base(hdr Header, req, resp *codec.Buffer) error {
	encode := func(m codec.Encodable) error {
		_, err := m.Encode(resp)
		return err
	}
	switch hdr.Command {
	case CmdSetTID:
		var m SetTIDRequest
		if err := m.Decode(req); err != nil {
			return encode(ErrorResponse{ErrorInvalidLength})
		}
		t.tid = m.TID
		return encode(ErrorResponse{Success})

	case CmdGetTID:
		return encode(GetTIDResponse{TID: t.tid})

	case CmdGetPLDMTypes:
		var types TypeBitmap
		types.Set(TypeBase)
		for typ := range t.handlers {
			types.Set(typ)
		}
		return encode(GetTypesResponse{Types: types})

	case CmdGetPLDMVersion:
		var m GetVersionRequest
		if err := m.Decode(req); err != nil {
			return encode(ErrorResponse{ErrorInvalidLength})
		}
		version := baseVersion
		if m.Type != TypeBase {
			h, known := t.handlers[m.Type]
			if !known {
				return encode(ErrorResponse{ErrorInvalidPLDMType})
			}
			version = h.Version()
		}
		return encode(GetVersionResponse{TransferFlag: XferStartAndEnd, Version: version})

	case CmdGetPLDMCommands:
		var m GetCommandsRequest
		if err := m.Decode(req); err != nil {
			return encode(ErrorResponse{ErrorInvalidLength})
		}
		var cmds CommandBitmap
		if m.Type == TypeBase {
			for _, c := range []uint8{CmdSetTID, CmdGetTID, CmdGetPLDMTypes, CmdGetPLDMVersion, CmdGetPLDMCommands} {
				cmds.Set(c)
			}
		} else {
			h, known := t.handlers[m.Type]
			if !known {
				return encode(ErrorResponse{ErrorInvalidPLDMType})
			}
			cmds = h.Commands()
		}
		return encode(GetCommandsResponse{Commands: cmds})

	default:
		return encode(ErrorResponse{ErrorUnsupportedCmd})
	}
}
