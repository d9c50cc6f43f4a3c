// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package pldm_test

import (
	"context"
	"testing"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/pldm"
)

// echoHandler is a minimal type handler for terminus routing tests.
type echoHandler struct{}

func (echoHandler) PLDMType() pldm.Type { return pldm.TypeFirmwareUpdate }

func (echoHandler) Version() pldm.Ver32 { return pldm.NewVersion(1, 3, 0, 0) }

func (echoHandler) Commands() pldm.CommandBitmap {
	var cmds pldm.CommandBitmap
	cmds.Set(0x01)
	return cmds
}

func (echoHandler) Handle(_ context.Context, hdr pldm.Header, req, resp *codec.Buffer) error {
	_, err := pldm.ErrorResponse{CompletionCode: pldm.Success}.Encode(resp)
	return err
}

// roundTrip sends one request message through the terminus and returns the
// response body after validating the response header.
func roundTrip(t *testing.T, term *pldm.Terminus, hdr pldm.Header, body codec.Encodable) *codec.Buffer {
	t.Helper()
	req := codec.New(256)
	if _, err := hdr.Encode(req); err != nil {
		t.Fatal(err)
	}
	if body != nil {
		if _, err := body.Encode(req); err != nil {
			t.Fatal(err)
		}
	}
	resp := codec.New(256)
	if err := term.Handle(context.Background(), req, resp); err != nil {
		t.Fatal(err)
	}
	var rhdr pldm.Header
	if err := rhdr.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if rhdr.Request || rhdr.InstanceID != hdr.InstanceID || rhdr.Command != hdr.Command {
		t.Fatalf("response header %+v for request %+v", rhdr, hdr)
	}
	return resp
}

func TestTerminusDiscovery(t *testing.T) {
	term := pldm.NewTerminus(echoHandler{})

	// SetTID then GetTID.
	resp := roundTrip(t, term, pldm.Header{InstanceID: 1, Request: true, Type: pldm.TypeBase, Command: pldm.CmdSetTID},
		pldm.SetTIDRequest{TID: 0x2a})
	var cc pldm.ErrorResponse
	if err := cc.Decode(resp); err != nil || cc.CompletionCode != pldm.Success {
		t.Fatalf("set tid: %v cc %#x", err, cc.CompletionCode)
	}
	resp = roundTrip(t, term, pldm.Header{InstanceID: 2, Request: true, Type: pldm.TypeBase, Command: pldm.CmdGetTID}, nil)
	var tid pldm.GetTIDResponse
	if err := tid.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if tid.TID != 0x2a {
		t.Fatalf("tid %#x", tid.TID)
	}

	// GetPLDMTypes reports base plus the registered handler.
	resp = roundTrip(t, term, pldm.Header{Request: true, Type: pldm.TypeBase, Command: pldm.CmdGetPLDMTypes}, nil)
	var types pldm.GetTypesResponse
	if err := types.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if !types.Types.Has(pldm.TypeBase) || !types.Types.Has(pldm.TypeFirmwareUpdate) {
		t.Fatalf("types %x", types.Types)
	}

	// GetPLDMVersion routes to the handler for its type.
	resp = roundTrip(t, term, pldm.Header{Request: true, Type: pldm.TypeBase, Command: pldm.CmdGetPLDMVersion},
		pldm.GetVersionRequest{TransferOpFlag: pldm.XferGetFirstPart, Type: pldm.TypeFirmwareUpdate})
	var version pldm.GetVersionResponse
	if err := version.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if version.Version.String() != "1.3.0" || version.TransferFlag != pldm.XferStartAndEnd {
		t.Fatalf("version response %+v", version)
	}

	// GetPLDMCommands for an unknown type.
	resp = roundTrip(t, term, pldm.Header{Request: true, Type: pldm.TypeBase, Command: pldm.CmdGetPLDMCommands},
		pldm.GetCommandsRequest{Type: pldm.Type(3), Version: pldm.NewVersion(1, 0, 0, 0)})
	if err := cc.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if cc.CompletionCode != pldm.ErrorInvalidPLDMType {
		t.Fatalf("unknown type cc %#x", cc.CompletionCode)
	}
}

func TestTerminusRouting(t *testing.T) {
	term := pldm.NewTerminus(echoHandler{})

	// A firmware update command reaches the handler.
	resp := roundTrip(t, term, pldm.Header{Request: true, Type: pldm.TypeFirmwareUpdate, Command: 0x01}, nil)
	var cc pldm.ErrorResponse
	if err := cc.Decode(resp); err != nil || cc.CompletionCode != pldm.Success {
		t.Fatalf("handler response: %v cc %#x", err, cc.CompletionCode)
	}

	// An unbound type is refused.
	resp = roundTrip(t, term, pldm.Header{Request: true, Type: pldm.Type(2), Command: 0x01}, nil)
	if err := cc.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if cc.CompletionCode != pldm.ErrorInvalidPLDMType {
		t.Fatalf("unbound type cc %#x", cc.CompletionCode)
	}

	// Responses are not dispatched.
	req := codec.New(16)
	if _, err := (pldm.Header{Type: pldm.TypeBase, Command: pldm.CmdGetTID}).Encode(req); err != nil {
		t.Fatal(err)
	}
	if err := term.Handle(context.Background(), req, codec.New(16)); err == nil {
		t.Fatal("response message dispatched")
	}
}
