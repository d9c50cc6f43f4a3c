// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package ua

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/mctp"
	"github.com/silicon-rot/mcufw/pldm"
	"github.com/silicon-rot/mcufw/pldm/fwup"
)

// conn carries agent-initiated requests and device-initiated pulls over one
// MCTP transport.
type conn struct {
	tp         *mctp.Transport
	dest       mctp.EID
	instanceID uint8
}

// request sends one firmware update command and decodes the response body
// into resp when non-nil.
func (c *conn) request(ctx context.Context, cmd uint8, req codec.Encodable, resp codec.Decodable) error {
	hdr := pldm.Header{
		InstanceID: c.instanceID,
		Request:    true,
		Type:       pldm.TypeFirmwareUpdate,
		Command:    cmd,
	}
	c.instanceID = (c.instanceID + 1) % (pldm.MaxInstanceID + 1)

	buf := codec.New(c.tp.MaxMessageSize())
	if _, err := hdr.Encode(buf); err != nil {
		return err
	}
	if req != nil {
		if _, err := req.Encode(buf); err != nil {
			return err
		}
	}
	tag, err := c.tp.SendRequest(ctx, c.dest, mctp.TypePLDM, buf)
	if err != nil {
		return err
	}
	if _, err := c.tp.ReceiveResponse(ctx, tag, buf); err != nil {
		return err
	}

	var rhdr pldm.Header
	if err := rhdr.Decode(buf); err != nil {
		return err
	}
	if rhdr.Request || rhdr.Type != pldm.TypeFirmwareUpdate || rhdr.Command != cmd {
		return fmt.Errorf("%w: response header mismatch for command %#x", pldm.ErrInvalidMessage, cmd)
	}
	if resp != nil {
		return resp.Decode(buf)
	}
	return nil
}

// serve answers device-initiated requests for one component transfer until
// the apply notification arrives or a phase reports failure.
func (c *conn) serve(ctx context.Context, pc *PackageComponent, result *ComponentResult) error {
	req := codec.New(c.tp.MaxMessageSize())
	resp := codec.New(c.tp.MaxMessageSize())

	for {
		req.Reset()
		if _, err := c.tp.ReceiveRequest(ctx, req); err != nil {
			return err
		}
		var hdr pldm.Header
		if err := hdr.Decode(req); err != nil {
			return err
		}
		resp.Reset()
		if _, err := hdr.ResponseTo().Encode(resp); err != nil {
			return err
		}

		var done, failed bool
		var phase string
		switch hdr.Command {
		case fwup.CmdRequestFirmwareData:
			if err := c.firmwareData(req, resp, pc); err != nil {
				return err
			}

		case fwup.CmdTransferComplete:
			var m fwup.TransferCompleteRequest
			if err := m.Decode(req); err != nil {
				return err
			}
			failed, phase = m.Result != fwup.TransferSuccess, "transfer"
			if _, err := (pldm.ErrorResponse{}).Encode(resp); err != nil {
				return err
			}

		case fwup.CmdVerifyComplete:
			var m fwup.VerifyCompleteRequest
			if err := m.Decode(req); err != nil {
				return err
			}
			failed, phase = m.Result != fwup.VerifySuccess, "verify"
			if _, err := (pldm.ErrorResponse{}).Encode(resp); err != nil {
				return err
			}

		case fwup.CmdApplyComplete:
			var m fwup.ApplyCompleteRequest
			if err := m.Decode(req); err != nil {
				return err
			}
			done, failed, phase = true, m.Result != fwup.ApplySuccess, "apply"
			if _, err := (pldm.ErrorResponse{}).Encode(resp); err != nil {
				return err
			}

		default:
			if _, err := (pldm.ErrorResponse{CompletionCode: pldm.ErrorUnsupportedCmd}).Encode(resp); err != nil {
				return err
			}
		}

		if err := c.tp.SendResponse(ctx, mctp.TypePLDM, resp); err != nil {
			return err
		}
		if failed {
			return fmt.Errorf("%w: component %#x failed in %s", ErrTransferFailed, pc.Identifier, phase)
		}
		if done {
			slog.Info("component transferred",
				"identifier", fmt.Sprintf("%#x", pc.Identifier), "version", pc.Version.Value)
			result.Updated = true
			return nil
		}
	}
}

// firmwareData answers one RequestFirmwareData pull from the package image.
func (c *conn) firmwareData(req, resp *codec.Buffer, pc *PackageComponent) error {
	var m fwup.RequestFirmwareDataRequest
	if err := m.Decode(req); err != nil {
		return err
	}
	end := uint64(m.Offset) + uint64(m.Length)
	if end > uint64(len(pc.Image)) {
		_, err := (pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(fwup.CCDataOutOfRange)}).Encode(resp)
		return err
	}
	_, err := (fwup.RequestFirmwareDataResponse{Data: pc.Image[m.Offset:end]}).Encode(resp)
	return err
}
