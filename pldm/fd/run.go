// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package fd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/mctp"
	"github.com/silicon-rot/mcufw/pldm"
)

// Run serves the firmware device over an MCTP transport until ctx is done.
// Update agent requests are answered through a PLDM terminus; while a
// component transfer is in flight the loop drives the device-initiated
// download, verify and apply actions toward the agent at ua.
func (r *Responder) Run(ctx context.Context, tp *mctp.Transport, ua mctp.EID) error {
	term := pldm.NewTerminus(r)
	req := codec.New(tp.MaxMessageSize())
	resp := codec.New(tp.MaxMessageSize())
	requester := &transportRequester{tp: tp, dest: ua}

	for {
		for {
			r.CheckTimeout(time.Now())
			did, err := r.Progress(ctx, requester)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("retrying device-initiated request", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(T2):
				}
				continue
			}
			if !did {
				break
			}
		}

		req.Reset()
		if _, err := tp.ReceiveRequest(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("dropping unusable request", "error", err)
			continue
		}
		resp.Reset()
		if err := term.Handle(ctx, req, resp); err != nil {
			slog.Warn("dropping unparseable request", "error", err)
			continue
		}
		if err := tp.SendResponse(ctx, mctp.TypePLDM, resp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("response send failed", "error", err)
		}
	}
}

// transportRequester issues device-initiated firmware update requests over
// MCTP.
type transportRequester struct {
	tp         *mctp.Transport
	dest       mctp.EID
	instanceID uint8
}

// Request implements Requester.
func (t *transportRequester) Request(ctx context.Context, cmd uint8, req codec.Encodable) (*codec.Buffer, error) {
	hdr := pldm.Header{
		InstanceID: t.instanceID,
		Request:    true,
		Type:       pldm.TypeFirmwareUpdate,
		Command:    cmd,
	}
	t.instanceID = (t.instanceID + 1) % (pldm.MaxInstanceID + 1)

	buf := codec.New(t.tp.MaxMessageSize())
	if _, err := hdr.Encode(buf); err != nil {
		return nil, err
	}
	if _, err := req.Encode(buf); err != nil {
		return nil, err
	}
	tag, err := t.tp.SendRequest(ctx, t.dest, mctp.TypePLDM, buf)
	if err != nil {
		return nil, err
	}
	if _, err := t.tp.ReceiveResponse(ctx, tag, buf); err != nil {
		return nil, err
	}

	var rhdr pldm.Header
	if err := rhdr.Decode(buf); err != nil {
		return nil, err
	}
	if rhdr.Request || rhdr.Type != pldm.TypeFirmwareUpdate || rhdr.Command != cmd {
		return nil, fmt.Errorf("%w: response header mismatch for command %#x", pldm.ErrInvalidMessage, cmd)
	}
	return buf, nil
}
