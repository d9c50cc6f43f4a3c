// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package responder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/mctp"
)

// Run serves SPDM requests over an MCTP transport until ctx is done. Plain
// messages arrive as the SPDM message type; session records arrive as the
// secured-message type and are answered in kind.
func (r *Responder) Run(ctx context.Context, tp *mctp.Transport) error {
	req := codec.New(tp.MaxMessageSize())
	resp := codec.New(tp.MaxMessageSize())

	for {
		req.Reset()
		typ, err := tp.ReceiveRequest(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("dropping unusable request", "error", err)
			continue
		}

		resp.Reset()
		switch typ {
		case mctp.TypeSPDM:
			err = r.Handle(ctx, req, resp)
		case mctp.TypeSecuredMsg:
			err = r.HandleSecured(ctx, req, resp)
		default:
			err = fmt.Errorf("message type %s not handled", typ)
		}
		if err != nil {
			slog.Warn("dropping unanswerable request", "error", err)
			continue
		}

		if err := tp.SendResponse(ctx, typ, resp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("response send failed", "error", err)
		}
	}
}
