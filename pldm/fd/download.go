// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package fd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/pldm"
	"github.com/silicon-rot/mcufw/pldm/fwup"
)

// ErrUpdateAgent indicates the update agent answered a device-initiated
// request with a non-success completion code.
var ErrUpdateAgent = errors.New("fd: update agent refused request")

// Requester issues a device-initiated firmware update request to the update
// agent and returns the response body, completion code first.
type Requester interface {
	Request(ctx context.Context, cmd uint8, req codec.Encodable) (*codec.Buffer, error)
}

// Progress performs the next device-initiated action: a firmware data pull
// in DOWNLOAD, or the completion notification of the download, verify and
// apply phases. It reports whether an action was performed; callers loop
// until it returns false and then go back to serving update agent requests.
//
// A transport error leaves the state machine position unchanged so the same
// action is retried on the next call, giving T2 retry semantics when the
// caller paces retries.
func (r *Responder) Progress(ctx context.Context, ua Requester) (bool, error) {
	switch r.state {
	case fwup.StateDownload:
		return true, r.download(ctx, ua)
	case fwup.StateVerify:
		return true, r.verify(ctx, ua)
	case fwup.StateApply:
		return true, r.apply(ctx, ua)
	default:
		return false, nil
	}
}

func (r *Responder) download(ctx context.Context, ua Requester) error {
	if r.offset < r.imageSize {
		length := min(r.xferSize, r.imageSize-r.offset)
		resp, err := ua.Request(ctx, fwup.CmdRequestFirmwareData, fwup.RequestFirmwareDataRequest{
			Offset: r.offset,
			Length: length,
		})
		if err != nil {
			return err
		}
		var m fwup.RequestFirmwareDataResponse
		if err := m.Decode(resp); err != nil {
			return err
		}
		if m.CompletionCode != pldm.Success {
			return fmt.Errorf("%w: firmware data at %#x: cc %#x", ErrUpdateAgent, r.offset, m.CompletionCode)
		}
		// A short or long chunk would tear the sequential offset tracking,
		// so it fails the transfer rather than being written.
		if uint32(len(m.Data)) != length {
			r.failComponent()
			return r.notify(ctx, ua, fwup.CmdTransferComplete,
				fwup.TransferCompleteRequest{Result: fwup.TransferErrImage})
		}
		if err := r.current.Staging.WriteAt(int64(r.offset), m.Data); err != nil {
			r.failComponent()
			return r.notify(ctx, ua, fwup.CmdTransferComplete,
				fwup.TransferCompleteRequest{Result: fwup.TransferErrImage})
		}
		r.offset += length
		return nil
	}

	if err := r.notify(ctx, ua, fwup.CmdTransferComplete,
		fwup.TransferCompleteRequest{Result: fwup.TransferSuccess}); err != nil {
		return err
	}
	r.setState(fwup.StateVerify)
	return nil
}

func (r *Responder) verify(ctx context.Context, ua Requester) error {
	result := fwup.VerifySuccess
	if err := r.current.Staging.Finalize(); err != nil {
		slog.Error("staged image finalize failed", "error", err)
		result = fwup.VerifyErrVerification
	}
	if err := r.notify(ctx, ua, fwup.CmdVerifyComplete, fwup.VerifyCompleteRequest{Result: result}); err != nil {
		return err
	}
	if result != fwup.VerifySuccess {
		r.failComponent()
		return nil
	}
	r.setState(fwup.StateApply)
	return nil
}

func (r *Responder) apply(ctx context.Context, ua Requester) error {
	result := fwup.ApplySuccess
	err := r.dev.Loader.AuthorizeStaged(ctx, r.current.Staging, r.current.ImageID, r.imageSize)
	if err != nil {
		slog.Error("staged image authorization failed",
			"identifier", fmt.Sprintf("%#x", r.current.Identifier), "error", err)
		result = fwup.ApplyErrFailure
	}
	if err := r.notify(ctx, ua, fwup.CmdApplyComplete, fwup.ApplyCompleteRequest{Result: result}); err != nil {
		return err
	}
	if result != fwup.ApplySuccess {
		r.failComponent()
		return nil
	}
	// The component now runs the downloaded image once activated.
	r.current.ComparisonStamp = r.stamp
	r.current.Version = r.version
	r.current = nil
	r.setState(fwup.StateReadyXfer)
	return nil
}

// failComponent abandons the in-flight component and returns to READY XFER
// for the next UpdateComponent or cancel.
func (r *Responder) failComponent() {
	r.current = nil
	r.setState(fwup.StateReadyXfer)
}

// notify sends a completion-style request and checks the completion-code
// only response.
func (r *Responder) notify(ctx context.Context, ua Requester, cmd uint8, req codec.Encodable) error {
	resp, err := ua.Request(ctx, cmd, req)
	if err != nil {
		return err
	}
	var m pldm.ErrorResponse
	if err := m.Decode(resp); err != nil {
		return err
	}
	if m.CompletionCode != pldm.Success {
		return fmt.Errorf("%w: command %#x: cc %#x", ErrUpdateAgent, cmd, m.CompletionCode)
	}
	return nil
}
