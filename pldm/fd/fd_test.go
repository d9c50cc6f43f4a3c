// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package fd_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/loader"
	"github.com/silicon-rot/mcufw/mailbox"
	"github.com/silicon-rot/mcufw/mcutest"
	"github.com/silicon-rot/mcufw/pldm"
	"github.com/silicon-rot/mcufw/pldm/fd"
	"github.com/silicon-rot/mcufw/pldm/fwup"
)

// fakeUA answers device-initiated requests from an in-memory image and
// records what the device sent.
type fakeUA struct {
	image       []byte
	pulls       []fwup.RequestFirmwareDataRequest
	completions map[uint8]uint8
	// Short makes one firmware data response shorter than requested.
	short bool
}

func newFakeUA(image []byte) *fakeUA {
	return &fakeUA{image: image, completions: make(map[uint8]uint8)}
}

func (u *fakeUA) Request(_ context.Context, cmd uint8, req codec.Encodable) (*codec.Buffer, error) {
	buf := codec.New(4096)
	if _, err := req.Encode(buf); err != nil {
		return nil, err
	}
	out := codec.New(4096)
	switch cmd {
	case fwup.CmdRequestFirmwareData:
		var m fwup.RequestFirmwareDataRequest
		if err := m.Decode(buf); err != nil {
			return nil, err
		}
		u.pulls = append(u.pulls, m)
		data := u.image[m.Offset : m.Offset+m.Length]
		if u.short {
			data = data[:len(data)-1]
			u.short = false
		}
		if _, err := (fwup.RequestFirmwareDataResponse{Data: data}).Encode(out); err != nil {
			return nil, err
		}
	case fwup.CmdTransferComplete:
		var m fwup.TransferCompleteRequest
		if err := m.Decode(buf); err != nil {
			return nil, err
		}
		u.completions[cmd] = m.Result
		if _, err := (pldm.ErrorResponse{}).Encode(out); err != nil {
			return nil, err
		}
	case fwup.CmdVerifyComplete:
		var m fwup.VerifyCompleteRequest
		if err := m.Decode(buf); err != nil {
			return nil, err
		}
		u.completions[cmd] = m.Result
		if _, err := (pldm.ErrorResponse{}).Encode(out); err != nil {
			return nil, err
		}
	case fwup.CmdApplyComplete:
		var m fwup.ApplyCompleteRequest
		if err := m.Decode(buf); err != nil {
			return nil, err
		}
		u.completions[cmd] = m.Result
		if _, err := (pldm.ErrorResponse{}).Encode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func newResponder(t *testing.T) (*fd.Responder, *fd.Device, *mcutest.Engine) {
	t.Helper()
	mcutest.CaptureLog(t)
	engine := mcutest.NewEngine()
	engine.Images[1] = &mcutest.ImageSlot{LoadAddr: 0x8000, SizeLimit: 4096}
	dev := &fd.Device{
		Descriptors: []fwup.Descriptor{
			{Type: fwup.DescriptorIANA, Value: []byte{0x12, 0x34, 0x56, 0x78}},
		},
		Components: []*fd.Component{{
			Classification:  fwup.ClassificationFirmware,
			Identifier:      0x1001,
			ComparisonStamp: 5,
			Version:         fwup.ASCIIVersion("2.0.0"),
			ImageID:         1,
			Staging:         loader.NewRAMStaging(256),
		}},
		ImageSetVersion: fwup.ASCIIVersion("soc-2.0.0"),
		MaxTransferSize: 64,
		Loader: &loader.Loader{
			Engine: mailbox.NewClient(engine),
			Mem:    engine.RAM,
		},
	}
	return fd.NewResponder(dev), dev, engine
}

// call runs one update agent command against the responder and decodes the
// response body into resp when non-nil.
func call(t *testing.T, r *fd.Responder, cmd uint8, req codec.Encodable, resp codec.Decodable) {
	t.Helper()
	reqBuf := codec.New(1024)
	if req != nil {
		if _, err := req.Encode(reqBuf); err != nil {
			t.Fatal(err)
		}
	}
	respBuf := codec.New(1024)
	hdr := pldm.Header{Request: true, Type: pldm.TypeFirmwareUpdate, Command: cmd}
	if err := r.Handle(context.Background(), hdr, reqBuf, respBuf); err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		if err := resp.Decode(respBuf); err != nil {
			t.Fatal(err)
		}
	}
}

// drive runs device-initiated actions until the responder goes quiescent.
func drive(t *testing.T, r *fd.Responder, ua fd.Requester) {
	t.Helper()
	for {
		did, err := r.Progress(context.Background(), ua)
		if err != nil {
			t.Fatal(err)
		}
		if !did {
			return
		}
	}
}

func TestComponentUpdateFlow(t *testing.T) {
	r, dev, engine := newResponder(t)
	image := bytes.Repeat([]byte{0x42}, 200)
	ua := newFakeUA(image)

	// Inventory is served in IDLE.
	var ids fwup.QueryDeviceIdentifiersResponse
	call(t, r, fwup.CmdQueryDeviceIdentifiers, nil, &ids)
	if len(ids.Descriptors) != 1 || ids.Descriptors[0].Type != fwup.DescriptorIANA {
		t.Fatalf("descriptors %+v", ids.Descriptors)
	}
	var parms fwup.GetFirmwareParametersResponse
	call(t, r, fwup.CmdGetFirmwareParameters, nil, &parms)
	if len(parms.Components) != 1 || parms.Components[0].ActiveVersion.Value != "2.0.0" {
		t.Fatalf("parameters %+v", parms)
	}

	// UA requests a tiny transfer size; the clamp keeps the baseline.
	var ru fwup.RequestUpdateResponse
	call(t, r, fwup.CmdRequestUpdate, fwup.RequestUpdateRequest{
		MaxTransferSize: 16,
		ComponentCount:  1,
		ImageSetVersion: fwup.ASCIIVersion("soc-2.1.0"),
	}, &ru)
	if ru.CompletionCode != pldm.Success || r.State() != fwup.StateLearnComponents {
		t.Fatalf("request update: cc %#x state %s", ru.CompletionCode, r.State())
	}

	var pass fwup.PassComponentTableResponse
	call(t, r, fwup.CmdPassComponentTable, fwup.PassComponentTableRequest{
		TransferFlag:    fwup.TransferStartAndEnd,
		Classification:  fwup.ClassificationFirmware,
		Identifier:      0x1001,
		ComparisonStamp: 6,
		Version:         fwup.ASCIIVersion("2.1.0"),
	}, &pass)
	if pass.ResponseCode != fwup.CompCanBeUpdated || r.State() != fwup.StateReadyXfer {
		t.Fatalf("pass component: code %#x state %s", pass.ResponseCode, r.State())
	}

	var uc fwup.UpdateComponentResponse
	call(t, r, fwup.CmdUpdateComponent, fwup.UpdateComponentRequest{
		Classification:  fwup.ClassificationFirmware,
		Identifier:      0x1001,
		ComparisonStamp: 6,
		ImageSize:       uint32(len(image)),
		Version:         fwup.ASCIIVersion("2.1.0"),
	}, &uc)
	if uc.CompletionCode != pldm.Success || r.State() != fwup.StateDownload {
		t.Fatalf("update component: cc %#x state %s", uc.CompletionCode, r.State())
	}

	drive(t, r, ua)

	if r.State() != fwup.StateReadyXfer {
		t.Fatalf("state after transfer %s", r.State())
	}
	// 200 bytes at the clamped 32-byte chunk size is 7 pulls.
	if len(ua.pulls) != 7 {
		t.Fatalf("%d firmware data pulls", len(ua.pulls))
	}
	for _, c := range []uint8{fwup.CmdTransferComplete, fwup.CmdVerifyComplete, fwup.CmdApplyComplete} {
		if result, sent := ua.completions[c]; !sent || result != 0 {
			t.Fatalf("completion %#x: sent %t result %#x", c, sent, result)
		}
	}
	if !engine.Images[1].Authorized {
		t.Fatal("image not authorized")
	}
	got := make([]byte, len(image))
	if err := engine.RAM.ReadAt(0x8000, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, image) {
		t.Fatal("image bytes not at load address")
	}
	// The component inventory reflects the applied version.
	if dev.Components[0].Version.Value != "2.1.0" || dev.Components[0].ComparisonStamp != 6 {
		t.Fatalf("component after apply %+v", dev.Components[0])
	}

	activated := false
	dev.OnActivate = func(context.Context) error { activated = true; return nil }
	var act fwup.ActivateFirmwareResponse
	call(t, r, fwup.CmdActivateFirmware, fwup.ActivateFirmwareRequest{SelfContainedActivation: true}, &act)
	if act.CompletionCode != pldm.Success || !activated || r.State() != fwup.StateIdle {
		t.Fatalf("activate: cc %#x activated %t state %s", act.CompletionCode, activated, r.State())
	}
	var status fwup.GetStatusResponse
	call(t, r, fwup.CmdGetStatus, nil, &status)
	if status.ReasonCode != fwup.ReasonActivateFirmware {
		t.Fatalf("idle reason %#x", status.ReasonCode)
	}
}

func TestComponentEligibility(t *testing.T) {
	r, _, _ := newResponder(t)
	call(t, r, fwup.CmdRequestUpdate, fwup.RequestUpdateRequest{MaxTransferSize: 64}, nil)

	for _, tt := range []struct {
		name string
		req  fwup.PassComponentTableRequest
		code uint8
	}{
		{"identical stamp", fwup.PassComponentTableRequest{
			Classification: fwup.ClassificationFirmware, Identifier: 0x1001,
			ComparisonStamp: 5, Version: fwup.ASCIIVersion("2.0.0"),
		}, fwup.CompComparisonStampIdentical},
		{"lower stamp", fwup.PassComponentTableRequest{
			Classification: fwup.ClassificationFirmware, Identifier: 0x1001,
			ComparisonStamp: 4, Version: fwup.ASCIIVersion("1.9.0"),
		}, fwup.CompComparisonStampLower},
		{"identical version", fwup.PassComponentTableRequest{
			Classification: fwup.ClassificationFirmware, Identifier: 0x1001,
			ComparisonStamp: 6, Version: fwup.ASCIIVersion("2.0.0"),
		}, fwup.CompVersionStringIdentical},
		{"unknown component", fwup.PassComponentTableRequest{
			Classification: fwup.ClassificationFirmware, Identifier: 0x9999,
			ComparisonStamp: 6, Version: fwup.ASCIIVersion("2.1.0"),
		}, fwup.CompNotSupported},
	} {
		var resp fwup.PassComponentTableResponse
		call(t, r, fwup.CmdPassComponentTable, tt.req, &resp)
		if resp.ResponseCode != tt.code {
			t.Errorf("%s: response code %#x, want %#x", tt.name, resp.ResponseCode, tt.code)
		}
		if resp.Response == 0 && tt.code != fwup.CompCanBeUpdated {
			t.Errorf("%s: component accepted", tt.name)
		}
	}
}

func TestOversizedImageRefused(t *testing.T) {
	r, _, _ := newResponder(t)
	call(t, r, fwup.CmdRequestUpdate, fwup.RequestUpdateRequest{MaxTransferSize: 64}, nil)
	call(t, r, fwup.CmdPassComponentTable, fwup.PassComponentTableRequest{
		TransferFlag: fwup.TransferStartAndEnd, Classification: fwup.ClassificationFirmware,
		Identifier: 0x1001, ComparisonStamp: 6, Version: fwup.ASCIIVersion("2.1.0"),
	}, nil)

	// An image larger than the staging area is a length error, not a
	// component comparison outcome.
	var uc fwup.UpdateComponentResponse
	call(t, r, fwup.CmdUpdateComponent, fwup.UpdateComponentRequest{
		Classification: fwup.ClassificationFirmware, Identifier: 0x1001,
		ComparisonStamp: 6, ImageSize: 4096, Version: fwup.ASCIIVersion("2.1.0"),
	}, &uc)
	if uint8(uc.CompletionCode) != fwup.CCInvalidTransferLength {
		t.Fatalf("oversized image: cc %#x", uc.CompletionCode)
	}
	if r.State() != fwup.StateReadyXfer {
		t.Fatalf("state %s", r.State())
	}
}

func TestStateGating(t *testing.T) {
	r, _, _ := newResponder(t)

	// Update commands outside update mode.
	var pass fwup.PassComponentTableResponse
	call(t, r, fwup.CmdPassComponentTable, fwup.PassComponentTableRequest{}, &pass)
	if uint8(pass.CompletionCode) != fwup.CCNotInUpdateMode {
		t.Fatalf("pass in idle: cc %#x", pass.CompletionCode)
	}

	call(t, r, fwup.CmdRequestUpdate, fwup.RequestUpdateRequest{MaxTransferSize: 64}, nil)

	// Second RequestUpdate while in update mode.
	var ru fwup.RequestUpdateResponse
	call(t, r, fwup.CmdRequestUpdate, fwup.RequestUpdateRequest{MaxTransferSize: 64}, &ru)
	if uint8(ru.CompletionCode) != fwup.CCAlreadyInUpdateMode {
		t.Fatalf("second request update: cc %#x", ru.CompletionCode)
	}

	// UpdateComponent for a component never passed.
	call(t, r, fwup.CmdPassComponentTable, fwup.PassComponentTableRequest{
		TransferFlag: fwup.TransferStartAndEnd, Classification: fwup.ClassificationFirmware,
		Identifier: 0x1001, ComparisonStamp: 9, Version: fwup.ASCIIVersion("3.0.0"),
	}, nil)
	var uc fwup.UpdateComponentResponse
	call(t, r, fwup.CmdUpdateComponent, fwup.UpdateComponentRequest{
		Classification: fwup.ClassificationFirmware, Identifier: 0x2002, ImageSize: 16,
	}, &uc)
	if uint8(uc.CompletionCode) != fwup.CCNotInUpdateMode {
		t.Fatalf("unpassed component: cc %#x", uc.CompletionCode)
	}

	// CancelUpdate returns to IDLE.
	var cancel fwup.CancelUpdateResponse
	call(t, r, fwup.CmdCancelUpdate, nil, &cancel)
	if cancel.CompletionCode != pldm.Success || r.State() != fwup.StateIdle {
		t.Fatalf("cancel: cc %#x state %s", cancel.CompletionCode, r.State())
	}
	var status fwup.GetStatusResponse
	call(t, r, fwup.CmdGetStatus, nil, &status)
	if status.ReasonCode != fwup.ReasonCancelUpdate {
		t.Fatalf("idle reason %#x", status.ReasonCode)
	}
}

func TestShortChunkFailsTransfer(t *testing.T) {
	r, _, engine := newResponder(t)
	image := bytes.Repeat([]byte{0x11}, 100)
	ua := newFakeUA(image)
	ua.short = true

	call(t, r, fwup.CmdRequestUpdate, fwup.RequestUpdateRequest{MaxTransferSize: 64}, nil)
	call(t, r, fwup.CmdPassComponentTable, fwup.PassComponentTableRequest{
		TransferFlag: fwup.TransferStartAndEnd, Classification: fwup.ClassificationFirmware,
		Identifier: 0x1001, ComparisonStamp: 6, Version: fwup.ASCIIVersion("2.1.0"),
	}, nil)
	call(t, r, fwup.CmdUpdateComponent, fwup.UpdateComponentRequest{
		Classification: fwup.ClassificationFirmware, Identifier: 0x1001,
		ComparisonStamp: 6, ImageSize: uint32(len(image)), Version: fwup.ASCIIVersion("2.1.0"),
	}, nil)

	drive(t, r, ua)

	if r.State() != fwup.StateReadyXfer {
		t.Fatalf("state %s", r.State())
	}
	if result := ua.completions[fwup.CmdTransferComplete]; result != fwup.TransferErrImage {
		t.Fatalf("transfer result %#x", result)
	}
	if engine.Images[1].Authorized {
		t.Fatal("image authorized after failed transfer")
	}
}

func TestWatchdogTimeout(t *testing.T) {
	r, _, _ := newResponder(t)
	call(t, r, fwup.CmdRequestUpdate, fwup.RequestUpdateRequest{MaxTransferSize: 64}, nil)

	r.CheckTimeout(time.Now())
	if r.State() != fwup.StateLearnComponents {
		t.Fatalf("state after early check %s", r.State())
	}
	r.CheckTimeout(time.Now().Add(fd.T1 + time.Second))
	if r.State() != fwup.StateIdle {
		t.Fatalf("state after expiry %s", r.State())
	}
	var status fwup.GetStatusResponse
	call(t, r, fwup.CmdGetStatus, nil, &status)
	if status.ReasonCode != fwup.ReasonTimeoutLearn {
		t.Fatalf("idle reason %#x", status.ReasonCode)
	}
}
