// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package fd implements the PLDM firmware device: the responder half of the
// DSP0267 update flow that receives component images from an update agent,
// stages them, and hands them to the crypto engine for authorization.
package fd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/loader"
	"github.com/silicon-rot/mcufw/pldm"
	"github.com/silicon-rot/mcufw/pldm/fwup"
)

// Update mode timeouts. T1 is the watchdog on update agent activity; T2 is
// the retry interval for device-initiated requests.
const (
	T1 = 120 * time.Second
	T2 = 5 * time.Second
)

// defaultMaxTransferSize bounds RequestFirmwareData chunks when the device
// config does not set one.
const defaultMaxTransferSize = 1024

// Component is one updatable firmware component the device owns.
type Component struct {
	Classification  uint16
	Identifier      uint16
	Index           uint8
	ComparisonStamp uint32
	Version         fwup.VersionString

	// ImageID is the crypto engine firmware id used to authorize a newly
	// downloaded image of this component.
	ImageID uint32
	// Staging receives the downloaded image.
	Staging loader.StagingMemory
}

// matches reports whether the component is addressed by the given identity
// triple.
func (c *Component) matches(classification, identifier uint16, index uint8) bool {
	return c.Classification == classification && c.Identifier == identifier && c.Index == index
}

// evaluate resolves update eligibility against the active image. Comparison
// stamps take precedence; version strings break the tie when the stamp is
// absent or newer.
func (c *Component) evaluate(stamp uint32, version fwup.VersionString) uint8 {
	switch {
	case stamp == c.ComparisonStamp:
		return fwup.CompComparisonStampIdentical
	case stamp < c.ComparisonStamp:
		return fwup.CompComparisonStampLower
	case version.Value == c.Version.Value:
		return fwup.CompVersionStringIdentical
	case version.Value < c.Version.Value:
		return fwup.CompVersionStringLower
	default:
		return fwup.CompCanBeUpdated
	}
}

// Device is the firmware device configuration the responder serves.
type Device struct {
	// Descriptors identify the device for QueryDeviceIdentifiers.
	Descriptors []fwup.Descriptor
	// Components is the updatable component inventory.
	Components []*Component
	// ImageSetVersion is the active image set version string.
	ImageSetVersion fwup.VersionString
	// MaxTransferSize caps RequestFirmwareData chunk sizes. Zero selects
	// the default.
	MaxTransferSize uint32
	// Loader authorizes staged images against the crypto engine.
	Loader *loader.Loader
	// OnActivate is called when the update agent activates the new
	// firmware, e.g. to switch the active boot partition. May be nil.
	OnActivate func(ctx context.Context) error
}

func (d *Device) maxTransferSize() uint32 {
	if d.MaxTransferSize > 0 {
		return d.MaxTransferSize
	}
	return defaultMaxTransferSize
}

func (d *Device) component(classification, identifier uint16, index uint8) *Component {
	for _, c := range d.Components {
		if c.matches(classification, identifier, index) {
			return c
		}
	}
	return nil
}

// Responder is the firmware device update state machine. It implements
// pldm.Handler for update-agent commands; device-initiated transfers run
// through Progress.
type Responder struct {
	dev *Device

	state     fwup.State
	prevState fwup.State
	reason    uint8

	// deadline is the T1 watchdog, reset by every update agent message.
	deadline time.Time

	xferSize  uint32
	passed    []*Component
	current   *Component
	version   fwup.VersionString
	stamp     uint32
	imageSize uint32
	offset    uint32
}

// NewResponder creates a responder for the given device, in IDLE with reason
// Initialization.
func NewResponder(dev *Device) *Responder {
	return &Responder{dev: dev, reason: fwup.ReasonInitialization}
}

// State returns the current update state.
func (r *Responder) State() fwup.State { return r.state }

// PLDMType implements pldm.Handler.
func (r *Responder) PLDMType() pldm.Type { return pldm.TypeFirmwareUpdate }

// Version implements pldm.Handler.
func (r *Responder) Version() pldm.Ver32 { return pldm.NewVersion(1, 3, 0, 0) }

// Commands implements pldm.Handler.
func (r *Responder) Commands() pldm.CommandBitmap {
	var cmds pldm.CommandBitmap
	for _, c := range []uint8{
		fwup.CmdQueryDeviceIdentifiers, fwup.CmdGetFirmwareParameters,
		fwup.CmdRequestUpdate, fwup.CmdPassComponentTable, fwup.CmdUpdateComponent,
		fwup.CmdActivateFirmware, fwup.CmdGetStatus,
		fwup.CmdCancelUpdateComponent, fwup.CmdCancelUpdate,
	} {
		cmds.Set(c)
	}
	return cmds
}

func (r *Responder) setState(next fwup.State) {
	if next == r.state {
		return
	}
	slog.Debug("fd state change", "from", r.state, "to", next)
	r.prevState = r.state
	r.state = next
}

func (r *Responder) toIdle(reason uint8) {
	r.setState(fwup.StateIdle)
	r.reason = reason
	r.passed = nil
	r.current = nil
}

// inUpdateMode reports whether a RequestUpdate has been accepted and not yet
// cancelled or activated.
func (r *Responder) inUpdateMode() bool { return r.state != fwup.StateIdle }

// CheckTimeout moves the responder to IDLE if the update agent has been
// silent past the T1 watchdog. The reason records the state that timed out.
func (r *Responder) CheckTimeout(now time.Time) {
	if !r.inUpdateMode() || now.Before(r.deadline) {
		return
	}
	var reason uint8
	switch r.state {
	case fwup.StateLearnComponents:
		reason = fwup.ReasonTimeoutLearn
	case fwup.StateReadyXfer:
		reason = fwup.ReasonTimeoutReadyXfer
	case fwup.StateDownload:
		reason = fwup.ReasonTimeoutDownload
	case fwup.StateVerify:
		reason = fwup.ReasonTimeoutVerify
	case fwup.StateApply:
		reason = fwup.ReasonTimeoutApply
	default:
		reason = fwup.ReasonInitialization
	}
	slog.Warn("fd update watchdog expired", "state", r.state)
	r.toIdle(reason)
}

// Handle implements pldm.Handler.
func (r *Responder) Handle(ctx context.Context, hdr pldm.Header, req, resp *codec.Buffer) error {
	r.deadline = time.Now().Add(T1)
	encode := func(m codec.Encodable) error {
		_, err := m.Encode(resp)
		return err
	}

	switch hdr.Command {
	case fwup.CmdQueryDeviceIdentifiers:
		return encode(fwup.QueryDeviceIdentifiersResponse{Descriptors: r.dev.Descriptors})

	case fwup.CmdGetFirmwareParameters:
		return encode(r.firmwareParameters())

	case fwup.CmdRequestUpdate:
		return r.requestUpdate(req, encode)

	case fwup.CmdPassComponentTable:
		return r.passComponentTable(req, encode)

	case fwup.CmdUpdateComponent:
		return r.updateComponent(req, encode)

	case fwup.CmdActivateFirmware:
		return r.activateFirmware(ctx, req, encode)

	case fwup.CmdGetStatus:
		return encode(r.status())

	case fwup.CmdCancelUpdateComponent:
		if !r.inUpdateMode() {
			return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(fwup.CCNotInUpdateMode)})
		}
		r.current = nil
		r.setState(fwup.StateReadyXfer)
		r.reason = fwup.ReasonCancelUpdate
		return encode(pldm.ErrorResponse{CompletionCode: pldm.Success})

	case fwup.CmdCancelUpdate:
		if !r.inUpdateMode() {
			return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(fwup.CCNotInUpdateMode)})
		}
		r.toIdle(fwup.ReasonCancelUpdate)
		return encode(fwup.CancelUpdateResponse{})

	default:
		return encode(pldm.ErrorResponse{CompletionCode: pldm.ErrorUnsupportedCmd})
	}
}

func (r *Responder) firmwareParameters() fwup.GetFirmwareParametersResponse {
	resp := fwup.GetFirmwareParametersResponse{
		ActiveImageSetVersion:  r.dev.ImageSetVersion,
		PendingImageSetVersion: fwup.VersionString{Type: fwup.StrTypeUnknown},
	}
	for _, c := range r.dev.Components {
		resp.Components = append(resp.Components, fwup.ComponentParameterEntry{
			Classification:        c.Classification,
			Identifier:            c.Identifier,
			ClassificationIndex:   c.Index,
			ActiveComparisonStamp: c.ComparisonStamp,
			ActiveVersion:         c.Version,
		})
	}
	return resp
}

func (r *Responder) requestUpdate(req *codec.Buffer, encode func(codec.Encodable) error) error {
	var m fwup.RequestUpdateRequest
	if err := m.Decode(req); err != nil {
		return encode(pldm.ErrorResponse{CompletionCode: pldm.ErrorInvalidLength})
	}
	if r.inUpdateMode() {
		return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(fwup.CCAlreadyInUpdateMode)})
	}
	r.xferSize = clampTransferSize(m.MaxTransferSize, r.dev.maxTransferSize())
	r.passed = nil
	r.setState(fwup.StateLearnComponents)
	slog.Info("update mode entered", "ua_version", m.ImageSetVersion.Value, "transfer_size", r.xferSize)
	return encode(fwup.RequestUpdateResponse{})
}

// clampTransferSize resolves the negotiated RequestFirmwareData chunk size:
// the smaller of the two maxima, but never below the protocol baseline.
func clampTransferSize(ua, fd uint32) uint32 {
	size := min(ua, fd)
	return max(size, fwup.MinTransferSize)
}

func (r *Responder) passComponentTable(req *codec.Buffer, encode func(codec.Encodable) error) error {
	var m fwup.PassComponentTableRequest
	if err := m.Decode(req); err != nil {
		return encode(pldm.ErrorResponse{CompletionCode: pldm.ErrorInvalidLength})
	}
	switch r.state {
	case fwup.StateIdle:
		return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(fwup.CCNotInUpdateMode)})
	case fwup.StateLearnComponents:
	default:
		return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(fwup.CCCommandNotExpected)})
	}

	resp := fwup.PassComponentTableResponse{ResponseCode: fwup.CompCanBeUpdated}
	c := r.dev.component(m.Classification, m.Identifier, m.ClassificationIndex)
	if c == nil {
		resp.ResponseCode = fwup.CompNotSupported
	} else {
		resp.ResponseCode = c.evaluate(m.ComparisonStamp, m.Version)
	}
	if resp.ResponseCode != fwup.CompCanBeUpdated {
		resp.Response = 1
	}
	// The response code is advisory. Known components stay eligible so the
	// agent may still force the transfer in UpdateComponent.
	if c != nil {
		r.passed = append(r.passed, c)
	}
	if m.TransferFlag&fwup.TransferEnd != 0 {
		r.setState(fwup.StateReadyXfer)
	}
	return encode(resp)
}

func (r *Responder) updateComponent(req *codec.Buffer, encode func(codec.Encodable) error) error {
	var m fwup.UpdateComponentRequest
	if err := m.Decode(req); err != nil {
		return encode(pldm.ErrorResponse{CompletionCode: pldm.ErrorInvalidLength})
	}
	if r.state != fwup.StateReadyXfer {
		cc := fwup.CCCommandNotExpected
		if !r.inUpdateMode() {
			cc = fwup.CCNotInUpdateMode
		}
		return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(cc)})
	}

	// Components must have been announced via PassComponentTable.
	var c *Component
	for _, p := range r.passed {
		if p.matches(m.Classification, m.Identifier, m.ClassificationIndex) {
			c = p
			break
		}
	}
	if c == nil {
		return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(fwup.CCNotInUpdateMode)})
	}
	if int64(m.ImageSize) > c.Staging.Size() {
		return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(fwup.CCInvalidTransferLength)})
	}
	if code := c.evaluate(m.ComparisonStamp, m.Version); code != fwup.CompCanBeUpdated &&
		m.UpdateOptionFlags&fwup.UpdateOptionForce == 0 {
		return encode(fwup.UpdateComponentResponse{
			CompatibilityResponse: 1,
			CompatibilityCode:     code,
		})
	}

	r.current = c
	r.version = m.Version
	r.stamp = m.ComparisonStamp
	r.imageSize = m.ImageSize
	r.offset = 0
	r.setState(fwup.StateDownload)
	slog.Info("component download starting",
		"identifier", fmt.Sprintf("%#x", c.Identifier), "size", m.ImageSize, "version", m.Version.Value)
	return encode(fwup.UpdateComponentResponse{})
}

func (r *Responder) activateFirmware(ctx context.Context, req *codec.Buffer, encode func(codec.Encodable) error) error {
	var m fwup.ActivateFirmwareRequest
	if err := m.Decode(req); err != nil {
		return encode(pldm.ErrorResponse{CompletionCode: pldm.ErrorInvalidLength})
	}
	if r.state != fwup.StateReadyXfer {
		cc := fwup.CCCommandNotExpected
		if !r.inUpdateMode() {
			cc = fwup.CCNotInUpdateMode
		}
		return encode(pldm.ErrorResponse{CompletionCode: pldm.CompletionCode(cc)})
	}
	r.setState(fwup.StateActivate)
	if r.dev.OnActivate != nil {
		if err := r.dev.OnActivate(ctx); err != nil {
			slog.Error("firmware activation failed", "error", err)
			r.setState(fwup.StateReadyXfer)
			return encode(pldm.ErrorResponse{CompletionCode: pldm.Error})
		}
	}
	slog.Info("firmware activated")
	r.toIdle(fwup.ReasonActivateFirmware)
	return encode(fwup.ActivateFirmwareResponse{})
}

func (r *Responder) status() fwup.GetStatusResponse {
	resp := fwup.GetStatusResponse{
		CurrentState:  r.state,
		PreviousState: r.prevState,
		AuxState:      fwup.AuxStateIdle,
		ReasonCode:    r.reason,
	}
	if r.state == fwup.StateDownload && r.imageSize > 0 {
		resp.AuxState = fwup.AuxStateInProgress
		resp.ProgressPercent = uint8(uint64(r.offset) * 100 / uint64(r.imageSize))
	}
	return resp
}
