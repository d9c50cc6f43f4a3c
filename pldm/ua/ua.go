// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package ua implements the PLDM update agent: the initiator that walks a
// firmware device through the DSP0267 update sequence, serving component
// images from a firmware package.
package ua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coreos/go-semver/semver"

	"github.com/silicon-rot/mcufw/mctp"
	"github.com/silicon-rot/mcufw/pldm"
	"github.com/silicon-rot/mcufw/pldm/fwup"
)

// Update agent errors.
var (
	ErrDeviceRefused  = errors.New("ua: firmware device refused request")
	ErrTransferFailed = errors.New("ua: component transfer failed")
)

// defaultMaxTransferSize is the transfer size requested when the agent
// config does not set one.
const defaultMaxTransferSize = 256

// PackageComponent is one component image carried by a firmware package.
type PackageComponent struct {
	Classification  uint16
	Identifier      uint16
	Index           uint8
	ComparisonStamp uint32
	Version         fwup.VersionString
	Image           []byte
}

// Package is the firmware package manifest the agent serves images from.
type Package struct {
	ImageSetVersion fwup.VersionString
	Components      []PackageComponent
}

// ComponentResult records the outcome for one package component.
type ComponentResult struct {
	Identifier uint16
	Updated    bool
	// Skipped names the reason when the component was not transferred.
	Skipped string
}

// Report summarizes one update run.
type Report struct {
	Descriptors []fwup.Descriptor
	Components  []ComponentResult
	Activated   bool
}

// Agent drives firmware updates from a package.
type Agent struct {
	pkg *Package

	// MaxTransferSize is the chunk size offered in RequestUpdate. Zero
	// selects the default.
	MaxTransferSize uint32

	// Force offers every packaged component regardless of the release
	// comparison, allowing downgrades.
	Force bool
}

// New creates an update agent for the given package.
func New(pkg *Package) *Agent { return &Agent{pkg: pkg} }

func (a *Agent) maxTransferSize() uint32 {
	if a.MaxTransferSize > 0 {
		return a.MaxTransferSize
	}
	return defaultMaxTransferSize
}

// shouldUpdate reports whether the packaged component is newer than the
// active one. Versions that parse as semantic versions on both sides are
// compared as releases; otherwise the comparison stamp decides.
func shouldUpdate(active *fwup.ComponentParameterEntry, pc *PackageComponent) bool {
	av, aerr := semver.NewVersion(active.ActiveVersion.Value)
	pv, perr := semver.NewVersion(pc.Version.Value)
	if aerr == nil && perr == nil {
		return av.LessThan(*pv)
	}
	return pc.ComparisonStamp > active.ActiveComparisonStamp
}

// Update walks the firmware device at dev through the full update sequence
// and activates the transferred components.
func (a *Agent) Update(ctx context.Context, tp *mctp.Transport, dev mctp.EID) (*Report, error) {
	c := conn{tp: tp, dest: dev}
	report := &Report{}

	// Discovery.
	var ids fwup.QueryDeviceIdentifiersResponse
	if err := c.request(ctx, fwup.CmdQueryDeviceIdentifiers, nil, &ids); err != nil {
		return nil, err
	}
	if ids.CompletionCode != pldm.Success {
		return nil, fmt.Errorf("%w: QueryDeviceIdentifiers cc %#x", ErrDeviceRefused, ids.CompletionCode)
	}
	report.Descriptors = ids.Descriptors

	var parms fwup.GetFirmwareParametersResponse
	if err := c.request(ctx, fwup.CmdGetFirmwareParameters, nil, &parms); err != nil {
		return nil, err
	}
	if parms.CompletionCode != pldm.Success {
		return nil, fmt.Errorf("%w: GetFirmwareParameters cc %#x", ErrDeviceRefused, parms.CompletionCode)
	}

	// Release gating: only components the package actually advances.
	var wanted []*PackageComponent
	for i := range a.pkg.Components {
		pc := &a.pkg.Components[i]
		active := findEntry(parms.Components, pc)
		switch {
		case active == nil:
			report.Components = append(report.Components,
				ComponentResult{Identifier: pc.Identifier, Skipped: "not present on device"})
		case !a.Force && !shouldUpdate(active, pc):
			slog.Info("component already current",
				"identifier", fmt.Sprintf("%#x", pc.Identifier), "active", active.ActiveVersion.Value)
			report.Components = append(report.Components,
				ComponentResult{Identifier: pc.Identifier, Skipped: "already current"})
		default:
			wanted = append(wanted, pc)
		}
	}
	if len(wanted) == 0 {
		return report, nil
	}

	// Enter update mode.
	var ru fwup.RequestUpdateResponse
	err := c.request(ctx, fwup.CmdRequestUpdate, fwup.RequestUpdateRequest{
		MaxTransferSize: a.maxTransferSize(),
		ComponentCount:  uint16(len(wanted)),
		ImageSetVersion: a.pkg.ImageSetVersion,
	}, &ru)
	if err != nil {
		return nil, err
	}
	if ru.CompletionCode != pldm.Success {
		return nil, fmt.Errorf("%w: RequestUpdate cc %#x", ErrDeviceRefused, ru.CompletionCode)
	}

	// Announce the component set.
	var accepted []*PackageComponent
	for i, pc := range wanted {
		flag := fwup.TransferMiddle
		if i == 0 {
			flag = fwup.TransferStart
		}
		if i == len(wanted)-1 {
			flag |= fwup.TransferEnd
		}
		var pass fwup.PassComponentTableResponse
		err := c.request(ctx, fwup.CmdPassComponentTable, fwup.PassComponentTableRequest{
			TransferFlag:        flag,
			Classification:      pc.Classification,
			Identifier:          pc.Identifier,
			ClassificationIndex: pc.Index,
			ComparisonStamp:     pc.ComparisonStamp,
			Version:             pc.Version,
		}, &pass)
		if err != nil {
			return nil, err
		}
		refused := pass.CompletionCode != pldm.Success || pass.ResponseCode != fwup.CompCanBeUpdated
		if a.Force && pass.CompletionCode == pldm.Success && pass.ResponseCode != fwup.CompNotSupported {
			refused = false
		}
		if refused {
			report.Components = append(report.Components, ComponentResult{
				Identifier: pc.Identifier,
				Skipped:    fmt.Sprintf("device response code %#x", pass.ResponseCode),
			})
			continue
		}
		accepted = append(accepted, pc)
	}
	if len(accepted) == 0 {
		if err := a.cancel(ctx, &c); err != nil {
			return nil, err
		}
		return report, nil
	}

	// Transfer each component and serve the device-initiated pulls.
	for _, pc := range accepted {
		result, err := a.transfer(ctx, &c, pc)
		if err != nil {
			return nil, err
		}
		report.Components = append(report.Components, result)
	}

	var act fwup.ActivateFirmwareResponse
	err = c.request(ctx, fwup.CmdActivateFirmware,
		fwup.ActivateFirmwareRequest{SelfContainedActivation: true}, &act)
	if err != nil {
		return nil, err
	}
	if act.CompletionCode != pldm.Success {
		return report, fmt.Errorf("%w: ActivateFirmware cc %#x", ErrDeviceRefused, act.CompletionCode)
	}
	report.Activated = true
	return report, nil
}

func (a *Agent) cancel(ctx context.Context, c *conn) error {
	var resp fwup.CancelUpdateResponse
	if err := c.request(ctx, fwup.CmdCancelUpdate, nil, &resp); err != nil {
		return err
	}
	if resp.CompletionCode != pldm.Success {
		return fmt.Errorf("%w: CancelUpdate cc %#x", ErrDeviceRefused, resp.CompletionCode)
	}
	return nil
}

// transfer starts one component update and serves the device's download,
// verify and apply notifications until the component settles.
func (a *Agent) transfer(ctx context.Context, c *conn, pc *PackageComponent) (ComponentResult, error) {
	result := ComponentResult{Identifier: pc.Identifier}

	var options uint32
	if a.Force {
		options |= fwup.UpdateOptionForce
	}
	var uc fwup.UpdateComponentResponse
	err := c.request(ctx, fwup.CmdUpdateComponent, fwup.UpdateComponentRequest{
		Classification:      pc.Classification,
		Identifier:          pc.Identifier,
		ClassificationIndex: pc.Index,
		ComparisonStamp:     pc.ComparisonStamp,
		ImageSize:           uint32(len(pc.Image)),
		UpdateOptionFlags:   options,
		Version:             pc.Version,
	}, &uc)
	if err != nil {
		return result, err
	}
	if uc.CompletionCode != pldm.Success || uc.CompatibilityResponse != 0 {
		result.Skipped = fmt.Sprintf("UpdateComponent cc %#x compat %#x", uc.CompletionCode, uc.CompatibilityResponse)
		return result, nil
	}

	if err := c.serve(ctx, pc, &result); err != nil {
		return result, err
	}
	return result, nil
}

func findEntry(entries []fwup.ComponentParameterEntry, pc *PackageComponent) *fwup.ComponentParameterEntry {
	for i := range entries {
		e := &entries[i]
		if e.Classification == pc.Classification && e.Identifier == pc.Identifier &&
			e.ClassificationIndex == pc.Index {
			return e
		}
	}
	return nil
}
