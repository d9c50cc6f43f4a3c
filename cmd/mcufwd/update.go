// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/silicon-rot/mcufw/image"
	"github.com/silicon-rot/mcufw/loader"
	"github.com/silicon-rot/mcufw/mailbox"
	"github.com/silicon-rot/mcufw/mctp"
	"github.com/silicon-rot/mcufw/mcutest"
	"github.com/silicon-rot/mcufw/pldm/fd"
	"github.com/silicon-rot/mcufw/pldm/fwup"
	"github.com/silicon-rot/mcufw/pldm/ua"
)

var updateFlags = flag.NewFlagSet("update", flag.ContinueOnError)

var (
	bundlePath    string
	bundleVersion string
	transferSize  uint
	updateDebug   bool
)

const (
	agentEID  mctp.EID = 8
	deviceEID mctp.EID = 9

	runtimeImageID  = 1
	manifestImageID = 2
)

func init() {
	updateFlags.StringVar(&bundlePath, "bundle", "", "Firmware bundle archive; defaults to $"+image.BundleEnv)
	updateFlags.StringVar(&bundleVersion, "version", "0.0.1", "Image set version carried by the bundle")
	updateFlags.UintVar(&transferSize, "transfer", 256, "Firmware data chunk size offered to the device")
	updateFlags.BoolVar(&updateDebug, "debug", false, "Print debug contents")
}

// update runs a full firmware update from a bundle archive against a
// simulated device: the PLDM update agent on one end of an in-process MCTP
// pair, the firmware device state machine backed by the crypto-engine model
// on the other.
func update() error {
	if updateDebug {
		level.Set(slog.LevelDebug)
	}

	var bundle *image.Bundle
	var err error
	if bundlePath != "" {
		bundle, err = image.OpenBundle(bundlePath)
	} else {
		bundle, err = image.OpenBundleFromEnv()
	}
	if err != nil {
		return err
	}
	runtime, err := bundle.Entry(image.EntryMCURuntime)
	if err != nil {
		return err
	}
	manifest, err := bundle.Entry(image.EntrySOCManifest)
	if err != nil {
		return err
	}

	engine := mcutest.NewEngine()
	engine.Images[runtimeImageID] = &mcutest.ImageSlot{LoadAddr: 0x2000_0000, SizeLimit: uint32(len(runtime))}
	engine.Images[manifestImageID] = &mcutest.ImageSlot{LoadAddr: 0x2010_0000, SizeLimit: uint32(len(manifest))}

	dev := &fd.Device{
		Descriptors: []fwup.Descriptor{{Type: fwup.DescriptorIANA, Value: []byte{0x12, 0x34, 0x56, 0x78}}},
		Components: []*fd.Component{
			{
				Classification: fwup.ClassificationFirmware,
				Identifier:     runtimeImageID,
				Version:        fwup.ASCIIVersion("0.0.0"),
				ImageID:        runtimeImageID,
				Staging:        loader.NewRAMStaging(len(runtime)),
			},
			{
				Classification: fwup.ClassificationFirmware,
				Identifier:     manifestImageID,
				Index:          1,
				Version:        fwup.ASCIIVersion("0.0.0"),
				ImageID:        manifestImageID,
				Staging:        loader.NewRAMStaging(len(manifest)),
			},
		},
		ImageSetVersion: fwup.ASCIIVersion("0.0.0"),
		Loader: &loader.Loader{
			Engine: mailbox.NewClient(engine),
			Mem:    engine.RAM,
		},
		OnActivate: func(context.Context) error {
			slog.Info("device activated new firmware")
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentEnd, deviceEnd := mctp.Pipe(agentEID, deviceEID, 4096)
	go func() {
		tp := mctp.NewTransport(deviceEnd, deviceEID, mctp.TypePLDM)
		if err := fd.NewResponder(dev).Run(ctx, tp, agentEID); err != nil && ctx.Err() == nil {
			slog.Error("firmware device stopped", "error", err)
		}
	}()

	pkg := &ua.Package{
		ImageSetVersion: fwup.ASCIIVersion(bundleVersion),
		Components: []ua.PackageComponent{
			{
				Classification: fwup.ClassificationFirmware,
				Identifier:     runtimeImageID,
				Version:        fwup.ASCIIVersion(bundleVersion),
				Image:          runtime,
			},
			{
				Classification: fwup.ClassificationFirmware,
				Identifier:     manifestImageID,
				Index:          1,
				Version:        fwup.ASCIIVersion(bundleVersion),
				Image:          manifest,
			},
		},
	}
	agent := ua.New(pkg)
	agent.MaxTransferSize = uint32(transferSize)

	tp := mctp.NewTransport(agentEnd, agentEID, mctp.TypePLDM)
	report, err := agent.Update(ctx, tp, deviceEID)
	if err != nil {
		return err
	}

	for _, c := range report.Components {
		switch {
		case c.Updated:
			slog.Info("component updated", "identifier", fmt.Sprintf("%#x", c.Identifier))
		default:
			slog.Info("component skipped", "identifier", fmt.Sprintf("%#x", c.Identifier), "reason", c.Skipped)
		}
	}
	slog.Info("update finished", "activated", report.Activated)
	return nil
}
