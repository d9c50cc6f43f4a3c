// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package ua_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/silicon-rot/mcufw/loader"
	"github.com/silicon-rot/mcufw/mailbox"
	"github.com/silicon-rot/mcufw/mctp"
	"github.com/silicon-rot/mcufw/mcutest"
	"github.com/silicon-rot/mcufw/pldm/fd"
	"github.com/silicon-rot/mcufw/pldm/fwup"
	"github.com/silicon-rot/mcufw/pldm/ua"
)

const (
	uaEID mctp.EID = 8
	fdEID mctp.EID = 9
)

// startDevice runs a firmware device with two components on one end of an
// in-memory MCTP pair and returns the agent-side transport.
func startDevice(t *testing.T, activated *bool) (*mctp.Transport, *fd.Device, *mcutest.Engine) {
	t.Helper()
	mcutest.CaptureLog(t)
	engine := mcutest.NewEngine()
	engine.Images[1] = &mcutest.ImageSlot{LoadAddr: 0x8000, SizeLimit: 4096}
	engine.Images[2] = &mcutest.ImageSlot{LoadAddr: 0xa000, SizeLimit: 4096}

	dev := &fd.Device{
		Descriptors: []fwup.Descriptor{{Type: fwup.DescriptorIANA, Value: []byte{1, 2, 3, 4}}},
		Components: []*fd.Component{
			{
				Classification:  fwup.ClassificationFirmware,
				Identifier:      0x1001,
				ComparisonStamp: 5,
				Version:         fwup.ASCIIVersion("2.0.0"),
				ImageID:         1,
				Staging:         loader.NewRAMStaging(1024),
			},
			{
				Classification:  fwup.ClassificationFirmware,
				Identifier:      0x1002,
				Index:           1,
				ComparisonStamp: 3,
				Version:         fwup.ASCIIVersion("rom-a"),
				ImageID:         2,
				Staging:         loader.NewRAMStaging(1024),
			},
		},
		ImageSetVersion: fwup.ASCIIVersion("soc-2.0.0"),
		MaxTransferSize: 64,
		Loader: &loader.Loader{
			Engine: mailbox.NewClient(engine),
			Mem:    engine.RAM,
		},
		OnActivate: func(context.Context) error {
			if activated != nil {
				*activated = true
			}
			return nil
		},
	}

	uaEnd, fdEnd := mctp.Pipe(uaEID, fdEID, 4096)
	fdTransport := mctp.NewTransport(fdEnd, fdEID, mctp.TypePLDM)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fd.NewResponder(dev).Run(ctx, fdTransport, uaEID) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("device loop exited with %v", err)
		}
	})

	return mctp.NewTransport(uaEnd, uaEID, mctp.TypePLDM), dev, engine
}

func TestUpdateEndToEnd(t *testing.T) {
	var activated bool
	tp, dev, engine := startDevice(t, &activated)

	img1 := bytes.Repeat([]byte{0x42}, 200)
	img2 := bytes.Repeat([]byte{0x24}, 150)
	pkg := &ua.Package{
		ImageSetVersion: fwup.ASCIIVersion("soc-2.1.0"),
		Components: []ua.PackageComponent{
			{
				Classification:  fwup.ClassificationFirmware,
				Identifier:      0x1001,
				ComparisonStamp: 6,
				Version:         fwup.ASCIIVersion("2.1.0"),
				Image:           img1,
			},
			{
				Classification:  fwup.ClassificationFirmware,
				Identifier:      0x1002,
				Index:           1,
				ComparisonStamp: 4,
				Version:         fwup.ASCIIVersion("rom-b"),
				Image:           img2,
			},
			{
				Classification: fwup.ClassificationFirmware,
				Identifier:     0x3003,
				Version:        fwup.ASCIIVersion("9.9.9"),
				Image:          []byte{1},
			},
		},
	}

	report, err := ua.New(pkg).Update(context.Background(), tp, fdEID)
	if err != nil {
		t.Fatal(err)
	}

	if !report.Activated || !activated {
		t.Fatalf("activated: report %t hook %t", report.Activated, activated)
	}
	updated := make(map[uint16]bool)
	for _, c := range report.Components {
		if c.Updated {
			updated[c.Identifier] = true
			continue
		}
		if c.Identifier != 0x3003 {
			t.Errorf("component %#x skipped: %s", c.Identifier, c.Skipped)
		}
	}
	if !updated[0x1001] || !updated[0x1002] {
		t.Fatalf("updated set %v", updated)
	}

	for id, img := range map[uint32][]byte{1: img1, 2: img2} {
		if !engine.Images[id].Authorized {
			t.Fatalf("image %d not authorized", id)
		}
		got := make([]byte, len(img))
		if err := engine.RAM.ReadAt(engine.Images[id].LoadAddr, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, img) {
			t.Fatalf("image %d bytes not at load address", id)
		}
	}
	// The semver-gated component advanced to the package release.
	if dev.Components[0].Version.Value != "2.1.0" {
		t.Fatalf("component version %q", dev.Components[0].Version.Value)
	}
}

func TestReleaseGatingSkipsCurrentFirmware(t *testing.T) {
	var activated bool
	tp, _, engine := startDevice(t, &activated)

	// Same release and an older one: nothing to transfer.
	pkg := &ua.Package{
		ImageSetVersion: fwup.ASCIIVersion("soc-2.0.0"),
		Components: []ua.PackageComponent{
			{
				Classification:  fwup.ClassificationFirmware,
				Identifier:      0x1001,
				ComparisonStamp: 5,
				Version:         fwup.ASCIIVersion("2.0.0"),
				Image:           []byte{1, 2, 3},
			},
			{
				Classification:  fwup.ClassificationFirmware,
				Identifier:      0x1001,
				ComparisonStamp: 2,
				Version:         fwup.ASCIIVersion("1.0.0"),
				Image:           []byte{1, 2, 3},
			},
		},
	}

	report, err := ua.New(pkg).Update(context.Background(), tp, fdEID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Activated || activated {
		t.Fatal("activation without transfers")
	}
	for _, c := range report.Components {
		if c.Updated || c.Skipped != "already current" {
			t.Fatalf("component result %+v", c)
		}
	}
	if engine.Images[1].Authorized {
		t.Fatal("image authorized without update")
	}
}

func TestForcedDowngrade(t *testing.T) {
	var activated bool
	tp, dev, _ := startDevice(t, &activated)

	pkg := &ua.Package{
		ImageSetVersion: fwup.ASCIIVersion("soc-1.0.0"),
		Components: []ua.PackageComponent{{
			Classification:  fwup.ClassificationFirmware,
			Identifier:      0x1001,
			ComparisonStamp: 1,
			Version:         fwup.ASCIIVersion("1.0.0"),
			Image:           bytes.Repeat([]byte{0x11}, 100),
		}},
	}

	agent := ua.New(pkg)
	agent.Force = true
	report, err := agent.Update(context.Background(), tp, fdEID)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Components) != 1 || !report.Components[0].Updated {
		t.Fatalf("component results %+v", report.Components)
	}
	if !report.Activated || !activated {
		t.Fatal("forced downgrade did not activate")
	}
	if dev.Components[0].Version.Value != "1.0.0" {
		t.Fatalf("component version %q", dev.Components[0].Version.Value)
	}
}
