// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package image_test

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/silicon-rot/mcufw/image"
	"github.com/silicon-rot/mcufw/mcutest"
)

func buildFixture(t *testing.T) (*mcutest.Flash, []image.Entry) {
	t.Helper()
	entries := []image.Entry{
		{Identifier: 1, Data: bytes.Repeat([]byte{0x55}, 128)},
		{Identifier: 2, Data: bytes.Repeat([]byte{0xaa}, 128)},
	}
	raw, err := image.Build(entries)
	if err != nil {
		t.Fatal(err)
	}
	flash := mcutest.NewFlash(4096)
	if err := flash.WriteAt(0, raw); err != nil {
		t.Fatal(err)
	}
	return flash, entries
}

func TestMapLayout(t *testing.T) {
	flash, _ := buildFixture(t)

	m, err := image.ReadMap(flash)
	if err != nil {
		t.Fatal(err)
	}
	info, found := m.Lookup(1)
	if !found {
		t.Fatal("image 1 not found")
	}
	if info.Offset != 0x30 || info.Size != 128 {
		t.Fatalf("image 1 at %#x size %d", info.Offset, info.Size)
	}
	info, found = m.Lookup(2)
	if !found {
		t.Fatal("image 2 not found")
	}
	if info.Offset != 0xb0 || info.Size != 128 {
		t.Fatalf("image 2 at %#x size %d", info.Offset, info.Size)
	}
	if _, found := m.Lookup(3); found {
		t.Fatal("phantom image 3 found")
	}
}

func TestMapPayloadRoundTrip(t *testing.T) {
	flash, entries := buildFixture(t)

	m, err := image.ReadMap(flash)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.VerifyPayload(flash); err != nil {
		t.Fatal(err)
	}

	for _, entry := range entries {
		info, found := m.Lookup(entry.Identifier)
		if !found {
			t.Fatalf("image %d not found", entry.Identifier)
		}
		got := make([]byte, info.Size)
		if err := flash.ReadAt(int64(info.Offset), got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, entry.Data) {
			t.Fatalf("image %d payload mismatch", entry.Identifier)
		}
	}
}

func TestMapRejectsCorruptHeader(t *testing.T) {
	flash, _ := buildFixture(t)

	flash.Bytes()[0] = 'X'
	if _, err := image.ReadMap(flash); !errors.Is(err, image.ErrBadMagic) {
		t.Fatalf("magic err = %v", err)
	}
	flash.Bytes()[0] = 'F'

	flash.Bytes()[4] = 0x02 // version
	if _, err := image.ReadMap(flash); !errors.Is(err, image.ErrBadVersion) {
		t.Fatalf("version err = %v", err)
	}
	flash.Bytes()[4] = 0x01

	flash.Bytes()[image.HeaderLen] ^= 0xff // first TOC byte
	if _, err := image.ReadMap(flash); !errors.Is(err, image.ErrBadChecksum) {
		t.Fatalf("toc err = %v", err)
	}
}

func TestMapDetectsPayloadCorruption(t *testing.T) {
	flash, _ := buildFixture(t)
	m, err := image.ReadMap(flash)
	if err != nil {
		t.Fatal(err)
	}
	flash.Bytes()[0x30] ^= 0xff
	if err := m.VerifyPayload(flash); !errors.Is(err, image.ErrBadChecksum) {
		t.Fatalf("err = %v", err)
	}
}

func bundleFixture(t *testing.T, vendorPub []byte) *image.Bundle {
	t.Helper()
	fw := make([]byte, 8+len(vendorPub)+32)
	binary.LittleEndian.PutUint32(fw, 0x4e414d43)
	binary.LittleEndian.PutUint32(fw[4:], uint32(len(vendorPub)+32))
	copy(fw[8:], vendorPub)

	raw, err := image.BuildBundle(map[string][]byte{
		image.EntryCaliptraROM: []byte("caliptra rom"),
		image.EntryCaliptraFW:  fw,
		image.EntryMCUROM:      []byte("mcu rom"),
		image.EntryMCURuntime:  []byte("mcu runtime"),
		image.EntrySOCManifest: []byte("soc manifest"),
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := image.NewBundle(raw)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBundleEntries(t *testing.T) {
	b := bundleFixture(t, bytes.Repeat([]byte{0x11}, 96))

	got, err := b.Entry(image.EntryMCURuntime)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "mcu runtime" {
		t.Fatalf("entry content %q", got)
	}

	if _, err := b.Entry("extra.bin"); !errors.Is(err, image.ErrEntryMissing) {
		t.Fatalf("err = %v", err)
	}
}

func TestVendorPKHash(t *testing.T) {
	vendorPub := bytes.Repeat([]byte{0x11}, 96)
	b := bundleFixture(t, vendorPub)

	got, err := b.VendorPKHash()
	if err != nil {
		t.Fatal(err)
	}
	want := sha512.Sum384(vendorPub)
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("vendor pk hash mismatch:\n got %x\nwant %x", got, want)
	}
}

func TestBundleFromEnv(t *testing.T) {
	raw, err := image.BuildBundle(map[string][]byte{image.EntryMCUROM: []byte("rom")})
	if err != nil {
		t.Fatal(err)
	}
	path := t.TempDir() + "/bundle.zip"
	if err := writeFile(path, raw); err != nil {
		t.Fatal(err)
	}
	t.Setenv(image.BundleEnv, path)

	b, err := image.OpenBundleFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Entry(image.EntryMCUROM); err != nil {
		t.Fatal(err)
	}

	t.Setenv(image.BundleEnv, "")
	if _, err := image.OpenBundleFromEnv(); !errors.Is(err, image.ErrBundleUnset) {
		t.Fatalf("err = %v", err)
	}
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
