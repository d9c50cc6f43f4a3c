// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm_test

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"testing"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/spdm"
)

func TestVersionResponseWire(t *testing.T) {
	buf := codec.New(64)
	msg := spdm.VersionResponse{Versions: spdm.SupportedVersions}
	if _, err := msg.Encode(buf); err != nil {
		t.Fatal(err)
	}
	// Header is sent at version 1.0; entries carry the version byte in the
	// high octet of a little-endian u16.
	want := []byte{
		0x10, 0x04, 0x00, 0x00,
		0x00, 0x04,
		0x00, 0x10, 0x00, 0x11, 0x00, 0x12, 0x00, 0x13,
	}
	if !bytes.Equal(buf.Data(), want) {
		t.Fatalf("wire %x want %x", buf.Data(), want)
	}

	var got spdm.VersionResponse
	if err := got.Decode(buf); err != nil {
		t.Fatal(err)
	}
	if len(got.Versions) != 4 || got.Versions[3] != spdm.Version13 {
		t.Fatalf("versions %v", got.Versions)
	}
}

func TestCapabilitiesTransferSizes(t *testing.T) {
	for _, v := range []spdm.Version{spdm.Version11, spdm.Version12} {
		buf := codec.New(64)
		msg := spdm.Capabilities{
			Version:          v,
			CTExponent:       spdm.CTExponent,
			Flags:            spdm.CapCert | spdm.CapChal | spdm.CapMeasWithSig,
			DataTransferSize: 1024,
			MaxMessageSize:   4096,
		}
		if _, err := msg.Encode(buf); err != nil {
			t.Fatal(err)
		}
		wantLen := spdm.HeaderLen + 8
		if v >= spdm.Version12 {
			wantLen += 8
		}
		if buf.Len() != wantLen {
			t.Fatalf("v%s length %d want %d", v, buf.Len(), wantLen)
		}
		var got spdm.Capabilities
		if err := got.Decode(buf); err != nil {
			t.Fatal(err)
		}
		if v >= spdm.Version12 && got.DataTransferSize != 1024 {
			t.Fatalf("transfer size %d", got.DataTransferSize)
		}
		if v < spdm.Version12 && got.DataTransferSize != 0 {
			t.Fatalf("v1.1 carried transfer size %d", got.DataTransferSize)
		}
	}
}

func TestMeasCapField(t *testing.T) {
	if got := spdm.MeasCap(spdm.CapMeasWithSig); got != 2 {
		t.Fatalf("with-signature field %d", got)
	}
	if got := spdm.MeasCap(spdm.CapMeasHashOnly); got != 1 {
		t.Fatalf("hash-only field %d", got)
	}
}

func TestAlgorithmSelect(t *testing.T) {
	req := spdm.NegotiateAlgorithms{
		Version:     spdm.Version13,
		MeasSpec:    spdm.MeasSpecDMTF,
		BaseHash:    spdm.HashSHA256 | spdm.HashSHA384,
		BaseAsym:    spdm.AsymECDSAP256 | spdm.AsymECDSAP384,
		DHE:         spdm.DHESecp256r1 | spdm.DHESecp384r1,
		AEAD:        spdm.AEADAes128Gcm | spdm.AEADAes256Gcm,
		KeySchedule: spdm.KeyScheduleSPDM,
	}
	alg, err := spdm.Select(req)
	if err != nil {
		t.Fatal(err)
	}
	if alg.BaseHash != spdm.HashSHA384 || alg.BaseAsym != spdm.AsymECDSAP384 {
		t.Fatalf("selected hash %#x asym %#x", alg.BaseHash, alg.BaseAsym)
	}
	if alg.DHE != spdm.DHESecp384r1 || alg.AEAD != spdm.AEADAes256Gcm {
		t.Fatalf("selected dhe %#x aead %#x", alg.DHE, alg.AEAD)
	}

	// No common hash is terminal.
	req.BaseHash = spdm.HashSHA256
	if _, err := spdm.Select(req); !errors.Is(err, spdm.ErrNoAlgorithm) {
		t.Fatalf("err %v", err)
	}

	// A missing session algorithm only disables key exchange.
	req.BaseHash = spdm.HashSHA384
	req.DHE = spdm.DHESecp256r1
	alg, err = spdm.Select(req)
	if err != nil {
		t.Fatal(err)
	}
	if alg.DHE != 0 {
		t.Fatalf("dhe %#x", alg.DHE)
	}
}

func TestNegotiateAlgorithmsRoundTrip(t *testing.T) {
	msg := spdm.NegotiateAlgorithms{
		Version:     spdm.Version12,
		MeasSpec:    spdm.MeasSpecDMTF,
		BaseHash:    spdm.HashSHA384,
		BaseAsym:    spdm.AsymECDSAP384,
		DHE:         spdm.DHESecp384r1,
		AEAD:        spdm.AEADAes256Gcm,
		KeySchedule: spdm.KeyScheduleSPDM,
	}
	buf := codec.New(128)
	if _, err := msg.Encode(buf); err != nil {
		t.Fatal(err)
	}
	var got spdm.NegotiateAlgorithms
	if err := got.Decode(buf); err != nil {
		t.Fatal(err)
	}
	if got != msg {
		t.Fatalf("round trip %+v want %+v", got, msg)
	}
}

func TestCertChainStream(t *testing.T) {
	chain := bytes.Repeat([]byte{0xc3}, 100)
	slot := &spdm.Slot{Chain: chain, RootHash: sha512.Sum384(chain)}

	total := slot.ChainLen()
	if total != 4+48+100 {
		t.Fatalf("chain length %d", total)
	}

	// The first window starts with the little-endian total length.
	portion, remainder, err := slot.ChainWindow(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if portion[0] != byte(total) || portion[1] != byte(total>>8) {
		t.Fatalf("header bytes %x", portion[:4])
	}
	if remainder != total-8 {
		t.Fatalf("remainder %d", remainder)
	}

	// A window past the end truncates; an offset past the end fails.
	portion, remainder, err = slot.ChainWindow(total-4, 100)
	if err != nil || len(portion) != 4 || remainder != 0 {
		t.Fatalf("tail window %d bytes remainder %d err %v", len(portion), remainder, err)
	}
	if _, _, err := slot.ChainWindow(total+1, 1); err == nil {
		t.Fatal("offset past end accepted")
	}
}

func TestDigestsLayout(t *testing.T) {
	var store spdm.Store
	chain := []byte{0x30, 0x82, 0x01, 0x00}
	if err := store.Provision(0, &spdm.Slot{Chain: chain}); err != nil {
		t.Fatal(err)
	}
	if store.ProvisionedMask() != 0x01 || store.SupportedMask() != 0x03 {
		t.Fatalf("masks %#x %#x", store.ProvisionedMask(), store.SupportedMask())
	}

	msg := spdm.Digests{
		Version:         spdm.Version12,
		ProvisionedMask: store.ProvisionedMask(),
		Digests:         [][spdm.HashLen]byte{store.Slot(0).ChainDigest()},
	}
	buf := codec.New(128)
	if _, err := msg.Encode(buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != spdm.HeaderLen+spdm.HashLen {
		t.Fatalf("length %d", buf.Len())
	}
	var got spdm.Digests
	if err := got.Decode(buf); err != nil {
		t.Fatal(err)
	}
	if len(got.Digests) != 1 || got.Digests[0] != msg.Digests[0] {
		t.Fatalf("digests %x", got.Digests)
	}
}

func TestStoreCapacity(t *testing.T) {
	// A single-slot device reports only the slots it could hold.
	store := spdm.NewStore(1)
	if err := store.Provision(0, &spdm.Slot{Chain: []byte{0x30}}); err != nil {
		t.Fatal(err)
	}
	if store.ProvisionedMask() != 0x01 || store.SupportedMask() != 0x01 {
		t.Fatalf("masks %#x %#x", store.ProvisionedMask(), store.SupportedMask())
	}
	if err := store.Provision(1, &spdm.Slot{}); err == nil {
		t.Fatal("provision past capacity accepted")
	}
	if store.Slot(1) != nil {
		t.Fatal("slot past capacity returned")
	}

	// Out-of-range counts clamp to the device maximum.
	if mask := spdm.NewStore(9).SupportedMask(); mask != 0x03 {
		t.Fatalf("clamped mask %#x", mask)
	}
}

func TestMeasurementStore(t *testing.T) {
	var store spdm.MeasurementStore
	store.Add(1, spdm.MeasValueFirmware, []byte("firmware"))
	store.AddRaw(spdm.MeasIndexManifest, spdm.MeasValueManifest, []byte("manifest"))

	if store.Count() != 2 {
		t.Fatalf("count %d", store.Count())
	}
	if got := store.Select(spdm.MeasIndexAll); len(got) != 2 {
		t.Fatalf("all blocks %d", len(got))
	}
	one := store.Select(spdm.MeasIndexManifest)
	if len(one) != 1 || !bytes.Equal(one[0].Value, []byte("manifest")) {
		t.Fatalf("manifest block %+v", one)
	}
	if one[0].ValueType&spdm.MeasValueRaw == 0 {
		t.Fatal("manifest block not raw")
	}
	if got := store.Select(0x42); got != nil {
		t.Fatalf("unknown index returned %+v", got)
	}

	sum := sha512.Sum384([]byte("firmware"))
	hashed := store.Select(1)
	if !bytes.Equal(hashed[0].Value, sum[:]) {
		t.Fatalf("hashed value %x", hashed[0].Value)
	}
}

func TestMeasurementsRoundTrip(t *testing.T) {
	var store spdm.MeasurementStore
	store.Add(1, spdm.MeasValueFirmware, []byte("slot a"))
	store.Add(2, spdm.MeasValueConfig, []byte("boot config"))

	msg := spdm.Measurements{
		Version:   spdm.Version13,
		Slot:      0,
		Blocks:    store.Select(spdm.MeasIndexAll),
		Signature: bytes.Repeat([]byte{0x5a}, spdm.SignatureLen),
	}
	copy(msg.Nonce[:], bytes.Repeat([]byte{0xaa}, spdm.NonceLen))

	buf := codec.New(1024)
	if _, err := msg.Encode(buf); err != nil {
		t.Fatal(err)
	}
	var got spdm.Measurements
	if err := got.Decode(buf); err != nil {
		t.Fatal(err)
	}
	if len(got.Blocks) != 2 || got.Blocks[1].Index != 2 {
		t.Fatalf("blocks %+v", got.Blocks)
	}
	if !bytes.Equal(got.Signature, msg.Signature) || got.Nonce != msg.Nonce {
		t.Fatal("signature or nonce mismatch")
	}
}

func TestChunkResponseTotalSize(t *testing.T) {
	first := spdm.ChunkResponse{
		Version:   spdm.Version12,
		Handle:    7,
		Seq:       0,
		TotalSize: 500,
		Data:      bytes.Repeat([]byte{1}, 200),
	}
	buf := codec.New(512)
	if _, err := first.Encode(buf); err != nil {
		t.Fatal(err)
	}
	var got spdm.ChunkResponse
	if err := got.Decode(buf); err != nil {
		t.Fatal(err)
	}
	if got.TotalSize != 500 || got.Last || len(got.Data) != 200 {
		t.Fatalf("first chunk %+v", got)
	}

	last := spdm.ChunkResponse{Version: spdm.Version12, Last: true, Handle: 7, Seq: 1, Data: bytes.Repeat([]byte{2}, 300)}
	buf.Reset()
	if _, err := last.Encode(buf); err != nil {
		t.Fatal(err)
	}
	if err := got.Decode(buf); err != nil {
		t.Fatal(err)
	}
	if !got.Last || got.TotalSize != 0 || got.Seq != 1 {
		t.Fatalf("last chunk %+v", got)
	}
}

func TestErrorResponse(t *testing.T) {
	buf := codec.New(8)
	msg := spdm.ErrorResponse{Version: spdm.Version12, Code: spdm.ErrLargeResponse, Data: 3}
	if _, err := msg.Encode(buf); err != nil {
		t.Fatal(err)
	}
	var got spdm.ErrorResponse
	if err := got.Decode(buf); err != nil {
		t.Fatal(err)
	}
	if got != msg {
		t.Fatalf("round trip %+v", got)
	}
}
