// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package image

import (
	"archive/zip"
	"bytes"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/silicon-rot/mcufw/codec"
)

// BundleEnv is the environment variable pointing at the firmware bundle
// archive.
const BundleEnv = "CPTRA_FIRMWARE_BUNDLE"

// Fixed entry names of the firmware bundle archive.
const (
	EntryCaliptraROM = "caliptra_rom.bin"
	EntryCaliptraFW  = "caliptra_fw.bin"
	EntryMCUROM      = "mcu_rom.bin"
	EntryMCURuntime  = "mcu_runtime.bin"
	EntrySOCManifest = "soc_manifest.bin"
)

// Bundle errors.
var (
	ErrBundleUnset    = errors.New("image: " + BundleEnv + " not set")
	ErrEntryMissing   = errors.New("image: bundle entry missing")
	ErrManifestFormat = errors.New("image: malformed crypto-engine firmware manifest")
)

// manifestMagic marks the crypto-engine firmware manifest preamble at the
// head of the caliptra_fw entry.
const manifestMagic = 0x4e414d43 // "CMAN"

// vendorPubKeyLen is the uncompressed P-384 vendor public key (x‖y).
const vendorPubKeyLen = 96

// Bundle is an opened firmware bundle archive.
type Bundle struct {
	zr *zip.Reader
}

// OpenBundle opens the flat archive at path.
func OpenBundle(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: reading bundle: %w", err)
	}
	return NewBundle(raw)
}

// OpenBundleFromEnv opens the archive named by CPTRA_FIRMWARE_BUNDLE.
func OpenBundleFromEnv() (*Bundle, error) {
	path := os.Getenv(BundleEnv)
	if path == "" {
		return nil, ErrBundleUnset
	}
	return OpenBundle(path)
}

// NewBundle opens a bundle from archive bytes already in memory.
func NewBundle(raw []byte) (*Bundle, error) {
	r := bytes.NewReader(raw)
	zr, err := zip.NewReader(r, r.Size())
	if err != nil {
		return nil, fmt.Errorf("image: opening bundle archive: %w", err)
	}
	return &Bundle{zr: zr}, nil
}

// Entry returns the named entry's bytes.
func (b *Bundle) Entry(name string) ([]byte, error) {
	f, err := b.zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryMissing, name)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// VendorPKHash reads the crypto-engine firmware manifest preamble from the
// caliptra_fw entry and returns the SHA-384 of the vendor public key. The
// hash is what gets burned as the vendor-PK fuse reference.
func (b *Bundle) VendorPKHash() ([]byte, error) {
	fw, err := b.Entry(EntryCaliptraFW)
	if err != nil {
		return nil, err
	}

	d := codec.NewDecoder(codec.FromBytes(fw))
	if magic := d.U32(); magic != manifestMagic {
		return nil, fmt.Errorf("%w: preamble magic %#x", ErrManifestFormat, magic)
	}
	size := d.U32()
	if size < vendorPubKeyLen || int(size) > d.Remaining() {
		return nil, fmt.Errorf("%w: preamble size %d", ErrManifestFormat, size)
	}
	vendorPub := d.Bytes(vendorPubKeyLen)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestFormat, err)
	}

	digest := sha512.Sum384(vendorPub)
	return digest[:], nil
}

// BuildBundle assembles a bundle archive from entry name to content, for
// provisioning tools and tests.
func BuildBundle(entries map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{
		EntryCaliptraROM, EntryCaliptraFW, EntryMCUROM, EntryMCURuntime, EntrySOCManifest,
	} {
		data, present := entries[name]
		if !present {
			continue
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
