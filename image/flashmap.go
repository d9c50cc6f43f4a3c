// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package image implements the two firmware container formats: the
// image-addressable FLSH flash layout and the ZIP firmware bundle used for
// distribution.
package image

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/silicon-rot/mcufw/codec"
)

// Flash layout errors.
var (
	ErrBadMagic     = errors.New("image: bad flash header magic")
	ErrBadVersion   = errors.New("image: unsupported flash layout version")
	ErrBadChecksum  = errors.New("image: flash layout checksum mismatch")
	ErrImageMissing = errors.New("image: identifier not in table of contents")
)

// Magic is the flash header magic, stored as the literal bytes "FLSH".
var Magic = [4]byte{'F', 'L', 'S', 'H'}

// LayoutVersion is the only flash layout version this code reads or writes.
const LayoutVersion uint16 = 0x0001

// HeaderLen is the packed flash header size; ImageInfo entries follow it.
const HeaderLen = 16

// InfoLen is the packed size of one ImageInfo entry.
const InfoLen = 12

// imageAlign aligns each image payload within the bundle.
const imageAlign = 16

// Info is one table-of-contents entry. Offset is absolute within the
// bundle.
type Info struct {
	Identifier uint32
	Offset     uint32
	Size       uint32
}

// Region is the random-access byte source a flash map is read from,
// typically a flash partition.
type Region interface {
	ReadAt(off int64, p []byte) error
}

// Map is a parsed and header-validated flash layout.
type Map struct {
	infos      []Info
	payloadCRC uint32
}

// ReadMap reads and validates the flash header and table of contents from
// offset 0 of a region. The payload CRC is validated lazily by VerifyPayload
// so that boot need not stream every image.
func ReadMap(r Region) (*Map, error) {
	raw := make([]byte, HeaderLen)
	if err := r.ReadAt(0, raw); err != nil {
		return nil, fmt.Errorf("image: reading flash header: %w", err)
	}

	d := codec.NewDecoder(codec.FromBytes(raw))
	var magic [4]byte
	d.Fill(magic[:])
	version := d.U16()
	count := d.U16()
	headerCRC := d.U32()
	payloadCRC := d.U32()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("image: flash header: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, magic[:])
	}
	if version != LayoutVersion {
		return nil, fmt.Errorf("%w: %#x", ErrBadVersion, version)
	}

	toc := make([]byte, int(count)*InfoLen)
	if err := r.ReadAt(HeaderLen, toc); err != nil {
		return nil, fmt.Errorf("image: reading table of contents: %w", err)
	}
	if got := headerChecksum(raw[:8], toc); got != headerCRC {
		return nil, fmt.Errorf("%w: header crc %#x, want %#x", ErrBadChecksum, got, headerCRC)
	}

	m := &Map{payloadCRC: payloadCRC}
	td := codec.NewDecoder(codec.FromBytes(toc))
	for i := 0; i < int(count); i++ {
		m.infos = append(m.infos, Info{
			Identifier: td.U32(),
			Offset:     td.U32(),
			Size:       td.U32(),
		})
	}
	if err := td.Err(); err != nil {
		return nil, fmt.Errorf("image: table of contents: %w", err)
	}
	return m, nil
}

// Lookup scans the table of contents for an identifier.
func (m *Map) Lookup(id uint32) (Info, bool) {
	for _, info := range m.infos {
		if info.Identifier == id {
			return info, true
		}
	}
	return Info{}, false
}

// Images returns the table of contents in on-flash order.
func (m *Map) Images() []Info { return m.infos }

// VerifyPayload streams every image and checks the payload CRC.
func (m *Map) VerifyPayload(r Region) error {
	crc := crc32.NewIEEE()
	buf := make([]byte, 512)
	for _, info := range m.infos {
		remaining := int64(info.Size)
		off := int64(info.Offset)
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if err := r.ReadAt(off, buf[:n]); err != nil {
				return fmt.Errorf("image: reading payload of %#x: %w", info.Identifier, err)
			}
			crc.Write(buf[:n])
			off += n
			remaining -= n
		}
	}
	if got := crc.Sum32(); got != m.payloadCRC {
		return fmt.Errorf("%w: payload crc %#x, want %#x", ErrBadChecksum, got, m.payloadCRC)
	}
	return nil
}

// Entry pairs an identifier with image bytes for Build.
type Entry struct {
	Identifier uint32
	Data       []byte
}

// Build assembles a flash bundle: header, table of contents, then each image
// aligned to 16 bytes, in the given order.
func Build(entries []Entry) ([]byte, error) {
	tocLen := len(entries) * InfoLen
	offset := align(HeaderLen + tocLen)

	infos := make([]Info, len(entries))
	total := offset
	for i, entry := range entries {
		infos[i] = Info{
			Identifier: entry.Identifier,
			Offset:     uint32(total),
			Size:       uint32(len(entry.Data)),
		}
		total = align(total + len(entry.Data))
	}

	buf := codec.New(total)
	e := codec.NewEncoder(buf)
	e.Bytes(Magic[:])
	e.U16(LayoutVersion)
	e.U16(uint16(len(entries)))

	toc := codec.New(tocLen)
	te := codec.NewEncoder(toc)
	payloadCRC := crc32.NewIEEE()
	for i, entry := range entries {
		te.U32(infos[i].Identifier)
		te.U32(infos[i].Offset)
		te.U32(infos[i].Size)
		payloadCRC.Write(entry.Data)
	}
	if err := te.Err(); err != nil {
		return nil, err
	}

	e.U32(headerChecksum(buf.Data()[:8], toc.Data()))
	e.U32(payloadCRC.Sum32())
	e.Bytes(toc.Data())
	e.Zero(offset - HeaderLen - tocLen)
	for i, entry := range entries {
		e.Bytes(entry.Data)
		if i < len(entries)-1 {
			e.Zero(align(len(entry.Data)) - len(entry.Data))
		}
	}
	if err := e.Err(); err != nil {
		return nil, err
	}
	return buf.Data(), nil
}

// headerChecksum is the CRC32-IEEE over the fixed header fields before the
// CRC words plus the table of contents.
func headerChecksum(fixed, toc []byte) uint32 {
	crc := crc32.NewIEEE()
	crc.Write(fixed)
	crc.Write(toc)
	return crc.Sum32()
}

func align(n int) int { return (n + imageAlign - 1) &^ (imageAlign - 1) }
