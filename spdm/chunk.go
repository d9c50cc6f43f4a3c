// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// MaxChunks bounds the sequence number space of a chunked transfer.
const MaxChunks = 65535

// ChunkGet retrieves one chunk of a pending large response.
type ChunkGet struct {
	Version Version
	Handle  uint8
	Seq     uint16
}

// Encode implements codec.Encodable.
func (m ChunkGet) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeChunkGet, Param2: m.Handle}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(m.Seq)
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *ChunkGet) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeChunkGet {
		return fmt.Errorf("%w: code %#x is not CHUNK_GET", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Handle = h.Param2
	d := codec.NewDecoder(buf)
	m.Seq = d.U16()
	return d.Err()
}

// ChunkResponse carries one chunk. TotalSize is present only on the first
// chunk (sequence zero) and reports the full large response size.
type ChunkResponse struct {
	Version   Version
	Last      bool
	Handle    uint8
	Seq       uint16
	TotalSize uint32
	Data      []byte
}

// Encode implements codec.Encodable.
func (m ChunkResponse) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeChunkResponse, Param2: m.Handle}
	if m.Last {
		hdr.Param1 = 1
	}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(m.Seq)
	e.U16(0) // reserved
	e.U32(uint32(len(m.Data)))
	if m.Seq == 0 {
		e.U32(m.TotalSize)
	}
	e.Bytes(m.Data)
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *ChunkResponse) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeChunkResponse {
		return fmt.Errorf("%w: code %#x is not CHUNK_RESPONSE", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Last = h.Param1&1 != 0
	m.Handle = h.Param2
	d := codec.NewDecoder(buf)
	m.Seq = d.U16()
	d.Skip(2)
	size := d.U32()
	if m.Seq == 0 {
		m.TotalSize = d.U32()
	}
	m.Data = d.Bytes(int(size))
	return d.Err()
}
