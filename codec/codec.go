// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package codec

import "encoding/binary"

// Encodable is implemented by every wire message. Encode appends the packed
// form of the message to buf's data window and returns the number of bytes
// written.
type Encodable interface {
	Encode(buf *Buffer) (int, error)
}

// Decodable is implemented by every wire message. Decode consumes the packed
// form of the message from the start of buf's data window. Trailing bytes are
// left in the window; only the outermost decoder may ignore them.
type Decodable interface {
	Decode(buf *Buffer) error
}

// Encoder writes little-endian packed fields to a Buffer. The first error is
// sticky; callers check Err (or the return of Finish) once after writing all
// fields, matching the cursor discipline of Decoder.
type Encoder struct {
	buf *Buffer
	n   int
	err error
}

// NewEncoder creates an Encoder appending to buf.
func NewEncoder(buf *Buffer) *Encoder { return &Encoder{buf: buf} }

func (e *Encoder) push(n int) []byte {
	if e.err != nil {
		return nil
	}
	p, err := e.buf.Push(n)
	if err != nil {
		e.err = err
		return nil
	}
	e.n += n
	return p
}

// U8 appends a single byte.
func (e *Encoder) U8(v uint8) {
	if p := e.push(1); p != nil {
		p[0] = v
	}
}

// U16 appends a little-endian uint16.
func (e *Encoder) U16(v uint16) {
	if p := e.push(2); p != nil {
		binary.LittleEndian.PutUint16(p, v)
	}
}

// U32 appends a little-endian uint32.
func (e *Encoder) U32(v uint32) {
	if p := e.push(4); p != nil {
		binary.LittleEndian.PutUint32(p, v)
	}
}

// U64 appends a little-endian uint64.
func (e *Encoder) U64(v uint64) {
	if p := e.push(8); p != nil {
		binary.LittleEndian.PutUint64(p, v)
	}
}

// Bytes appends p verbatim.
func (e *Encoder) Bytes(p []byte) {
	if dst := e.push(len(p)); dst != nil {
		copy(dst, p)
	}
}

// Zero appends n zero bytes.
func (e *Encoder) Zero(n int) {
	if p := e.push(n); p != nil {
		for i := range p {
			p[i] = 0
		}
	}
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return e.n }

// Err returns the first error encountered.
func (e *Encoder) Err() error { return e.err }

// Finish returns the number of bytes written and the first error.
func (e *Encoder) Finish() (int, error) { return e.n, e.err }

// Decoder reads little-endian packed fields from the start of a Buffer's
// data window. The first error is sticky and all subsequent reads return
// zero values, so a message decoder can read every field and check Err once.
type Decoder struct {
	buf *Buffer
	err error
}

// NewDecoder creates a Decoder consuming from buf.
func NewDecoder(buf *Buffer) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) pull(n int) []byte {
	if d.err != nil {
		return nil
	}
	p, err := d.buf.Pull(n)
	if err != nil {
		d.err = err
		return nil
	}
	return p
}

// U8 consumes a single byte.
func (d *Decoder) U8() uint8 {
	if p := d.pull(1); p != nil {
		return p[0]
	}
	return 0
}

// U16 consumes a little-endian uint16.
func (d *Decoder) U16() uint16 {
	if p := d.pull(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

// U32 consumes a little-endian uint32.
func (d *Decoder) U32() uint32 {
	if p := d.pull(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

// U64 consumes a little-endian uint64.
func (d *Decoder) U64() uint64 {
	if p := d.pull(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

// Bytes consumes n bytes and copies them into a new slice.
func (d *Decoder) Bytes(n int) []byte {
	p := d.pull(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// Fill consumes len(dst) bytes into dst.
func (d *Decoder) Fill(dst []byte) {
	if p := d.pull(len(dst)); p != nil {
		copy(dst, p)
	}
}

// Skip consumes and discards n bytes.
func (d *Decoder) Skip(n int) { d.pull(n) }

// Remaining returns the number of unconsumed bytes.
func (d *Decoder) Remaining() int {
	if d.err != nil {
		return 0
	}
	return d.buf.Len()
}

// Err returns the first error encountered.
func (d *Decoder) Err() error { return d.err }
