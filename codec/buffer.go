// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package codec implements the cursored message buffer and the packed
// little-endian encoding primitives shared by every wire format in this
// module (PLDM, SPDM, flash records, mailbox payloads).
//
// A Buffer maintains a data window [start, end) inside a fixed-capacity
// backing array. Codecs only ever see the window, so a decoder cannot index
// beyond the bytes that were actually received.
package codec

import (
	"errors"
	"fmt"
)

// ErrBufferTooShort indicates a decode required more bytes than the buffer's
// data window holds, or an encode required more capacity than remains.
var ErrBufferTooShort = errors.New("buffer too short")

// Buffer is a cursored byte region with a data window [start, end) inside a
// backing array of fixed capacity.
type Buffer struct {
	b     []byte
	start int
	end   int
}

// New creates an empty Buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{b: make([]byte, capacity)}
}

// FromBytes creates a Buffer whose data window covers data. The buffer has no
// spare capacity; it is the common way to wrap a received message for
// decoding.
func FromBytes(data []byte) *Buffer {
	return &Buffer{b: data, end: len(data)}
}

// Len returns the number of bytes in the data window.
func (b *Buffer) Len() int { return b.end - b.start }

// Cap returns the total capacity of the backing array.
func (b *Buffer) Cap() int { return len(b.b) }

// Data returns the current data window. The slice aliases the backing array
// and is invalidated by Trim and Reset.
func (b *Buffer) Data() []byte { return b.b[b.start:b.end] }

// Reset empties the data window.
func (b *Buffer) Reset() {
	b.start, b.end = 0, 0
}

// Trim moves the data window to the front of the backing array, reclaiming
// the space consumed by Pull.
func (b *Buffer) Trim() {
	if b.start == 0 {
		return
	}
	copy(b.b, b.b[b.start:b.end])
	b.end -= b.start
	b.start = 0
}

// Put appends p to the data window.
func (b *Buffer) Put(p []byte) error {
	dst, err := b.Push(len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// Push grows the data window by n bytes at the end and returns the grown
// region for the caller to fill.
func (b *Buffer) Push(n int) ([]byte, error) {
	if n < 0 || b.end+n > len(b.b) {
		return nil, fmt.Errorf("push %d bytes with %d free: %w", n, len(b.b)-b.end, ErrBufferTooShort)
	}
	p := b.b[b.end : b.end+n]
	b.end += n
	return p, nil
}

// Pull consumes n bytes from the start of the data window and returns them.
func (b *Buffer) Pull(n int) ([]byte, error) {
	if n < 0 || b.Len() < n {
		return nil, fmt.Errorf("pull %d bytes with %d available: %w", n, b.Len(), ErrBufferTooShort)
	}
	p := b.b[b.start : b.start+n]
	b.start += n
	return p, nil
}

// Peek returns the first n bytes of the data window without consuming them.
func (b *Buffer) Peek(n int) ([]byte, error) {
	if n < 0 || b.Len() < n {
		return nil, fmt.Errorf("peek %d bytes with %d available: %w", n, b.Len(), ErrBufferTooShort)
	}
	return b.b[b.start : b.start+n], nil
}
