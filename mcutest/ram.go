// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package mcutest

import "fmt"

// RAM is a flat memory model with a base address, standing in for the SoC
// staging SRAM in loader tests.
type RAM struct {
	base uint64
	buf  []byte
}

// NewRAM creates a RAM model covering [base, base+size).
func NewRAM(base uint64, size int) *RAM {
	return &RAM{base: base, buf: make([]byte, size)}
}

func (r *RAM) window(addr uint64, n int) ([]byte, error) {
	if addr < r.base || addr+uint64(n) > r.base+uint64(len(r.buf)) {
		return nil, fmt.Errorf("address window [%#x,%#x) outside RAM [%#x,%#x)",
			addr, addr+uint64(n), r.base, r.base+uint64(len(r.buf)))
	}
	off := addr - r.base
	return r.buf[off : off+uint64(n)], nil
}

// WriteAt copies p to the absolute address addr.
func (r *RAM) WriteAt(addr uint64, p []byte) error {
	dst, err := r.window(addr, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// ReadAt fills p from the absolute address addr.
func (r *RAM) ReadAt(addr uint64, p []byte) error {
	src, err := r.window(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}
