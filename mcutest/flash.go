// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package mcutest

import (
	"context"
	"fmt"
)

// Flash is a RAM-backed flash region model. It serves both the synchronous
// boot-context interface and the async flash syscall interface.
type Flash struct {
	buf []byte
	// FailWrites makes every write error, for exercising WriteFailed paths.
	FailWrites bool
}

// NewFlash creates a flash region of the given size, erased to 0xff.
func NewFlash(size int) *Flash {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xff
	}
	return &Flash{buf: buf}
}

// Bytes exposes the raw region content for assertions and corruption.
func (f *Flash) Bytes() []byte { return f.buf }

func (f *Flash) check(off int64, n int) error {
	if off < 0 || int(off)+n > len(f.buf) {
		return fmt.Errorf("flash access [%d,%d) outside region of %d bytes", off, int(off)+n, len(f.buf))
	}
	return nil
}

// ReadAt implements boot.Flash.
func (f *Flash) ReadAt(off int64, p []byte) error {
	if err := f.check(off, len(p)); err != nil {
		return err
	}
	copy(p, f.buf[off:])
	return nil
}

// WriteAt implements boot.Flash.
func (f *Flash) WriteAt(off int64, p []byte) error {
	if f.FailWrites {
		return fmt.Errorf("flash write fault injected")
	}
	if err := f.check(off, len(p)); err != nil {
		return err
	}
	copy(f.buf[off:], p)
	return nil
}

// Async adapts the region to the async flash syscall interface.
func (f *Flash) Async() *AsyncFlash { return &AsyncFlash{f: f} }

// AsyncFlash is the async view of a Flash, implementing boot.AsyncFlash.
type AsyncFlash struct {
	f *Flash
}

// ReadAt implements boot.AsyncFlash.
func (a *AsyncFlash) ReadAt(ctx context.Context, off int64, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.f.ReadAt(off, p)
}

// WriteAt implements boot.AsyncFlash.
func (a *AsyncFlash) WriteAt(ctx context.Context, off int64, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.f.WriteAt(off, p)
}
