// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/silicon-rot/mcufw/image"
	"github.com/silicon-rot/mcufw/mailbox"
)

// Loader errors.
var (
	ErrAuthorizationDenied = errors.New("loader: image authorization denied")
	ErrImageTooLarge       = errors.New("loader: image exceeds crypto engine size limit")
)

// defaultChunkSize bounds per-transfer copies so the staging stream never
// needs the whole image in one buffer.
const defaultChunkSize = 512

// CryptoEngine is the slice of the mailbox client the loader needs.
// *mailbox.Client implements it.
type CryptoEngine interface {
	ImageInfo(ctx context.Context, fwID uint32) (loadAddr uint64, sizeLimit uint32, err error)
	AuthorizeAndStash(ctx context.Context, fwID, source, imageSize, flags uint32) (uint32, error)
}

// Memory is the SoC address space images are loaded into.
type Memory interface {
	WriteAt(addr uint64, p []byte) error
}

// Loader streams firmware images to their load addresses and requests
// authorization from the crypto engine.
type Loader struct {
	Engine CryptoEngine
	Mem    Memory

	// ChunkSize overrides the transfer granularity; zero means the default.
	ChunkSize int
}

func (l *Loader) chunkSize() int {
	if l.ChunkSize > 0 {
		return l.ChunkSize
	}
	return defaultChunkSize
}

// LoadAndAuthorize streams the image identified by imageID from a FLSH flash
// region to its load address and asks the crypto engine to authorize it.
func (l *Loader) LoadAndAuthorize(ctx context.Context, region image.Region, imageID uint32) error {
	m, err := image.ReadMap(region)
	if err != nil {
		return err
	}
	info, found := m.Lookup(imageID)
	if !found {
		return fmt.Errorf("%w: %#x", image.ErrImageMissing, imageID)
	}
	return l.stream(ctx, regionSource{region, int64(info.Offset)}, imageID, info.Size)
}

// AuthorizeStaged places an image the PLDM download pipeline left in staging
// memory at its load address and asks the crypto engine to authorize it. The
// staging memory must have been finalized.
func (l *Loader) AuthorizeStaged(ctx context.Context, staging StagingMemory, imageID uint32, size uint32) error {
	if !staging.ImageValid() {
		return ErrNotFinalized
	}
	return l.stream(ctx, stagingSource{staging}, imageID, size)
}

// source is a readable byte stream positioned at the image start. The two
// implementors (flash region, staging memory) are the loader's only inputs.
type source interface {
	read(off int64, p []byte) error
}

type regionSource struct {
	r    image.Region
	base int64
}

func (s regionSource) read(off int64, p []byte) error { return s.r.ReadAt(s.base+off, p) }

type stagingSource struct {
	s StagingMemory
}

func (s stagingSource) read(off int64, p []byte) error { return s.s.ReadAt(off, p) }

func (l *Loader) stream(ctx context.Context, src source, imageID, size uint32) error {
	loadAddr, limit, err := l.Engine.ImageInfo(ctx, imageID)
	if err != nil {
		return err
	}
	if size > limit {
		return fmt.Errorf("%w: %d > %d", ErrImageTooLarge, size, limit)
	}

	buf := make([]byte, l.chunkSize())
	for off := int64(0); off < int64(size); off += int64(len(buf)) {
		n := int64(size) - off
		if n > int64(len(buf)) {
			n = int64(len(buf))
		}
		if err := src.read(off, buf[:n]); err != nil {
			return fmt.Errorf("loader: reading image %#x: %w", imageID, err)
		}
		if err := l.Mem.WriteAt(loadAddr+uint64(off), buf[:n]); err != nil {
			return fmt.Errorf("loader: writing image %#x to %#x: %w", imageID, loadAddr+uint64(off), err)
		}
	}

	result, err := l.Engine.AuthorizeAndStash(ctx, imageID, mailbox.AuthSourceLoadAddress, size, 0)
	if err != nil {
		return err
	}
	if result != mailbox.AuthorizeSuccess {
		return fmt.Errorf("%w: result %#x", ErrAuthorizationDenied, result)
	}
	slog.Debug("image authorized", "image", imageID, "size", size, "load_addr", loadAddr)
	return nil
}
