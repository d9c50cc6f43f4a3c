// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package loader implements the authenticated image-staging pipeline: stream
// a firmware image from flash or from the PLDM download path into staging
// storage, place it at the load address the crypto engine reports, and
// request authorization before anything executes it.
package loader

import (
	"errors"
	"fmt"

	"github.com/silicon-rot/mcufw/boot"
)

// Staging errors.
var (
	ErrNotFinalized = errors.New("loader: staged image not finalized")
	ErrOutOfBounds  = errors.New("loader: staging access out of bounds")
)

// StagingMemory is a write-once buffer holding a firmware image between
// download and authorization. Implementations are RAM or a flash partition;
// the set is closed.
type StagingMemory interface {
	WriteAt(off int64, p []byte) error
	ReadAt(off int64, p []byte) error
	Size() int64
	// ImageValid reports whether Finalize has marked the staged image
	// complete.
	ImageValid() bool
	// Finalize marks the staged image complete. No writes may follow.
	Finalize() error
}

// RAMStaging is staging memory in SRAM.
type RAMStaging struct {
	buf   []byte
	valid bool
}

// NewRAMStaging allocates a staging buffer of the given size.
func NewRAMStaging(size int) *RAMStaging { return &RAMStaging{buf: make([]byte, size)} }

// WriteAt implements StagingMemory.
func (s *RAMStaging) WriteAt(off int64, p []byte) error {
	if s.valid {
		return fmt.Errorf("loader: write to finalized staging")
	}
	if off < 0 || int(off)+len(p) > len(s.buf) {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfBounds, off, int(off)+len(p), len(s.buf))
	}
	copy(s.buf[off:], p)
	return nil
}

// ReadAt implements StagingMemory.
func (s *RAMStaging) ReadAt(off int64, p []byte) error {
	if off < 0 || int(off)+len(p) > len(s.buf) {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfBounds, off, int(off)+len(p), len(s.buf))
	}
	copy(p, s.buf[off:])
	return nil
}

// Size implements StagingMemory.
func (s *RAMStaging) Size() int64 { return int64(len(s.buf)) }

// ImageValid implements StagingMemory.
func (s *RAMStaging) ImageValid() bool { return s.valid }

// Finalize implements StagingMemory.
func (s *RAMStaging) Finalize() error {
	s.valid = true
	return nil
}

// FlashStaging stages into the inactive partition of an A/B pair. The
// partition is marked Invalid in the boot config before the first byte is
// written and Valid again only when the image is complete, so a torn
// download can never be booted.
type FlashStaging struct {
	cfg     *boot.Config
	part    boot.PartitionID
	region  boot.Flash
	size    int64
	started bool
	valid   bool
}

// NewFlashStaging creates staging memory over the flash region of the given
// (inactive) partition.
func NewFlashStaging(cfg *boot.Config, part boot.PartitionID, region boot.Flash, size int64) *FlashStaging {
	return &FlashStaging{cfg: cfg, part: part, region: region, size: size}
}

// WriteAt implements StagingMemory.
func (s *FlashStaging) WriteAt(off int64, p []byte) error {
	if s.valid {
		return fmt.Errorf("loader: write to finalized staging")
	}
	if off < 0 || off+int64(len(p)) > s.size {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfBounds, off, off+int64(len(p)), s.size)
	}
	if !s.started {
		if err := s.cfg.SetPartitionStatus(s.part, boot.StatusInvalid); err != nil {
			return err
		}
		s.started = true
	}
	return s.region.WriteAt(off, p)
}

// ReadAt implements StagingMemory.
func (s *FlashStaging) ReadAt(off int64, p []byte) error {
	if off < 0 || off+int64(len(p)) > s.size {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfBounds, off, off+int64(len(p)), s.size)
	}
	return s.region.ReadAt(off, p)
}

// Size implements StagingMemory.
func (s *FlashStaging) Size() int64 { return s.size }

// ImageValid implements StagingMemory.
func (s *FlashStaging) ImageValid() bool { return s.valid }

// Finalize implements StagingMemory.
func (s *FlashStaging) Finalize() error {
	if err := s.cfg.SetPartitionStatus(s.part, boot.StatusValid); err != nil {
		return err
	}
	s.valid = true
	return nil
}
