// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package boot implements the A/B partition boot policy: the packed
// partition-table record persisted at offset 0 of the partition-table flash
// region, and the configuration API the boot loader and the image loader
// mutate it through.
package boot

import (
	"errors"
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// Boot-config errors.
var (
	ErrReadFailed       = errors.New("boot: partition table read failed")
	ErrWriteFailed      = errors.New("boot: partition table write failed")
	ErrInvalidPartition = errors.New("boot: invalid partition")
)

// PartitionID identifies one of the A/B partitions.
type PartitionID uint32

// Partition identifiers as persisted in the active_partition field.
const (
	PartitionNone PartitionID = 0
	PartitionA    PartitionID = 1
	PartitionB    PartitionID = 2
)

func (id PartitionID) String() string {
	switch id {
	case PartitionNone:
		return "none"
	case PartitionA:
		return "A"
	case PartitionB:
		return "B"
	default:
		return fmt.Sprintf("partition(%d)", uint32(id))
	}
}

// Other returns the opposite partition of an A/B pair.
func (id PartitionID) Other() PartitionID {
	switch id {
	case PartitionA:
		return PartitionB
	case PartitionB:
		return PartitionA
	default:
		return PartitionNone
	}
}

// PartitionStatus is the persisted per-partition state.
type PartitionStatus uint16

// Partition status values.
const (
	StatusInvalid PartitionStatus = iota
	StatusValid
	StatusBootFailed
	StatusBootSuccessful
)

func (s PartitionStatus) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusValid:
		return "valid"
	case StatusBootFailed:
		return "boot-failed"
	case StatusBootSuccessful:
		return "boot-successful"
	default:
		return fmt.Sprintf("status(%d)", uint16(s))
	}
}

// rollbackEnabled is the on-flash encoding of rollback_enable=true.
const rollbackEnabled = 0x00010000

// TableLen is the size of the packed partition table record.
const TableLen = 24

// PartitionState is the persisted state of one partition.
type PartitionState struct {
	BootCount uint16
	Status    PartitionStatus
}

// Table is the partition table record. The checksum field is computed on
// encode and validated on decode; it is not stored here.
type Table struct {
	Active         PartitionID
	A              PartitionState
	B              PartitionState
	RollbackEnable bool
}

// Encode appends the packed record, checksum included, to buf.
func (t Table) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U32(uint32(t.Active))
	e.U16(t.A.BootCount)
	e.U16(uint16(t.A.Status))
	e.U16(t.B.BootCount)
	e.U16(uint16(t.B.Status))
	if t.RollbackEnable {
		e.U32(rollbackEnabled)
	} else {
		e.U32(0)
	}
	e.U32(0) // reserved
	if err := e.Err(); err != nil {
		return 0, err
	}
	body := buf.Data()[buf.Len()-(TableLen-4):]
	e.U32(tableChecksum(body))
	return e.Finish()
}

// Decode consumes the packed record from buf, validating the checksum.
func (t *Table) Decode(buf *codec.Buffer) error {
	body, err := buf.Peek(TableLen - 4)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	want := tableChecksum(body)

	d := codec.NewDecoder(buf)
	t.Active = PartitionID(d.U32())
	t.A.BootCount = d.U16()
	t.A.Status = PartitionStatus(d.U16())
	t.B.BootCount = d.U16()
	t.B.Status = PartitionStatus(d.U16())
	t.RollbackEnable = d.U32() == rollbackEnabled
	d.Skip(4) // reserved
	got := d.U32()
	if err := d.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if got != want {
		return fmt.Errorf("%w: checksum %#x, want %#x", ErrReadFailed, got, want)
	}
	return nil
}

// state returns the addressed partition's state.
func (t *Table) state(id PartitionID) (*PartitionState, error) {
	switch id {
	case PartitionA:
		return &t.A, nil
	case PartitionB:
		return &t.B, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidPartition, id)
	}
}

// tableChecksum is the negated wrapping byte sum of the fields preceding the
// checksum, so that the sum of the entire record is zero.
func tableChecksum(body []byte) uint32 {
	var sum uint32
	for _, b := range body {
		sum += uint32(b)
	}
	return -sum
}
