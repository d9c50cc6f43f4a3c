// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package boot

import (
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// Flash is the partition-table flash region. Offset 0 of the region holds
// the packed Table record.
type Flash interface {
	ReadAt(off int64, p []byte) error
	WriteAt(off int64, p []byte) error
}

// Config is the synchronous boot-configuration API, callable from the boot
// context. Every accessor reads and checksum-validates the record; every
// mutator rewrites it with a fresh checksum.
type Config struct {
	flash Flash
}

// Open returns a Config over an already-provisioned partition-table region.
func Open(f Flash) *Config { return &Config{flash: f} }

// Format writes a fresh empty table and returns the Config over it. Used
// once at provisioning.
func Format(f Flash) (*Config, error) {
	c := &Config{flash: f}
	if err := c.write(Table{}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) read() (Table, error) {
	raw := make([]byte, TableLen)
	if err := c.flash.ReadAt(0, raw); err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	var t Table
	if err := t.Decode(codec.FromBytes(raw)); err != nil {
		return Table{}, err
	}
	return t, nil
}

func (c *Config) write(t Table) error {
	buf := codec.New(TableLen)
	if _, err := t.Encode(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := c.flash.WriteAt(0, buf.Data()); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (c *Config) mutate(fn func(*Table) error) error {
	t, err := c.read()
	if err != nil {
		return err
	}
	if err := fn(&t); err != nil {
		return err
	}
	return c.write(t)
}

// ActivePartition reports the partition the boot loader must launch. A table
// whose active partition is marked Invalid is refused: the boot loader must
// not advance on it.
func (c *Config) ActivePartition() (PartitionID, error) {
	t, err := c.read()
	if err != nil {
		return PartitionNone, err
	}
	if t.Active == PartitionNone {
		return PartitionNone, nil
	}
	st, err := t.state(t.Active)
	if err != nil {
		return PartitionNone, err
	}
	if st.Status == StatusInvalid {
		return PartitionNone, fmt.Errorf("%w: active partition %s is invalid", ErrInvalidPartition, t.Active)
	}
	return t.Active, nil
}

// SetActivePartition selects the partition to boot next.
func (c *Config) SetActivePartition(id PartitionID) error {
	return c.mutate(func(t *Table) error {
		if id != PartitionNone {
			if _, err := t.state(id); err != nil {
				return err
			}
		}
		t.Active = id
		return nil
	})
}

// PartitionStatus reports the persisted status of a partition.
func (c *Config) PartitionStatus(id PartitionID) (PartitionStatus, error) {
	t, err := c.read()
	if err != nil {
		return StatusInvalid, err
	}
	st, err := t.state(id)
	if err != nil {
		return StatusInvalid, err
	}
	return st.Status, nil
}

// SetPartitionStatus records a partition's status. Marking a partition
// BootSuccessful demotes the other partition from BootSuccessful to Valid:
// at most one partition holds BootSuccessful.
func (c *Config) SetPartitionStatus(id PartitionID, status PartitionStatus) error {
	return c.mutate(func(t *Table) error {
		st, err := t.state(id)
		if err != nil {
			return err
		}
		if status == StatusBootSuccessful {
			if other, err := t.state(id.Other()); err == nil && other.Status == StatusBootSuccessful {
				other.Status = StatusValid
			}
		}
		st.Status = status
		return nil
	})
}

// IncrementBootCount bumps a partition's attempted-boot counter and returns
// the new value.
func (c *Config) IncrementBootCount(id PartitionID) (uint16, error) {
	var count uint16
	err := c.mutate(func(t *Table) error {
		st, err := t.state(id)
		if err != nil {
			return err
		}
		st.BootCount++
		count = st.BootCount
		return nil
	})
	return count, err
}

// BootCount reports a partition's attempted-boot counter.
func (c *Config) BootCount(id PartitionID) (uint16, error) {
	t, err := c.read()
	if err != nil {
		return 0, err
	}
	st, err := t.state(id)
	if err != nil {
		return 0, err
	}
	return st.BootCount, nil
}

// RollbackEnabled reports whether booting the non-active partition after
// repeated failures is permitted.
func (c *Config) RollbackEnabled() (bool, error) {
	t, err := c.read()
	if err != nil {
		return false, err
	}
	return t.RollbackEnable, nil
}

// SetRollbackEnable records the rollback policy.
func (c *Config) SetRollbackEnable(enable bool) error {
	return c.mutate(func(t *Table) error {
		t.RollbackEnable = enable
		return nil
	})
}

// Persist is a no-op: the Config is not mirrored in RAM, every mutator
// writes through.
func (c *Config) Persist() error { return nil }
