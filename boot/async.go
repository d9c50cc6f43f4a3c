// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package boot

import "context"

// AsyncFlash is the flash syscall surface offered to user-space clients:
// the same region as Flash, with suspension points on every access.
type AsyncFlash interface {
	ReadAt(ctx context.Context, off int64, p []byte) error
	WriteAt(ctx context.Context, off int64, p []byte) error
}

// AsyncConfig presents the boot-configuration operations with identical
// semantics to Config over an asynchronous flash. It shares the Config
// implementation, binding the caller's context to each flash access.
type AsyncConfig struct {
	flash AsyncFlash
}

// OpenAsync returns an AsyncConfig over an already-provisioned
// partition-table region.
func OpenAsync(f AsyncFlash) *AsyncConfig { return &AsyncConfig{flash: f} }

// boundFlash adapts AsyncFlash to Flash for the duration of one operation.
type boundFlash struct {
	ctx context.Context
	f   AsyncFlash
}

func (b boundFlash) ReadAt(off int64, p []byte) error  { return b.f.ReadAt(b.ctx, off, p) }
func (b boundFlash) WriteAt(off int64, p []byte) error { return b.f.WriteAt(b.ctx, off, p) }

func (c *AsyncConfig) bind(ctx context.Context) *Config {
	return Open(boundFlash{ctx: ctx, f: c.flash})
}

// ActivePartition reports the partition the boot loader must launch.
func (c *AsyncConfig) ActivePartition(ctx context.Context) (PartitionID, error) {
	return c.bind(ctx).ActivePartition()
}

// SetActivePartition selects the partition to boot next.
func (c *AsyncConfig) SetActivePartition(ctx context.Context, id PartitionID) error {
	return c.bind(ctx).SetActivePartition(id)
}

// PartitionStatus reports the persisted status of a partition.
func (c *AsyncConfig) PartitionStatus(ctx context.Context, id PartitionID) (PartitionStatus, error) {
	return c.bind(ctx).PartitionStatus(id)
}

// SetPartitionStatus records a partition's status.
func (c *AsyncConfig) SetPartitionStatus(ctx context.Context, id PartitionID, status PartitionStatus) error {
	return c.bind(ctx).SetPartitionStatus(id, status)
}

// IncrementBootCount bumps a partition's attempted-boot counter.
func (c *AsyncConfig) IncrementBootCount(ctx context.Context, id PartitionID) (uint16, error) {
	return c.bind(ctx).IncrementBootCount(id)
}

// BootCount reports a partition's attempted-boot counter.
func (c *AsyncConfig) BootCount(ctx context.Context, id PartitionID) (uint16, error) {
	return c.bind(ctx).BootCount(id)
}

// RollbackEnabled reports the rollback policy.
func (c *AsyncConfig) RollbackEnabled(ctx context.Context) (bool, error) {
	return c.bind(ctx).RollbackEnabled()
}

// SetRollbackEnable records the rollback policy.
func (c *AsyncConfig) SetRollbackEnable(ctx context.Context, enable bool) error {
	return c.bind(ctx).SetRollbackEnable(enable)
}
