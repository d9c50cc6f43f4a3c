// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package mailbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
)

// Client executes mailbox transactions against a register file. A Client is
// process-wide: the internal mutex serialises callers, and a caller must not
// hold other mutable state across Execute (the transaction may spin for up
// to MaxWaitCycles).
type Client struct {
	mu   sync.Mutex
	regs Regs
}

// NewClient creates a mailbox client over the given register file.
func NewClient(regs Regs) *Client { return &Client{regs: regs} }

// Execute runs one mailbox transaction: acquire the lock, stream the
// checksummed request, set execute, poll until completion, and read back the
// checksummed response. The returned payload excludes the checksum word and
// is trimmed to the response dlen.
func (c *Client) Execute(ctx context.Context, cmd uint32, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	// Writing execute=0 releases the peripheral lock in every exit path.
	defer c.regs.Execute(false)

	c.regs.SetCmd(cmd)
	c.regs.SetLen(uint32(4 + len(req)))
	c.regs.Push(checksum(cmd, req))
	for i := 0; i < len(req); i += 4 {
		var word [4]byte
		copy(word[:], req[i:])
		c.regs.Push(binary.LittleEndian.Uint32(word[:]))
	}
	c.regs.Execute(true)

	status, err := c.poll(ctx)
	if err != nil {
		return nil, err
	}
	switch status {
	case StatusCmdFailure:
		return nil, fmt.Errorf("%w: cmd %#x fatal %#x non-fatal %#x",
			ErrCmdFailed, cmd, c.regs.FatalError(), c.regs.NonFatalError())
	case StatusCmdComplete:
		return nil, nil
	}

	// data_ready: first word is the response checksum, then ceil(dlen/4)
	// data words with the tail word masked to the valid byte count.
	dlen := c.regs.Len()
	if dlen < 4 {
		return nil, fmt.Errorf("%w: dlen %d", ErrRespTooShort, dlen)
	}
	wantSum := c.regs.Pop()
	n := int(dlen - 4)
	resp := make([]byte, (n+3)&^3)
	for i := 0; i < n; i += 4 {
		binary.LittleEndian.PutUint32(resp[i:], c.regs.Pop())
	}
	resp = resp[:n]

	if got := checksum(cmd, resp); got != wantSum {
		return nil, fmt.Errorf("%w: got %#x want %#x", ErrInvalidChecksum, wantSum, got)
	}
	return resp, nil
}

// acquire spins on the lock register within the cycle budget.
func (c *Client) acquire(ctx context.Context) error {
	for cycle := 0; cycle < MaxWaitCycles; cycle++ {
		if c.regs.Lock() == 0 {
			return nil
		}
		if cycle%1024 == 1023 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			runtime.Gosched()
		}
	}
	return fmt.Errorf("acquiring mailbox lock: %w", ErrTimeout)
}

// poll spins on the status register until the command leaves the busy state.
func (c *Client) poll(ctx context.Context) (Status, error) {
	for cycle := 0; cycle < MaxWaitCycles; cycle++ {
		if status := c.regs.Status(); status != StatusBusy {
			return status, nil
		}
		if cycle%1024 == 1023 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
			runtime.Gosched()
		}
	}
	return 0, fmt.Errorf("awaiting mailbox completion: %w", ErrTimeout)
}
