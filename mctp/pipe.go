// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package mctp

import (
	"context"
	"fmt"
)

// Endpoint is an in-memory MCTP binding. Two Endpoints created by Pipe form
// a full-duplex channel, the same way the silicon binding pairs the MCU with
// its bus peer.
type Endpoint struct {
	eid     EID
	maxSize int
	in      chan Packet
	peer    *Endpoint
}

// Pipe creates a connected pair of in-memory MCTP endpoints. maxMsgSize is
// the largest message (including the message-type byte) either side may
// send.
func Pipe(a, b EID, maxMsgSize int) (*Endpoint, *Endpoint) {
	ea := &Endpoint{eid: a, maxSize: maxMsgSize, in: make(chan Packet, NumTags)}
	eb := &Endpoint{eid: b, maxSize: maxMsgSize, in: make(chan Packet, NumTags)}
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

// MaxMessageSize implements Driver.
func (e *Endpoint) MaxMessageSize() int { return e.maxSize }

// Send implements Driver.
func (e *Endpoint) Send(ctx context.Context, pkt Packet) error {
	if len(pkt.Payload) > e.maxSize {
		return fmt.Errorf("message size %d exceeds binding limit %d", len(pkt.Payload), e.maxSize)
	}
	if pkt.Dest != e.peer.eid {
		return fmt.Errorf("no route to eid %d", pkt.Dest)
	}
	select {
	case e.peer.in <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Driver.
func (e *Endpoint) Receive(ctx context.Context) (Packet, error) {
	select {
	case pkt := <-e.in:
		return pkt, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}
