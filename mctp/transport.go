// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package mctp

import (
	"context"
	"fmt"
	"slices"

	"github.com/silicon-rot/mcufw/codec"
)

// Transport frames and deframes typed MCTP messages over a Driver and pairs
// requests with responses by tag. A Transport accepts a fixed set of message
// types; anything else received is rejected with ErrUnexpectedMessageType.
//
// A Transport serves one protocol task: sends and receives are strictly
// serial, matching the cooperative single-task model of each responder.
type Transport struct {
	drv   Driver
	eid   EID
	types []MsgType

	nextTag Tag

	// Source info of the last received request, consumed by SendResponse.
	pending *Packet
}

// NewTransport creates a Transport for the given local EID accepting the
// given message types.
func NewTransport(drv Driver, eid EID, types ...MsgType) *Transport {
	return &Transport{drv: drv, eid: eid, types: types}
}

// MaxMessageSize reports the largest payload (excluding the message-type
// byte) a single message can carry.
func (t *Transport) MaxMessageSize() int { return t.drv.MaxMessageSize() - 1 }

func (t *Transport) accepts(typ MsgType) bool { return slices.Contains(t.types, typ) }

// SendRequest prepends the message-type header to buf's data window, submits
// it to dest, and returns the tag to pass to ReceiveResponse. The buffer is
// consumed.
func (t *Transport) SendRequest(ctx context.Context, dest EID, typ MsgType, buf *codec.Buffer) (Tag, error) {
	if !t.accepts(typ) {
		return 0, fmt.Errorf("%w: %s not bound to transport", ErrUnexpectedMessageType, typ)
	}
	tag := t.nextTag
	t.nextTag = (t.nextTag + 1) % NumTags

	payload := make([]byte, 1+buf.Len())
	payload[0] = byte(typ) &^ icMask
	copy(payload[1:], buf.Data())
	buf.Reset()

	if err := t.drv.Send(ctx, Packet{
		Src:      t.eid,
		Dest:     dest,
		Tag:      tag,
		TagOwner: true,
		Payload:  payload,
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSend, err)
	}
	return tag, nil
}

// ReceiveResponse blocks for the response matching tag, strips the header,
// and appends the payload to buf. The response's message type is returned so
// callers distinguishing secured from plain messages can branch on it.
func (t *Transport) ReceiveResponse(ctx context.Context, tag Tag, buf *codec.Buffer) (MsgType, error) {
	pkt, err := t.drv.Receive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReceive, err)
	}
	if pkt.TagOwner {
		return 0, fmt.Errorf("%w: request received while awaiting response", ErrReceive)
	}
	if pkt.Tag != tag {
		return 0, fmt.Errorf("%w: response tag %d, want %d", ErrReceive, pkt.Tag, tag)
	}
	typ, err := t.strip(pkt, buf)
	if err != nil {
		return 0, err
	}
	return typ, nil
}

// ReceiveRequest blocks for the next inbound request, strips the header, and
// appends the payload to buf. The source info is recorded so that the next
// SendResponse is routed to the requester.
func (t *Transport) ReceiveRequest(ctx context.Context, buf *codec.Buffer) (MsgType, error) {
	pkt, err := t.drv.Receive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReceive, err)
	}
	if !pkt.TagOwner {
		return 0, fmt.Errorf("%w: unmatched response tag %d", ErrReceive, pkt.Tag)
	}
	typ, err := t.strip(pkt, buf)
	if err != nil {
		return 0, err
	}
	t.pending = &pkt
	return typ, nil
}

// SendResponse replies to the request recorded by the last ReceiveRequest.
func (t *Transport) SendResponse(ctx context.Context, typ MsgType, buf *codec.Buffer) error {
	if t.pending == nil {
		return ErrNoRequestInFlight
	}
	if !t.accepts(typ) {
		return fmt.Errorf("%w: %s not bound to transport", ErrUnexpectedMessageType, typ)
	}
	req := t.pending
	t.pending = nil

	payload := make([]byte, 1+buf.Len())
	payload[0] = byte(typ) &^ icMask
	copy(payload[1:], buf.Data())
	buf.Reset()

	if err := t.drv.Send(ctx, Packet{
		Src:      t.eid,
		Dest:     req.Src,
		Tag:      req.Tag,
		TagOwner: false,
		Payload:  payload,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// strip validates the message-type byte and appends the body to buf.
func (t *Transport) strip(pkt Packet, buf *codec.Buffer) (MsgType, error) {
	if len(pkt.Payload) < 1 {
		return 0, fmt.Errorf("%w: empty payload", ErrReceive)
	}
	typ := MsgType(pkt.Payload[0] &^ icMask)
	if !t.accepts(typ) {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedMessageType, typ)
	}
	if err := buf.Put(pkt.Payload[1:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReceive, err)
	}
	return typ, nil
}
