// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package responder

import (
	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/spdm"
)

// Per-chunk overhead: the message header, the sequence number, the reserved
// field, and the chunk size. The first chunk additionally carries the total
// large response size.
const (
	chunkOverhead      = spdm.HeaderLen + 8
	firstChunkOverhead = chunkOverhead + 4
)

// largeResponse is the single in-flight chunked response. The rebuild hook
// re-renders the originating response so chunks are cut on demand.
type largeResponse struct {
	handle  uint8
	nextSeq uint16
	rebuild func() []byte
}

// finishResponse delivers a built response, diverting it through the
// large-response path when it exceeds the peer's transfer size.
func (r *Responder) finishResponse(code uint8, scratch, resp *codec.Buffer) error {
	if scratch.Len() > int(r.peerDTS) && r.chunkingActive(code) {
		return r.stashLarge(scratch, resp)
	}
	return resp.Put(scratch.Data())
}

// chunkingActive reports whether a response to code may be chunked.
func (r *Responder) chunkingActive(code uint8) bool {
	if code == spdm.CodeChunkGet || code == spdm.CodeGetVersion {
		return false
	}
	return r.version >= spdm.Version12 &&
		r.peerFlags&spdm.CapChunk != 0 &&
		r.peerDTS > firstChunkOverhead
}

// stashLarge records scratch as the pending large response and answers with
// ERROR LargeResponse carrying the retrieval handle. A second large
// response while one is pending is refused.
func (r *Responder) stashLarge(scratch, resp *codec.Buffer) error {
	if r.large != nil {
		return r.sendError(resp, spdm.ErrResponseTooLarge, 0)
	}
	total := scratch.Len()
	capFirst := int(r.peerDTS) - firstChunkOverhead
	capRest := int(r.peerDTS) - chunkOverhead
	if total > capFirst+(spdm.MaxChunks-1)*capRest {
		return r.sendError(resp, spdm.ErrResponseTooLarge, 0)
	}

	data := append([]byte(nil), scratch.Data()...)
	r.nextHandle++
	r.large = &largeResponse{
		handle:  r.nextHandle,
		rebuild: func() []byte { return data },
	}
	return r.sendError(resp, spdm.ErrLargeResponse, r.large.handle)
}

// chunkGet serves one CHUNK_GET against the pending large response. A
// handle or sequence mismatch invalidates the pending response.
func (r *Responder) chunkGet(req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.ChunkGet
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	if r.large == nil || m.Handle != r.large.handle {
		return spdm.ErrInvalidRequest, nil
	}
	if m.Seq != r.large.nextSeq {
		r.large = nil
		return spdm.ErrInvalidRequest, nil
	}

	data := r.large.rebuild()
	capFirst := int(r.peerDTS) - firstChunkOverhead
	capRest := int(r.peerDTS) - chunkOverhead
	offset, size := 0, capFirst
	if m.Seq > 0 {
		offset = capFirst + (int(m.Seq)-1)*capRest
		size = capRest
	}
	if offset+size >= len(data) {
		size = len(data) - offset
	}

	rsp := spdm.ChunkResponse{
		Version: r.version,
		Last:    offset+size == len(data),
		Handle:  m.Handle,
		Seq:     m.Seq,
		Data:    data[offset : offset+size],
	}
	if m.Seq == 0 {
		rsp.TotalSize = uint32(len(data))
	}
	if _, err := rsp.Encode(scratch); err != nil {
		return 0, err
	}
	if rsp.Last {
		r.large = nil
	} else {
		r.large.nextSeq++
	}
	return 0, nil
}
