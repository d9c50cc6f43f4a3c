// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package responder

import (
	"context"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/spdm"
	"github.com/silicon-rot/mcufw/spdm/session"
)

func (r *Responder) keyExchange(ctx context.Context, raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.KeyExchange
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	slot := r.certs.Slot(m.Slot)
	if slot == nil || slot.Signer == nil {
		return spdm.ErrInvalidRequest, nil
	}
	if r.sess != nil && r.sess.State() != session.Terminating {
		// One session at a time.
		return spdm.ErrBusy, nil
	}

	r.nextSessID++
	sess, err := session.New(r.rng, m.ReqSessionID, r.nextSessID)
	if err != nil {
		return 0, err
	}

	rsp := spdm.KeyExchangeRsp{
		Version:      r.version,
		RspSessionID: r.nextSessID,
		ExchangeData: sess.ExchangeData(),
	}
	if _, err := io.ReadFull(r.rng, rsp.Random[:]); err != nil {
		return 0, err
	}
	if m.SummaryType != spdm.SummaryNone && r.meas != nil {
		sum := r.meas.SummaryHash()
		rsp.SummaryHash = sum[:]
	}
	if _, err := rsp.Encode(scratch); err != nil {
		return 0, err
	}

	// TH1 covers the exchange up to but excluding the signature; the verify
	// data then covers TH1 with the signature bound in.
	sigOff := scratch.Len() - spdm.SignatureLen - spdm.HashLen
	r.tx.th.Write(raw)
	r.tx.th.Write(scratch.Data()[:sigOff])
	th1 := r.tx.th1()
	if err := sess.DeriveHandshake(m.ExchangeData, th1); err != nil {
		return spdm.ErrInvalidRequest, nil
	}
	sig, err := slot.Signer.Sign(ctx, th1[:])
	if err != nil {
		return 0, fmt.Errorf("key exchange signature: %w", err)
	}
	copy(scratch.Data()[sigOff:], sig)
	r.tx.th.Write(sig)
	verify := sess.VerifyData(false, r.tx.th1())
	copy(scratch.Data()[sigOff+spdm.SignatureLen:], verify[:])
	r.tx.th.Write(verify[:])

	r.sess = sess
	return 0, nil
}

func (r *Responder) finish(raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.Finish
	if err := m.Decode(req); err != nil {
		return 0, err
	}

	// The requester's verify data covers the handshake transcript through
	// the FINISH header.
	r.tx.th.Write(raw[:spdm.HeaderLen])
	want := r.sess.VerifyData(true, r.tx.th1())
	if !hmac.Equal(want[:], m.VerifyData[:]) {
		r.sess.Terminate()
		r.sess = nil
		return spdm.ErrDecryptError, nil
	}
	r.tx.th.Write(m.VerifyData[:])

	// TH2 covers everything through the FINISH_RSP header; the data keys
	// bind to it.
	rspHdr := spdm.Header{Version: r.version, Code: spdm.CodeFinishRsp}
	if _, err := rspHdr.Encode(scratch); err != nil {
		return 0, err
	}
	r.tx.th.Write(scratch.Data())
	th2 := r.tx.th2()
	verify := r.sess.VerifyData(false, th2)
	e := codec.NewEncoder(scratch)
	e.Bytes(verify[:])
	if _, err := e.Finish(); err != nil {
		return 0, err
	}
	return 0, r.sess.Establish(th2)
}

func (r *Responder) endSession(req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.EndSession
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	_, err := spdm.EndSessionAck{Version: r.version}.Encode(scratch)
	return 0, err
}

// HandleSecured processes one secured-message record: a 32-bit session id
// followed by the sealed SPDM request. The response is sealed under the
// responder direction of the same session. Record failures terminate the
// session.
func (r *Responder) HandleSecured(ctx context.Context, req, resp *codec.Buffer) error {
	d := codec.NewDecoder(req)
	id := d.U32()
	ct := d.Bytes(d.Remaining())
	if err := d.Err(); err != nil {
		return err
	}
	if r.sess == nil || r.sess.State() != session.Established || id != r.sess.ID() {
		return fmt.Errorf("%w: no established session %#x", spdm.ErrMalformed, id)
	}

	pt, err := r.sess.Open(true, ct)
	if err != nil {
		r.sess = nil
		return err
	}
	inner := codec.FromBytes(pt)
	peek, err := inner.Peek(2)
	if err != nil {
		return err
	}
	code := peek[1]

	innerResp := codec.New(int(r.maxMsg) + 16)
	if err := r.Handle(ctx, inner, innerResp); err != nil {
		return err
	}
	sealed, err := r.sess.Seal(false, innerResp.Data())
	if err != nil {
		return err
	}

	e := codec.NewEncoder(resp)
	e.U32(id)
	e.Bytes(sealed)
	if _, err := e.Finish(); err != nil {
		return err
	}
	if code == spdm.CodeEndSession {
		r.sess.Terminate()
		r.sess = nil
	}
	return nil
}

// SealRecord seals a plaintext under one direction of an established
// session and frames it as a secured-message record. It exists for the
// initiator side of tests.
func SealRecord(sess *session.Session, requester bool, plaintext []byte) ([]byte, error) {
	ct, err := sess.Seal(requester, plaintext)
	if err != nil {
		return nil, err
	}
	rec := make([]byte, 4, 4+len(ct))
	binary.LittleEndian.PutUint32(rec, sess.ID())
	return append(rec, ct...), nil
}
