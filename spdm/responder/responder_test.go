// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package responder_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"math/big"
	"testing"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/mailbox"
	"github.com/silicon-rot/mcufw/mcutest"
	"github.com/silicon-rot/mcufw/spdm"
	"github.com/silicon-rot/mcufw/spdm/responder"
	"github.com/silicon-rot/mcufw/spdm/session"
)

// client drives a responder directly and mirrors the transcript
// accumulation the protocol signs over, standing in for an initiator.
type client struct {
	t   *testing.T
	r   *responder.Responder
	ctx context.Context

	version spdm.Version
	vca     bytes.Buffer
	cert    bytes.Buffer
	chal    bytes.Buffer
	meas    bytes.Buffer
	th      bytes.Buffer
}

// round sends one request and returns the raw request bytes and response.
func (c *client) round(msg codec.Encodable) ([]byte, *codec.Buffer) {
	c.t.Helper()
	req := codec.New(4096)
	if _, err := msg.Encode(req); err != nil {
		c.t.Fatal(err)
	}
	raw := append([]byte(nil), req.Data()...)
	resp := codec.New(4096)
	if err := c.r.Handle(c.ctx, req, resp); err != nil {
		c.t.Fatal(err)
	}
	return raw, resp
}

// expectError asserts the response is an ERROR with the given code.
func (c *client) expectError(resp *codec.Buffer, code uint8) uint8 {
	c.t.Helper()
	var e spdm.ErrorResponse
	if err := e.Decode(resp); err != nil {
		c.t.Fatal(err)
	}
	if e.Code != code {
		c.t.Fatalf("error code %#x want %#x", e.Code, code)
	}
	return e.Data
}

// negotiate runs the version, capability, and algorithm exchange.
func (c *client) negotiate(version spdm.Version, flags, dts uint32) {
	c.t.Helper()
	c.version = version

	raw, resp := c.round(spdm.GetVersion{})
	var vr spdm.VersionResponse
	if err := vr.Decode(resp); err != nil {
		c.t.Fatal(err)
	}
	c.vca.Write(raw)
	c.writeRaw(&c.vca, spdm.VersionResponse{Versions: vr.Versions})

	raw, resp = c.round(spdm.GetCapabilities{
		Version:          version,
		CTExponent:       spdm.CTExponent,
		Flags:            flags,
		DataTransferSize: dts,
		MaxMessageSize:   dts,
	})
	var caps spdm.Capabilities
	if err := caps.Decode(resp); err != nil {
		c.t.Fatal(err)
	}
	c.vca.Write(raw)
	c.writeRaw(&c.vca, caps)

	raw, resp = c.round(spdm.NegotiateAlgorithms{
		Version:     version,
		MeasSpec:    spdm.MeasSpecDMTF,
		BaseHash:    spdm.HashSHA384,
		BaseAsym:    spdm.AsymECDSAP384,
		DHE:         spdm.DHESecp384r1,
		AEAD:        spdm.AEADAes256Gcm,
		KeySchedule: spdm.KeyScheduleSPDM,
	})
	var algs spdm.AlgorithmsResponse
	if err := algs.Decode(resp); err != nil {
		c.t.Fatal(err)
	}
	if algs.Selected.BaseHash != spdm.HashSHA384 || algs.Selected.BaseAsym != spdm.AsymECDSAP384 {
		c.t.Fatalf("selected %+v", algs.Selected)
	}
	c.vca.Write(raw)
	c.writeRaw(&c.vca, algs)
}

// writeRaw re-encodes msg and appends its wire form to buf.
func (c *client) writeRaw(buf *bytes.Buffer, msg codec.Encodable) {
	c.t.Helper()
	scratch := codec.New(4096)
	if _, err := msg.Encode(scratch); err != nil {
		c.t.Fatal(err)
	}
	buf.Write(scratch.Data())
}

func (c *client) m1() []byte {
	h := sha512.New384()
	h.Write(c.vca.Bytes())
	h.Write(c.cert.Bytes())
	h.Write(c.chal.Bytes())
	return h.Sum(nil)
}

func (c *client) l1() []byte {
	h := sha512.New384()
	if c.version >= spdm.Version12 {
		h.Write(c.vca.Bytes())
	}
	h.Write(c.meas.Bytes())
	return h.Sum(nil)
}

func (c *client) th1() [spdm.HashLen]byte {
	h := sha512.New384()
	h.Write(c.vca.Bytes())
	h.Write(c.cert.Bytes())
	h.Write(c.th.Bytes())
	var sum [spdm.HashLen]byte
	h.Sum(sum[:0])
	return sum
}

// newResponder builds a responder whose slot 0 signs through the mailbox
// against a P-384 key held by the engine model.
func newResponder(t *testing.T, cfg responder.Config) (*client, *ecdsa.PublicKey, *spdm.Slot) {
	t.Helper()
	mcutest.CaptureLog(t)
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	engine := mcutest.NewEngine()
	engine.Keys[3] = key

	chain := bytes.Repeat([]byte{0x30, 0x82, 0x01, 0x00}, 25)
	slot := &spdm.Slot{
		Chain:    chain,
		RootHash: sha512.Sum384(chain),
		Signer:   spdm.MailboxSigner{Client: mailbox.NewClient(engine), KeySlot: 3},
	}
	store := cfg.Certs
	if store == nil {
		store = &spdm.Store{}
	}
	if err := store.Provision(0, slot); err != nil {
		t.Fatal(err)
	}
	cfg.Certs = store
	if cfg.Measurements == nil {
		meas := &spdm.MeasurementStore{}
		meas.Add(1, spdm.MeasValueFirmware, []byte("partition a firmware"))
		meas.AddRaw(spdm.MeasIndexManifest, spdm.MeasValueManifest, []byte("soc manifest"))
		cfg.Measurements = meas
	}

	c := &client{t: t, r: responder.New(cfg), ctx: context.Background()}
	return c, &key.PublicKey, slot
}

func verifySig(t *testing.T, pub *ecdsa.PublicKey, digest, sig []byte) {
	t.Helper()
	if len(sig) != spdm.SignatureLen {
		t.Fatalf("signature length %d", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:48])
	s := new(big.Int).SetBytes(sig[48:])
	if !ecdsa.Verify(pub, digest, r, s) {
		t.Fatal("signature does not verify")
	}
}

func TestAuthenticationFlow(t *testing.T) {
	c, pub, slot := newResponder(t, responder.Config{})
	c.negotiate(spdm.Version13, spdm.CapCert|spdm.CapChal, 1024)

	// Digests: one provisioned slot, one chain-stream hash.
	raw, resp := c.round(spdm.GetDigests{Version: spdm.Version13})
	rawResp := append([]byte(nil), resp.Data()...)
	var digests spdm.Digests
	if err := digests.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if digests.ProvisionedMask != 0x01 || digests.SupportedMask != 0x03 {
		t.Fatalf("masks %#x %#x", digests.ProvisionedMask, digests.SupportedMask)
	}
	if len(digests.Digests) != 1 || digests.Digests[0] != slot.ChainDigest() {
		t.Fatalf("digest %x", digests.Digests)
	}
	c.cert.Write(raw)
	c.cert.Write(rawResp)

	// Certificate fetch in two windows.
	total := slot.ChainLen()
	var chainStream []byte
	for offset := 0; offset < total; {
		raw, resp := c.round(spdm.GetCertificate{Version: spdm.Version13, Offset: uint16(offset), Length: 64})
		rawResp := append([]byte(nil), resp.Data()...)
		var cert spdm.Certificate
		if err := cert.Decode(resp); err != nil {
			t.Fatal(err)
		}
		chainStream = append(chainStream, cert.Portion...)
		offset += int(cert.PortionLen)
		if int(cert.RemainderLen) != total-offset {
			t.Fatalf("remainder %d at offset %d", cert.RemainderLen, offset)
		}
		c.cert.Write(raw)
		c.cert.Write(rawResp)
	}
	if got := sha512.Sum384(chainStream); got != slot.ChainDigest() {
		t.Fatal("fetched chain stream hash mismatch")
	}

	// An offset past the stream is refused.
	_, resp = c.round(spdm.GetCertificate{Version: spdm.Version13, Offset: uint16(total + 1), Length: 1})
	c.expectError(resp, spdm.ErrInvalidRequest)

	// Challenge: the signature closes M1.
	chalReq := spdm.Challenge{Version: spdm.Version13, SummaryType: spdm.SummaryTCB}
	raw, resp = c.round(chalReq)
	rawResp = append([]byte(nil), resp.Data()...)
	var auth spdm.ChallengeAuth
	if err := auth.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if auth.CertChainHash != slot.ChainDigest() || auth.SummaryHash == nil {
		t.Fatalf("challenge auth %+v", auth)
	}
	c.chal.Write(raw)
	c.chal.Write(rawResp[:len(rawResp)-spdm.SignatureLen])
	verifySig(t, pub, c.m1(), auth.Signature[:])
}

func TestSingleSlotDigestMasks(t *testing.T) {
	c, _, slot := newResponder(t, responder.Config{Certs: spdm.NewStore(1)})
	c.negotiate(spdm.Version13, spdm.CapCert|spdm.CapChal, 1024)

	_, resp := c.round(spdm.GetDigests{Version: spdm.Version13})
	var digests spdm.Digests
	if err := digests.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if digests.SupportedMask != 0x01 || digests.ProvisionedMask != 0x01 {
		t.Fatalf("masks %#x %#x", digests.SupportedMask, digests.ProvisionedMask)
	}
	if len(digests.Digests) != 1 || digests.Digests[0] != slot.ChainDigest() {
		t.Fatalf("digest %x", digests.Digests)
	}
}

func TestRequestGating(t *testing.T) {
	c, _, _ := newResponder(t, responder.Config{})

	// Anything before GET_VERSION is out of order.
	_, resp := c.round(spdm.GetCapabilities{Version: spdm.Version13})
	c.expectError(resp, spdm.ErrUnexpectedReq)

	c.negotiate(spdm.Version13, spdm.CapCert|spdm.CapChal, 1024)

	// Skipping the digest phase refuses GET_CERTIFICATE.
	_, resp = c.round(spdm.GetCertificate{Version: spdm.Version13, Length: 16})
	c.expectError(resp, spdm.ErrUnexpectedReq)

	// A wire version other than the negotiated one is refused.
	_, resp = c.round(spdm.GetDigests{Version: spdm.Version12})
	c.expectError(resp, spdm.ErrVersionMismatch)
}

func TestSignedMeasurements(t *testing.T) {
	c, pub, _ := newResponder(t, responder.Config{})
	c.negotiate(spdm.Version13, spdm.CapCert|spdm.CapChal, 1024)

	// Index zero reports the count without records.
	raw, resp := c.round(spdm.GetMeasurements{Version: spdm.Version13, Operation: spdm.MeasIndexTotal})
	rawResp := append([]byte(nil), resp.Data()...)
	var count spdm.Measurements
	if err := count.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if count.TotalIndices != 2 || len(count.Blocks) != 0 {
		t.Fatalf("count response %+v", count)
	}
	c.meas.Write(raw)
	c.meas.Write(rawResp)

	// All blocks with a signature over L1.
	req := spdm.GetMeasurements{
		Version:   spdm.Version13,
		Attr:      spdm.MeasAttrSignature,
		Operation: spdm.MeasIndexAll,
	}
	raw, resp = c.round(req)
	rawResp = append([]byte(nil), resp.Data()...)
	var meas spdm.Measurements
	if err := meas.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if len(meas.Blocks) != 2 || meas.Signature == nil {
		t.Fatalf("measurements %+v", meas)
	}
	c.meas.Write(raw)
	c.meas.Write(rawResp[:len(rawResp)-spdm.SignatureLen])
	verifySig(t, pub, c.l1(), meas.Signature)

	// An unknown single index is refused.
	_, resp = c.round(spdm.GetMeasurements{Version: spdm.Version13, Operation: 0x42})
	c.expectError(resp, spdm.ErrInvalidRequest)
}

func TestChunkedLargeResponse(t *testing.T) {
	meas := &spdm.MeasurementStore{}
	meas.AddRaw(spdm.MeasIndexManifest, spdm.MeasValueManifest, bytes.Repeat([]byte{0xab}, 400))
	c, _, _ := newResponder(t, responder.Config{Measurements: meas})

	// A 128-byte peer transfer size forces the manifest response through
	// the large-response path.
	c.negotiate(spdm.Version13, spdm.CapChunk, 128)

	get := spdm.GetMeasurements{Version: spdm.Version13, Operation: spdm.MeasIndexManifest}
	_, resp := c.round(get)
	handle := c.expectError(resp, spdm.ErrLargeResponse)

	// A second large response is refused while one is pending.
	_, resp = c.round(get)
	c.expectError(resp, spdm.ErrResponseTooLarge)

	// A sequence mismatch invalidates the pending response.
	_, resp = c.round(spdm.ChunkGet{Version: spdm.Version13, Handle: handle, Seq: 1})
	c.expectError(resp, spdm.ErrInvalidRequest)
	_, resp = c.round(spdm.ChunkGet{Version: spdm.Version13, Handle: handle, Seq: 0})
	c.expectError(resp, spdm.ErrInvalidRequest)

	// Retry and consume the chunk sequence in order.
	_, resp = c.round(get)
	handle = c.expectError(resp, spdm.ErrLargeResponse)

	var reassembled []byte
	var total uint32
	for seq := uint16(0); ; seq++ {
		_, resp := c.round(spdm.ChunkGet{Version: spdm.Version13, Handle: handle, Seq: seq})
		var chunk spdm.ChunkResponse
		if err := chunk.Decode(resp); err != nil {
			t.Fatal(err)
		}
		if chunk.Seq != seq || chunk.Handle != handle {
			t.Fatalf("chunk %+v at seq %d", chunk, seq)
		}
		if seq == 0 {
			total = chunk.TotalSize
		}
		if len(chunk.Data) > 128 {
			t.Fatalf("chunk %d overflows transfer size: %d bytes", seq, len(chunk.Data))
		}
		reassembled = append(reassembled, chunk.Data...)
		if chunk.Last {
			break
		}
	}
	if uint32(len(reassembled)) != total {
		t.Fatalf("reassembled %d bytes want %d", len(reassembled), total)
	}

	var m spdm.Measurements
	if err := m.Decode(codec.FromBytes(reassembled)); err != nil {
		t.Fatal(err)
	}
	if len(m.Blocks) != 1 || !bytes.Equal(m.Blocks[0].Value, bytes.Repeat([]byte{0xab}, 400)) {
		t.Fatalf("reassembled measurements %+v", m)
	}

	// The slot is free again.
	_, resp = c.round(spdm.ChunkGet{Version: spdm.Version13, Handle: handle, Seq: 0})
	c.expectError(resp, spdm.ErrInvalidRequest)
}

func TestSecureSession(t *testing.T) {
	c, pub, _ := newResponder(t, responder.Config{})
	c.negotiate(spdm.Version13, spdm.CapKeyEx|spdm.CapEncrypt|spdm.CapMAC|spdm.CapCert, 1024)

	// Reach AfterCertificate.
	raw, resp := c.round(spdm.GetDigests{Version: spdm.Version13})
	rawResp := append([]byte(nil), resp.Data()...)
	c.cert.Write(raw)
	c.cert.Write(rawResp)
	raw, resp = c.round(spdm.GetCertificate{Version: spdm.Version13, Length: 0xffff})
	rawResp = append([]byte(nil), resp.Data()...)
	c.cert.Write(raw)
	c.cert.Write(rawResp)

	// The responder allocates session ids sequentially from one.
	reqSess, err := session.New(nil, 0xaaaa, 1)
	if err != nil {
		t.Fatal(err)
	}
	ke := spdm.KeyExchange{
		Version:      spdm.Version13,
		ReqSessionID: 0xaaaa,
		ExchangeData: reqSess.ExchangeData(),
	}
	raw, resp = c.round(ke)
	rawResp = append([]byte(nil), resp.Data()...)
	var keRsp spdm.KeyExchangeRsp
	if err := keRsp.Decode(resp); err != nil {
		t.Fatal(err)
	}
	if keRsp.RspSessionID != 1 {
		t.Fatalf("responder session id %#x", keRsp.RspSessionID)
	}

	// TH1 excludes the signature and verify data; the signature covers TH1
	// and the verify data binds the signature in.
	unsigned := len(rawResp) - spdm.SignatureLen - spdm.HashLen
	c.th.Write(raw)
	c.th.Write(rawResp[:unsigned])
	th1 := c.th1()
	if err := reqSess.DeriveHandshake(keRsp.ExchangeData, th1); err != nil {
		t.Fatal(err)
	}
	verifySig(t, pub, th1[:], keRsp.Signature[:])
	c.th.Write(keRsp.Signature[:])
	if want := reqSess.VerifyData(false, c.th1()); want != keRsp.VerifyData {
		t.Fatal("responder verify data mismatch")
	}
	c.th.Write(keRsp.VerifyData[:])

	// FINISH carries the requester verify data over the transcript through
	// the FINISH header.
	finHdr := codec.New(8)
	if _, err := (spdm.Header{Version: spdm.Version13, Code: spdm.CodeFinish}).Encode(finHdr); err != nil {
		t.Fatal(err)
	}
	c.th.Write(finHdr.Data())
	fin := spdm.Finish{Version: spdm.Version13, VerifyData: reqSess.VerifyData(true, c.th1())}
	_, resp = c.round(fin)
	rawResp = append([]byte(nil), resp.Data()...)
	var finRsp spdm.FinishRsp
	if err := finRsp.Decode(resp); err != nil {
		t.Fatal(err)
	}
	c.th.Write(fin.VerifyData[:])
	c.th.Write(rawResp[:spdm.HeaderLen])
	th2 := c.th1()
	if want := reqSess.VerifyData(false, th2); want != finRsp.VerifyData {
		t.Fatal("finish verify data mismatch")
	}
	if err := reqSess.Establish(th2); err != nil {
		t.Fatal(err)
	}

	// END_SESSION travels inside the established session.
	endReq := codec.New(16)
	if _, err := (spdm.EndSession{Version: spdm.Version13}).Encode(endReq); err != nil {
		t.Fatal(err)
	}
	record, err := responder.SealRecord(reqSess, true, endReq.Data())
	if err != nil {
		t.Fatal(err)
	}
	secResp := codec.New(4096)
	if err := c.r.HandleSecured(c.ctx, codec.FromBytes(record), secResp); err != nil {
		t.Fatal(err)
	}
	d := codec.NewDecoder(secResp)
	if id := d.U32(); id != reqSess.ID() {
		t.Fatalf("record session id %#x", id)
	}
	pt, err := reqSess.Open(false, d.Bytes(d.Remaining()))
	if err != nil {
		t.Fatal(err)
	}
	var ack spdm.EndSessionAck
	if err := ack.Decode(codec.FromBytes(pt)); err != nil {
		t.Fatal(err)
	}

	// The session is gone; further records are refused.
	record, err = responder.SealRecord(reqSess, true, endReq.Data())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.r.HandleSecured(c.ctx, codec.FromBytes(record), codec.New(64)); err == nil {
		t.Fatal("record accepted after session end")
	}
}
