// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package responder implements the SPDM responder state machine: connection
// negotiation, device authentication, measurement reporting, large-response
// chunking, and secure session establishment.
package responder

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/spdm"
	"github.com/silicon-rot/mcufw/spdm/session"
)

// connState orders the connection phases a request may require.
type connState uint8

const (
	stateNotStarted connState = iota
	stateAfterCapabilities
	stateAlgorithmsNegotiated
	stateAfterDigest
	stateAfterCertificate
	stateAuthenticated
)

func (s connState) String() string {
	switch s {
	case stateNotStarted:
		return "NotStarted"
	case stateAfterCapabilities:
		return "AfterCapabilities"
	case stateAlgorithmsNegotiated:
		return "AlgorithmsNegotiated"
	case stateAfterDigest:
		return "AfterDigest"
	case stateAfterCertificate:
		return "AfterCertificate"
	case stateAuthenticated:
		return "Authenticated"
	default:
		return fmt.Sprintf("connState(%d)", uint8(s))
	}
}

// DefaultDataTransferSize is the responder's advertised transfer size.
const DefaultDataTransferSize = 1024

// Config parameterises a Responder.
type Config struct {
	// Certs holds the provisioned certificate slots.
	Certs *spdm.Store
	// Measurements holds the measurement blocks; nil disables MEAS_CAP.
	Measurements *spdm.MeasurementStore
	// DataTransferSize overrides DefaultDataTransferSize when nonzero.
	DataTransferSize uint32
	// MaxMessageSize bounds reassembled message size; defaults to the
	// transfer size (no large-message support beyond chunking).
	MaxMessageSize uint32
	// Rand overrides the nonce and session randomness source in tests.
	Rand io.Reader
}

// Responder is the device-side SPDM endpoint. It is not safe for concurrent
// use; the run loop serialises requests.
type Responder struct {
	certs  *spdm.Store
	meas   *spdm.MeasurementStore
	dts    uint32
	maxMsg uint32
	rng    io.Reader

	state       connState
	versionSeen bool
	version     spdm.Version
	peerFlags   uint32
	peerDTS     uint32
	alg         spdm.Algorithms
	tx          transcript

	large      *largeResponse
	nextHandle uint8

	sess       *session.Session
	nextSessID uint16
}

// New creates a Responder from cfg.
func New(cfg Config) *Responder {
	r := &Responder{
		certs:  cfg.Certs,
		meas:   cfg.Measurements,
		dts:    cfg.DataTransferSize,
		maxMsg: cfg.MaxMessageSize,
		rng:    cfg.Rand,
	}
	if r.certs == nil {
		r.certs = &spdm.Store{}
	}
	if r.dts == 0 {
		r.dts = DefaultDataTransferSize
	}
	if r.maxMsg == 0 {
		r.maxMsg = r.dts
	}
	if r.rng == nil {
		r.rng = rand.Reader
	}
	return r
}

// Flags returns the capability flags the responder advertises.
func (r *Responder) Flags() uint32 {
	flags := spdm.CapChunk
	if r.certs.ProvisionedMask() != 0 {
		flags |= spdm.CapCert | spdm.CapChal | spdm.CapKeyEx | spdm.CapEncrypt | spdm.CapMAC
	}
	if r.meas != nil {
		flags |= spdm.CapMeasWithSig
	}
	return flags
}

// Handle processes one plain SPDM request and writes the response. Protocol
// violations are answered with ERROR responses; a non-nil error means no
// response could be produced at all.
func (r *Responder) Handle(ctx context.Context, req, resp *codec.Buffer) error {
	raw := append([]byte(nil), req.Data()...)
	peek, err := req.Peek(2)
	if err != nil {
		return fmt.Errorf("%w: %v", spdm.ErrMalformed, err)
	}
	version, code := spdm.Version(peek[0]), peek[1]

	if ec, data := r.gate(version, code); ec != 0 {
		return r.sendError(resp, ec, data)
	}

	scratch := codec.New(int(r.maxMsg) + 16)
	ec, err := r.dispatch(ctx, code, raw, req, scratch)
	if err != nil {
		return err
	}
	if ec != 0 {
		return r.sendError(resp, ec, 0)
	}
	return r.finishResponse(code, scratch, resp)
}

// gate checks version agreement and the connection-phase preconditions of a
// request code. It returns a nonzero ERROR code when the request must be
// refused.
func (r *Responder) gate(version spdm.Version, code uint8) (ec, data uint8) {
	switch code {
	case spdm.CodeGetVersion:
		return 0, 0
	case spdm.CodeGetCapabilities:
		if !r.versionSeen {
			return spdm.ErrUnexpectedReq, 0
		}
		if !supported(version) {
			return spdm.ErrVersionMismatch, 0
		}
		return 0, 0
	}
	if !r.versionSeen || version != r.version {
		return spdm.ErrVersionMismatch, 0
	}

	switch code {
	case spdm.CodeNegotiateAlgorithms:
		if r.state < stateAfterCapabilities {
			return spdm.ErrUnexpectedReq, 0
		}
	case spdm.CodeGetDigests:
		if r.state < stateAlgorithmsNegotiated || r.Flags()&spdm.CapCert == 0 {
			return spdm.ErrUnexpectedReq, 0
		}
	case spdm.CodeGetCertificate:
		if r.state < stateAfterDigest {
			return spdm.ErrUnexpectedReq, 0
		}
	case spdm.CodeChallenge:
		if r.state < stateAfterCertificate || r.Flags()&spdm.CapChal == 0 {
			return spdm.ErrUnexpectedReq, 0
		}
	case spdm.CodeGetMeasurements:
		if r.state < stateAlgorithmsNegotiated || spdm.MeasCap(r.Flags()) == 0 {
			return spdm.ErrUnexpectedReq, 0
		}
	case spdm.CodeKeyExchange:
		if r.state < stateAfterCertificate || r.Flags()&spdm.CapKeyEx == 0 {
			return spdm.ErrUnexpectedReq, 0
		}
		if r.alg.DHE == 0 || r.alg.AEAD == 0 {
			return spdm.ErrUnsupportedReq, spdm.CodeKeyExchange
		}
	case spdm.CodeFinish:
		if r.sess == nil || r.sess.State() != session.HandshakeInProgress {
			return spdm.ErrUnexpectedReq, 0
		}
	case spdm.CodeEndSession:
		if r.sess == nil || r.sess.State() != session.Established {
			return spdm.ErrUnexpectedReq, 0
		}
	case spdm.CodeChunkGet:
		if r.peerFlags&spdm.CapChunk == 0 {
			return spdm.ErrUnexpectedReq, 0
		}
	default:
		return spdm.ErrUnsupportedReq, code
	}
	return 0, 0
}

func supported(v spdm.Version) bool {
	for _, s := range spdm.SupportedVersions {
		if v == s {
			return true
		}
	}
	return false
}

// dispatch decodes and executes one gated request, writing the success
// response to scratch. A nonzero ERROR code refuses the request instead.
func (r *Responder) dispatch(ctx context.Context, code uint8, raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	switch code {
	case spdm.CodeGetVersion:
		return r.getVersion(raw, req, scratch)
	case spdm.CodeGetCapabilities:
		return r.getCapabilities(raw, req, scratch)
	case spdm.CodeNegotiateAlgorithms:
		return r.negotiateAlgorithms(raw, req, scratch)
	case spdm.CodeGetDigests:
		return r.getDigests(raw, req, scratch)
	case spdm.CodeGetCertificate:
		return r.getCertificate(raw, req, scratch)
	case spdm.CodeChallenge:
		return r.challenge(ctx, raw, req, scratch)
	case spdm.CodeGetMeasurements:
		return r.getMeasurements(ctx, raw, req, scratch)
	case spdm.CodeKeyExchange:
		return r.keyExchange(ctx, raw, req, scratch)
	case spdm.CodeFinish:
		return r.finish(raw, req, scratch)
	case spdm.CodeEndSession:
		return r.endSession(req, scratch)
	case spdm.CodeChunkGet:
		return r.chunkGet(req, scratch)
	default:
		return spdm.ErrUnsupportedReq, nil
	}
}

func (r *Responder) getVersion(raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.GetVersion
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	r.tx.resetViaReqCode(spdm.CodeGetVersion)
	r.state = stateNotStarted
	r.versionSeen = true
	r.version = 0
	r.alg = spdm.Algorithms{}
	r.large = nil
	if r.sess != nil {
		r.sess.Terminate()
		r.sess = nil
	}

	if _, err := (spdm.VersionResponse{Versions: spdm.SupportedVersions}).Encode(scratch); err != nil {
		return 0, err
	}
	r.tx.vca.Write(raw)
	r.tx.vca.Write(scratch.Data())
	return 0, nil
}

func (r *Responder) getCapabilities(raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.GetCapabilities
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	r.tx.resetViaReqCode(spdm.CodeGetCapabilities)
	r.version = m.Version
	r.peerFlags = m.Flags
	r.peerDTS = m.DataTransferSize

	rsp := spdm.Capabilities{
		Version:          r.version,
		CTExponent:       spdm.CTExponent,
		Flags:            r.Flags(),
		DataTransferSize: r.dts,
		MaxMessageSize:   r.maxMsg,
	}
	if _, err := rsp.Encode(scratch); err != nil {
		return 0, err
	}
	r.tx.vca.Write(raw)
	r.tx.vca.Write(scratch.Data())
	r.state = stateAfterCapabilities
	return 0, nil
}

func (r *Responder) negotiateAlgorithms(raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.NegotiateAlgorithms
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	alg, err := spdm.Select(m)
	if err != nil {
		slog.Warn("algorithm negotiation failed", "error", err)
		return spdm.ErrInvalidRequest, nil
	}
	r.alg = alg

	rsp := spdm.AlgorithmsResponse{Version: r.version, Selected: alg}
	if _, err := rsp.Encode(scratch); err != nil {
		return 0, err
	}
	r.tx.vca.Write(raw)
	r.tx.vca.Write(scratch.Data())
	r.state = stateAlgorithmsNegotiated
	return 0, nil
}

func (r *Responder) getDigests(raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.GetDigests
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	r.tx.resetViaReqCode(spdm.CodeGetDigests)

	rsp := spdm.Digests{
		Version:         r.version,
		SupportedMask:   r.certs.SupportedMask(),
		ProvisionedMask: r.certs.ProvisionedMask(),
	}
	for i := uint8(0); i < spdm.MaxSlots; i++ {
		slot := r.certs.Slot(i)
		if slot == nil {
			continue
		}
		rsp.Digests = append(rsp.Digests, slot.ChainDigest())
		rsp.KeyPairIDs = append(rsp.KeyPairIDs, slot.KeyPairID)
		rsp.CertInfos = append(rsp.CertInfos, slot.CertInfo)
		rsp.KeyUsageMasks = append(rsp.KeyUsageMasks, slot.KeyUsageMask)
	}
	if _, err := rsp.Encode(scratch); err != nil {
		return 0, err
	}
	r.tx.cert.Write(raw)
	r.tx.cert.Write(scratch.Data())
	if r.state < stateAfterDigest {
		r.state = stateAfterDigest
	}
	return 0, nil
}

func (r *Responder) getCertificate(raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.GetCertificate
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	slot := r.certs.Slot(m.Slot)
	if slot == nil {
		return spdm.ErrInvalidRequest, nil
	}
	portion, remainder, err := slot.ChainWindow(int(m.Offset), int(m.Length))
	if err != nil {
		return spdm.ErrInvalidRequest, nil
	}

	rsp := spdm.Certificate{
		Version:      r.version,
		Slot:         m.Slot,
		PortionLen:   uint16(len(portion)),
		RemainderLen: uint16(remainder),
		Portion:      portion,
	}
	if _, err := rsp.Encode(scratch); err != nil {
		return 0, err
	}
	r.tx.cert.Write(raw)
	r.tx.cert.Write(scratch.Data())
	if r.state < stateAfterCertificate {
		r.state = stateAfterCertificate
	}
	return 0, nil
}

func (r *Responder) challenge(ctx context.Context, raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.Challenge
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	slot := r.certs.Slot(m.Slot)
	if slot == nil || slot.Signer == nil {
		return spdm.ErrInvalidRequest, nil
	}

	rsp := spdm.ChallengeAuth{
		Version:       r.version,
		Slot:          m.Slot,
		SlotMask:      r.certs.ProvisionedMask(),
		CertChainHash: slot.ChainDigest(),
	}
	if _, err := io.ReadFull(r.rng, rsp.Nonce[:]); err != nil {
		return 0, err
	}
	if m.SummaryType != spdm.SummaryNone && r.meas != nil {
		sum := r.meas.SummaryHash()
		rsp.SummaryHash = sum[:]
	}
	if _, err := rsp.Encode(scratch); err != nil {
		return 0, err
	}

	// The signature closes M1: the transcript takes the response up to but
	// excluding the signature field, and the signature is computed over the
	// transcript hash.
	unsigned := scratch.Data()[:scratch.Len()-spdm.SignatureLen]
	r.tx.chal.Write(raw)
	r.tx.chal.Write(unsigned)
	m1 := r.tx.m1()
	sig, err := slot.Signer.Sign(ctx, m1[:])
	if err != nil {
		return 0, fmt.Errorf("challenge auth: %w", err)
	}
	copy(scratch.Data()[scratch.Len()-spdm.SignatureLen:], sig)
	r.state = stateAuthenticated
	return 0, nil
}

func (r *Responder) getMeasurements(ctx context.Context, raw []byte, req, scratch *codec.Buffer) (uint8, error) {
	var m spdm.GetMeasurements
	if err := m.Decode(req); err != nil {
		return 0, err
	}
	if r.meas == nil {
		return spdm.ErrUnexpectedReq, nil
	}
	signed := m.Attr&spdm.MeasAttrSignature != 0

	rsp := spdm.Measurements{Version: r.version, Slot: m.Slot}
	switch m.Operation {
	case spdm.MeasIndexTotal:
		rsp.TotalIndices = uint8(r.meas.Count())
	default:
		rsp.Blocks = r.meas.Select(m.Operation)
		if rsp.Blocks == nil {
			return spdm.ErrInvalidRequest, nil
		}
	}
	if signed {
		if _, err := io.ReadFull(r.rng, rsp.Nonce[:]); err != nil {
			return 0, err
		}
	}
	if _, err := rsp.Encode(scratch); err != nil {
		return 0, err
	}

	// Signed or not, the exchange extends L1; the signature itself is
	// excluded and computed over the transcript hash.
	r.tx.meas.Write(raw)
	r.tx.meas.Write(scratch.Data())
	if signed {
		slot := r.certs.Slot(m.Slot)
		if slot == nil || slot.Signer == nil {
			return spdm.ErrInvalidRequest, nil
		}
		l1 := r.tx.l1(r.version)
		sig, err := slot.Signer.Sign(ctx, l1[:])
		if err != nil {
			return 0, fmt.Errorf("measurement signature: %w", err)
		}
		e := codec.NewEncoder(scratch)
		e.Bytes(sig)
		if _, err := e.Finish(); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// sendError writes an ERROR response.
func (r *Responder) sendError(resp *codec.Buffer, ec, data uint8) error {
	version := r.version
	if version == 0 {
		version = spdm.Version10
	}
	_, err := spdm.ErrorResponse{Version: version, Code: ec, Data: data}.Encode(resp)
	return err
}
