// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/image"
	"github.com/silicon-rot/mcufw/mailbox"
	"github.com/silicon-rot/mcufw/mctp"
	"github.com/silicon-rot/mcufw/mcutest"
	"github.com/silicon-rot/mcufw/spdm"
	"github.com/silicon-rot/mcufw/spdm/responder"
)

var attestFlags = flag.NewFlagSet("attest", flag.ContinueOnError)

var (
	attestBundle string
	attestDebug  bool
)

func init() {
	attestFlags.StringVar(&attestBundle, "bundle", "", "Firmware bundle to measure; defaults to $"+image.BundleEnv)
	attestFlags.BoolVar(&attestDebug, "debug", false, "Print debug contents")
}

const attestKeySlot = 3

// attest runs the SPDM responder against an in-process verifier: version,
// capability, and algorithm negotiation, certificate retrieval, a signed
// challenge, and a signed measurement read covering the bundle contents.
func attest() error {
	if attestDebug {
		level.Set(slog.LevelDebug)
	}

	var bundle *image.Bundle
	var err error
	if attestBundle != "" {
		bundle, err = image.OpenBundle(attestBundle)
	} else {
		bundle, err = image.OpenBundleFromEnv()
	}
	if err != nil {
		return err
	}
	runtime, err := bundle.Entry(image.EntryMCURuntime)
	if err != nil {
		return err
	}
	manifest, err := bundle.Entry(image.EntrySOCManifest)
	if err != nil {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return err
	}
	chain, err := selfSignedChain(key)
	if err != nil {
		return err
	}
	engine := mcutest.NewEngine()
	engine.Keys[attestKeySlot] = key

	store := &spdm.Store{}
	if err := store.Provision(0, &spdm.Slot{
		Chain:    chain,
		RootHash: sha512.Sum384(chain),
		Signer:   spdm.MailboxSigner{Client: mailbox.NewClient(engine), KeySlot: attestKeySlot},
	}); err != nil {
		return err
	}
	meas := &spdm.MeasurementStore{}
	meas.Add(1, spdm.MeasValueFirmware, runtime)
	meas.AddRaw(spdm.MeasIndexManifest, spdm.MeasValueManifest, manifest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifierEnd, deviceEnd := mctp.Pipe(agentEID, deviceEID, 4096)
	go func() {
		tp := mctp.NewTransport(deviceEnd, deviceEID, mctp.TypeSPDM, mctp.TypeSecuredMsg)
		r := responder.New(responder.Config{Certs: store, Measurements: meas})
		if err := r.Run(ctx, tp); err != nil && ctx.Err() == nil {
			slog.Error("spdm responder stopped", "error", err)
		}
	}()

	v := &verifier{
		tp:   mctp.NewTransport(verifierEnd, agentEID, mctp.TypeSPDM, mctp.TypeSecuredMsg),
		dest: deviceEID,
		ctx:  ctx,
	}
	return v.run(&key.PublicKey)
}

// verifier is the in-process SPDM requester, mirroring the transcripts the
// responder signs over.
type verifier struct {
	tp   *mctp.Transport
	dest mctp.EID
	ctx  context.Context

	version spdm.Version
	vca     bytes.Buffer
	cert    bytes.Buffer
	chal    bytes.Buffer
	meas    bytes.Buffer
}

// round sends one request and returns its raw form plus the raw response.
func (v *verifier) round(msg codec.Encodable) (rawReq, rawResp []byte, err error) {
	buf := codec.New(v.tp.MaxMessageSize())
	if _, err := msg.Encode(buf); err != nil {
		return nil, nil, err
	}
	rawReq = append([]byte(nil), buf.Data()...)
	tag, err := v.tp.SendRequest(v.ctx, v.dest, mctp.TypeSPDM, buf)
	if err != nil {
		return nil, nil, err
	}
	if _, err := v.tp.ReceiveResponse(v.ctx, tag, buf); err != nil {
		return nil, nil, err
	}
	return rawReq, append([]byte(nil), buf.Data()...), nil
}

func (v *verifier) run(pub *ecdsa.PublicKey) error {
	// Version, capabilities, algorithms.
	req, resp, err := v.round(spdm.GetVersion{})
	if err != nil {
		return err
	}
	var versions spdm.VersionResponse
	if err := versions.Decode(codec.FromBytes(resp)); err != nil {
		return err
	}
	v.version = versions.Versions[len(versions.Versions)-1]
	v.vca.Write(req)
	v.vca.Write(resp)
	slog.Info("negotiated version", "version", v.version)

	req, resp, err = v.round(spdm.GetCapabilities{
		Version:          v.version,
		CTExponent:       spdm.CTExponent,
		Flags:            spdm.CapChunk,
		DataTransferSize: 1024,
		MaxMessageSize:   1024,
	})
	if err != nil {
		return err
	}
	var caps spdm.Capabilities
	if err := caps.Decode(codec.FromBytes(resp)); err != nil {
		return err
	}
	v.vca.Write(req)
	v.vca.Write(resp)

	req, resp, err = v.round(spdm.NegotiateAlgorithms{
		Version:     v.version,
		MeasSpec:    spdm.MeasSpecDMTF,
		BaseHash:    spdm.HashSHA384,
		BaseAsym:    spdm.AsymECDSAP384,
		DHE:         spdm.DHESecp384r1,
		AEAD:        spdm.AEADAes256Gcm,
		KeySchedule: spdm.KeyScheduleSPDM,
	})
	if err != nil {
		return err
	}
	var algs spdm.AlgorithmsResponse
	if err := algs.Decode(codec.FromBytes(resp)); err != nil {
		return err
	}
	v.vca.Write(req)
	v.vca.Write(resp)

	// Certificate chain digest and retrieval.
	req, resp, err = v.round(spdm.GetDigests{Version: v.version})
	if err != nil {
		return err
	}
	var digests spdm.Digests
	if err := digests.Decode(codec.FromBytes(resp)); err != nil {
		return err
	}
	v.cert.Write(req)
	v.cert.Write(resp)
	slog.Info("certificate digest", "slot", 0, "sha384", hex.EncodeToString(digests.Digests[0][:8])+"…")

	var stream []byte
	for offset := 0; ; {
		req, resp, err = v.round(spdm.GetCertificate{Version: v.version, Offset: uint16(offset), Length: 512})
		if err != nil {
			return err
		}
		var cert spdm.Certificate
		if err := cert.Decode(codec.FromBytes(resp)); err != nil {
			return err
		}
		v.cert.Write(req)
		v.cert.Write(resp)
		stream = append(stream, cert.Portion...)
		offset += int(cert.PortionLen)
		if cert.RemainderLen == 0 {
			break
		}
	}
	if sum := sha512.Sum384(stream); sum != digests.Digests[0] {
		return fmt.Errorf("certificate chain stream does not match its digest")
	}

	// Challenge: the signature closes the authentication transcript.
	chal := spdm.Challenge{Version: v.version, SummaryType: spdm.SummaryTCB}
	if _, err := io.ReadFull(rand.Reader, chal.Nonce[:]); err != nil {
		return err
	}
	req, resp, err = v.round(chal)
	if err != nil {
		return err
	}
	var auth spdm.ChallengeAuth
	if err := auth.Decode(codec.FromBytes(resp)); err != nil {
		return err
	}
	v.chal.Write(req)
	v.chal.Write(resp[:len(resp)-spdm.SignatureLen])
	m1 := sha512.New384()
	m1.Write(v.vca.Bytes())
	m1.Write(v.cert.Bytes())
	m1.Write(v.chal.Bytes())
	if !verifyRaw(pub, m1.Sum(nil), auth.Signature[:]) {
		return fmt.Errorf("challenge signature does not verify")
	}
	slog.Info("device authenticated")

	// Signed measurements over the bundle contents.
	get := spdm.GetMeasurements{Version: v.version, Attr: spdm.MeasAttrSignature, Operation: spdm.MeasIndexAll}
	if _, err := io.ReadFull(rand.Reader, get.Nonce[:]); err != nil {
		return err
	}
	req, resp, err = v.round(get)
	if err != nil {
		return err
	}
	var m spdm.Measurements
	if err := m.Decode(codec.FromBytes(resp)); err != nil {
		return err
	}
	v.meas.Write(req)
	v.meas.Write(resp[:len(resp)-spdm.SignatureLen])
	l1 := sha512.New384()
	if v.version >= spdm.Version12 {
		l1.Write(v.vca.Bytes())
	}
	l1.Write(v.meas.Bytes())
	if !verifyRaw(pub, l1.Sum(nil), m.Signature) {
		return fmt.Errorf("measurement signature does not verify")
	}
	for _, b := range m.Blocks {
		slog.Info("measurement", "index", b.Index, "type", fmt.Sprintf("%#x", b.ValueType),
			"value", hex.EncodeToString(b.Value[:min(8, len(b.Value))])+"…")
	}
	slog.Info("attestation complete", "blocks", len(m.Blocks))
	return nil
}

// verifyRaw checks a raw r‖s P-384 signature over digest.
func verifyRaw(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if len(sig) != spdm.SignatureLen {
		return false
	}
	r := new(big.Int).SetBytes(sig[:48])
	s := new(big.Int).SetBytes(sig[48:])
	return ecdsa.Verify(pub, digest, r, s)
}

// selfSignedChain builds a one-certificate DER chain for the device key.
func selfSignedChain(key *ecdsa.PrivateKey) ([]byte, error) {
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mcufw device"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
}
