// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package responder

import (
	"bytes"
	"crypto/sha512"

	"github.com/silicon-rot/mcufw/spdm"
)

// transcript accumulates the raw message bytes the protocol signs over.
//
// vca holds the version, capability, and algorithm exchange; cert the
// digest and certificate exchange; chal the challenge exchange up to but
// excluding the signature; meas the measurement exchange likewise; th the
// session handshake messages.
type transcript struct {
	vca  bytes.Buffer
	cert bytes.Buffer
	chal bytes.Buffer
	meas bytes.Buffer
	th   bytes.Buffer
}

// resetViaReqCode clears the contexts a request code restarts. GET_VERSION
// restarts the connection, GET_CAPABILITIES the negotiation-dependent
// contexts, and GET_DIGESTS the authentication contexts.
func (t *transcript) resetViaReqCode(code uint8) {
	switch code {
	case spdm.CodeGetVersion:
		t.vca.Reset()
		fallthrough
	case spdm.CodeGetCapabilities:
		t.cert.Reset()
		fallthrough
	case spdm.CodeGetDigests:
		t.chal.Reset()
		t.meas.Reset()
		t.th.Reset()
	}
}

// m1 hashes the authentication transcript: VCA, the certificate exchange,
// and the challenge exchange so far.
func (t *transcript) m1() [spdm.HashLen]byte {
	h := sha512.New384()
	h.Write(t.vca.Bytes())
	h.Write(t.cert.Bytes())
	h.Write(t.chal.Bytes())
	var sum [spdm.HashLen]byte
	h.Sum(sum[:0])
	return sum
}

// l1 hashes the measurement transcript. From version 1.2 on the VCA
// prefixes it; the rule follows the negotiated version, not the wire
// version of any one message.
func (t *transcript) l1(negotiated spdm.Version) [spdm.HashLen]byte {
	h := sha512.New384()
	if negotiated >= spdm.Version12 {
		h.Write(t.vca.Bytes())
	}
	h.Write(t.meas.Bytes())
	var sum [spdm.HashLen]byte
	h.Sum(sum[:0])
	return sum
}

// th1 hashes the session handshake transcript: VCA, the certificate
// exchange, and the key exchange messages so far.
func (t *transcript) th1() [spdm.HashLen]byte {
	h := sha512.New384()
	h.Write(t.vca.Bytes())
	h.Write(t.cert.Bytes())
	h.Write(t.th.Bytes())
	var sum [spdm.HashLen]byte
	h.Sum(sum[:0])
	return sum
}

// th2 is the same accumulation after the FINISH exchange extends th.
func (t *transcript) th2() [spdm.HashLen]byte { return t.th1() }
