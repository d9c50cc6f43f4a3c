// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package session_test

import (
	"bytes"
	"errors"
	mrand "math/rand"
	"testing"

	"github.com/silicon-rot/mcufw/spdm"
	"github.com/silicon-rot/mcufw/spdm/session"
)

// pair runs the key agreement between two sessions sharing a transcript
// hash, standing in for the requester and responder halves.
func pair(t *testing.T, th1 [spdm.HashLen]byte) (*session.Session, *session.Session) {
	t.Helper()
	a, err := session.New(nil, 0x1122, 0x3344)
	if err != nil {
		t.Fatal(err)
	}
	b, err := session.New(nil, 0x1122, 0x3344)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.DeriveHandshake(b.ExchangeData(), th1); err != nil {
		t.Fatal(err)
	}
	if err := b.DeriveHandshake(a.ExchangeData(), th1); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestHandshakeAgreement(t *testing.T) {
	th1 := [spdm.HashLen]byte{1, 2, 3}
	a, b := pair(t, th1)

	if a.ID() != 0x11223344 {
		t.Fatalf("session id %#x", a.ID())
	}

	// Both sides derive the same verify data for each direction.
	th := [spdm.HashLen]byte{9, 9}
	if a.VerifyData(true, th) != b.VerifyData(true, th) {
		t.Fatal("requester verify data differs")
	}
	if a.VerifyData(false, th) != b.VerifyData(false, th) {
		t.Fatal("responder verify data differs")
	}
	if a.VerifyData(true, th) == a.VerifyData(false, th) {
		t.Fatal("directions share a finished key")
	}
}

func TestEphemeralKeyFromReader(t *testing.T) {
	// Identical randomness yields identical ephemeral keys, so the supplied
	// reader is the only entropy source.
	a, err := session.New(mrand.New(mrand.NewSource(7)), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := session.New(mrand.New(mrand.NewSource(7)), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if a.ExchangeData() != b.ExchangeData() {
		t.Fatal("same randomness produced different keys")
	}
	c, err := session.New(mrand.New(mrand.NewSource(8)), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if c.ExchangeData() == a.ExchangeData() {
		t.Fatal("different randomness produced the same key")
	}
}

func TestRecordProtection(t *testing.T) {
	th1 := [spdm.HashLen]byte{1}
	a, b := pair(t, th1)

	// Handshake-phase records already work.
	ct, err := a.Seal(true, []byte("finish request"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.Open(true, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("finish request")) {
		t.Fatalf("plaintext %q", pt)
	}

	th2 := [spdm.HashLen]byte{2}
	if err := a.Establish(th2); err != nil {
		t.Fatal(err)
	}
	if err := b.Establish(th2); err != nil {
		t.Fatal(err)
	}
	if a.State() != session.Established {
		t.Fatalf("state %s", a.State())
	}

	// Sequence numbers advance per direction, so out-of-order decryption
	// fails and terminates the session.
	for i := 0; i < 3; i++ {
		ct, err := b.Seal(false, []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		pt, err := a.Open(false, ct)
		if err != nil {
			t.Fatal(err)
		}
		if pt[0] != byte(i) {
			t.Fatalf("record %d decrypted to %x", i, pt)
		}
	}
	ct, err = b.Seal(false, []byte("skipped"))
	if err != nil {
		t.Fatal(err)
	}
	_ = ct
	ct2, err := b.Seal(false, []byte("after skip"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Open(false, ct2); !errors.Is(err, session.ErrDecrypt) {
		t.Fatalf("out-of-order open err %v", err)
	}
	if a.State() != session.Terminating {
		t.Fatalf("state after failure %s", a.State())
	}
	if _, err := a.Seal(false, []byte("x")); err == nil {
		t.Fatal("sealed after termination")
	}
}

func TestTamperedRecordTerminates(t *testing.T) {
	a, b := pair(t, [spdm.HashLen]byte{7})
	ct, err := a.Seal(true, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ct[0] ^= 0xff
	if _, err := b.Open(true, ct); !errors.Is(err, session.ErrDecrypt) {
		t.Fatalf("tampered open err %v", err)
	}
	if b.State() != session.Terminating {
		t.Fatalf("state %s", b.State())
	}
}
