// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package session implements the SPDM secure session key schedule and
// record protection: ECDHE-P384 key agreement, the HKDF-SHA384 handshake
// and data key derivation bound to the TH1/TH2 transcript hashes, and
// AES-256-GCM sealing with the session id and per-direction sequence
// number as additional data.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/silicon-rot/mcufw/spdm"
)

// State is the session lifecycle state.
type State uint8

const (
	HandshakeNotStarted State = iota
	HandshakeInProgress
	Established
	Terminating
)

func (s State) String() string {
	switch s {
	case HandshakeNotStarted:
		return "HandshakeNotStarted"
	case HandshakeInProgress:
		return "HandshakeInProgress"
	case Established:
		return "Established"
	case Terminating:
		return "Terminating"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Session errors.
var (
	ErrState   = errors.New("session: operation not valid in current state")
	ErrDecrypt = errors.New("session: record decryption failed")
	ErrSeqno   = errors.New("session: sequence number exhausted")
)

const (
	keyLen = 32 // AES-256
	ivLen  = 12
	aadLen = 4 + 8 // session id then sequence number
)

// direction holds one direction's record protection state.
type direction struct {
	aead cipher.AEAD
	iv   [ivLen]byte
	seq  uint64
}

// Session is one secure session's key material and state. A session is
// created on KEY_EXCHANGE, promoted on FINISH, and torn down on
// END_SESSION or any record failure.
type Session struct {
	id    uint32
	state State

	priv *ecdh.PrivateKey

	handshakeSecret []byte
	reqFinishedKey  []byte
	rspFinishedKey  []byte
	masterSecret    []byte

	requester direction
	responder direction
}

// New creates a session in HandshakeInProgress with a fresh ephemeral
// ECDHE-P384 keypair drawn from rng, or crypto/rand when rng is nil. The
// session id is the requester's session id half in the high 16 bits and the
// responder's in the low.
func New(rng io.Reader, reqID, rspID uint16) (*Session, error) {
	if rng == nil {
		rng = rand.Reader
	}
	priv, err := ecdh.P384().GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("session: generating ephemeral key: %w", err)
	}
	return &Session{
		id:    uint32(reqID)<<16 | uint32(rspID),
		state: HandshakeInProgress,
		priv:  priv,
	}, nil
}

// ID returns the combined 32-bit session id.
func (s *Session) ID() uint32 { return s.id }

// State returns the session lifecycle state.
func (s *Session) State() State { return s.state }

// ExchangeData returns the uncompressed public point without the format
// byte, as carried in KEY_EXCHANGE_RSP.
func (s *Session) ExchangeData() (out [spdm.ExchangeDataLen]byte) {
	copy(out[:], s.priv.PublicKey().Bytes()[1:])
	return out
}

// DeriveHandshake computes the shared secret against the peer's exchange
// data and derives the handshake secrets bound to th1.
func (s *Session) DeriveHandshake(peer [spdm.ExchangeDataLen]byte, th1 [spdm.HashLen]byte) error {
	if s.state != HandshakeInProgress {
		return fmt.Errorf("%w: %s", ErrState, s.state)
	}
	point := make([]byte, 1+spdm.ExchangeDataLen)
	point[0] = 0x04
	copy(point[1:], peer[:])
	pub, err := ecdh.P384().NewPublicKey(point)
	if err != nil {
		return fmt.Errorf("session: peer exchange data: %w", err)
	}
	shared, err := s.priv.ECDH(pub)
	if err != nil {
		return fmt.Errorf("session: key agreement: %w", err)
	}

	s.handshakeSecret = hkdf.Extract(sha512.New384, shared, make([]byte, spdm.HashLen))
	zeroize(shared)

	reqSecret := expand(s.handshakeSecret, "req hs data", th1[:], spdm.HashLen)
	rspSecret := expand(s.handshakeSecret, "rsp hs data", th1[:], spdm.HashLen)
	s.reqFinishedKey = expand(reqSecret, "finished", nil, spdm.HashLen)
	s.rspFinishedKey = expand(rspSecret, "finished", nil, spdm.HashLen)
	err = s.requester.init(reqSecret)
	if err == nil {
		err = s.responder.init(rspSecret)
	}
	zeroize(reqSecret)
	zeroize(rspSecret)
	return err
}

// VerifyData returns the FINISH verify data for one direction over th.
func (s *Session) VerifyData(requester bool, th [spdm.HashLen]byte) [spdm.HashLen]byte {
	key := s.rspFinishedKey
	if requester {
		key = s.reqFinishedKey
	}
	mac := hmac.New(sha512.New384, key)
	mac.Write(th[:])
	var out [spdm.HashLen]byte
	mac.Sum(out[:0])
	return out
}

// Establish derives the data-phase keys bound to th2 and promotes the
// session to Established.
func (s *Session) Establish(th2 [spdm.HashLen]byte) error {
	if s.state != HandshakeInProgress {
		return fmt.Errorf("%w: %s", ErrState, s.state)
	}
	salt := expand(s.handshakeSecret, "derived", nil, spdm.HashLen)
	s.masterSecret = hkdf.Extract(sha512.New384, make([]byte, spdm.HashLen), salt)
	zeroize(salt)

	reqSecret := expand(s.masterSecret, "req app data", th2[:], spdm.HashLen)
	rspSecret := expand(s.masterSecret, "rsp app data", th2[:], spdm.HashLen)
	err := s.requester.init(reqSecret)
	if err == nil {
		err = s.responder.init(rspSecret)
	}
	zeroize(reqSecret)
	zeroize(rspSecret)
	if err != nil {
		return err
	}
	s.state = Established
	return nil
}

// Seal encrypts plaintext for one direction and advances its sequence
// number. The additional data binds the session id and sequence number.
func (s *Session) Seal(requester bool, plaintext []byte) ([]byte, error) {
	d := s.dir(requester)
	if d.aead == nil {
		return nil, fmt.Errorf("%w: %s", ErrState, s.state)
	}
	nonce, aad, err := d.next(s.id)
	if err != nil {
		return nil, err
	}
	return d.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts a record for one direction and advances its sequence
// number. Any failure terminates the session and clears key material.
func (s *Session) Open(requester bool, ciphertext []byte) ([]byte, error) {
	d := s.dir(requester)
	if d.aead == nil {
		return nil, fmt.Errorf("%w: %s", ErrState, s.state)
	}
	nonce, aad, err := d.next(s.id)
	if err != nil {
		s.Terminate()
		return nil, err
	}
	plaintext, err := d.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		s.Terminate()
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Terminate clears all key material and marks the session Terminating.
func (s *Session) Terminate() {
	zeroize(s.handshakeSecret)
	zeroize(s.reqFinishedKey)
	zeroize(s.rspFinishedKey)
	zeroize(s.masterSecret)
	s.handshakeSecret, s.reqFinishedKey, s.rspFinishedKey, s.masterSecret = nil, nil, nil, nil
	s.requester = direction{}
	s.responder = direction{}
	s.priv = nil
	s.state = Terminating
}

func (s *Session) dir(requester bool) *direction {
	if requester {
		return &s.requester
	}
	return &s.responder
}

func (d *direction) init(secret []byte) error {
	key := expand(secret, "key", nil, keyLen)
	defer zeroize(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	d.aead, err = cipher.NewGCM(block)
	if err != nil {
		return err
	}
	iv := expand(secret, "iv", nil, ivLen)
	copy(d.iv[:], iv)
	zeroize(iv)
	d.seq = 0
	return nil
}

// next returns the nonce and additional data for the direction's current
// sequence number, then increments it.
func (d *direction) next(id uint32) (nonce, aad []byte, err error) {
	if d.seq == ^uint64(0) {
		return nil, nil, ErrSeqno
	}
	nonce = make([]byte, ivLen)
	copy(nonce, d.iv[:])
	for i := 0; i < 8; i++ {
		nonce[ivLen-1-i] ^= byte(d.seq >> (8 * i))
	}
	aad = make([]byte, aadLen)
	binary.LittleEndian.PutUint32(aad, id)
	binary.LittleEndian.PutUint64(aad[4:], d.seq)
	d.seq++
	return nonce, aad, nil
}

// expand runs HKDF-Expand-Label over SHA-384.
func expand(secret []byte, label string, context []byte, n int) []byte {
	info := make([]byte, 0, 8+len(label)+len(context))
	info = append(info, "spdm1.3 "...)
	info = append(info, label...)
	info = append(info, context...)
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha512.New384, secret, info), out); err != nil {
		// SHA-384 output is long enough for every length used here.
		panic(err)
	}
	return out
}

func zeroize(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
