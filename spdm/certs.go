// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"crypto/sha512"
	"fmt"
	"sync"

	"github.com/silicon-rot/mcufw/codec"
)

// MaxSlots is the number of certificate slots the responder carries.
const MaxSlots = 2

// Signer signs a digest with the private key behind a certificate slot.
// The implementation over the mailbox never exposes the key itself.
type Signer interface {
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// Slot is one provisioned certificate slot.
type Slot struct {
	// Chain is the full DER certificate chain, root first.
	Chain []byte
	// RootHash is the SHA-384 of the root certificate's DER form.
	RootHash [HashLen]byte
	// Signer signs with the leaf key.
	Signer Signer

	// Multi-key connection attributes, reported from version 1.3 on.
	KeyPairID    uint8
	CertInfo     uint8
	KeyUsageMask uint16
}

// chainHeaderLen is the SPDM certificate chain header: total length, two
// reserved bytes, and the root certificate hash.
const chainHeaderLen = 4 + HashLen

// Store holds the responder's certificate slots. The zero value has
// capacity for MaxSlots slots; NewStore sizes smaller devices. Provisioning
// may happen while a responder is serving.
type Store struct {
	mu    sync.RWMutex
	count int
	slots [MaxSlots]*Slot
}

// NewStore returns a store with capacity for count certificate slots,
// clamped to [1, MaxSlots].
func NewStore(count int) *Store {
	if count < 1 {
		count = 1
	}
	if count > MaxSlots {
		count = MaxSlots
	}
	return &Store{count: count}
}

func (s *Store) capacity() int {
	if s.count == 0 {
		return MaxSlots
	}
	return s.count
}

// Provision installs a slot. The slot index must be below the store's
// capacity.
func (s *Store) Provision(index uint8, slot *Slot) error {
	if int(index) >= s.capacity() {
		return fmt.Errorf("certificate slot %d out of range", index)
	}
	s.mu.Lock()
	s.slots[index] = slot
	s.mu.Unlock()
	return nil
}

// Slot returns the slot at index, or nil when unprovisioned or out of range.
func (s *Store) Slot(index uint8) *Slot {
	if int(index) >= s.capacity() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[index]
}

// ProvisionedMask returns the slot bitmask, bit 0 for slot 0.
func (s *Store) ProvisionedMask() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var mask uint8
	for i, slot := range s.slots[:s.capacity()] {
		if slot != nil {
			mask |= 1 << i
		}
	}
	return mask
}

// SupportedMask returns the mask of slots the device could hold.
func (s *Store) SupportedMask() uint8 { return uint8(1<<s.capacity() - 1) }

// ChainLen returns the total certificate chain stream length for a slot,
// header included.
func (slot *Slot) ChainLen() int { return chainHeaderLen + len(slot.Chain) }

// stream renders the slot's certificate chain stream: the chain header
// (total length, reserved, root hash) followed by the DER chain bytes.
func (slot *Slot) stream() []byte {
	total := slot.ChainLen()
	s := make([]byte, 0, total)
	s = append(s, byte(total), byte(total>>8), 0, 0)
	s = append(s, slot.RootHash[:]...)
	return append(s, slot.Chain...)
}

// ChainWindow returns the [offset, offset+length) window of the slot's
// certificate chain stream and the number of bytes that remain past it.
// Windows past the end of the stream are truncated.
func (slot *Slot) ChainWindow(offset, length int) (portion []byte, remainder int, err error) {
	total := slot.ChainLen()
	if offset > total {
		return nil, 0, fmt.Errorf("certificate offset %d past chain length %d", offset, total)
	}
	if offset+length > total {
		length = total - offset
	}
	return slot.stream()[offset : offset+length], total - offset - length, nil
}

// ChainDigest returns the SHA-384 of the slot's full chain stream, header
// included. This is the digest reported by DIGESTS and bound into
// CHALLENGE_AUTH.
func (slot *Slot) ChainDigest() [HashLen]byte {
	return sha512.Sum384(slot.stream())
}

// GetDigests requests the certificate chain digests.
type GetDigests struct {
	Version Version
}

// Encode implements codec.Encodable.
func (m GetDigests) Encode(buf *codec.Buffer) (int, error) {
	return Header{Version: m.Version, Code: CodeGetDigests}.Encode(buf)
}

// Decode implements codec.Decodable.
func (m *GetDigests) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeGetDigests {
		return fmt.Errorf("%w: code %#x is not GET_DIGESTS", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	return nil
}

// Digests is the DIGESTS response: one chain digest per provisioned slot in
// slot order, then the multi-key tables from version 1.3 on.
type Digests struct {
	Version         Version
	SupportedMask   uint8
	ProvisionedMask uint8
	Digests         [][HashLen]byte
	KeyPairIDs      []uint8
	CertInfos       []uint8
	KeyUsageMasks   []uint16
}

// Encode implements codec.Encodable.
func (m Digests) Encode(buf *codec.Buffer) (int, error) {
	hdr := Header{Version: m.Version, Code: CodeDigests, Param2: m.ProvisionedMask}
	if m.Version >= Version13 {
		hdr.Param1 = m.SupportedMask
	}
	if _, err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	for _, d := range m.Digests {
		e.Bytes(d[:])
	}
	if m.Version >= Version13 {
		for _, id := range m.KeyPairIDs {
			e.U8(id)
		}
		for _, info := range m.CertInfos {
			e.U8(info)
		}
		for _, usage := range m.KeyUsageMasks {
			e.U16(usage)
		}
	}
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *Digests) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeDigests {
		return fmt.Errorf("%w: code %#x is not DIGESTS", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.SupportedMask = h.Param1
	m.ProvisionedMask = h.Param2
	count := popcount(m.ProvisionedMask)
	d := codec.NewDecoder(buf)
	m.Digests = make([][HashLen]byte, count)
	for i := range m.Digests {
		d.Fill(m.Digests[i][:])
	}
	if m.Version >= Version13 && d.Remaining() > 0 {
		m.KeyPairIDs = make([]uint8, count)
		m.CertInfos = make([]uint8, count)
		m.KeyUsageMasks = make([]uint16, count)
		for i := range m.KeyPairIDs {
			m.KeyPairIDs[i] = d.U8()
		}
		for i := range m.CertInfos {
			m.CertInfos[i] = d.U8()
		}
		for i := range m.KeyUsageMasks {
			m.KeyUsageMasks[i] = d.U16()
		}
	}
	return d.Err()
}

func popcount(mask uint8) int {
	n := 0
	for ; mask != 0; mask &= mask - 1 {
		n++
	}
	return n
}

// GetCertificate requests a window of a slot's certificate chain stream.
type GetCertificate struct {
	Version Version
	Slot    uint8
	Offset  uint16
	Length  uint16
}

// Encode implements codec.Encodable.
func (m GetCertificate) Encode(buf *codec.Buffer) (int, error) {
	if _, err := (Header{Version: m.Version, Code: CodeGetCertificate, Param1: m.Slot}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(m.Offset)
	e.U16(m.Length)
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *GetCertificate) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeGetCertificate {
		return fmt.Errorf("%w: code %#x is not GET_CERTIFICATE", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Slot = h.Param1
	d := codec.NewDecoder(buf)
	m.Offset = d.U16()
	m.Length = d.U16()
	return d.Err()
}

// Certificate is one CERTIFICATE response window.
type Certificate struct {
	Version      Version
	Slot         uint8
	PortionLen   uint16
	RemainderLen uint16
	Portion      []byte
}

// Encode implements codec.Encodable.
func (m Certificate) Encode(buf *codec.Buffer) (int, error) {
	if _, err := (Header{Version: m.Version, Code: CodeCertificate, Param1: m.Slot}).Encode(buf); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(m.PortionLen)
	e.U16(m.RemainderLen)
	e.Bytes(m.Portion)
	n, err := e.Finish()
	return HeaderLen + n, err
}

// Decode implements codec.Decodable.
func (m *Certificate) Decode(buf *codec.Buffer) error {
	var h Header
	if err := h.Decode(buf); err != nil {
		return err
	}
	if h.Code != CodeCertificate {
		return fmt.Errorf("%w: code %#x is not CERTIFICATE", ErrMalformed, h.Code)
	}
	m.Version = h.Version
	m.Slot = h.Param1
	d := codec.NewDecoder(buf)
	m.PortionLen = d.U16()
	m.RemainderLen = d.U16()
	m.Portion = d.Bytes(int(m.PortionLen))
	return d.Err()
}
