// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package mailbox

import (
	"context"
	"fmt"

	"github.com/silicon-rot/mcufw/codec"
)

// fourCC builds a mailbox command identifier from its mnemonic.
func fourCC(s string) uint32 {
	return uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3])
}

// Mailbox command identifiers.
var (
	CmdShaInit           = fourCC("SHAI")
	CmdShaUpdate         = fourCC("SHAU")
	CmdShaFinal          = fourCC("SHAF")
	CmdEcdsaSign         = fourCC("SIGN")
	CmdRandomStir        = fourCC("STIR")
	CmdRandomGenerate    = fourCC("RAND")
	CmdAuthorizeAndStash = fourCC("ATHS")
	CmdGetImageInfo      = fourCC("IMGI")
)

// AuthorizeSuccess is the AUTHORIZE_AND_STASH result value that grants
// execution of a staged image. Any other value is a denial.
const AuthorizeSuccess = 0xDEADC0DE

// MaxShaContextLen bounds the opaque SHA context blob the crypto engine
// returns between SHA_INIT/SHA_UPDATE/SHA_FINAL calls.
const MaxShaContextLen = 200

// SignatureLen is the length of an ECDSA P-384 signature (r‖s, big-endian
// scalars).
const SignatureLen = 96

// HashAlg selects the SHA algorithm of a mailbox hash context.
type HashAlg uint32

// Hash algorithms offered by the crypto engine.
const (
	Sha256 HashAlg = iota
	Sha384
	Sha512
)

// Size returns the digest length in bytes.
func (a HashAlg) Size() int {
	switch a {
	case Sha256:
		return 32
	case Sha384:
		return 48
	case Sha512:
		return 64
	default:
		return 0
	}
}

func (a HashAlg) String() string {
	switch a {
	case Sha256:
		return "sha256"
	case Sha384:
		return "sha384"
	case Sha512:
		return "sha512"
	default:
		return "sha?"
	}
}

// Hash is an incremental SHA context living in the crypto engine. The opaque
// context blob travels with every call, so the MCU holds no digest state.
type Hash struct {
	c   *Client
	alg HashAlg
	blb []byte
}

func decodeShaContext(resp []byte) ([]byte, error) {
	d := codec.NewDecoder(codec.FromBytes(resp))
	n := int(d.U32())
	if err := d.Err(); err != nil {
		return nil, err
	}
	if n > MaxShaContextLen || n > d.Remaining() {
		return nil, fmt.Errorf("sha context length %d invalid", n)
	}
	return d.Bytes(n), d.Err()
}

// HashInit starts an incremental SHA computation over data (which may be
// empty).
func (c *Client) HashInit(ctx context.Context, alg HashAlg, data []byte) (*Hash, error) {
	buf := codec.New(8 + len(data))
	e := codec.NewEncoder(buf)
	e.U32(uint32(alg))
	e.Bytes(data)
	if _, err := e.Finish(); err != nil {
		return nil, err
	}
	resp, err := c.Execute(ctx, CmdShaInit, buf.Data())
	if err != nil {
		return nil, fmt.Errorf("sha init: %w", err)
	}
	blb, err := decodeShaContext(resp)
	if err != nil {
		return nil, fmt.Errorf("sha init: %w", err)
	}
	return &Hash{c: c, alg: alg, blb: blb}, nil
}

// Update extends the hash with data.
func (h *Hash) Update(ctx context.Context, data []byte) error {
	buf := codec.New(4 + len(h.blb) + len(data))
	e := codec.NewEncoder(buf)
	e.U32(uint32(len(h.blb)))
	e.Bytes(h.blb)
	e.Bytes(data)
	if _, err := e.Finish(); err != nil {
		return err
	}
	resp, err := h.c.Execute(ctx, CmdShaUpdate, buf.Data())
	if err != nil {
		return fmt.Errorf("sha update: %w", err)
	}
	blb, err := decodeShaContext(resp)
	if err != nil {
		return fmt.Errorf("sha update: %w", err)
	}
	h.blb = blb
	return nil
}

// Final closes the context and returns the digest. The Hash must not be used
// afterwards.
func (h *Hash) Final(ctx context.Context) ([]byte, error) {
	buf := codec.New(4 + len(h.blb))
	e := codec.NewEncoder(buf)
	e.U32(uint32(len(h.blb)))
	e.Bytes(h.blb)
	if _, err := e.Finish(); err != nil {
		return nil, err
	}
	resp, err := h.c.Execute(ctx, CmdShaFinal, buf.Data())
	if err != nil {
		return nil, fmt.Errorf("sha final: %w", err)
	}
	if len(resp) != h.alg.Size() {
		return nil, fmt.Errorf("sha final: digest length %d, want %d", len(resp), h.alg.Size())
	}
	h.blb = nil
	return resp, nil
}

// Digest computes a one-shot digest of data.
func (c *Client) Digest(ctx context.Context, alg HashAlg, data []byte) ([]byte, error) {
	h, err := c.HashInit(ctx, alg, data)
	if err != nil {
		return nil, err
	}
	return h.Final(ctx)
}

// Sign asks the crypto engine to ECDSA-P384 sign digest with the key in the
// given slot.
func (c *Client) Sign(ctx context.Context, slot uint32, digest []byte) ([]byte, error) {
	buf := codec.New(4 + len(digest))
	e := codec.NewEncoder(buf)
	e.U32(slot)
	e.Bytes(digest)
	if _, err := e.Finish(); err != nil {
		return nil, err
	}
	resp, err := c.Execute(ctx, CmdEcdsaSign, buf.Data())
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	if len(resp) != SignatureLen {
		return nil, fmt.Errorf("ecdsa sign: signature length %d, want %d", len(resp), SignatureLen)
	}
	return resp, nil
}

// Random returns n bytes from the crypto engine's DRBG.
func (c *Client) Random(ctx context.Context, n int) ([]byte, error) {
	buf := codec.New(4)
	e := codec.NewEncoder(buf)
	e.U32(uint32(n))
	if _, err := e.Finish(); err != nil {
		return nil, err
	}
	resp, err := c.Execute(ctx, CmdRandomGenerate, buf.Data())
	if err != nil {
		return nil, fmt.Errorf("random generate: %w", err)
	}
	if len(resp) != n {
		return nil, fmt.Errorf("random generate: got %d bytes, want %d", len(resp), n)
	}
	return resp, nil
}

// Stir mixes seed into the DRBG state.
func (c *Client) Stir(ctx context.Context, seed []byte) error {
	if _, err := c.Execute(ctx, CmdRandomStir, seed); err != nil {
		return fmt.Errorf("random stir: %w", err)
	}
	return nil
}

// Image source values for AuthorizeAndStash.
const (
	AuthSourceLoadAddress uint32 = 1
	AuthSourceStaging     uint32 = 2
)

// AuthorizeAndStash asks the crypto engine to authenticate the staged image
// identified by fwID. The returned value equals AuthorizeSuccess on grant.
func (c *Client) AuthorizeAndStash(ctx context.Context, fwID, source, imageSize, flags uint32) (uint32, error) {
	buf := codec.New(16)
	e := codec.NewEncoder(buf)
	e.U32(fwID)
	e.U32(source)
	e.U32(imageSize)
	e.U32(flags)
	if _, err := e.Finish(); err != nil {
		return 0, err
	}
	resp, err := c.Execute(ctx, CmdAuthorizeAndStash, buf.Data())
	if err != nil {
		return 0, fmt.Errorf("authorize and stash: %w", err)
	}
	d := codec.NewDecoder(codec.FromBytes(resp))
	result := d.U32()
	if err := d.Err(); err != nil {
		return 0, fmt.Errorf("authorize and stash: %w", err)
	}
	return result, nil
}

// ImageInfo reports where the image identified by fwID must be loaded and
// the largest size the crypto engine accepts for it.
func (c *Client) ImageInfo(ctx context.Context, fwID uint32) (loadAddr uint64, sizeLimit uint32, err error) {
	buf := codec.New(4)
	e := codec.NewEncoder(buf)
	e.U32(fwID)
	if _, err := e.Finish(); err != nil {
		return 0, 0, err
	}
	resp, err := c.Execute(ctx, CmdGetImageInfo, buf.Data())
	if err != nil {
		return 0, 0, fmt.Errorf("get image info: %w", err)
	}
	d := codec.NewDecoder(codec.FromBytes(resp))
	loadAddr = d.U64()
	sizeLimit = d.U32()
	if err := d.Err(); err != nil {
		return 0, 0, fmt.Errorf("get image info: %w", err)
	}
	return loadAddr, sizeLimit, nil
}
