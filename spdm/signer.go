// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"fmt"

	"github.com/silicon-rot/mcufw/mailbox"
)

// MailboxSigner signs digests with a device key held by the crypto engine.
// The private key never leaves the engine; only the key slot is addressed.
type MailboxSigner struct {
	Client  *mailbox.Client
	KeySlot uint32
}

// Sign implements Signer.
func (s MailboxSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	sig, err := s.Client.Sign(ctx, s.KeySlot, digest)
	if err != nil {
		return nil, fmt.Errorf("spdm: signing with key slot %d: %w", s.KeySlot, err)
	}
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("spdm: signature length %d, want %d", len(sig), SignatureLen)
	}
	return sig, nil
}
