// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Signer - the signing capability accounts expose to the action pipeline.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	nip19 "github.com/nbd-wtf/go-nostr/nip19"
)

var (
	// ErrSignerUnavailable means there is no way to sign right now (no key, extension gone).
	ErrSignerUnavailable = errors.New("signer unavailable")
	// ErrUserRejected means the user declined the signing request.
	ErrUserRejected = errors.New("user rejected signing request")
)

// Signer has the same method set as go-nostr keyers, so those can be used directly.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	// SignEvent fills in PubKey, ID and Sig.
	SignEvent(ctx context.Context, evt *nostr.Event) error
}

// PlainSigner holds a secret key in memory.
type PlainSigner struct {
	secret string
	pubkey string
}

// NewPlainSigner accepts a hex secret key or an nsec.
func NewPlainSigner(secret string) (*PlainSigner, error) {
	sec, err := DecodeSecretKey(secret)
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sec)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	return &PlainSigner{secret: sec, pubkey: pk}, nil
}

// GeneratePlainSigner creates a signer for a fresh random key.
func GeneratePlainSigner() *PlainSigner {
	s, err := NewPlainSigner(nostr.GeneratePrivateKey())
	if err != nil {
		// a freshly generated key always derives a public key
		panic(err)
	}
	return s
}

func (s *PlainSigner) GetPublicKey(ctx context.Context) (string, error) {
	return s.pubkey, nil
}

func (s *PlainSigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return evt.Sign(s.secret)
}

// DecodeSecretKey normalizes an nsec or hex secret key to hex.
func DecodeSecretKey(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec") {
		prefix, val, err := nip19.Decode(secret)
		if err != nil {
			return "", fmt.Errorf("decoding nsec: %w", err)
		}
		s, ok := val.(string)
		if prefix != "nsec" || !ok {
			return "", fmt.Errorf("decoding nsec: unexpected %q payload", prefix)
		}
		secret = s
	}
	if b, err := hex.DecodeString(secret); err != nil || len(b) != 32 {
		return "", errors.New("secret key must be 32 bytes of hex or an nsec")
	}
	return strings.ToLower(secret), nil
}

// ReadOnly is an account that knows its public key but cannot sign.
type ReadOnly string

func (r ReadOnly) GetPublicKey(ctx context.Context) (string, error) {
	if r == "" {
		return "", ErrSignerUnavailable
	}
	return string(r), nil
}

func (r ReadOnly) SignEvent(ctx context.Context, evt *nostr.Event) error {
	return fmt.Errorf("read-only account %s: %w", string(r), ErrSignerUnavailable)
}

// DecodePublicKey normalizes an npub or hex public key to hex.
func DecodePublicKey(pubkey string) (string, error) {
	pubkey = strings.TrimSpace(pubkey)
	if strings.HasPrefix(pubkey, "npub") {
		prefix, val, err := nip19.Decode(pubkey)
		if err != nil {
			return "", fmt.Errorf("decoding npub: %w", err)
		}
		s, ok := val.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("decoding npub: unexpected %q payload", prefix)
		}
		pubkey = s
	}
	if b, err := hex.DecodeString(pubkey); err != nil || len(b) != 32 {
		return "", errors.New("public key must be 32 bytes of hex or an npub")
	}
	return strings.ToLower(pubkey), nil
}

var (
	_ Signer = (*PlainSigner)(nil)
	_ Signer = ReadOnly("")
)
