// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package memstore

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrInvalidEvent is wrapped by every verification failure.
	ErrInvalidEvent     = errors.New("invalid event")
	ErrMalformed        = fmt.Errorf("%w: malformed", ErrInvalidEvent)
	ErrInvalidID        = fmt.Errorf("%w: id does not match content", ErrInvalidEvent)
	ErrInvalidSignature = fmt.Errorf("%w: bad signature", ErrInvalidEvent)
)

// Verify checks structure, the content-derived id and the signature of evt.
func Verify(evt *nostr.Event) error {
	if evt == nil {
		return fmt.Errorf("%w: nil event", ErrMalformed)
	}
	if !isLowerHex(evt.ID, 64) {
		return fmt.Errorf("%w: id %q", ErrMalformed, evt.ID)
	}
	if !isLowerHex(evt.PubKey, 64) {
		return fmt.Errorf("%w: pubkey %q", ErrMalformed, evt.PubKey)
	}
	if !isLowerHex(evt.Sig, 128) {
		return fmt.Errorf("%w: sig", ErrMalformed)
	}
	if evt.Kind < 0 || evt.Kind > 65535 {
		return fmt.Errorf("%w: kind %d", ErrMalformed, evt.Kind)
	}
	if evt.GetID() != evt.ID {
		return fmt.Errorf("%w: %s", ErrInvalidID, evt.ID)
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSignature, evt.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, evt.ID)
	}
	return nil
}

func isLowerHex(s string, size int) bool {
	if len(s) != size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
