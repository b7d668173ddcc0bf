package signer

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	nip19 "github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainSignerSignsVerifiableEvents(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	s, err := NewPlainSigner(sk)
	require.NoError(t, err)

	pk, err := s.GetPublicKey(context.Background())
	require.NoError(t, err)
	want, _ := nostr.GetPublicKey(sk)
	assert.Equal(t, want, pk)

	evt := &nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "hi"}
	require.NoError(t, s.SignEvent(context.Background(), evt))
	assert.Equal(t, pk, evt.PubKey)
	assert.Equal(t, evt.GetID(), evt.ID)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlainSignerAcceptsNsec(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	s, err := NewPlainSigner(nsec)
	require.NoError(t, err)
	pk, _ := s.GetPublicKey(context.Background())
	want, _ := nostr.GetPublicKey(sk)
	assert.Equal(t, want, pk)

	_, err = NewPlainSigner("nope")
	assert.Error(t, err)
}

func TestPlainSignerHonoursCancelledContext(t *testing.T) {
	s := GeneratePlainSigner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SignEvent(ctx, &nostr.Event{Kind: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadOnlyCannotSign(t *testing.T) {
	pk, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	r := ReadOnly(pk)

	got, err := r.GetPublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	err = r.SignEvent(context.Background(), &nostr.Event{})
	assert.ErrorIs(t, err, ErrSignerUnavailable)

	_, err = ReadOnly("").GetPublicKey(context.Background())
	assert.ErrorIs(t, err, ErrSignerUnavailable)
}

func TestDecodePublicKey(t *testing.T) {
	pk, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	npub, err := nip19.EncodePublicKey(pk)
	require.NoError(t, err)

	got, err := DecodePublicKey(npub)
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	got, err = DecodePublicKey(" " + pk + " ")
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	_, err = DecodePublicKey("abcd")
	assert.Error(t, err)
}
