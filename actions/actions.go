// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Actions - build, sign and hand out replaceable events from current state.
package actions

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/logging"
	"github.com/girino/nostr-follows/signer"
	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrMissingContacts is returned by follow and unfollow when the contact
	// list of the account is not loaded. Building from nothing would wipe it.
	ErrMissingContacts = errors.New("contact list not loaded")
	// ErrContactsExist is returned by NewContacts when a list is already there.
	ErrContactsExist = errors.New("contact list already exists")
)

// Reader is the store state actions read from.
type Reader interface {
	GetReplaceable(key memstore.Key) (*nostr.Event, bool)
}

// Context is what an action sees while building drafts.
type Context struct {
	// PubKey is the signing account.
	PubKey string
	Events Reader
	Now    nostr.Timestamp
}

// Current returns the account's current event of a replaceable kind.
func (c Context) Current(kind int) (*nostr.Event, bool) {
	return c.Events.GetReplaceable(memstore.ReplaceableKey(c.PubKey, kind))
}

// Action builds unsigned drafts. Returning no drafts means the account is
// already in the desired state.
type Action func(ctx context.Context, c Context) ([]*nostr.Event, error)

// Hub runs actions for one signer against one store. It never writes to the
// store or to relays; callers forward what Exec yields.
type Hub struct {
	events Reader
	signer signer.Signer
	log    logging.Logger

	// Clock is used for created_at. Defaults to time.Now.
	Clock func() time.Time
}

// New creates a Hub.
func New(events Reader, s signer.Signer) *Hub {
	return &Hub{
		events: events,
		signer: s,
		log:    logging.For("actions"),
		Clock:  time.Now,
	}
}

// Exec returns a lazy sequence of signed events for a. Nothing runs until the
// sequence is ranged over. An error ends the sequence; signer errors come
// through unchanged so callers can match them with errors.Is.
func (h *Hub) Exec(ctx context.Context, a Action) iter.Seq2[*nostr.Event, error] {
	return func(yield func(*nostr.Event, error) bool) {
		pubkey, err := h.signer.GetPublicKey(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		c := Context{
			PubKey: pubkey,
			Events: h.events,
			Now:    nostr.Timestamp(h.Clock().Unix()),
		}
		drafts, err := a(ctx, c)
		if err != nil {
			yield(nil, err)
			return
		}
		if len(drafts) == 0 {
			h.log.Debug("Exec", "nothing to do for %s", pubkey)
		}
		for _, draft := range drafts {
			draft.PubKey = pubkey
			if err := h.signer.SignEvent(ctx, draft); err != nil {
				yield(nil, err)
				return
			}
			h.log.Debug("Exec", "signed kind %d event %s", draft.Kind, draft.ID)
			if !yield(draft, nil) {
				return
			}
		}
	}
}

// Run executes a and hands every produced event to publish, stopping at the
// first error.
func (h *Hub) Run(ctx context.Context, a Action, publish func(*nostr.Event) error) error {
	for evt, err := range h.Exec(ctx, a) {
		if err != nil {
			return err
		}
		if err := publish(evt); err != nil {
			return fmt.Errorf("publishing %s: %w", evt.ID, err)
		}
	}
	return nil
}

// draft creates the next version of a replaceable event. created_at is
// bumped past prev when the clock lags, so the new version always wins.
func draft(c Context, kind int, prev *nostr.Event, tags nostr.Tags, content string) *nostr.Event {
	createdAt := c.Now
	if prev != nil && createdAt <= prev.CreatedAt {
		createdAt = prev.CreatedAt + 1
	}
	return &nostr.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	}
}

func cloneTags(tags nostr.Tags) nostr.Tags {
	out := make(nostr.Tags, 0, len(tags)+1)
	for _, tag := range tags {
		out = append(out, append(nostr.Tag(nil), tag...))
	}
	return out
}
