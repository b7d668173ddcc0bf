// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Session - the active account and the follow workflow built around it.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/girino/nostr-follows/actions"
	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/loader"
	"github.com/girino/nostr-follows/logging"
	"github.com/girino/nostr-follows/query"
	"github.com/girino/nostr-follows/relaypool"
	"github.com/girino/nostr-follows/signer"
	"github.com/nbd-wtf/go-nostr"
)

// ErrNotLoggedIn is returned by account operations without an active account.
var ErrNotLoggedIn = errors.New("no active account")

// AccountKinds are loaded for the active account on login.
var AccountKinds = []int{
	memstore.KindProfileMetadata,
	memstore.KindFollowList,
	memstore.KindRelayListMetadata,
}

// Requester schedules replaceable fetches. *loader.Loader satisfies it.
type Requester interface {
	Request(p loader.Pointer)
}

// RelaySetter receives the relays to publish to. *relaypool.Pool satisfies it.
type RelaySetter interface {
	SetDefaultRelays(urls []string)
}

// Watcher keeps authors' events live. *mirror.Mirror satisfies it.
type Watcher interface {
	Watch(pubkeys ...string)
	Unwatch(pubkeys ...string)
}

// Publisher forwards produced events. *publish.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt *nostr.Event) ([]relaypool.Outcome, error)
}

// Deps are the components a Session drives. Mirror is optional.
type Deps struct {
	Queries   *query.Store
	Loader    Requester
	Relays    RelaySetter
	Mirror    Watcher
	Publisher Publisher
	// FallbackRelays stand in for a relay list an author does not have, both
	// for loading and for publishing. Empty means query.DefaultRelays.
	FallbackRelays []string
}

// Session holds at most one active account.
type Session struct {
	deps Deps
	log  logging.Logger

	mu     sync.Mutex
	pubkey string
	hub    *actions.Hub
	unbind func()
}

// New creates a Session with no active account.
func New(deps Deps) *Session {
	return &Session{deps: deps, log: logging.For("session")}
}

// Login makes s the active account: it loads the account's profile, contacts
// and relay list, keeps them mirrored, and publishes to the account's
// outboxes from then on.
func (s *Session) Login(ctx context.Context, sg signer.Signer) (string, error) {
	pubkey, err := sg.GetPublicKey(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutLocked()

	s.pubkey = pubkey
	s.hub = actions.New(s.deps.Queries.Events(), sg)

	relays := query.OutboxRelays(s.deps.Queries.Events(), pubkey, s.deps.FallbackRelays)
	for _, kind := range AccountKinds {
		s.deps.Loader.Request(loader.Pointer{PubKey: pubkey, Kind: kind, Relays: relays})
	}
	if s.deps.Mirror != nil {
		s.deps.Mirror.Watch(pubkey)
	}
	s.unbind = query.Create(s.deps.Queries, query.MailboxesQuery, pubkey).Subscribe(func(mb query.Mailboxes, ok bool) {
		if ok && len(mb.Outboxes) > 0 {
			s.deps.Relays.SetDefaultRelays(mb.Outboxes)
			return
		}
		s.deps.Relays.SetDefaultRelays(s.deps.FallbackRelays)
	})
	s.log.Info("logged in as %s (loading from %v)", pubkey, relays)
	return pubkey, nil
}

// Logout clears the active account. It is a no-op without one.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutLocked()
}

func (s *Session) logoutLocked() {
	if s.pubkey == "" {
		return
	}
	if s.unbind != nil {
		s.unbind()
	}
	if s.deps.Mirror != nil {
		s.deps.Mirror.Unwatch(s.pubkey)
	}
	s.deps.Relays.SetDefaultRelays(s.deps.FallbackRelays)
	s.log.Info("logged out %s", s.pubkey)
	s.pubkey, s.hub, s.unbind = "", nil, nil
}

// Active returns the active account's pubkey.
func (s *Session) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubkey, s.pubkey != ""
}

func (s *Session) active() (string, *actions.Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubkey == "" {
		return "", nil, ErrNotLoggedIn
	}
	return s.pubkey, s.hub, nil
}

// Contacts returns the active account's follow list, if loaded.
func (s *Session) Contacts() ([]query.Contact, bool) {
	pubkey, ok := s.Active()
	if !ok {
		return nil, false
	}
	return query.Create(s.deps.Queries, query.ContactsQuery, pubkey).Value()
}

// IsFollowing reports whether the active account follows target. known is
// false while there is no account or its contact list has not arrived.
func (s *Session) IsFollowing(target string) (following, known bool) {
	contacts, ok := s.Contacts()
	if !ok {
		return false, false
	}
	pk, err := signer.DecodePublicKey(target)
	if err != nil {
		return false, true
	}
	return query.IsFollowing(contacts, pk), true
}

// Follow adds target to the active account's contacts and publishes the
// new list. It does nothing when target is already followed.
func (s *Session) Follow(ctx context.Context, target, relay string) error {
	return s.run(ctx, actions.FollowUser(target, relay, ""))
}

// Unfollow removes target from the active account's contacts.
func (s *Session) Unfollow(ctx context.Context, target string) error {
	return s.run(ctx, actions.UnfollowUser(target))
}

// ToggleFollow follows or unfollows target depending on the current state
// and returns the new state.
func (s *Session) ToggleFollow(ctx context.Context, target, relay string) (bool, error) {
	if _, _, err := s.active(); err != nil {
		return false, err
	}
	following, known := s.IsFollowing(target)
	if !known {
		return false, actions.ErrMissingContacts
	}
	if following {
		return false, s.Unfollow(ctx, target)
	}
	return true, s.Follow(ctx, target, relay)
}

// Run executes any action as the active account and publishes its events.
func (s *Session) Run(ctx context.Context, a actions.Action) error {
	return s.run(ctx, a)
}

func (s *Session) run(ctx context.Context, a actions.Action) error {
	_, hub, err := s.active()
	if err != nil {
		return err
	}
	return hub.Run(ctx, a, func(evt *nostr.Event) error {
		outcomes, err := s.deps.Publisher.Publish(ctx, evt)
		if err != nil {
			return err
		}
		s.log.Debug("run", "published %s to %d relays", evt.ID, len(outcomes))
		return nil
	})
}

// Profile returns the live profile of pubkey.
func (s *Session) Profile(pubkey string) *query.Live[query.Profile] {
	return query.Create(s.deps.Queries, query.ProfileQuery, pubkey)
}

// Load asks for pubkey's profile on relays, or on its outboxes when no
// relays are given.
func (s *Session) Load(pubkey string, relays ...string) {
	if len(relays) == 0 {
		relays = query.OutboxRelays(s.deps.Queries.Events(), pubkey, s.deps.FallbackRelays)
	}
	s.deps.Loader.Request(loader.Pointer{PubKey: pubkey, Kind: memstore.KindProfileMetadata, Relays: relays})
}
