// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package actions

import (
	"context"
	"fmt"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/signer"
	"github.com/nbd-wtf/go-nostr"
)

// FollowUser adds pubkey to the account's contact list. relay and petname
// are optional. Following someone already followed produces nothing.
func FollowUser(pubkey, relay, petname string) Action {
	return func(ctx context.Context, c Context) ([]*nostr.Event, error) {
		pk, err := signer.DecodePublicKey(pubkey)
		if err != nil {
			return nil, err
		}
		prev, ok := c.Current(memstore.KindFollowList)
		if !ok {
			return nil, ErrMissingContacts
		}
		for _, tag := range prev.Tags {
			if len(tag) >= 2 && tag[0] == "p" && tag[1] == pk {
				return nil, nil
			}
		}

		tag := nostr.Tag{"p", pk}
		if relay != "" || petname != "" {
			tag = append(tag, relay)
		}
		if petname != "" {
			tag = append(tag, petname)
		}
		tags := append(cloneTags(prev.Tags), tag)
		return []*nostr.Event{draft(c, memstore.KindFollowList, prev, tags, prev.Content)}, nil
	}
}

// UnfollowUser drops every "p" tag for pubkey. Nothing is produced when
// pubkey is not followed.
func UnfollowUser(pubkey string) Action {
	return func(ctx context.Context, c Context) ([]*nostr.Event, error) {
		pk, err := signer.DecodePublicKey(pubkey)
		if err != nil {
			return nil, err
		}
		prev, ok := c.Current(memstore.KindFollowList)
		if !ok {
			return nil, ErrMissingContacts
		}
		tags := make(nostr.Tags, 0, len(prev.Tags))
		removed := false
		for _, tag := range prev.Tags {
			if len(tag) >= 2 && tag[0] == "p" && tag[1] == pk {
				removed = true
				continue
			}
			tags = append(tags, append(nostr.Tag(nil), tag...))
		}
		if !removed {
			return nil, nil
		}
		return []*nostr.Event{draft(c, memstore.KindFollowList, prev, tags, prev.Content)}, nil
	}
}

// NewContacts creates the first contact list of an account.
func NewContacts(pubkeys ...string) Action {
	return func(ctx context.Context, c Context) ([]*nostr.Event, error) {
		if _, ok := c.Current(memstore.KindFollowList); ok {
			return nil, ErrContactsExist
		}
		tags := make(nostr.Tags, 0, len(pubkeys))
		seen := make(map[string]bool, len(pubkeys))
		for _, raw := range pubkeys {
			pk, err := signer.DecodePublicKey(raw)
			if err != nil {
				return nil, fmt.Errorf("contact %q: %w", raw, err)
			}
			if seen[pk] {
				continue
			}
			seen[pk] = true
			tags = append(tags, nostr.Tag{"p", pk})
		}
		return []*nostr.Event{draft(c, memstore.KindFollowList, nil, tags, "")}, nil
	}
}
