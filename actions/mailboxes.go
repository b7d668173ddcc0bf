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
	"github.com/girino/nostr-follows/query"
	"github.com/nbd-wtf/go-nostr"
)

// AddOutboxRelay marks url as a write relay in the account's relay list.
func AddOutboxRelay(url string) Action { return mailbox(url, false, true) }

// RemoveOutboxRelay stops using url as a write relay.
func RemoveOutboxRelay(url string) Action { return mailbox(url, false, false) }

// AddInboxRelay marks url as a read relay in the account's relay list.
func AddInboxRelay(url string) Action { return mailbox(url, true, true) }

// RemoveInboxRelay stops using url as a read relay.
func RemoveInboxRelay(url string) Action { return mailbox(url, true, false) }

// mailbox moves url into the wanted inbox or outbox state. A missing relay
// list is created on add; removing from a missing list is a no-op.
func mailbox(raw string, inbox, add bool) Action {
	return func(ctx context.Context, c Context) ([]*nostr.Event, error) {
		url, ok := query.NormalizeRelayURL(raw)
		if !ok {
			return nil, fmt.Errorf("invalid relay url %q", raw)
		}
		prev, exists := c.Current(memstore.KindRelayListMetadata)
		if !exists && !add {
			return nil, nil
		}

		var read, write bool
		if exists {
			for _, tag := range prev.Tags {
				if !isRelayTag(tag, url) {
					continue
				}
				marker := ""
				if len(tag) > 2 {
					marker = tag[2]
				}
				read = read || marker != "write"
				write = write || marker != "read"
			}
		}

		current := write
		if inbox {
			current = read
		}
		if current == add {
			return nil, nil
		}
		if inbox {
			read = add
		} else {
			write = add
		}

		var replacement nostr.Tag
		switch {
		case read && write:
			replacement = nostr.Tag{"r", url}
		case read:
			replacement = nostr.Tag{"r", url, "read"}
		case write:
			replacement = nostr.Tag{"r", url, "write"}
		}

		var tags nostr.Tags
		content := ""
		placed := false
		if exists {
			content = prev.Content
			for _, tag := range prev.Tags {
				if !isRelayTag(tag, url) {
					tags = append(tags, append(nostr.Tag(nil), tag...))
					continue
				}
				if !placed && replacement != nil {
					tags = append(tags, replacement)
				}
				placed = true
			}
		}
		if !placed && replacement != nil {
			tags = append(tags, replacement)
		}
		return []*nostr.Event{draft(c, memstore.KindRelayListMetadata, prev, tags, content)}, nil
	}
}

func isRelayTag(tag nostr.Tag, url string) bool {
	if len(tag) < 2 || tag[0] != "r" {
		return false
	}
	normalized, ok := query.NormalizeRelayURL(tag[1])
	return ok && normalized == url
}
