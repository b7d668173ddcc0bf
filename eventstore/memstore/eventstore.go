// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package memstore

import (
	"context"
	"sort"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

// Init is a no-op; the store is ready after New.
func (s *Store) Init() error { return nil }

// Close ends every open subscription and drops all watchers.
func (s *Store) Close() {
	s.hub.close()
}

// QueryEvents returns stored events matching filter, newest first. Only the
// current winner of each replaceable key is returned.
func (s *Store) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	matches := s.match(filter)
	ch := make(chan *nostr.Event)
	go func() {
		defer close(ch)
		for _, evt := range matches {
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CountEvents counts what QueryEvents would return.
func (s *Store) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	return int64(len(s.match(filter))), nil
}

// SaveEvent adds evt through the verifying path. Duplicates are not an error.
func (s *Store) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	_, err := s.Add(evt, "local")
	return err
}

// ReplaceEvent is SaveEvent: Add already resolves replaceable keys.
func (s *Store) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return s.SaveEvent(ctx, evt)
}

// DeleteEvent is a no-op: events are only dropped by eviction, which this store does not do.
func (s *Store) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return nil
}

func (s *Store) match(filter nostr.Filter) []*nostr.Event {
	s.mu.RLock()
	var out []*nostr.Event
	visible := func(evt *nostr.Event) bool {
		if key, ok := KeyOf(evt); ok {
			return s.replaceable[key] == evt.ID
		}
		return true
	}
	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			if evt, ok := s.events[id]; ok && visible(evt) && filter.Matches(evt) {
				out = append(out, evt)
			}
		}
	} else {
		for _, evt := range s.events {
			if visible(evt) && filter.Matches(evt) {
				out = append(out, evt)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Ensure Store implements eventstore.Store and eventstore.Counter
var _ eventstore.Store = (*Store)(nil)
var _ eventstore.Counter = (*Store)(nil)
