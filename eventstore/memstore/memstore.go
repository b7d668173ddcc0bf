// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// MemStore - verified in-memory nostr event store with a replaceable index.
package memstore

import (
	"sync"
	"sync/atomic"

	"github.com/girino/nostr-follows/logging"
	"github.com/nbd-wtf/go-nostr"
)

// Result describes what Add did with an event.
type Result int

const (
	// Rejected events failed verification and were discarded.
	Rejected Result = iota
	// Added events were inserted and are visible (or won their replaceable key).
	Added
	// Superseded events were stored but lost against the current winner of their key.
	Superseded
	// Duplicate events were already present; nothing changed.
	Duplicate
)

func (r Result) String() string {
	switch r {
	case Rejected:
		return "rejected"
	case Added:
		return "added"
	case Superseded:
		return "superseded"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Store holds verified events only. The id map is the source of truth, the
// replaceable index points each key at its current winner.
//
// Watch handlers run synchronously on the goroutine calling Add and must not
// call Add themselves.
type Store struct {
	mu          sync.RWMutex
	events      map[string]*nostr.Event
	replaceable map[Key]string
	origins     map[string][]string

	// writeMu serializes Add so notifications follow mutation order
	writeMu sync.Mutex
	hub     *hub

	log logging.Logger

	// stats
	added      int64
	duplicates int64
	rejected   int64
	superseded int64
}

// Stats holds runtime counters exported by Store
type Stats struct {
	Events     int   `json:"events"`
	Keys       int   `json:"replaceable_keys"`
	Added      int64 `json:"added"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Superseded int64 `json:"superseded"`
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		events:      make(map[string]*nostr.Event),
		replaceable: make(map[Key]string),
		origins:     make(map[string][]string),
		hub:         newHub(),
		log:         logging.For("memstore"),
	}
}

// Stats returns a snapshot of the Store counters
func (s *Store) Stats() Stats {
	s.mu.RLock()
	events, keys := len(s.events), len(s.replaceable)
	s.mu.RUnlock()
	return Stats{
		Events:     events,
		Keys:       keys,
		Added:      atomic.LoadInt64(&s.added),
		Duplicates: atomic.LoadInt64(&s.duplicates),
		Rejected:   atomic.LoadInt64(&s.rejected),
		Superseded: atomic.LoadInt64(&s.superseded),
	}
}

// Add verifies evt and inserts it. Verification failures come back as
// Rejected with an error wrapping ErrInvalidEvent; the event is never stored.
// origin is the relay the event came from ("" or "local" for our own).
func (s *Store) Add(evt *nostr.Event, origin string) (Result, error) {
	if err := Verify(evt); err != nil {
		atomic.AddInt64(&s.rejected, 1)
		s.log.Debug("Add", "rejected event from %q: %v", origin, err)
		return Rejected, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, exists := s.events[evt.ID]; exists {
		s.addOrigin(evt.ID, origin)
		s.mu.Unlock()
		atomic.AddInt64(&s.duplicates, 1)
		return Duplicate, nil
	}

	stored := cloneEvent(evt)
	s.events[stored.ID] = stored
	s.addOrigin(stored.ID, origin)

	result := Added
	var topic Topic
	if key, ok := KeyOf(stored); ok {
		current, has := s.replaceable[key]
		if !has || supersedes(stored, s.events[current]) {
			s.replaceable[key] = stored.ID
			topic = KeyTopic(key)
		} else {
			result = Superseded
		}
	} else {
		topic = IDTopic(stored.ID)
	}
	s.mu.Unlock()

	if result == Superseded {
		atomic.AddInt64(&s.superseded, 1)
		s.log.Debug("Add", "event %s (kind %d) older than current winner", stored.ID, stored.Kind)
	} else {
		atomic.AddInt64(&s.added, 1)
		s.log.Debug("Add", "stored event %s (kind %d) from %q", stored.ID, stored.Kind, origin)
	}

	s.hub.publish(topic, stored)
	return result, nil
}

func (s *Store) addOrigin(id, origin string) {
	if origin == "" {
		return
	}
	for _, o := range s.origins[id] {
		if o == origin {
			return
		}
	}
	s.origins[id] = append(s.origins[id], origin)
}

// Get returns the event with id. Returned events must not be modified.
func (s *Store) Get(id string) (*nostr.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[id]
	return evt, ok
}

// GetReplaceable returns the current winner for key.
func (s *Store) GetReplaceable(key Key) (*nostr.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.replaceable[key]
	if !ok {
		return nil, false
	}
	return s.events[id], true
}

// Seen returns the origins an event was received from.
func (s *Store) Seen(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.origins[id]...)
}

// Len returns the number of stored events, superseded ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Subscribe streams future events accepted by the store that satisfy match
// (nil matches everything). Close the subscription to release it.
func (s *Store) Subscribe(match func(*nostr.Event) bool) *Subscription {
	return s.hub.subscribe(match)
}

// Watch calls fn whenever the visible state behind topic changes.
func (s *Store) Watch(topic Topic, fn func(*nostr.Event)) (cancel func()) {
	return s.hub.watch(topic, fn)
}

// Watchers returns the number of live watchers on topic.
func (s *Store) Watchers(topic Topic) int {
	return s.hub.watcherCount(topic)
}

func cloneEvent(evt *nostr.Event) *nostr.Event {
	c := *evt
	if evt.Tags != nil {
		c.Tags = make(nostr.Tags, len(evt.Tags))
		for i, tag := range evt.Tags {
			c.Tags[i] = append(nostr.Tag(nil), tag...)
		}
	}
	return &c
}
