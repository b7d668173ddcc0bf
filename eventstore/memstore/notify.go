// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package memstore

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// hub owns the store's observers. Watchers are keyed by topic; subscriptions
// receive every inserted event that matches their predicate.
type hub struct {
	mu       sync.Mutex
	nextID   int
	watchers map[Topic]map[int]func(*nostr.Event)
	subs     map[int]*Subscription
}

func newHub() *hub {
	return &hub{
		watchers: make(map[Topic]map[int]func(*nostr.Event)),
		subs:     make(map[int]*Subscription),
	}
}

func (h *hub) watch(topic Topic, fn func(*nostr.Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	set, ok := h.watchers[topic]
	if !ok {
		set = make(map[int]func(*nostr.Event))
		h.watchers[topic] = set
	}
	set[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.watchers[topic]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(h.watchers, topic)
				}
			}
		})
	}
}

func (h *hub) subscribe(match func(*nostr.Event) bool) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &Subscription{
		match: match,
		ch:    make(chan *nostr.Event),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	sub.unsub = func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	h.subs[id] = sub
	go sub.pump()
	return sub
}

// publish runs the topic watchers synchronously and queues evt on matching
// subscriptions. An empty topic only reaches subscriptions.
func (h *hub) publish(topic Topic, evt *nostr.Event) {
	h.mu.Lock()
	var fns []func(*nostr.Event)
	if topic != "" {
		for _, fn := range h.watchers[topic] {
			fns = append(fns, fn)
		}
	}
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
	for _, sub := range subs {
		sub.push(evt)
	}
}

func (h *hub) watcherCount(topic Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[topic])
}

func (h *hub) close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.watchers = make(map[Topic]map[int]func(*nostr.Event))
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Subscription is an unbounded, ordered stream of future events accepted by
// the store. Events are never replayed from history.
type Subscription struct {
	match func(*nostr.Event) bool
	ch    chan *nostr.Event

	mu    sync.Mutex
	queue []*nostr.Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	unsub func()
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan *nostr.Event { return s.ch }

// Close stops delivery. Queued events are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.unsub()
		close(s.done)
	})
}

func (s *Subscription) push(evt *nostr.Event) {
	if s.match != nil && !s.match(evt) {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- evt:
		case <-s.done:
			return
		}
	}
}
