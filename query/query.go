// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Query - reactive projections over the event store.
package query

import (
	"sync"
	"sync/atomic"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/logging"
	"github.com/nbd-wtf/go-nostr"
)

// Reader is the read side of the event store a projection may use.
type Reader interface {
	Get(id string) (*nostr.Event, bool)
	GetReplaceable(key memstore.Key) (*nostr.Event, bool)
}

// Query describes a projection. Name must be unique per projection function,
// it is part of the identity used to share live computations.
type Query[R any] struct {
	Name string
	// Keys lists the replaceable keys the projection reads for arg.
	Keys func(arg string) []memstore.Key
	// Project computes the value; false means absent.
	Project func(r Reader, arg string) (R, bool)
}

// Store hands out live queries and keeps at most one running projection per
// (query name, argument).
type Store struct {
	events *memstore.Store
	log    logging.Logger

	mu   sync.Mutex
	live map[string]*projection

	computations int64
}

// NewStore creates a query store over events. It does not own the event store.
func NewStore(events *memstore.Store) *Store {
	return &Store{
		events: events,
		log:    logging.For("query"),
		live:   make(map[string]*projection),
	}
}

// Events returns the underlying event store.
func (qs *Store) Events() *memstore.Store { return qs.events }

// Live returns the number of running projections.
func (qs *Store) Live() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.live)
}

// Computations counts projection runs since creation.
func (qs *Store) Computations() int64 {
	return atomic.LoadInt64(&qs.computations)
}

// Live is a reactive value of R bound to one query identity.
type Live[R any] struct {
	qs      *Store
	id      string
	keys    []memstore.Key
	compute func() (any, bool)
}

// Create binds q to arg. Nothing runs until the first Subscribe.
func Create[R any](qs *Store, q Query[R], arg string) *Live[R] {
	return &Live[R]{
		qs:   qs,
		id:   q.Name + "\x00" + arg,
		keys: q.Keys(arg),
		compute: func() (any, bool) {
			v, ok := q.Project(qs.events, arg)
			return v, ok
		},
	}
}

// Subscribe calls fn with the current value right away, then again after
// every store change to a key the projection depends on. fn runs on the
// goroutine that changed the store and must not add events itself.
func (l *Live[R]) Subscribe(fn func(value R, ok bool)) (cancel func()) {
	return l.qs.subscribe(l, func(v any, ok bool) {
		if !ok {
			var zero R
			fn(zero, false)
			return
		}
		fn(v.(R), true)
	})
}

// Value returns the shared value when the projection is live, or computes it
// once from current store state otherwise.
func (l *Live[R]) Value() (R, bool) {
	l.qs.mu.Lock()
	p, running := l.qs.live[l.id]
	l.qs.mu.Unlock()

	var v any
	var ok bool
	if running {
		v, ok = p.current()
	} else {
		atomic.AddInt64(&l.qs.computations, 1)
		v, ok = l.compute()
	}
	if !ok {
		var zero R
		return zero, false
	}
	return v.(R), true
}

func (qs *Store) subscribe(l liveSpec, fn func(any, bool)) func() {
	qs.mu.Lock()
	id := l.identity()
	p, ok := qs.live[id]
	if !ok {
		p = &projection{
			qs:      qs,
			id:      id,
			compute: l.computeFn(),
			subs:    make(map[int]func(any, bool)),
		}
		// watch before the first run so a change landing during it is not lost
		for _, key := range l.dependencies() {
			p.unwatch = append(p.unwatch, qs.events.Watch(memstore.KeyTopic(key), func(*nostr.Event) {
				p.refresh()
			}))
		}
		p.recompute()
		qs.live[id] = p
		qs.log.Debug("subscribe", "started projection %q", id)
	}
	sub := p.add(fn)
	qs.mu.Unlock()

	p.deliver(fn)

	var once sync.Once
	return func() {
		once.Do(func() { qs.unsubscribe(p, sub) })
	}
}

func (qs *Store) unsubscribe(p *projection, sub int) {
	qs.mu.Lock()
	if !p.remove(sub) {
		qs.mu.Unlock()
		return
	}
	if qs.live[p.id] == p {
		delete(qs.live, p.id)
	}
	qs.mu.Unlock()

	for _, cancel := range p.unwatch {
		cancel()
	}
	qs.log.Debug("unsubscribe", "stopped projection %q", p.id)
}

type liveSpec interface {
	identity() string
	dependencies() []memstore.Key
	computeFn() func() (any, bool)
}

func (l *Live[R]) identity() string { return l.id }

func (l *Live[R]) dependencies() []memstore.Key { return l.keys }

func (l *Live[R]) computeFn() func() (any, bool) { return l.compute }

// projection is the shared computation behind every Live with the same identity.
type projection struct {
	qs      *Store
	id      string
	compute func() (any, bool)
	unwatch []func()

	// emitMu keeps deliveries in recompute order
	emitMu sync.Mutex

	// runs numbers each compute; only a later run may overwrite the value
	runs int64

	mu     sync.Mutex
	value  any
	ok     bool
	stored int64
	nextID int
	subs   map[int]func(any, bool)
}

func (p *projection) recompute() {
	run := atomic.AddInt64(&p.runs, 1)
	atomic.AddInt64(&p.qs.computations, 1)
	v, ok := p.compute()
	p.mu.Lock()
	if run > p.stored {
		p.value, p.ok, p.stored = v, ok, run
	}
	p.mu.Unlock()
}

// refresh runs on store notifications for a dependency key.
func (p *projection) refresh() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.recompute()
	p.mu.Lock()
	v, ok := p.value, p.ok
	fns := make([]func(any, bool), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(v, ok)
	}
}

// deliver hands the current value to a new subscriber.
func (p *projection) deliver(fn func(any, bool)) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	v, ok := p.current()
	fn(v, ok)
}

func (p *projection) current() (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.ok
}

func (p *projection) add(fn func(any, bool)) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return id
}

// remove drops a subscriber and reports whether it was the last one.
func (p *projection) remove(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, id)
	return len(p.subs) == 0
}
