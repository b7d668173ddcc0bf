// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Loader - fetches the newest replaceable events from relays into the store.
package loader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/logging"
	"github.com/girino/nostr-follows/query"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/semaphore"
)

// Fetcher runs one bounded query against one relay.
type Fetcher interface {
	Fetch(ctx context.Context, relay string, filter nostr.Filter) ([]*nostr.Event, error)
}

// Sink receives every candidate event. It is expected to verify them.
type Sink interface {
	Add(evt *nostr.Event, origin string) (memstore.Result, error)
}

// Pointer asks for the newest event of a replaceable key on some relays.
type Pointer struct {
	PubKey string
	Kind   int
	// Identifier is the "d" tag for addressable kinds.
	Identifier string
	Relays     []string
}

func (p Pointer) key() memstore.Key {
	if memstore.IsAddressable(p.Kind) {
		return memstore.AddressableKey(p.PubKey, p.Kind, p.Identifier)
	}
	return memstore.ReplaceableKey(p.PubKey, p.Kind)
}

// Options tune a Loader. Zero values pick the defaults.
type Options struct {
	// FetchTimeout bounds a single relay query (default 10s).
	FetchTimeout time.Duration
	// FetchLimit is the number of newest events asked from each relay (default 3).
	FetchLimit int
	// MaxConcurrent bounds relay queries running at once (default 16).
	MaxConcurrent int64
}

const (
	defaultFetchTimeout  = 10 * time.Second
	defaultFetchLimit    = 3
	defaultMaxConcurrent = 16
)

// Loader coalesces requests per replaceable key so only one fetch cycle runs
// per key, and each relay is queried at most once per cycle.
type Loader struct {
	fetcher Fetcher
	sink    Sink
	opts    Options
	sem     *semaphore.Weighted
	log     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[memstore.Key]*pendingRequest

	// stats
	requests  int64
	coalesced int64
	fetches   int64
	failures  int64
	received  int64
	accepted  int64
	completed int64
	notFound  int64
}

// pendingRequest tracks one fetch cycle for a key.
type pendingRequest struct {
	pointer     Pointer
	queried     map[string]bool
	outstanding int
	best        *nostr.Event
}

// Stats holds runtime counters exported by Loader
type Stats struct {
	Pending   int   `json:"pending"`
	Requests  int64 `json:"requests"`
	Coalesced int64 `json:"coalesced"`
	Fetches   int64 `json:"fetches"`
	Failures  int64 `json:"failures"`
	Received  int64 `json:"received"`
	Accepted  int64 `json:"accepted"`
	Completed int64 `json:"completed"`
	NotFound  int64 `json:"not_found"`
}

// New creates a Loader that fetches with fetcher and forwards results to sink.
func New(fetcher Fetcher, sink Sink, opts Options) *Loader {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = defaultFetchLimit
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		fetcher: fetcher,
		sink:    sink,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		log:     logging.For("loader"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[memstore.Key]*pendingRequest),
	}
}

// Stats returns a snapshot of the Loader counters
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	return Stats{
		Pending:   pending,
		Requests:  atomic.LoadInt64(&l.requests),
		Coalesced: atomic.LoadInt64(&l.coalesced),
		Fetches:   atomic.LoadInt64(&l.fetches),
		Failures:  atomic.LoadInt64(&l.failures),
		Received:  atomic.LoadInt64(&l.received),
		Accepted:  atomic.LoadInt64(&l.accepted),
		Completed: atomic.LoadInt64(&l.completed),
		NotFound:  atomic.LoadInt64(&l.notFound),
	}
}

// Request asks for the newest event of p's key. It returns immediately;
// results show up in the sink. While a cycle for the key is outstanding, the
// request only adds relays that were not queried yet.
func (l *Loader) Request(p Pointer) {
	atomic.AddInt64(&l.requests, 1)
	if l.ctx.Err() != nil {
		l.log.Debug("Request", "loader closed, dropping request for %s", p.key())
		return
	}

	relays := query.NormalizeRelayURLs(p.Relays)
	key := p.key()

	l.mu.Lock()
	req, exists := l.pending[key]
	if exists {
		atomic.AddInt64(&l.coalesced, 1)
	} else {
		req = &pendingRequest{pointer: p, queried: make(map[string]bool)}
	}
	var fresh []string
	for _, relay := range relays {
		if !req.queried[relay] {
			req.queried[relay] = true
			fresh = append(fresh, relay)
		}
	}
	req.outstanding += len(fresh)
	if !exists {
		if len(fresh) == 0 {
			l.mu.Unlock()
			l.log.Debug("Request", "no usable relays for %s", key)
			return
		}
		l.pending[key] = req
	}
	filter := l.filterFor(p)
	l.wg.Add(len(fresh))
	l.mu.Unlock()

	l.log.Debug("Request", "%s: %d new relays (coalesced=%v)", key, len(fresh), exists)
	for _, relay := range fresh {
		go l.fetch(key, relay, filter)
	}
}

func (l *Loader) filterFor(p Pointer) nostr.Filter {
	f := nostr.Filter{
		Kinds:   []int{p.Kind},
		Authors: []string{p.PubKey},
		Limit:   l.opts.FetchLimit,
	}
	if p.Identifier != "" || memstore.IsAddressable(p.Kind) {
		f.Tags = nostr.TagMap{"d": []string{p.Identifier}}
	}
	return f
}

func (l *Loader) fetch(key memstore.Key, relay string, filter nostr.Filter) {
	defer l.wg.Done()
	defer l.finish(key)

	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		l.log.Debug("fetch", "skipping %s for %s: %v", relay, key, err)
		return
	}
	defer l.sem.Release(1)

	// in-flight reads may outlive Close; they still populate the store
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.FetchTimeout)
	defer cancel()

	atomic.AddInt64(&l.fetches, 1)
	events, err := l.fetcher.Fetch(ctx, relay, filter)
	if err != nil {
		atomic.AddInt64(&l.failures, 1)
		l.log.Debug("fetch", "%s failed for %s: %v", relay, key, err)
	}
	for _, evt := range events {
		// relays that ignore the filter may send other authors, kinds or d tags
		if evt == nil {
			continue
		}
		if k, ok := memstore.KeyOf(evt); !ok || k != key {
			continue
		}
		atomic.AddInt64(&l.received, 1)
		res, err := l.sink.Add(evt, relay)
		if err != nil {
			l.log.Debug("fetch", "%s sent invalid event for %s: %v", relay, key, err)
			continue
		}
		if res == memstore.Added || res == memstore.Superseded {
			atomic.AddInt64(&l.accepted, 1)
		}
		l.offer(key, evt)
	}
}

func (l *Loader) offer(key memstore.Key, evt *nostr.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req, ok := l.pending[key]; ok {
		if req.best == nil || evt.CreatedAt > req.best.CreatedAt ||
			(evt.CreatedAt == req.best.CreatedAt && evt.ID < req.best.ID) {
			req.best = evt
		}
	}
}

// finish marks one relay of the key's cycle as done and clears the cycle
// once every queried relay answered or failed.
func (l *Loader) finish(key memstore.Key) {
	l.mu.Lock()
	req, ok := l.pending[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	req.outstanding--
	if req.outstanding > 0 {
		l.mu.Unlock()
		return
	}
	delete(l.pending, key)
	l.mu.Unlock()

	atomic.AddInt64(&l.completed, 1)
	if req.best == nil {
		atomic.AddInt64(&l.notFound, 1)
		l.log.Debug("finish", "%s not found on %d relays", key, len(req.queried))
		return
	}
	l.log.Debug("finish", "%s resolved to %s (created_at %d) from %d relays",
		key, req.best.ID, req.best.CreatedAt, len(req.queried))
}

// Pending reports whether a fetch cycle for key is outstanding.
func (l *Loader) Pending(key memstore.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[key]
	return ok
}

// Wait blocks until every started fetch has finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Close abandons fetches still waiting for a slot. Fetches already talking
// to a relay run to completion.
func (l *Loader) Close() {
	l.cancel()
}
