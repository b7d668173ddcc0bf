// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Mirror - keeps watched replaceable events fresh from live relay subscriptions.
package mirror

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/logging"
	"github.com/girino/nostr-follows/query"
	"github.com/girino/nostr-follows/relaypool"
	"github.com/nbd-wtf/go-nostr"
)

// ErrNoRelays is returned by Start when there is nothing to mirror from.
var ErrNoRelays = errors.New("no relays to mirror from")

// Kinds are the replaceable kinds mirrored for every watched author.
var Kinds = []int{
	memstore.KindProfileMetadata,
	memstore.KindFollowList,
	memstore.KindRelayListMetadata,
}

// Streamer opens a live subscription. *relaypool.Pool satisfies it.
type Streamer interface {
	Stream(ctx context.Context, urls []string, filter nostr.Filter) <-chan nostr.RelayEvent
}

// Sink verifies and stores incoming events.
type Sink interface {
	Add(evt *nostr.Event, origin string) (memstore.Result, error)
}

// Mirror subscribes to the watched authors on a set of relays and forwards
// everything it receives to the store.
type Mirror struct {
	streamer Streamer
	sink     Sink
	log      logging.Logger

	// RetryDelay is the pause before resubscribing after the stream ends.
	RetryDelay time.Duration

	mu      sync.Mutex
	urls    []string
	watched map[string]bool
	// running subscription
	runCancel context.CancelFunc
	runDone   chan struct{}

	// stats
	mirroredEvents      int64
	rejectedEvents      int64
	subscriptions       int64
	streamFailures      int64
	consecutiveFailures int64
}

// Stats holds runtime counters for mirroring operations
type Stats struct {
	Watched             int    `json:"watched"`
	Relays              int    `json:"relays"`
	Running             bool   `json:"running"`
	MirroredEvents      int64  `json:"mirrored_events"`
	RejectedEvents      int64  `json:"rejected_events"`
	Subscriptions       int64  `json:"subscriptions"`
	StreamFailures      int64  `json:"stream_failures"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	HealthState         string `json:"health_state"`
}

// New creates a Mirror. Nothing is subscribed until Start.
func New(streamer Streamer, sink Sink) *Mirror {
	return &Mirror{
		streamer:   streamer,
		sink:       sink,
		log:        logging.For("mirror"),
		RetryDelay: 5 * time.Second,
		watched:    make(map[string]bool),
	}
}

// Stats returns a snapshot of the Mirror counters
func (m *Mirror) Stats() Stats {
	m.mu.Lock()
	watched, relays, running := len(m.watched), len(m.urls), m.runCancel != nil
	m.mu.Unlock()
	consecutive := atomic.LoadInt64(&m.consecutiveFailures)
	return Stats{
		Watched:             watched,
		Relays:              relays,
		Running:             running,
		MirroredEvents:      atomic.LoadInt64(&m.mirroredEvents),
		RejectedEvents:      atomic.LoadInt64(&m.rejectedEvents),
		Subscriptions:       atomic.LoadInt64(&m.subscriptions),
		StreamFailures:      atomic.LoadInt64(&m.streamFailures),
		ConsecutiveFailures: consecutive,
		HealthState:         relaypool.HealthState(consecutive),
	}
}

// Watch adds authors to mirror. A running subscription is replaced so the
// new authors are included.
func (m *Mirror) Watch(pubkeys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, pk := range pubkeys {
		if pk != "" && !m.watched[pk] {
			m.watched[pk] = true
			changed = true
		}
	}
	if changed && m.runCancel != nil {
		m.restartLocked()
	}
}

// Unwatch stops mirroring authors.
func (m *Mirror) Unwatch(pubkeys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, pk := range pubkeys {
		if m.watched[pk] {
			delete(m.watched, pk)
			changed = true
		}
	}
	if changed && m.runCancel != nil {
		m.restartLocked()
	}
}

// Start begins mirroring from urls. Calling Start again replaces the relays.
func (m *Mirror) Start(urls []string) error {
	urls = query.NormalizeRelayURLs(urls)
	if len(urls) == 0 {
		return ErrNoRelays
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urls = urls
	m.restartLocked()
	m.log.Info("starting mirroring from %d relays", len(urls))
	return nil
}

// Stop ends the subscription and waits for it to wind down.
func (m *Mirror) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCancel != nil {
		m.log.Debug("Stop", "stopping mirroring")
	}
	m.stopLocked()
}

func (m *Mirror) stopLocked() {
	if m.runCancel == nil {
		return
	}
	m.runCancel()
	<-m.runDone
	m.runCancel = nil
	m.runDone = nil
}

func (m *Mirror) restartLocked() {
	m.stopLocked()
	authors := make([]string, 0, len(m.watched))
	for pk := range m.watched {
		authors = append(authors, pk)
	}
	sort.Strings(authors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.runCancel, m.runDone = cancel, done
	go m.run(ctx, done, append([]string(nil), m.urls...), authors)
}

// run keeps one subscription alive until ctx is done.
func (m *Mirror) run(ctx context.Context, done chan struct{}, urls, authors []string) {
	defer close(done)
	if len(authors) == 0 {
		m.log.Debug("run", "no authors to mirror yet")
		<-ctx.Done()
		return
	}

	for {
		now := nostr.Now()
		filter := nostr.Filter{Kinds: Kinds, Authors: authors, Since: &now}
		atomic.AddInt64(&m.subscriptions, 1)
		m.log.Debug("run", "subscribing to %d authors on %v", len(authors), urls)
		m.consume(ctx, m.streamer.Stream(ctx, urls, filter))

		if ctx.Err() != nil {
			return
		}
		atomic.AddInt64(&m.streamFailures, 1)
		atomic.AddInt64(&m.consecutiveFailures, 1)
		m.log.Warn("mirror subscription closed, retrying in %s", m.RetryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.RetryDelay):
		}
	}
}

func (m *Mirror) consume(ctx context.Context, events <-chan nostr.RelayEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ie, ok := <-events:
			if !ok {
				return
			}
			if ie.Event == nil {
				continue
			}
			origin := ""
			if ie.Relay != nil {
				origin = ie.Relay.URL
			}
			if _, err := m.sink.Add(ie.Event, origin); err != nil {
				atomic.AddInt64(&m.rejectedEvents, 1)
				m.log.Debug("consume", "dropping event from %s: %v", origin, err)
				continue
			}
			atomic.AddInt64(&m.mirroredEvents, 1)
			atomic.StoreInt64(&m.consecutiveFailures, 0)
		}
	}
}
