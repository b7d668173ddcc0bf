// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Publish - forwards locally produced events to the store and the network.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/logging"
	"github.com/girino/nostr-follows/relaypool"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrRecentlySent is returned when the same event was published within the
// cache TTL. The store already has it; relays are not asked again.
var ErrRecentlySent = errors.New("event recently published")

// Store is where published events are recorded first.
type Store interface {
	Add(evt *nostr.Event, origin string) (memstore.Result, error)
}

// Sender delivers an event to relays. *relaypool.Pool satisfies it.
type Sender interface {
	Send(ctx context.Context, evt *nostr.Event) []relaypool.Outcome
}

// Origin marks events that came from this process.
const Origin = "local"

// Publisher treats "add to store, then send" as one step so the local view
// and the network never diverge for longer than a round trip.
type Publisher struct {
	store  Store
	sender Sender
	log    logging.Logger

	eventCache    *xsync.MapOf[string, time.Time]
	cacheTTL      time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	// Stats tracking
	attempts            int64
	successes           int64
	failures            int64
	rejected            int64
	skipped             int64
	consecutiveFailures int64
}

// Stats holds runtime counters exported by Publisher
type Stats struct {
	Attempts            int64  `json:"attempts"`
	Successes           int64  `json:"successes"`
	Failures            int64  `json:"failures"`
	Rejected            int64  `json:"rejected"`
	Skipped             int64  `json:"skipped"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	HealthState         string `json:"health_state"`
	CacheSize           int    `json:"cache_size"`
}

// New creates a Publisher. cacheTTL controls how long an event id suppresses
// a repeated broadcast.
func New(store Store, sender Sender, cacheTTL time.Duration) *Publisher {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Publisher{
		store:       store,
		sender:      sender,
		log:         logging.For("publish"),
		eventCache:  xsync.NewMapOf[string, time.Time](),
		cacheTTL:    cacheTTL,
		stopCleanup: make(chan struct{}),
	}
}

// Start runs the cache cleanup loop.
func (p *Publisher) Start() {
	p.cleanupTicker = time.NewTicker(p.cacheTTL)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.cleanupTicker.Stop()
		for {
			select {
			case <-p.cleanupTicker.C:
				p.cleanupCache(time.Now())
			case <-p.stopCleanup:
				return
			}
		}
	}()
}

// Close stops the cleanup loop.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() { close(p.stopCleanup) })
	p.wg.Wait()
}

// Stats returns a snapshot of the Publisher counters
func (p *Publisher) Stats() Stats {
	consecutive := atomic.LoadInt64(&p.consecutiveFailures)
	return Stats{
		Attempts:            atomic.LoadInt64(&p.attempts),
		Successes:           atomic.LoadInt64(&p.successes),
		Failures:            atomic.LoadInt64(&p.failures),
		Rejected:            atomic.LoadInt64(&p.rejected),
		Skipped:             atomic.LoadInt64(&p.skipped),
		ConsecutiveFailures: consecutive,
		HealthState:         relaypool.HealthState(consecutive),
		CacheSize:           p.eventCache.Size(),
	}
}

// Publish adds evt to the store and, if it verifies, sends it to relays.
// It returns the per-relay outcomes and an error when no relay accepted it.
func (p *Publisher) Publish(ctx context.Context, evt *nostr.Event) ([]relaypool.Outcome, error) {
	if _, err := p.store.Add(evt, Origin); err != nil {
		atomic.AddInt64(&p.rejected, 1)
		return nil, fmt.Errorf("not publishing: %w", err)
	}

	if !p.claim(evt.ID, time.Now()) {
		atomic.AddInt64(&p.skipped, 1)
		p.log.Debug("Publish", "event %s is cached, skipping broadcast", evt.ID)
		return nil, ErrRecentlySent
	}

	atomic.AddInt64(&p.attempts, 1)
	outcomes := p.sender.Send(ctx, evt)
	if err := relaypool.Err(outcomes); err != nil {
		// let a later retry through
		p.eventCache.Delete(evt.ID)
		atomic.AddInt64(&p.failures, 1)
		atomic.AddInt64(&p.consecutiveFailures, 1)
		p.log.Warn("event %s was not accepted by any relay: %v", evt.ID, err)
		return outcomes, err
	}
	atomic.AddInt64(&p.successes, 1)
	atomic.StoreInt64(&p.consecutiveFailures, 0)
	p.log.Debug("Publish", "broadcast event %s to %d relays", evt.ID, len(outcomes))
	return outcomes, nil
}

// claim caches id unless it was sent within the TTL. Only one of several
// concurrent callers for the same id gets true.
func (p *Publisher) claim(id string, now time.Time) bool {
	claimed := false
	p.eventCache.Compute(id, func(sent time.Time, loaded bool) (time.Time, bool) {
		if loaded && now.Sub(sent) < p.cacheTTL {
			return sent, false
		}
		claimed = true
		return now, false
	})
	return claimed
}

// isEventCached checks if an event was sent within the TTL
func (p *Publisher) isEventCached(id string, now time.Time) bool {
	sent, ok := p.eventCache.Load(id)
	return ok && now.Sub(sent) < p.cacheTTL
}

// cleanupCache removes expired entries from the cache
func (p *Publisher) cleanupCache(now time.Time) {
	p.eventCache.Range(func(id string, sent time.Time) bool {
		if now.Sub(sent) >= p.cacheTTL {
			p.eventCache.Delete(id)
		}
		return true
	})
	p.log.Debug("cleanupCache", "cleaned up expired cache entries, cache size: %d", p.eventCache.Size())
}
