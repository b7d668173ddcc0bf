// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// RelayPool - transport capability: fetch, stream and publish over relays.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/nostr-follows/logging"
	"github.com/girino/nostr-follows/query"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Conn is the part of a relay connection the pool uses. *nostr.Relay
// satisfies it.
type Conn interface {
	Publish(ctx context.Context, evt nostr.Event) error
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	IsConnected() bool
}

// Dialer returns a connection to url, reusing an existing one when possible.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Outcome is the result of publishing one event to one relay.
type Outcome struct {
	Relay string `json:"relay"`
	OK    bool   `json:"ok"`
	Err   error  `json:"-"`
	// Error mirrors Err for JSON output.
	Error string `json:"error,omitempty"`
}

// ErrNoRelays is returned when there is nowhere to publish.
var ErrNoRelays = errors.New("no relays to publish to")

// Err summarizes outcomes: nil when at least one relay accepted the event.
func Err(outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return ErrNoRelays
	}
	msgs := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.OK {
			return nil
		}
		msgs = append(msgs, o.Error)
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// HealthState maps consecutive failures to a health state.
func HealthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

// Pool talks to relays on behalf of the loader, the mirror and the publisher.
// It does not own any event state.
type Pool struct {
	pool   *nostr.SimplePool
	dial   Dialer
	log    logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// publish timeout per remote
	publishTimeout time.Duration
	healthInterval time.Duration

	mu       sync.RWMutex
	defaults []string

	states *xsync.MapOf[string, State]

	listenMu  sync.RWMutex
	listeners map[int64]chan StateChange
	nextID    int64

	// stats
	publishAttempts     int64
	publishSuccesses    int64
	publishFailures     int64
	consecutiveFailures int64
	queryRequests       int64
	queryFailures       int64
	queryEventsReturned int64
}

// Stats holds runtime counters exported by Pool
type Stats struct {
	PublishAttempts     int64    `json:"publish_attempts"`
	PublishSuccesses    int64    `json:"publish_successes"`
	PublishFailures     int64    `json:"publish_failures"`
	ConsecutiveFailures int64    `json:"consecutive_failures"`
	HealthState         string   `json:"health_state"`
	QueryRequests       int64    `json:"query_requests"`
	QueryFailures       int64    `json:"query_failures"`
	QueryEventsReturned int64    `json:"query_events_returned"`
	LiveRelays          int64    `json:"live_relays"`
	DeadRelays          int64    `json:"dead_relays"`
	DefaultRelays       []string `json:"default_relays"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithPublishTimeout bounds each relay publish (default 7s).
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// WithHealthInterval sets how often known relays are checked (default 30s).
func WithHealthInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.healthInterval = d
		}
	}
}

// WithDialer replaces the SimplePool connection lookup.
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// New creates a Pool publishing to defaults.
func New(defaults []string, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		pool:           nostr.NewSimplePool(ctx, nostr.WithPenaltyBox()),
		log:            logging.For("relaypool"),
		ctx:            ctx,
		cancel:         cancel,
		publishTimeout: 7 * time.Second,
		healthInterval: 30 * time.Second,
		defaults:       query.NormalizeRelayURLs(defaults),
		states:         xsync.NewMapOf[string, State](),
		listeners:      make(map[int64]chan StateChange),
	}
	p.dial = p.ensureRelay
	for _, opt := range opts {
		opt(p)
	}
	for _, url := range p.defaults {
		p.track(url)
	}
	return p
}

func (p *Pool) ensureRelay(ctx context.Context, url string) (Conn, error) {
	rl, err := p.pool.EnsureRelay(url)
	if err != nil {
		return nil, err
	}
	return rl, nil
}

// Start begins the periodic relay health check.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.CheckHealth(p.ctx)
			}
		}
	}()
}

// Close stops the health check and releases connections.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
	p.listenMu.Lock()
	for _, ch := range p.listeners {
		close(ch)
	}
	p.listeners = nil
	p.listenMu.Unlock()
}

// Stats returns a snapshot of the Pool counters
func (p *Pool) Stats() Stats {
	consecutive := atomic.LoadInt64(&p.consecutiveFailures)
	var live, dead int64
	p.states.Range(func(_ string, s State) bool {
		switch s {
		case Connected:
			live++
		case Disconnected:
			dead++
		}
		return true
	})
	return Stats{
		PublishAttempts:     atomic.LoadInt64(&p.publishAttempts),
		PublishSuccesses:    atomic.LoadInt64(&p.publishSuccesses),
		PublishFailures:     atomic.LoadInt64(&p.publishFailures),
		ConsecutiveFailures: consecutive,
		HealthState:         HealthState(consecutive),
		QueryRequests:       atomic.LoadInt64(&p.queryRequests),
		QueryFailures:       atomic.LoadInt64(&p.queryFailures),
		QueryEventsReturned: atomic.LoadInt64(&p.queryEventsReturned),
		LiveRelays:          live,
		DeadRelays:          dead,
		DefaultRelays:       p.DefaultRelays(),
	}
}

// SetDefaultRelays replaces the relays Send publishes to.
func (p *Pool) SetDefaultRelays(urls []string) {
	normalized := query.NormalizeRelayURLs(urls)
	p.mu.Lock()
	p.defaults = normalized
	p.mu.Unlock()
	for _, url := range normalized {
		p.track(url)
	}
	p.log.Debug("SetDefaultRelays", "default relays: %v", normalized)
}

// DefaultRelays returns a copy of the current publish relays.
func (p *Pool) DefaultRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.defaults...)
}

// Fetch runs one query against one relay and waits for EOSE or ctx.
func (p *Pool) Fetch(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error) {
	atomic.AddInt64(&p.queryRequests, 1)
	rl, err := p.connect(ctx, url)
	if err != nil {
		atomic.AddInt64(&p.queryFailures, 1)
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	events, err := rl.QuerySync(ctx, filter)
	if err != nil {
		atomic.AddInt64(&p.queryFailures, 1)
		return events, fmt.Errorf("%s: %w", url, err)
	}
	atomic.AddInt64(&p.queryEventsReturned, int64(len(events)))
	p.log.Debug("Fetch", "%s returned %d events", url, len(events))
	return events, nil
}

// Stream subscribes to filter on urls until ctx is done. Duplicates across
// relays are dropped by the SimplePool.
func (p *Pool) Stream(ctx context.Context, urls []string, filter nostr.Filter) <-chan nostr.RelayEvent {
	urls = query.NormalizeRelayURLs(urls)
	for _, url := range urls {
		p.track(url)
	}
	p.log.Debug("Stream", "subscribing to %d relays", len(urls))
	return p.pool.SubscribeMany(ctx, urls, filter)
}

// Send publishes evt to every default relay concurrently. One Outcome is
// returned per relay, in DefaultRelays order.
func (p *Pool) Send(ctx context.Context, evt *nostr.Event) []Outcome {
	urls := p.DefaultRelays()
	if len(urls) == 0 {
		p.log.Warn("no remotes configured, not forwarding event %s", evt.ID)
		return nil
	}

	outcomes := make([]Outcome, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		g.Go(func() error {
			outcomes[i] = p.publish(ctx, url, evt)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := false
	for _, o := range outcomes {
		succeeded = succeeded || o.OK
	}
	if succeeded {
		atomic.StoreInt64(&p.consecutiveFailures, 0)
	} else {
		atomic.AddInt64(&p.consecutiveFailures, 1)
	}
	return outcomes
}

func (p *Pool) publish(ctx context.Context, url string, evt *nostr.Event) Outcome {
	// create a child context with timeout for each publish
	cctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	atomic.AddInt64(&p.publishAttempts, 1)
	p.log.Debug("publish", "publishing event %s to %s", evt.ID, url)

	fail := func(err error) Outcome {
		atomic.AddInt64(&p.publishFailures, 1)
		p.log.Debug("publish", "publish to %s failed: %v", url, err)
		err = fmt.Errorf("%s: %w", url, err)
		return Outcome{Relay: url, Err: err, Error: err.Error()}
	}

	rl, err := p.connect(cctx, url)
	if err != nil {
		return fail(err)
	}
	if err := rl.Publish(cctx, *evt); err != nil {
		return fail(err)
	}
	atomic.AddInt64(&p.publishSuccesses, 1)
	p.log.Debug("publish", "publish to %s succeeded for event %s", url, evt.ID)
	return Outcome{Relay: url, OK: true}
}

// connect dials url and records the resulting connection state.
func (p *Pool) connect(ctx context.Context, url string) (Conn, error) {
	rl, err := p.dial(ctx, url)
	if err != nil {
		p.setState(url, Disconnected, err)
		return nil, err
	}
	p.setState(url, Connected, nil)
	return rl, nil
}

// CheckHealth dials every known relay and updates connection states.
func (p *Pool) CheckHealth(ctx context.Context) {
	var urls []string
	p.states.Range(func(url string, _ State) bool {
		urls = append(urls, url)
		return true
	})

	var dead int
	for _, url := range urls {
		cctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
		rl, err := p.dial(cctx, url)
		cancel()
		switch {
		case err != nil:
			dead++
			p.setState(url, Disconnected, err)
		case !rl.IsConnected():
			dead++
			p.setState(url, Disconnected, errors.New("connection closed"))
		default:
			p.setState(url, Connected, nil)
		}
	}
	p.log.Debug("CheckHealth", "%d/%d relays alive", len(urls)-dead, len(urls))
}
