package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/relaypool"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	outcomes []relaypool.Outcome
}

func (f *fakeSender) Send(ctx context.Context, evt *nostr.Event) []relaypool.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, evt.ID)
	return f.outcomes
}

func ok(relay string) relaypool.Outcome { return relaypool.Outcome{Relay: relay, OK: true} }

func failed(relay string) relaypool.Outcome {
	err := errors.New(relay + ": timeout")
	return relaypool.Outcome{Relay: relay, Err: err, Error: err.Error()}
}

func signed(t *testing.T) *nostr.Event {
	evt := &nostr.Event{Kind: 3, CreatedAt: nostr.Now()}
	require.NoError(t, evt.Sign(nostr.GeneratePrivateKey()))
	return evt
}

func TestPublishAddsThenSends(t *testing.T) {
	store := memstore.New()
	sender := &fakeSender{outcomes: []relaypool.Outcome{ok("wss://a.example"), failed("wss://b.example")}}
	p := New(store, sender, time.Minute)

	evt := signed(t)
	outcomes, err := p.Publish(context.Background(), evt)
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, []string{evt.ID}, sender.sent)

	got, found := store.GetReplaceable(memstore.ReplaceableKey(evt.PubKey, 3))
	require.True(t, found)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, []string{Origin}, store.Seen(evt.ID))

	// a repeat within the TTL is not broadcast again
	_, err = p.Publish(context.Background(), evt)
	assert.ErrorIs(t, err, ErrRecentlySent)
	assert.Len(t, sender.sent, 1)

	st := p.Stats()
	assert.Equal(t, int64(1), st.Attempts)
	assert.Equal(t, int64(1), st.Successes)
	assert.Equal(t, int64(1), st.Skipped)
	assert.Equal(t, 1, st.CacheSize)
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	store := memstore.New()
	sender := &fakeSender{outcomes: []relaypool.Outcome{ok("wss://a.example")}}
	p := New(store, sender, time.Minute)

	evt := signed(t)
	evt.Content = "changed after signing"
	_, err := p.Publish(context.Background(), evt)
	assert.ErrorIs(t, err, memstore.ErrInvalidEvent)
	assert.Empty(t, sender.sent)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestFailedPublishCanBeRetried(t *testing.T) {
	sender := &fakeSender{outcomes: []relaypool.Outcome{failed("wss://a.example")}}
	p := New(memstore.New(), sender, time.Minute)

	evt := signed(t)
	outcomes, err := p.Publish(context.Background(), evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Len(t, outcomes, 1)

	sender.outcomes = []relaypool.Outcome{ok("wss://a.example")}
	_, err = p.Publish(context.Background(), evt)
	require.NoError(t, err)
	assert.Len(t, sender.sent, 2)

	st := p.Stats()
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, int64(0), st.ConsecutiveFailures)
	assert.Equal(t, relaypool.HealthGreen, st.HealthState)
}

type gatedSender struct {
	entered chan struct{}
	release chan struct{}
	sends   int32
}

func (g *gatedSender) Send(ctx context.Context, evt *nostr.Event) []relaypool.Outcome {
	if atomic.AddInt32(&g.sends, 1) == 1 {
		close(g.entered)
	}
	<-g.release
	return []relaypool.Outcome{ok("wss://a.example")}
}

func TestConcurrentPublishSendsOnce(t *testing.T) {
	sender := &gatedSender{entered: make(chan struct{}), release: make(chan struct{})}
	p := New(memstore.New(), sender, time.Minute)
	evt := signed(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Publish(context.Background(), evt)
		assert.NoError(t, err)
	}()
	<-sender.entered

	var skipped int32
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Publish(context.Background(), evt); errors.Is(err, ErrRecentlySent) {
				atomic.AddInt32(&skipped, 1)
			}
		}()
	}
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&skipped) == 5 }, 2*time.Second, 5*time.Millisecond)
	close(sender.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&sender.sends))
	assert.Equal(t, int64(5), p.Stats().Skipped)
}

func TestPublishWithoutRelays(t *testing.T) {
	p := New(memstore.New(), &fakeSender{}, time.Minute)
	_, err := p.Publish(context.Background(), signed(t))
	assert.ErrorIs(t, err, relaypool.ErrNoRelays)
}

func TestCacheCleanup(t *testing.T) {
	sender := &fakeSender{outcomes: []relaypool.Outcome{ok("wss://a.example")}}
	p := New(memstore.New(), sender, time.Minute)

	evt := signed(t)
	_, err := p.Publish(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, p.isEventCached(evt.ID, time.Now()))
	assert.False(t, p.isEventCached(evt.ID, time.Now().Add(2*time.Minute)))

	p.cleanupCache(time.Now())
	assert.Equal(t, 1, p.Stats().CacheSize)
	p.cleanupCache(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, p.Stats().CacheSize)
}

func TestStartAndClose(t *testing.T) {
	p := New(memstore.New(), &fakeSender{}, 5*time.Millisecond)
	p.eventCache.Store("old", time.Now().Add(-time.Hour))
	p.Start()
	require.Eventually(t, func() bool { return p.Stats().CacheSize == 0 }, 2*time.Second, 5*time.Millisecond)
	p.Close()
	p.Close()
}
