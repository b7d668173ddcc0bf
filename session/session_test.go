package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/girino/nostr-follows/actions"
	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/loader"
	"github.com/girino/nostr-follows/publish"
	"github.com/girino/nostr-follows/query"
	"github.com/girino/nostr-follows/relaypool"
	"github.com/girino/nostr-follows/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fiatjaf = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

type fakeLoader struct {
	mu       sync.Mutex
	requests []loader.Pointer
}

func (f *fakeLoader) Request(p loader.Pointer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, p)
}

type fakeRelays struct {
	mu      sync.Mutex
	current []string
	calls   int
}

func (f *fakeRelays) SetDefaultRelays(urls []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = urls
	f.calls++
}

func (f *fakeRelays) get() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

type fakeWatcher struct {
	watched map[string]bool
}

func (f *fakeWatcher) Watch(pubkeys ...string) {
	for _, pk := range pubkeys {
		f.watched[pk] = true
	}
}

func (f *fakeWatcher) Unwatch(pubkeys ...string) {
	for _, pk := range pubkeys {
		delete(f.watched, pk)
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*nostr.Event
}

func (f *fakeSender) Send(ctx context.Context, evt *nostr.Event) []relaypool.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, evt)
	return []relaypool.Outcome{{Relay: "wss://out.example", OK: true}}
}

type fixture struct {
	events  *memstore.Store
	loader  *fakeLoader
	relays  *fakeRelays
	watcher *fakeWatcher
	sender  *fakeSender
	session *Session
	account *signer.PlainSigner
	pubkey  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := memstore.New()
	f := &fixture{
		events:  events,
		loader:  &fakeLoader{},
		relays:  &fakeRelays{},
		watcher: &fakeWatcher{watched: make(map[string]bool)},
		sender:  &fakeSender{},
		account: signer.GeneratePlainSigner(),
	}
	f.pubkey, _ = f.account.GetPublicKey(context.Background())
	f.session = New(Deps{
		Queries:        query.NewStore(events),
		Loader:         f.loader,
		Relays:         f.relays,
		Mirror:         f.watcher,
		Publisher:      publish.New(events, f.sender, time.Minute),
		FallbackRelays: []string{"wss://fallback.example"},
	})
	return f
}

func (f *fixture) seed(t *testing.T, kind int, createdAt int64, tags nostr.Tags) {
	t.Helper()
	evt := &nostr.Event{Kind: kind, CreatedAt: nostr.Timestamp(createdAt), Tags: tags}
	require.NoError(t, f.account.SignEvent(context.Background(), evt))
	_, err := f.events.Add(evt, "wss://somewhere.example")
	require.NoError(t, err)
}

func TestLoginLoadsAccountAndBindsRelays(t *testing.T) {
	f := newFixture(t)
	pk, err := f.session.Login(context.Background(), f.account)
	require.NoError(t, err)
	assert.Equal(t, f.pubkey, pk)

	active, ok := f.session.Active()
	assert.True(t, ok)
	assert.Equal(t, f.pubkey, active)

	require.Len(t, f.loader.requests, 3)
	for i, kind := range AccountKinds {
		assert.Equal(t, kind, f.loader.requests[i].Kind)
		assert.Equal(t, f.pubkey, f.loader.requests[i].PubKey)
		assert.Equal(t, []string{"wss://fallback.example"}, f.loader.requests[i].Relays)
	}
	assert.True(t, f.watcher.watched[f.pubkey])

	// no relay list yet: fallback relays
	assert.Equal(t, []string{"wss://fallback.example"}, f.relays.get())

	// the relay list arrives later and rebinds publishing
	f.seed(t, 10002, 10, nostr.Tags{{"r", "wss://out.example", "write"}, {"r", "wss://in.example", "read"}})
	assert.Equal(t, []string{"wss://out.example"}, f.relays.get())
}

func TestLoginUsesKnownOutboxes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 10002, 10, nostr.Tags{{"r", "wss://mine.example"}})
	_, err := f.session.Login(context.Background(), f.account)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://mine.example"}, f.loader.requests[0].Relays)
	assert.Equal(t, []string{"wss://mine.example"}, f.relays.get())
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Login(context.Background(), f.account)
	require.NoError(t, err)

	f.session.Logout()
	_, ok := f.session.Active()
	assert.False(t, ok)
	assert.Empty(t, f.watcher.watched)
	assert.Equal(t, []string{"wss://fallback.example"}, f.relays.get())

	// the relay binding is released
	calls := f.relays.calls
	f.seed(t, 10002, 10, nostr.Tags{{"r", "wss://out.example"}})
	assert.Equal(t, calls, f.relays.calls)

	f.session.Logout()
	assert.ErrorIs(t, f.session.Follow(context.Background(), fiatjaf, ""), ErrNotLoggedIn)
	_, err = f.session.ToggleFollow(context.Background(), fiatjaf, "")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestLoginWithUnavailableSigner(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Login(context.Background(), signer.ReadOnly(""))
	assert.ErrorIs(t, err, signer.ErrSignerUnavailable)
	_, ok := f.session.Active()
	assert.False(t, ok)
}

func TestToggleFollow(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Login(context.Background(), f.account)
	require.NoError(t, err)

	following, known := f.session.IsFollowing(fiatjaf)
	assert.False(t, following)
	assert.False(t, known)
	_, err = f.session.ToggleFollow(context.Background(), fiatjaf, "wss://pyramid.fiatjaf.com/")
	assert.ErrorIs(t, err, actions.ErrMissingContacts)

	other, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	f.seed(t, 3, 10, nostr.Tags{{"p", other}})
	following, known = f.session.IsFollowing(fiatjaf)
	assert.False(t, following)
	assert.True(t, known)

	now, err := f.session.ToggleFollow(context.Background(), fiatjaf, "wss://pyramid.fiatjaf.com/")
	require.NoError(t, err)
	assert.True(t, now)
	following, _ = f.session.IsFollowing(fiatjaf)
	assert.True(t, following)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, nostr.Tags{{"p", other}, {"p", fiatjaf, "wss://pyramid.fiatjaf.com/"}}, f.sender.sent[0].Tags)

	// already following: no new event
	require.NoError(t, f.session.Follow(context.Background(), fiatjaf, ""))
	assert.Len(t, f.sender.sent, 1)

	now, err = f.session.ToggleFollow(context.Background(), fiatjaf, "")
	require.NoError(t, err)
	assert.False(t, now)
	following, _ = f.session.IsFollowing(fiatjaf)
	assert.False(t, following)
	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, nostr.Tags{{"p", other}}, f.sender.sent[1].Tags)

	contacts, ok := f.session.Contacts()
	require.True(t, ok)
	assert.Equal(t, []query.Contact{{PubKey: other}}, contacts)
}

func TestReadOnlyAccountCannotFollow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 3, 10, nil)
	_, err := f.session.Login(context.Background(), signer.ReadOnly(f.pubkey))
	require.NoError(t, err)

	_, err = f.session.ToggleFollow(context.Background(), fiatjaf, "")
	assert.ErrorIs(t, err, signer.ErrSignerUnavailable)
	assert.Empty(t, f.sender.sent)
}

func TestProfileAndLoad(t *testing.T) {
	f := newFixture(t)
	f.session.Load(fiatjaf, "wss://pyramid.fiatjaf.com/")
	require.Len(t, f.loader.requests, 1)
	assert.Equal(t, loader.Pointer{PubKey: fiatjaf, Kind: 0, Relays: []string{"wss://pyramid.fiatjaf.com/"}}, f.loader.requests[0])

	f.session.Load(f.pubkey)
	assert.Equal(t, []string{"wss://fallback.example"}, f.loader.requests[1].Relays)

	_, ok := f.session.Profile(f.pubkey).Value()
	assert.False(t, ok)
	evt := &nostr.Event{Kind: 0, CreatedAt: 1, Content: `{"name":"me"}`}
	require.NoError(t, f.account.SignEvent(context.Background(), evt))
	_, err := f.events.Add(evt, "")
	require.NoError(t, err)
	p, ok := f.session.Profile(f.pubkey).Value()
	require.True(t, ok)
	assert.Equal(t, "me", p.Name)
}

func TestLoadWithoutFallbackUsesDefaultRelays(t *testing.T) {
	ld := &fakeLoader{}
	s := New(Deps{
		Queries:   query.NewStore(memstore.New()),
		Loader:    ld,
		Relays:    &fakeRelays{},
		Publisher: publish.New(memstore.New(), &fakeSender{}, time.Minute),
	})
	s.Load(fiatjaf)
	require.Len(t, ld.requests, 1)
	assert.Equal(t, query.DefaultRelays, ld.requests[0].Relays)
}
