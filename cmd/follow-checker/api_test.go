package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/loader"
	"github.com/girino/nostr-follows/mirror"
	"github.com/girino/nostr-follows/publish"
	"github.com/girino/nostr-follows/query"
	"github.com/girino/nostr-follows/relaypool"
	"github.com/girino/nostr-follows/session"
	"github.com/girino/nostr-follows/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fiatjaf = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

type fakeConn struct {
	mu        sync.Mutex
	published []nostr.Event
}

func (c *fakeConn) Publish(ctx context.Context, evt nostr.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, evt)
	return nil
}

func (c *fakeConn) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return nil, nil
}

func (c *fakeConn) IsConnected() bool { return true }

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type testAPI struct {
	*api
	mux     *http.ServeMux
	conn    *fakeConn
	account *signer.PlainSigner
	pubkey  string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	conn := &fakeConn{}
	store := memstore.New()
	pool := relaypool.New(nil, relaypool.WithDialer(func(ctx context.Context, url string) (relaypool.Conn, error) {
		return conn, nil
	}))
	ld := loader.New(pool, store, loader.Options{FetchTimeout: time.Second})
	queries := query.NewStore(store)
	pub := publish.New(store, pool, time.Minute)
	mm := mirror.New(pool, store)
	sess := session.New(session.Deps{
		Queries:        queries,
		Loader:         ld,
		Relays:         pool,
		Publisher:      pub,
		FallbackRelays: []string{"wss://relay.example"},
	})
	t.Cleanup(func() {
		ld.Close()
		pool.Close()
	})

	account := signer.GeneratePlainSigner()
	pubkey, _ := account.GetPublicKey(context.Background())
	a := &api{
		name:      "test",
		startTime: time.Now(),
		store:     store,
		pool:      pool,
		loader:    ld,
		queries:   queries,
		publisher: pub,
		mirror:    mm,
		session:   sess,
		target:    fiatjaf,
		relay:     "wss://pyramid.fiatjaf.com/",
	}
	mux := http.NewServeMux()
	a.register(mux)
	return &testAPI{api: a, mux: mux, conn: conn, account: account, pubkey: pubkey}
}

func (ta *testAPI) do(t *testing.T, method, target string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	ta.mux.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func (ta *testAPI) seed(t *testing.T, kind int, content string, tags nostr.Tags) {
	t.Helper()
	evt := &nostr.Event{Kind: kind, CreatedAt: 10, Content: content, Tags: tags}
	require.NoError(t, ta.account.SignEvent(context.Background(), evt))
	_, err := ta.store.Add(evt, "wss://somewhere.example")
	require.NoError(t, err)
}

func TestHealthAndStats(t *testing.T) {
	ta := newTestAPI(t)

	code, body := ta.do(t, http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, relaypool.HealthGreen, body["main_health_state"])

	code, body = ta.do(t, http.MethodGet, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "store")
	assert.Contains(t, body, "loader")
	assert.Contains(t, body, "relays")
	assert.NotContains(t, body, "account")
}

func TestFollowingStates(t *testing.T) {
	ta := newTestAPI(t)

	_, body := ta.do(t, http.MethodGet, "/api/v1/following")
	assert.Equal(t, "logged_out", body["state"])
	assert.Equal(t, fiatjaf, body["target"])

	_, err := ta.session.Login(context.Background(), ta.account)
	require.NoError(t, err)
	_, body = ta.do(t, http.MethodGet, "/api/v1/following")
	assert.Equal(t, "checking", body["state"])

	ta.seed(t, 3, "", nostr.Tags{{"p", fiatjaf}})
	_, body = ta.do(t, http.MethodGet, "/api/v1/following")
	assert.Equal(t, "following", body["state"])
	assert.Equal(t, ta.pubkey, body["account"])

	other, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	_, body = ta.do(t, http.MethodGet, "/api/v1/following?target="+other)
	assert.Equal(t, "not_following", body["state"])

	code, _ := ta.do(t, http.MethodGet, "/api/v1/following?target=nope")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestToggleFollow(t *testing.T) {
	ta := newTestAPI(t)

	code, _ := ta.do(t, http.MethodGet, "/api/v1/follow/toggle")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = ta.do(t, http.MethodPost, "/api/v1/follow/toggle")
	assert.Equal(t, http.StatusUnauthorized, code)

	_, err := ta.session.Login(context.Background(), ta.account)
	require.NoError(t, err)
	code, _ = ta.do(t, http.MethodPost, "/api/v1/follow/toggle")
	assert.Equal(t, http.StatusConflict, code)

	ta.seed(t, 3, "", nil)
	code, body := ta.do(t, http.MethodPost, "/api/v1/follow/toggle")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["following"])
	assert.Equal(t, 1, ta.conn.count())

	contacts, ok := ta.session.Contacts()
	require.True(t, ok)
	assert.Equal(t, []query.Contact{{PubKey: fiatjaf, Relay: "wss://pyramid.fiatjaf.com/"}}, contacts)

	code, body = ta.do(t, http.MethodPost, "/api/v1/follow/toggle?target="+fiatjaf)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["following"])
	assert.Equal(t, 2, ta.conn.count())
}

func TestToggleReadOnlyAccount(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, 3, "", nil)
	_, err := ta.session.Login(context.Background(), signer.ReadOnly(ta.pubkey))
	require.NoError(t, err)

	code, _ := ta.do(t, http.MethodPost, "/api/v1/follow/toggle")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, 0, ta.conn.count())
}

func TestProfile(t *testing.T) {
	ta := newTestAPI(t)

	code, body := ta.do(t, http.MethodGet, "/api/v1/profile?pubkey="+ta.pubkey)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, false, body["found"])
	ta.loader.Wait()

	ta.seed(t, 0, `{"name":"alice","about":"hi"}`, nil)
	code, body = ta.do(t, http.MethodGet, "/api/v1/profile?pubkey="+ta.pubkey)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["found"])
	profile, ok := body["profile"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", profile["name"])
}

func TestHealthThresholds(t *testing.T) {
	assert.Equal(t, relaypool.HealthGreen, getGoroutineHealthState(10))
	assert.Equal(t, relaypool.HealthYellow, getGoroutineHealthState(GoroutineYellowThreshold))
	assert.Equal(t, relaypool.HealthRed, getGoroutineHealthState(GoroutineRedThreshold))
	assert.Equal(t, relaypool.HealthRed, worse(relaypool.HealthYellow, relaypool.HealthRed))
	assert.Equal(t, relaypool.HealthYellow, worse(relaypool.HealthYellow, relaypool.HealthGreen))
}

func TestSplitAddr(t *testing.T) {
	host, port, err := splitAddr(":3337")
	require.NoError(t, err)
	assert.Equal(t, "", host)
	assert.Equal(t, 3337, port)

	host, port, err = splitAddr("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 8080, port)

	_, _, err = splitAddr("nope")
	assert.Error(t, err)
}
