// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package main

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/girino/nostr-follows/actions"
	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/loader"
	"github.com/girino/nostr-follows/logging"
	"github.com/girino/nostr-follows/mirror"
	"github.com/girino/nostr-follows/publish"
	"github.com/girino/nostr-follows/query"
	"github.com/girino/nostr-follows/relaypool"
	"github.com/girino/nostr-follows/session"
	"github.com/girino/nostr-follows/signer"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/cors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Goroutine health thresholds
const (
	GoroutineYellowThreshold = 30000  // 30k goroutines = yellow health
	GoroutineRedThreshold    = 100000 // 100k goroutines = red health
)

// getGoroutineHealthState determines the health state based on goroutine count
func getGoroutineHealthState(goroutineCount int) string {
	if goroutineCount >= GoroutineRedThreshold {
		return relaypool.HealthRed
	} else if goroutineCount >= GoroutineYellowThreshold {
		return relaypool.HealthYellow
	}
	return relaypool.HealthGreen
}

// worse returns the more severe of two health states.
func worse(a, b string) string {
	rank := map[string]int{relaypool.HealthGreen: 0, relaypool.HealthYellow: 1, relaypool.HealthRed: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// api serves the HTTP endpoints next to the relay.
type api struct {
	name      string
	startTime time.Time
	store     *memstore.Store
	pool      *relaypool.Pool
	loader    *loader.Loader
	queries   *query.Store
	publisher *publish.Publisher
	mirror    *mirror.Mirror
	session   *session.Session
	target    string
	relay     string
}

type appStats struct {
	Version         string  `json:"version"`
	Uptime          float64 `json:"uptime"`
	Goroutines      int     `json:"goroutines"`
	GoroutineHealth string  `json:"goroutine_health_state"`
	AllocBytes      uint64  `json:"alloc_bytes"`
	HeapInuseBytes  uint64  `json:"heap_inuse_bytes"`
	GCCycles        uint32  `json:"gc_cycles"`
}

type allStats struct {
	App     appStats         `json:"app"`
	Store   memstore.Stats   `json:"store"`
	Queries map[string]int64 `json:"queries"`
	Loader  loader.Stats     `json:"loader"`
	Relays  relaypool.Stats  `json:"relays"`
	Publish publish.Stats    `json:"publish"`
	Mirror  mirror.Stats     `json:"mirror"`
	Account string           `json:"account,omitempty"`
}

// register adds the API routes to mux.
func (a *api) register(mux *http.ServeMux) {
	c := cors.Default()
	mux.Handle("/api/v1/stats", c.Handler(http.HandlerFunc(a.handleStats)))
	mux.Handle("/api/v1/health", c.Handler(http.HandlerFunc(a.handleHealth)))
	mux.Handle("/api/v1/profile", c.Handler(http.HandlerFunc(a.handleProfile)))
	mux.Handle("/api/v1/following", c.Handler(http.HandlerFunc(a.handleFollowing)))
	mux.Handle("/api/v1/follow/toggle", c.Handler(http.HandlerFunc(a.handleToggle)))
}

func (a *api) stats() allStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	account, _ := a.session.Active()
	return allStats{
		App: appStats{
			Version:         Version,
			Uptime:          time.Since(a.startTime).Seconds(),
			Goroutines:      goroutines,
			GoroutineHealth: getGoroutineHealthState(goroutines),
			AllocBytes:      m.Alloc,
			HeapInuseBytes:  m.HeapInuse,
			GCCycles:        m.NumGC,
		},
		Store: a.store.Stats(),
		Queries: map[string]int64{
			"live":         int64(a.queries.Live()),
			"computations": a.queries.Computations(),
		},
		Loader:  a.loader.Stats(),
		Relays:  a.pool.Stats(),
		Publish: a.publisher.Stats(),
		Mirror:  a.mirror.Stats(),
		Account: account,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		logging.Error("encoding response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *api) handleStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, a.stats())
}

func (a *api) handleHealth(w http.ResponseWriter, req *http.Request) {
	st := a.stats()
	main := st.App.GoroutineHealth
	main = worse(main, st.Relays.HealthState)
	main = worse(main, st.Publish.HealthState)
	main = worse(main, st.Mirror.HealthState)

	httpStatus := http.StatusOK
	status := "healthy"
	switch main {
	case relaypool.HealthYellow:
		status = "degraded"
	case relaypool.HealthRed:
		httpStatus = http.StatusServiceUnavailable
		status = "unhealthy"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":                       status,
		"service":                      a.name,
		"version":                      Version,
		"main_health_state":            main,
		"publish_health_state":         st.Publish.HealthState,
		"relay_health_state":           st.Relays.HealthState,
		"mirror_health_state":          st.Mirror.HealthState,
		"goroutine_health_state":       st.App.GoroutineHealth,
		"consecutive_publish_failures": st.Publish.ConsecutiveFailures,
		"consecutive_mirror_failures":  st.Mirror.ConsecutiveFailures,
		"live_relays":                  st.Relays.LiveRelays,
		"dead_relays":                  st.Relays.DeadRelays,
	})
}

// pubkeyParam reads a hex or npub pubkey from the query string, defaulting
// to the configured target.
func (a *api) pubkeyParam(req *http.Request, name string) (string, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return a.target, nil
	}
	return signer.DecodePublicKey(raw)
}

func (a *api) handleProfile(w http.ResponseWriter, req *http.Request) {
	pubkey, err := a.pubkeyParam(req, "pubkey")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	profile, ok := a.session.Profile(pubkey).Value()
	if !ok {
		// not here yet; ask for it and let the client poll
		if pubkey == a.target {
			a.session.Load(pubkey, a.relay)
		} else {
			a.session.Load(pubkey)
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"pubkey": pubkey, "found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pubkey": pubkey, "found": true, "profile": profile})
}

func (a *api) handleFollowing(w http.ResponseWriter, req *http.Request) {
	target, err := a.pubkeyParam(req, "target")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, loggedIn := a.session.Active()
	state := "logged_out"
	if loggedIn {
		following, known := a.session.IsFollowing(target)
		switch {
		case !known:
			state = "checking"
		case following:
			state = "following"
		default:
			state = "not_following"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "target": target, "state": state})
}

func (a *api) handleToggle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("use POST"))
		return
	}
	target, err := a.pubkeyParam(req, "target")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	relay := req.URL.Query().Get("relay")
	if relay == "" && target == a.target {
		relay = a.relay
	}

	following, err := a.session.ToggleFollow(req.Context(), target, relay)
	if err != nil {
		writeError(w, toggleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "following": following})
}

func toggleStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotLoggedIn):
		return http.StatusUnauthorized
	case errors.Is(err, signer.ErrSignerUnavailable), errors.Is(err, signer.ErrUserRejected):
		return http.StatusForbidden
	case errors.Is(err, actions.ErrMissingContacts):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
