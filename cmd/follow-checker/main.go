// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Follow Checker - shows a profile, tells whether the account follows it, and
// toggles the follow, backed by a verified local event store.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/fiatjaf/khatru/policies"
	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/girino/nostr-follows/loader"
	"github.com/girino/nostr-follows/logging"
	"github.com/girino/nostr-follows/mirror"
	"github.com/girino/nostr-follows/publish"
	"github.com/girino/nostr-follows/query"
	"github.com/girino/nostr-follows/relaypool"
	"github.com/girino/nostr-follows/session"
	"github.com/girino/nostr-follows/signer"
	"github.com/nbd-wtf/go-nostr"
)

func main() {
	// Track start time for uptime calculation
	startTime := time.Now()

	cfg, err := LoadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logging.Fatal("loading config: %v", err)
	}

	// Examples:
	//   - VERBOSE=1 or VERBOSE=true: enable all verbose logging
	//   - VERBOSE=loader: enable verbose for the loader only
	//   - VERBOSE=loader.fetch,mirror: enable specific method + module
	logging.SetVerbose(cfg.Verbose)

	target, err := signer.DecodePublicKey(cfg.TargetPubKey)
	if err != nil {
		logging.Fatal("invalid target pubkey: %v", err)
	}

	store := memstore.New()
	if err := store.Init(); err != nil {
		logging.Fatal("initializing store: %v", err)
	}
	defer store.Close()

	pool := relaypool.New(cfg.DefaultRelays, relaypool.WithPublishTimeout(cfg.PublishTimeout))
	pool.Start()
	defer pool.Close()
	go logConnectionStates(pool)

	ld := loader.New(pool, store, loader.Options{FetchTimeout: cfg.FetchTimeout})
	defer ld.Close()

	queries := query.NewStore(store)

	pub := publish.New(store, pool, time.Hour)
	pub.Start()
	defer pub.Close()

	mm := mirror.New(pool, store)
	mm.Watch(target)
	if err := mm.Start(cfg.DefaultRelays); err != nil {
		logging.Fatal("[mirror] failed to start mirroring: %v", err)
	}
	defer mm.Stop()

	sess := session.New(session.Deps{
		Queries:        queries,
		Loader:         ld,
		Relays:         pool,
		Mirror:         mm,
		Publisher:      pub,
		FallbackRelays: cfg.DefaultRelays,
	})
	sess.Load(target, cfg.TargetRelay)

	if account, err := accountSigner(cfg); err != nil {
		logging.Fatal("invalid account key: %v", err)
	} else if account != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout)
		pk, err := sess.Login(ctx, account)
		cancel()
		if err != nil {
			logging.Fatal("login failed: %v", err)
		}
		logging.Info("account %s active", pk)
	} else {
		logging.Warn("no SECRET_KEY or PUBKEY set, follow checks will report logged_out")
	}

	// create a basic khatru relay instance serving the verified store
	r := khatru.NewRelay()
	ApplyToRelay(r, cfg)
	r.QueryEvents = append(r.QueryEvents, store.QueryEvents)
	r.CountEvents = append(r.CountEvents, store.CountEvents)
	r.RejectEvent = append(r.RejectEvent, func(ctx context.Context, evt *nostr.Event) (bool, string) {
		return true, "blocked: this relay is read-only"
	})

	filterIpRateLimiter := policies.FilterIPRateLimiter(20, time.Minute, 100)
	r.RejectFilter = append(r.RejectFilter,
		func(ctx context.Context, filter nostr.Filter) (reject bool, msg string) {
			reject, msg = filterIpRateLimiter(ctx, filter)
			if reject {
				logging.Warn("filter IP rate limiter: %v, %s, from: %s", reject, msg, khatru.GetIP(ctx))
			}
			return reject, msg
		},
	)
	connectionRateLimiter := policies.ConnectionRateLimiter(1, time.Minute*5, 100)
	r.RejectConnection = append(r.RejectConnection,
		func(req *http.Request) (reject bool) {
			reject = connectionRateLimiter(req)
			if reject {
				logging.Warn("connection rate limiter: %v, from: %s", reject, khatru.GetIPFromRequest(req))
			}
			return reject
		},
	)

	a := &api{
		name:      r.Info.Name,
		startTime: startTime,
		store:     store,
		pool:      pool,
		loader:    ld,
		queries:   queries,
		publisher: pub,
		mirror:    mm,
		session:   sess,
		target:    target,
		relay:     cfg.TargetRelay,
	}
	a.register(r.Router())

	host, port, err := splitAddr(cfg.Addr)
	if err != nil {
		logging.Fatal("invalid addr: %v", err)
	}
	logging.Info("Starting %s on %s", ProjectName, cfg.Addr)
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}

// accountSigner picks the account from config. It returns nil when neither
// a secret nor a public key is configured.
func accountSigner(cfg *Config) (signer.Signer, error) {
	if cfg.SecretKey != "" {
		return signer.NewPlainSigner(cfg.SecretKey)
	}
	if cfg.PubKey != "" {
		pk, err := signer.DecodePublicKey(cfg.PubKey)
		if err != nil {
			return nil, err
		}
		return signer.ReadOnly(pk), nil
	}
	return nil, nil
}

func logConnectionStates(pool *relaypool.Pool) {
	changes, cancel := pool.ConnectionStates()
	defer cancel()
	for change := range changes {
		logging.DebugMethod("main", "connections", "relay %s is %s", change.Relay, change.State)
	}
}

// splitAddr parses addr into host and port, accepting a bare ":port".
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		if len(addr) > 0 && addr[0] == ':' {
			host, portStr = "", addr[1:]
		} else {
			return "", 0, err
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
