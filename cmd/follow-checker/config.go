// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for Follow Checker.
package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fiatjaf/khatru"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
	"go-simpler.org/env"
)

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr    string `env:"ADDR" default:":3337" usage:"address to listen on"`
	Verbose string `env:"VERBOSE" usage:"verbose logging control: '1'/'true' for all, 'loader' for a module, 'loader.fetch,mirror' for specific methods"`

	SecretKey string `env:"SECRET_KEY" usage:"account secret key (hex or nsec); without it the account is read-only"`
	PubKey    string `env:"PUBKEY" usage:"account public key (hex or npub) for read-only mode"`

	TargetPubKey string `env:"TARGET_PUBKEY" default:"3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d" usage:"pubkey shown and followed by default (hex or npub)"`
	TargetRelay  string `env:"TARGET_RELAY" default:"wss://pyramid.fiatjaf.com/" usage:"relay hint for the target pubkey"`

	DefaultRelays  []string      `env:"DEFAULT_RELAYS" default:"wss://relay.damus.io,wss://nos.lol" usage:"comma-separated relays used when an account has no relay list"`
	FetchTimeout   time.Duration `env:"FETCH_TIMEOUT" default:"10s" usage:"timeout for a single relay query"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" default:"7s" usage:"timeout for publishing to a single relay"`

	RelayName        string `env:"RELAY_NAME" default:"follow-checker" usage:"relay name"`
	RelayDescription string `env:"RELAY_DESCRIPTION" default:"read-only view of verified profiles, contact lists and relay lists" usage:"relay description"`
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig(args []string, usage io.Writer) (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	fs := flag.NewFlagSet("follow-checker", flag.ContinueOnError)
	fs.SetOutput(usage)
	fs.Usage = func() {
		fmt.Fprintf(usage, "usage of follow-checker:\n")
		fs.PrintDefaults()
		fmt.Fprintf(usage, "\nenvironment variables:\n\n")
		env.Usage(cfg, usage, &env.Options{SliceSep: ","})
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "address to listen on (env: ADDR)")
	fs.StringVar(&cfg.Verbose, "verbose", cfg.Verbose, "verbose logging control (env: VERBOSE)")
	fs.StringVar(&cfg.SecretKey, "secret-key", cfg.SecretKey, "account secret key, hex or nsec (env: SECRET_KEY)")
	fs.StringVar(&cfg.PubKey, "pubkey", cfg.PubKey, "read-only account public key (env: PUBKEY)")
	fs.StringVar(&cfg.TargetPubKey, "target", cfg.TargetPubKey, "target pubkey (env: TARGET_PUBKEY)")
	fs.StringVar(&cfg.TargetRelay, "target-relay", cfg.TargetRelay, "relay hint for the target (env: TARGET_RELAY)")
	relays := fs.String("default-relays", strings.Join(cfg.DefaultRelays, ","), "comma-separated fallback relays (env: DEFAULT_RELAYS)")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "per relay query timeout (env: FETCH_TIMEOUT)")
	fs.DurationVar(&cfg.PublishTimeout, "publish-timeout", cfg.PublishTimeout, "per relay publish timeout (env: PUBLISH_TIMEOUT)")
	fs.StringVar(&cfg.RelayName, "relay-name", cfg.RelayName, "relay name (env: RELAY_NAME)")
	fs.StringVar(&cfg.RelayDescription, "relay-description", cfg.RelayDescription, "relay description (env: RELAY_DESCRIPTION)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.DefaultRelays = cfg.DefaultRelays[:0]
	for _, r := range strings.Split(*relays, ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.DefaultRelays = append(cfg.DefaultRelays, r)
		}
	}
	return cfg, nil
}

// ApplyToRelay applies config NIP-11 fields to a khatru Relay instance.
func ApplyToRelay(r *khatru.Relay, cfg *Config) {
	if r.Info == nil {
		r.Info = &nip11.RelayInformationDocument{}
	}
	r.Info.Name = cfg.RelayName
	r.Info.Description = cfg.RelayDescription
	// software and version are fixed
	r.Info.Software = ProjectName
	r.Info.Version = Version
	ensureSupportedNips(r, []int{11, 45})
}

func ensureSupportedNips(r *khatru.Relay, nips []int) {
	if r == nil || r.Info == nil {
		return
	}
	present := map[int]bool{}
	for _, v := range r.Info.SupportedNIPs {
		switch vv := v.(type) {
		case int:
			present[vv] = true
		case int64:
			present[int(vv)] = true
		}
	}
	for _, ni := range nips {
		if !present[ni] {
			r.Info.SupportedNIPs = append(r.Info.SupportedNIPs, ni)
		}
	}
}
