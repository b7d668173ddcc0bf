// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/girino/nostr-follows/eventstore/memstore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// DefaultRelays are used when an author has no mailbox event. This is a
// policy choice, not something the protocol requires.
var DefaultRelays = []string{"wss://relay.damus.io", "wss://nos.lol"}

// Profile is the parsed content of a kind 0 event.
type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Website     string `json:"website,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
	LUD06       string `json:"lud06,omitempty"`
}

// ParseProfile reads profile metadata JSON. Anything that is not a JSON
// object yields false.
func ParseProfile(content string) (Profile, bool) {
	if !gjson.Valid(content) {
		return Profile{}, false
	}
	doc := gjson.Parse(content)
	if !doc.IsObject() {
		return Profile{}, false
	}
	str := func(names ...string) string {
		for _, name := range names {
			if v := doc.Get(name); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
		return ""
	}
	return Profile{
		Name:        str("name", "username"),
		DisplayName: str("display_name", "displayName"),
		About:       str("about"),
		Picture:     str("picture", "image"),
		Banner:      str("banner"),
		Website:     str("website"),
		NIP05:       str("nip05"),
		LUD16:       str("lud16"),
		LUD06:       str("lud06"),
	}, true
}

// Contact is one followed pubkey from a kind 3 event.
type Contact struct {
	PubKey  string `json:"pubkey"`
	Relay   string `json:"relay,omitempty"`
	Petname string `json:"petname,omitempty"`
}

// ParseContacts returns the "p" tags of a contact list, skipping malformed
// pubkeys and repeated entries.
func ParseContacts(evt *nostr.Event) []Contact {
	contacts := make([]Contact, 0, len(evt.Tags))
	seen := make(map[string]bool)
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "p" || !isHexKey(tag[1]) || seen[tag[1]] {
			continue
		}
		seen[tag[1]] = true
		c := Contact{PubKey: tag[1]}
		if len(tag) > 2 {
			c.Relay = tag[2]
		}
		if len(tag) > 3 {
			c.Petname = tag[3]
		}
		contacts = append(contacts, c)
	}
	return contacts
}

func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// IsFollowing reports whether pubkey is among contacts.
func IsFollowing(contacts []Contact, pubkey string) bool {
	for _, c := range contacts {
		if c.PubKey == pubkey {
			return true
		}
	}
	return false
}

// Mailboxes are an author's inbox (read) and outbox (write) relays.
type Mailboxes struct {
	Inboxes  []string `json:"inboxes"`
	Outboxes []string `json:"outboxes"`
}

// ParseMailboxes reads the "r" tags of a relay list. Without a marker a relay
// is both inbox and outbox.
func ParseMailboxes(evt *nostr.Event) Mailboxes {
	m := Mailboxes{Inboxes: []string{}, Outboxes: []string{}}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		relay, ok := NormalizeRelayURL(tag[1])
		if !ok {
			continue
		}
		marker := ""
		if len(tag) > 2 {
			marker = tag[2]
		}
		if marker != "write" {
			m.Inboxes = appendUnique(m.Inboxes, relay)
		}
		if marker != "read" {
			m.Outboxes = appendUnique(m.Outboxes, relay)
		}
	}
	return m
}

// NormalizeRelayURL cleans up a relay URL and rejects anything that is not a websocket URL.
func NormalizeRelayURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "wss://") && !strings.HasPrefix(lower, "ws://") {
		return "", false
	}
	normalized := nostr.NormalizeURL(raw)
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return "", false
	}
	return normalized, true
}

// NormalizeRelayURLs normalizes and deduplicates urls, dropping invalid ones.
func NormalizeRelayURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		if relay, ok := NormalizeRelayURL(raw); ok {
			out = appendUnique(out, relay)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// OutboxRelays returns the author's outboxes, or fallback when the author has
// no usable mailbox event. An empty fallback means DefaultRelays.
func OutboxRelays(r Reader, pubkey string, fallback []string) []string {
	if evt, ok := r.GetReplaceable(memstore.ReplaceableKey(pubkey, memstore.KindRelayListMetadata)); ok {
		if outboxes := ParseMailboxes(evt).Outboxes; len(outboxes) > 0 {
			return outboxes
		}
	}
	if len(fallback) == 0 {
		fallback = DefaultRelays
	}
	return append([]string(nil), fallback...)
}

func single(kind int) func(string) []memstore.Key {
	return func(pubkey string) []memstore.Key {
		return []memstore.Key{memstore.ReplaceableKey(pubkey, kind)}
	}
}

// ProfileQuery projects a pubkey's kind 0 event.
var ProfileQuery = Query[Profile]{
	Name: "profile",
	Keys: single(memstore.KindProfileMetadata),
	Project: func(r Reader, pubkey string) (Profile, bool) {
		evt, ok := r.GetReplaceable(memstore.ReplaceableKey(pubkey, memstore.KindProfileMetadata))
		if !ok {
			return Profile{}, false
		}
		return ParseProfile(evt.Content)
	},
}

// ContactsQuery projects a pubkey's kind 3 follow list. An existing list
// with no "p" tags is an empty, present value.
var ContactsQuery = Query[[]Contact]{
	Name: "contacts",
	Keys: single(memstore.KindFollowList),
	Project: func(r Reader, pubkey string) ([]Contact, bool) {
		evt, ok := r.GetReplaceable(memstore.ReplaceableKey(pubkey, memstore.KindFollowList))
		if !ok {
			return nil, false
		}
		return ParseContacts(evt), true
	},
}

// MailboxesQuery projects a pubkey's kind 10002 relay list.
var MailboxesQuery = Query[Mailboxes]{
	Name: "mailboxes",
	Keys: single(memstore.KindRelayListMetadata),
	Project: func(r Reader, pubkey string) (Mailboxes, bool) {
		evt, ok := r.GetReplaceable(memstore.ReplaceableKey(pubkey, memstore.KindRelayListMetadata))
		if !ok {
			return Mailboxes{}, false
		}
		return ParseMailboxes(evt), true
	},
}

// ReplaceableQuery projects the raw winning event of kind for a pubkey.
func ReplaceableQuery(kind int) Query[*nostr.Event] {
	return Query[*nostr.Event]{
		Name: "replaceable:" + strconv.Itoa(kind),
		Keys: single(kind),
		Project: func(r Reader, pubkey string) (*nostr.Event, bool) {
			return r.GetReplaceable(memstore.ReplaceableKey(pubkey, kind))
		},
	}
}
