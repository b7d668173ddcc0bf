// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package memstore

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Kinds the rest of the module reads by name.
const (
	KindProfileMetadata   = 0
	KindFollowList        = 3
	KindRelayListMetadata = 10002
)

// IsReplaceable reports whether only the newest event per (pubkey, kind) is current.
func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

// IsAddressable reports whether only the newest event per (pubkey, kind, d) is current.
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// Key identifies a replaceable slot. D is empty for plain replaceable kinds.
type Key struct {
	PubKey string
	Kind   int
	D      string
}

// ReplaceableKey builds the key for a plain replaceable kind.
func ReplaceableKey(pubkey string, kind int) Key {
	return Key{PubKey: pubkey, Kind: kind}
}

// AddressableKey builds the key for a parameterized replaceable kind.
func AddressableKey(pubkey string, kind int, d string) Key {
	return Key{PubKey: pubkey, Kind: kind, D: d}
}

// String renders the key in the "kind:pubkey:d" address form.
func (k Key) String() string {
	return strconv.Itoa(k.Kind) + ":" + k.PubKey + ":" + k.D
}

// KeyOf returns the replaceable key of evt, or false for regular kinds.
func KeyOf(evt *nostr.Event) (Key, bool) {
	switch {
	case IsReplaceable(evt.Kind):
		return ReplaceableKey(evt.PubKey, evt.Kind), true
	case IsAddressable(evt.Kind):
		return AddressableKey(evt.PubKey, evt.Kind, DTag(evt.Tags)), true
	}
	return Key{}, false
}

// DTag returns the value of the first "d" tag, or "" when there is none.
func DTag(tags nostr.Tags) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// supersedes reports whether a should replace b in the replaceable index:
// newer created_at wins, equal timestamps go to the lexicographically lower id.
func supersedes(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// Topic scopes change notifications.
type Topic string

// KeyTopic is notified when the winning event of key changes.
func KeyTopic(k Key) Topic { return Topic("k:" + k.String()) }

// IDTopic is notified when a regular event with id is inserted.
func IDTopic(id string) Topic { return Topic("e:" + id) }
