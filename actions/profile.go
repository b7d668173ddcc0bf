// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package actions

import (
	"context"
	"fmt"

	"github.com/girino/nostr-follows/eventstore/memstore"
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UpdateProfile merges fields into the account's profile metadata. A nil
// value removes the field. Unknown fields already in the profile are kept.
func UpdateProfile(fields map[string]any) Action {
	return func(ctx context.Context, c Context) ([]*nostr.Event, error) {
		doc := make(map[string]any)
		prev, ok := c.Current(memstore.KindProfileMetadata)
		if ok {
			// unreadable content is replaced rather than kept
			if err := json.Unmarshal([]byte(prev.Content), &doc); err != nil || doc == nil {
				doc = make(map[string]any)
			}
		}

		changed := !ok
		for name, value := range fields {
			old, had := doc[name]
			if value == nil {
				if had {
					delete(doc, name)
					changed = true
				}
				continue
			}
			if !had || !sameJSON(old, value) {
				doc[name] = value
				changed = true
			}
		}
		if !changed {
			return nil, nil
		}

		content, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding profile: %w", err)
		}
		var tags nostr.Tags
		if ok {
			tags = cloneTags(prev.Tags)
		}
		return []*nostr.Event{draft(c, memstore.KindProfileMetadata, prev, tags, string(content))}, nil
	}
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
