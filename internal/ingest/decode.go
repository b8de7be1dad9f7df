// Package ingest decodes change notifications into evaluable events.
//
// Accepted shapes, alone or in a JSON array:
//
//	{"event": {...}, "snapshot": {...}}          collector envelope
//	{"resourceType": "s3", ...}                  bare snapshot, treated as Modified
//	{"detail": {...}, "snapshot": {...}}         CloudTrail via EventBridge
//	{"Records": [{"messageId": "...", "body": "..."}]}  SQS batch of any of the above
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ppiankov/configwatch/internal/store"
)

var (
	// ErrSnapshotRequired means a Created or Modified event arrived without the
	// resource's configuration; the collector must attach it.
	ErrSnapshotRequired = errors.New("snapshot required")
	// ErrIgnored marks read-only or unrelated API calls.
	ErrIgnored = errors.New("event ignored")
	// ErrUnrecognized means the payload matches no known notification shape.
	ErrUnrecognized = errors.New("unrecognized notification")
)

// Item is one decoded notification. Err is set when the item cannot be
// evaluated; other items in the same batch are unaffected.
type Item struct {
	Snapshot *store.ResourceSnapshot `json:"snapshot,omitempty"`
	Err      error                   `json:"-"`
	Source   string                  `json:"source,omitempty"` // SQS message id or array index
	Event    store.ChangeEvent       `json:"event"`
}

// Decode splits a notification payload into items. It fails only when the
// payload is not JSON at all.
func Decode(data []byte) ([]Item, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnrecognized)
	}
	if !json.Valid(data) {
		if data[0] == '[' {
			return nil, errors.New("decoding notification array: payload is not valid JSON")
		}
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrUnrecognized)
	}
	return decodeBody(data), nil
}

// decodeBody decodes one JSON value, splitting arrays into their elements.
// Elements without a source of their own are tagged with their index.
func decodeBody(data []byte) []Item {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return decodeOne(data)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return []Item{{Err: fmt.Errorf("%w: %v", ErrUnrecognized, err)}}
	}
	var items []Item
	for i, raw := range raws {
		for _, it := range decodeOne(raw) {
			if it.Source == "" {
				it.Source = fmt.Sprintf("[%d]", i)
			}
			items = append(items, it)
		}
	}
	return items
}

// probe holds the keys used to tell notification shapes apart.
type probe struct {
	Records      []sqsRecord             `json:"Records"`
	Detail       json.RawMessage         `json:"detail"`
	Event        *store.ChangeEvent      `json:"event"`
	Snapshot     *store.ResourceSnapshot `json:"snapshot"`
	ResourceType store.ResourceType      `json:"resourceType"`
}

type sqsRecord struct {
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

func decodeOne(raw []byte) []Item {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return []Item{{Err: fmt.Errorf("%w: %v", ErrUnrecognized, err)}}
	}

	switch {
	case p.Records != nil:
		var items []Item
		for _, rec := range p.Records {
			for _, it := range decodeBody([]byte(rec.Body)) {
				it.Source = rec.MessageID + it.Source
				items = append(items, it)
			}
		}
		return items
	case len(p.Detail) > 0:
		return []Item{fromCloudTrail(p.Detail, p.Snapshot)}
	case p.Event != nil || p.Snapshot != nil:
		it := Item{Snapshot: p.Snapshot}
		if p.Event != nil {
			it.Event = *p.Event
		}
		return []Item{finish(it)}
	case p.ResourceType != "":
		var snap store.ResourceSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return []Item{{Err: fmt.Errorf("%w: %v", ErrUnrecognized, err)}}
		}
		return []Item{finish(Item{Event: store.ChangeEvent{Kind: store.ChangeModified}, Snapshot: &snap})}
	}
	return []Item{{Err: ErrUnrecognized}}
}

// finish fills event identity from the snapshot and flags items that cannot
// be evaluated.
func finish(it Item) Item {
	if it.Err != nil {
		return it
	}
	if it.Event.Kind == "" {
		it.Event.Kind = store.ChangeModified
	}
	if s := it.Snapshot; s != nil {
		if it.Event.ResourceType == "" {
			it.Event.ResourceType = s.ResourceType
		}
		if it.Event.ResourceID == "" {
			it.Event.ResourceID = s.ResourceID
		}
		if it.Event.AccountID == "" {
			it.Event.AccountID = s.AccountID
		}
		if it.Event.Region == "" {
			it.Event.Region = s.Region
		}
	}
	if it.Snapshot == nil && it.Event.Kind != store.ChangeDeleted {
		it.Err = fmt.Errorf("%w: %s event for %s %q", ErrSnapshotRequired, it.Event.Kind, it.Event.ResourceType, it.Event.ResourceID)
	}
	return it
}

// Partition groups item indices by resource, keeping payload order within
// each group and first-seen order across groups. Items that failed to decode
// are each their own group. Groups may be evaluated concurrently; the items
// of one group must run in order.
func Partition(items []Item) [][]int {
	var (
		groups [][]int
		index  = make(map[store.ResourceRef]int)
	)
	for i := range items {
		if items[i].Err != nil {
			groups = append(groups, []int{i})
			continue
		}
		ref := store.ResourceRef{Type: items[i].Event.ResourceType, ID: items[i].Event.ResourceID}
		g, ok := index[ref]
		if !ok {
			g = len(groups)
			index[ref] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}
