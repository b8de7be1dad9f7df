// Package drift reports configuration changes between consecutive snapshots
// of the same resource.
package drift

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ppiankov/configwatch/internal/store"
)

// Change kinds.
const (
	KindAdded   = "ADDED"
	KindRemoved = "REMOVED"
	KindChanged = "CHANGED"
)

// maxValueLen bounds rendered values so large policies do not flood results.
const maxValueLen = 120

// Change is one configuration or tag difference. Path is dotted for nested
// config keys and "tags.<key>" for tags.
type Change struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

func (c Change) String() string {
	switch c.Kind {
	case KindAdded:
		return fmt.Sprintf("%s added (%s)", c.Path, c.After)
	case KindRemoved:
		return fmt.Sprintf("%s removed (was %s)", c.Path, c.Before)
	default:
		return fmt.Sprintf("%s changed from %s to %s", c.Path, c.Before, c.After)
	}
}

// Detect compares the previous and current snapshot of a resource and returns
// the differences sorted by path. A nil prev yields nothing: a first sighting
// is not drift.
func Detect(prev, curr *store.ResourceSnapshot) []Change {
	if prev == nil || curr == nil {
		return nil
	}
	prevMap := index(prev)
	currMap := index(curr)

	var changes []Change
	for path, cv := range currMap {
		pv, existed := prevMap[path]
		switch {
		case !existed:
			changes = append(changes, Change{Path: path, Kind: KindAdded, After: cv})
		case pv != cv:
			changes = append(changes, Change{Path: path, Kind: KindChanged, Before: pv, After: cv})
		}
	}
	for path, pv := range prevMap {
		if _, exists := currMap[path]; !exists {
			changes = append(changes, Change{Path: path, Kind: KindRemoved, Before: pv})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// index flattens config leaves and tags into path -> rendered value.
func index(snap *store.ResourceSnapshot) map[string]string {
	m := make(map[string]string)
	flatten(m, "", snap.Config)
	for _, t := range snap.Tags {
		m["tags."+t.Key] = t.Value
	}
	return m
}

func flatten(m map[string]string, prefix string, v any) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			flatten(m, path, child)
		}
	case nil:
		if prefix != "" {
			m[prefix] = "null"
		}
	default:
		if prefix != "" {
			m[prefix] = render(x)
		}
	}
}

func render(v any) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			s = fmt.Sprint(x)
		} else {
			s = string(b)
		}
	}
	if len(s) > maxValueLen {
		s = s[:maxValueLen] + "..."
	}
	return s
}
