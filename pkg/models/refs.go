package models

import (
	"fmt"
	"strings"
)

// Kind is the type of a content entity
type Kind string

const (
	KindItem   Kind = "item"
	KindSeries Kind = "series"
	KindBrand  Kind = "brand"
)

// ParseKind parses a kind name, accepting "episode" and "clip" as items.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "item", "episode", "clip", "content":
		return KindItem, nil
	case "series":
		return KindSeries, nil
	case "brand":
		return KindBrand, nil
	default:
		return "", fmt.Errorf("unknown content kind %q", s)
	}
}

// keyPrefix namespaces upstream programme pids. Pids are unique across kinds.
const keyPrefix = "nitro:programmes:"

// EntityKey is the canonical identity of a stored content entity
type EntityKey string

// KeyFor derives the entity key for an upstream pid.
func KeyFor(pid string) EntityKey {
	return EntityKey(keyPrefix + pid)
}

// Pid returns the upstream pid the key was derived from.
func (k EntityKey) Pid() string {
	return strings.TrimPrefix(string(k), keyPrefix)
}

func (k EntityKey) String() string {
	return string(k)
}

// ExternalRef identifies an upstream entity before it is fetched
type ExternalRef struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

func ItemRef(pid string) ExternalRef   { return ExternalRef{ID: pid, Kind: KindItem} }
func SeriesRef(pid string) ExternalRef { return ExternalRef{ID: pid, Kind: KindSeries} }
func BrandRef(pid string) ExternalRef  { return ExternalRef{ID: pid, Kind: KindBrand} }

// Key derives the entity key without any I/O.
func (r ExternalRef) Key() EntityKey {
	return KeyFor(r.ID)
}

// KeyStrings renders keys for the keyed lock.
func KeyStrings(keys []EntityKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
