// Package viewcache stores previously rendered markup per navigation path.
//
// There is no eviction policy: entries live until Clear is called, which
// happens exactly when statefulness is switched off.
package viewcache

import (
	"context"
	"strings"

	"github.com/tahoe-os/server/internal/desktop/model"
)

// KeyDelimiter joins navigation path segments into a cache key.
const KeyDelimiter = "__"

// Store is the storage contract behind the view cache.
type Store interface {
	// Get returns the markup stored under key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put stores markup under key, overwriting unconditionally.
	Put(ctx context.Context, key, markup string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// KeyFor joins path segments in order. Equal sequences always give equal keys.
func KeyFor(path model.NavigationPath) string {
	return strings.Join(path, KeyDelimiter)
}

// PutIfChanged writes markup only when it differs from the stored value.
// It reports whether a write happened.
func PutIfChanged(ctx context.Context, s Store, key, markup string) (bool, error) {
	current, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok && current == markup {
		return false, nil
	}
	if err := s.Put(ctx, key, markup); err != nil {
		return false, err
	}
	return true, nil
}
