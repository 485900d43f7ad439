package rules

import "time"

// RulesCache caches the enabled-rule list between rule mutations.
// This allows swapping between in-memory, Redis, or other caching implementations
//
// Every Invalidate starts a new generation. A reader that misses takes the
// generation from Get, loads the rules from the store and hands the same
// generation back to Set; the list is dropped if a mutation invalidated the
// cache in between.
type RulesCache interface {
	// Get retrieves cached rules and the current generation. The rules are
	// nil on a cache miss or after expiry.
	Get() ([]*AutomationRule, uint64)

	// Set stores rules loaded at generation gen. It reports false, storing
	// nothing, when the cache has been invalidated since.
	Set(gen uint64, rules []*AutomationRule) bool

	// Invalidate clears the cache and starts a new generation
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig invalidates only on mutations.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
