package rules

import (
	"sync"
	"time"
)

// InMemoryRulesCache is a process-local RulesCache. Rules are deep-copied on
// the way in and out.
type InMemoryRulesCache struct {
	rules      []*AutomationRule
	cachedAt   time.Time
	config     CacheConfig
	isValid    bool
	generation uint64
	now        func() time.Time
	mu         sync.RWMutex
}

func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns nil rules if the cache is invalid or expired.
func (c *InMemoryRulesCache) Get() ([]*AutomationRule, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil, c.generation
	}

	out := make([]*AutomationRule, len(c.rules))
	for i, rule := range c.rules {
		out[i] = rule.Clone()
	}
	return out, c.generation
}

func (c *InMemoryRulesCache) Set(gen uint64, rules []*AutomationRule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return false
	}

	c.rules = make([]*AutomationRule, len(rules))
	for i, rule := range rules {
		c.rules[i] = rule.Clone()
	}
	c.cachedAt = c.now()
	c.isValid = true
	return true
}

func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.isValid = false
	c.rules = nil
}

func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fresh()
}

func (c *InMemoryRulesCache) fresh() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 && c.now().Sub(c.cachedAt) > c.config.TTL {
		return false
	}
	return true
}
