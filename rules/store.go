package rules

import (
	"sync"
	"time"
)

// RuleStore manages rule persistence and the per-rule execution counters.
// Implementations return copies; callers never share state with the store.
type RuleStore interface {
	// Add a new rule. Missing CreatedAt/UpdatedAt are stamped onto rule.
	Add(rule *AutomationRule) error

	// Get a rule by ID
	Get(id string) (*AutomationRule, error)

	// List all rules in declaration order
	List() ([]*AutomationRule, error)

	// ListEnabled returns enabled rules in declaration order
	ListEnabled() ([]*AutomationRule, error)

	// Update replaces the definition of an existing rule. Counters and
	// CreatedAt are kept from the stored rule.
	Update(rule *AutomationRule) error

	// Delete a rule
	Delete(id string) error

	// RecordExecution counts one execution and recomputes the success rate.
	RecordExecution(id string, success bool, at time.Time) error
}

// InMemoryRuleStore implements RuleStore with a map plus an insertion-order index.
type InMemoryRuleStore struct {
	rules map[string]*AutomationRule
	order []string
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*AutomationRule),
	}
}

func (s *InMemoryRuleStore) Add(rule *AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return alreadyExists(rule.ID)
	}

	stampCreated(rule, storeNow())
	s.rules[rule.ID] = rule.Clone()
	s.order = append(s.order, rule.ID)
	return nil
}

func (s *InMemoryRuleStore) Get(id string) (*AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, notFound(id)
	}
	return rule.Clone(), nil
}

func (s *InMemoryRuleStore) List() ([]*AutomationRule, error) {
	return s.list(false), nil
}

func (s *InMemoryRuleStore) ListEnabled() ([]*AutomationRule, error) {
	return s.list(true), nil
}

func (s *InMemoryRuleStore) list(enabledOnly bool) []*AutomationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AutomationRule, 0, len(s.order))
	for _, id := range s.order {
		rule := s.rules[id]
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, rule.Clone())
	}
	return out
}

func (s *InMemoryRuleStore) Update(rule *AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return notFound(rule.ID)
	}

	updated := rule.Clone()
	updated.Metadata = existing.Metadata
	if existing.Metadata.LastExecuted != nil {
		t := *existing.Metadata.LastExecuted
		updated.Metadata.LastExecuted = &t
	}
	updated.Metadata.UpdatedAt = storeNow()

	rule.Metadata = updated.Clone().Metadata
	s.rules[rule.ID] = updated
	return nil
}

func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return notFound(id)
	}

	delete(s.rules, id)
	for i, ruleID := range s.order {
		if ruleID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryRuleStore) RecordExecution(id string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return notFound(id)
	}

	meta := &rule.Metadata
	meta.ExecutionCount++
	if success {
		meta.SuccessCount++
	}
	meta.SuccessRate = float64(meta.SuccessCount) / float64(meta.ExecutionCount)
	executedAt := storeTime(at)
	meta.LastExecuted = &executedAt
	return nil
}

func stampCreated(rule *AutomationRule, now time.Time) {
	if rule.Metadata.CreatedAt.IsZero() {
		rule.Metadata.CreatedAt = now
	}
	if rule.Metadata.UpdatedAt.IsZero() {
		rule.Metadata.UpdatedAt = now
	}
	rule.Metadata.CreatedAt = storeTime(rule.Metadata.CreatedAt)
	rule.Metadata.UpdatedAt = storeTime(rule.Metadata.UpdatedAt)
	if rule.Metadata.LastExecuted != nil {
		t := storeTime(*rule.Metadata.LastExecuted)
		rule.Metadata.LastExecuted = &t
	}
}

// storeTime normalises t to what TIMESTAMPTZ keeps: UTC, microseconds.
// Both stores use it so a stored rule reads back equal to what was added.
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func storeNow() time.Time {
	return storeTime(time.Now())
}
