package rules

import (
	"sort"
	"sync"
)

// ExecutionStore is the append-only log of rule executions.
type ExecutionStore interface {
	Append(exec *AutomationExecution) error

	// List returns up to limit executions, newest first. limit <= 0 means all.
	List(limit int) ([]*AutomationExecution, error)

	// All returns every execution in append order.
	All() ([]*AutomationExecution, error)
}

// InMemoryExecutionStore keeps executions in a slice guarded by a mutex.
type InMemoryExecutionStore struct {
	executions []*AutomationExecution
	mu         sync.RWMutex
}

func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{}
}

func (s *InMemoryExecutionStore) Append(exec *AutomationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, exec.clone())
	return nil
}

func (s *InMemoryExecutionStore) List(limit int) ([]*AutomationExecution, error) {
	s.mu.RLock()
	out := make([]*AutomationExecution, 0, len(s.executions))
	for i := len(s.executions) - 1; i >= 0; i-- {
		out = append(out, s.executions[i].clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryExecutionStore) All() ([]*AutomationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AutomationExecution, len(s.executions))
	for i, exec := range s.executions {
		out[i] = exec.clone()
	}
	return out, nil
}

// sortNewestFirst orders by timestamp descending, keeping the existing order
// for equal timestamps.
func sortNewestFirst(executions []*AutomationExecution) {
	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].Timestamp.After(executions[j].Timestamp)
	})
}
