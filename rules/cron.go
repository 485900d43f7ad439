package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// CronRunner fires rules that declare Trigger.Cron on their schedule. Entries
// are re-synced whenever the engine's rules change.
type CronRunner struct {
	engine    *Engine
	scheduler *cron.Cron
	entries   map[string]cron.EntryID // ruleID -> entry
	specs     map[string]string       // ruleID -> cron spec
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewCronRunner registers the engine's scheduled rules and subscribes to rule
// changes. Call Start to begin firing.
func NewCronRunner(engine *Engine, logger *slog.Logger) (*CronRunner, error) {
	if logger == nil {
		logger = engine.logger
	}
	r := &CronRunner{
		engine:    engine,
		scheduler: cron.New(),
		entries:   make(map[string]cron.EntryID),
		specs:     make(map[string]string),
		logger:    logger,
	}

	if err := r.Sync(); err != nil {
		return nil, err
	}
	engine.OnRulesChanged(func() {
		if err := r.Sync(); err != nil {
			r.logger.Error("failed to sync cron rules", "error", err)
		}
	})
	return r, nil
}

func (r *CronRunner) Start() {
	r.scheduler.Start()
}

// Stop halts the schedule and waits for running jobs to finish.
func (r *CronRunner) Stop() {
	<-r.scheduler.Stop().Done()
}

// Entries returns the number of scheduled rules.
func (r *CronRunner) Entries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sync makes the schedule match the enabled rules that declare a cron spec.
func (r *CronRunner) Sync() error {
	rules, err := r.engine.GetAllRules()
	if err != nil {
		return fmt.Errorf("failed to load rules for cron: %w", err)
	}

	wanted := make(map[string]string)
	for _, rule := range rules {
		if rule.Enabled && rule.Trigger.Cron != "" {
			wanted[rule.ID] = rule.Trigger.Cron
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entryID := range r.entries {
		if spec, ok := wanted[id]; !ok || spec != r.specs[id] {
			r.scheduler.Remove(entryID)
			delete(r.entries, id)
			delete(r.specs, id)
		}
	}

	for id, spec := range wanted {
		if _, ok := r.entries[id]; ok {
			continue
		}
		ruleID := id
		entryID, err := r.scheduler.AddFunc(spec, func() { r.fire(ruleID) })
		if err != nil {
			r.logger.Error("invalid cron spec", "rule_id", ruleID, "cron", spec, "error", err)
			continue
		}
		r.entries[id] = entryID
		r.specs[id] = spec
	}

	return nil
}

func (r *CronRunner) fire(ruleID string) {
	executions, err := r.engine.ExecuteScheduled(context.Background(), ruleID)
	if err != nil {
		r.logger.Error("scheduled rule failed", "rule_id", ruleID, "error", err)
		return
	}
	r.logger.Debug("scheduled rule fired", "rule_id", ruleID, "executions", len(executions))
}
