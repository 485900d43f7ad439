package rules

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/automations/internal/eventbus"
)

// ExecuteRule runs the rule's actions in order and records the execution.
// The first failing action stops the run; results of earlier actions are
// kept and nothing is rolled back.
func (en *Engine) ExecuteRule(ctx context.Context, rule *AutomationRule, evalCtx map[string]any) *AutomationExecution {
	exec := &AutomationExecution{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Status:    StatusPending,
		Timestamp: en.now(),
		Context:   cloneMap(evalCtx),
		Results:   []ActionResult{},
	}

	results, err := en.runActions(ctx, rule, evalCtx)
	exec.Results = results
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
	} else {
		exec.Status = StatusSuccess
	}

	en.record(ctx, rule, exec)
	return exec
}

func (en *Engine) runActions(ctx context.Context, rule *AutomationRule, evalCtx map[string]any) ([]ActionResult, error) {
	results := make([]ActionResult, 0, len(rule.Actions))

	for _, action := range rule.Actions {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		var (
			result ActionResult
			err    error
		)
		if action.Delay > 0 {
			result, err = en.runDelayed(ctx, action, evalCtx)
		} else {
			result, err = en.dispatcher.Dispatch(ctx, action, evalCtx)
		}
		if err != nil {
			en.logger.Warn("action failed",
				"rule_id", rule.ID,
				"action", action.Type,
				"error", err,
			)
			return results, err
		}
		results = append(results, result)
	}

	return results, nil
}

// runDelayed hands the action to the delay scheduler and waits for it.
func (en *Engine) runDelayed(ctx context.Context, action RuleAction, evalCtx map[string]any) (ActionResult, error) {
	runAt := en.now().Add(time.Duration(action.Delay) * en.delayUnit)

	var result ActionResult
	done := en.scheduler.Submit(runAt, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := en.dispatcher.Dispatch(ctx, action, evalCtx)
		result = r
		return err
	})

	select {
	case err := <-done:
		return result, err
	case <-ctx.Done():
		return ActionResult{Type: action.Type}, ctx.Err()
	}
}

func (en *Engine) record(ctx context.Context, rule *AutomationRule, exec *AutomationExecution) {
	if err := en.executions.Append(exec); err != nil {
		en.logger.Error("failed to append execution", "rule_id", rule.ID, "execution_id", exec.ID, "error", err)
	}
	if err := en.store.RecordExecution(rule.ID, exec.Status == StatusSuccess, en.now()); err != nil {
		en.logger.Error("failed to update rule counters", "rule_id", rule.ID, "error", err)
	}

	en.logger.Info("rule executed",
		"rule_id", rule.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"actions", len(exec.Results),
	)

	en.publishExecution(ctx, exec)
}

func (en *Engine) publishExecution(ctx context.Context, exec *AutomationExecution) {
	if en.publisher == nil {
		return
	}

	payload, err := json.Marshal(exec)
	if err != nil {
		en.logger.Warn("failed to encode execution", "execution_id", exec.ID, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	key := eventbus.KeyExecution + "." + strings.ToLower(string(exec.Status))
	if err := en.publisher.Publish(pubCtx, key, payload); err != nil {
		en.logger.Warn("failed to publish execution", "execution_id", exec.ID, "error", err)
	}
}
