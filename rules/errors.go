package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRuleNotFound     = errors.New("rule not found")
	ErrRuleExists       = errors.New("rule already exists")
	ErrSchedulerStopped = errors.New("delay scheduler stopped")
)

// ValidationError lists the problems that make a rule unacceptable.
type ValidationError struct {
	RuleID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule %s is invalid: %s", e.RuleID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

func notFound(id string) error {
	return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
}

func alreadyExists(id string) error {
	return fmt.Errorf("rule with ID %s: %w", id, ErrRuleExists)
}
