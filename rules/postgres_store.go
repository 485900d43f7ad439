package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const ruleColumns = `id, name, description, enabled, priority, trigger_event, trigger_cron,
	expression, conditions, actions, created_at, updated_at, last_executed,
	execution_count, success_count, success_rate`

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Every query is
// scoped to one tenant; declaration order is the serial position column.
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

func (s *PostgresRuleStore) Add(rule *AutomationRule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND tenant_id = $2)
	`, rule.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return alreadyExists(rule.ID)
	}

	stampCreated(rule, storeNow())
	conditions, actions, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO rules (id, tenant_id, name, description, enabled, priority,
			trigger_event, trigger_cron, expression, conditions, actions,
			created_at, updated_at, last_executed, execution_count, success_count, success_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, rule.ID, s.tenantID, rule.Name, rule.Description, rule.Enabled, rule.Priority,
		rule.Trigger.Event, rule.Trigger.Cron, rule.Expression, conditions, actions,
		rule.Metadata.CreatedAt, rule.Metadata.UpdatedAt, rule.Metadata.LastExecuted,
		rule.Metadata.ExecutionCount, rule.Metadata.SuccessCount, rule.Metadata.SuccessRate)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

func (s *PostgresRuleStore) Get(id string) (*AutomationRule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) List() ([]*AutomationRule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1
		ORDER BY position ASC
	`)
}

func (s *PostgresRuleStore) ListEnabled() ([]*AutomationRule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND enabled = true
		ORDER BY position ASC
	`)
}

func (s *PostgresRuleStore) query(q string) ([]*AutomationRule, error) {
	rows, err := s.db.Query(q, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rulesList := []*AutomationRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

func (s *PostgresRuleStore) Update(rule *AutomationRule) error {
	conditions, actions, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	updatedAt := storeNow()
	row := s.db.QueryRow(`
		UPDATE rules
		SET name = $1, description = $2, enabled = $3, priority = $4,
			trigger_event = $5, trigger_cron = $6, expression = $7,
			conditions = $8, actions = $9, updated_at = $10
		WHERE id = $11 AND tenant_id = $12
		RETURNING created_at, last_executed, execution_count, success_count, success_rate
	`, rule.Name, rule.Description, rule.Enabled, rule.Priority,
		rule.Trigger.Event, rule.Trigger.Cron, rule.Expression,
		conditions, actions, updatedAt, rule.ID, s.tenantID)

	var lastExecuted sql.NullTime
	meta := RuleMetadata{UpdatedAt: updatedAt}
	err = row.Scan(&meta.CreatedAt, &lastExecuted, &meta.ExecutionCount, &meta.SuccessCount, &meta.SuccessRate)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(rule.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	meta.CreatedAt = meta.CreatedAt.UTC()
	if lastExecuted.Valid {
		t := lastExecuted.Time.UTC()
		meta.LastExecuted = &t
	}

	rule.Metadata = meta
	return nil
}

func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

// RecordExecution updates the counters in a single statement so concurrent
// executions of the same rule never lose an increment.
func (s *PostgresRuleStore) RecordExecution(id string, success bool, at time.Time) error {
	inc := 0
	if success {
		inc = 1
	}

	result, err := s.db.Exec(`
		UPDATE rules
		SET execution_count = execution_count + 1,
			success_count = success_count + $1,
			success_rate = (success_count + $1)::float8 / (execution_count + 1),
			last_executed = $2
		WHERE id = $3 AND tenant_id = $4
	`, inc, at, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*AutomationRule, error) {
	var (
		rule         AutomationRule
		conditions   []byte
		actions      []byte
		lastExecuted sql.NullTime
	)
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&rule.Enabled,
		&rule.Priority,
		&rule.Trigger.Event,
		&rule.Trigger.Cron,
		&rule.Expression,
		&conditions,
		&actions,
		&rule.Metadata.CreatedAt,
		&rule.Metadata.UpdatedAt,
		&lastExecuted,
		&rule.Metadata.ExecutionCount,
		&rule.Metadata.SuccessCount,
		&rule.Metadata.SuccessRate,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of rule %s: %w", rule.ID, err)
	}
	rule.Metadata.CreatedAt = rule.Metadata.CreatedAt.UTC()
	rule.Metadata.UpdatedAt = rule.Metadata.UpdatedAt.UTC()
	if lastExecuted.Valid {
		t := lastExecuted.Time.UTC()
		rule.Metadata.LastExecuted = &t
	}
	return &rule, nil
}

func encodeRuleBody(rule *AutomationRule) ([]byte, []byte, error) {
	conditions := rule.Conditions
	if conditions == nil {
		conditions = []RuleCondition{}
	}
	actions := rule.Actions
	if actions == nil {
		actions = []RuleAction{}
	}

	c, err := json.Marshal(conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conditions of rule %s: %w", rule.ID, err)
	}
	a, err := json.Marshal(actions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode actions of rule %s: %w", rule.ID, err)
	}
	return c, a, nil
}
