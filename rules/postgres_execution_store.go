package rules

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresExecutionStore appends executions to the executions table of one tenant.
type PostgresExecutionStore struct {
	db       *sql.DB
	tenantID string
}

func NewPostgresExecutionStore(db *sql.DB, tenantID string) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db, tenantID: tenantID}
}

func (s *PostgresExecutionStore) Append(exec *AutomationExecution) error {
	evalCtx := exec.Context
	if evalCtx == nil {
		evalCtx = map[string]any{}
	}
	contextJSON, err := json.Marshal(evalCtx)
	if err != nil {
		return fmt.Errorf("encode execution context: %w", err)
	}
	results := exec.Results
	if results == nil {
		results = []ActionResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode execution results: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO executions (id, tenant_id, rule_id, rule_name, status, executed_at, context, results, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, exec.ID, s.tenantID, exec.RuleID, exec.RuleName, string(exec.Status),
		exec.Timestamp, contextJSON, resultsJSON, exec.Error)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *PostgresExecutionStore) List(limit int) ([]*AutomationExecution, error) {
	if limit <= 0 {
		return s.query(`
			SELECT id, rule_id, rule_name, status, executed_at, context, results, error
			FROM executions
			WHERE tenant_id = $1
			ORDER BY executed_at DESC, seq DESC
		`, s.tenantID)
	}
	return s.query(`
		SELECT id, rule_id, rule_name, status, executed_at, context, results, error
		FROM executions
		WHERE tenant_id = $1
		ORDER BY executed_at DESC, seq DESC
		LIMIT $2
	`, s.tenantID, limit)
}

func (s *PostgresExecutionStore) All() ([]*AutomationExecution, error) {
	return s.query(`
		SELECT id, rule_id, rule_name, status, executed_at, context, results, error
		FROM executions
		WHERE tenant_id = $1
		ORDER BY seq ASC
	`, s.tenantID)
}

func (s *PostgresExecutionStore) query(q string, args ...any) ([]*AutomationExecution, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*AutomationExecution{}
	for rows.Next() {
		var (
			exec        AutomationExecution
			status      string
			contextJSON []byte
			resultsJSON []byte
		)
		if err := rows.Scan(&exec.ID, &exec.RuleID, &exec.RuleName, &status,
			&exec.Timestamp, &contextJSON, &resultsJSON, &exec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec.Status = ExecutionStatus(status)
		if err := json.Unmarshal(contextJSON, &exec.Context); err != nil {
			return nil, fmt.Errorf("decode context of execution %s: %w", exec.ID, err)
		}
		if err := json.Unmarshal(resultsJSON, &exec.Results); err != nil {
			return nil, fmt.Errorf("decode results of execution %s: %w", exec.ID, err)
		}
		executions = append(executions, &exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return executions, nil
}
