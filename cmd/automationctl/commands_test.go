package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automations/rules"
)

const saleRulesYAML = `rules:
  - id: big-sale
    name: Big sale
    enabled: true
    trigger:
      event: SALE_CREATED
    conditions:
      - field: total
        operator: GREATER_THAN
        value: 100
    actions:
      - type: CREATE_TASK
        parameters:
          title: "Review {saleId}"
      - type: SEND_NOTIFICATION
        delay: 5
        parameters:
          title: Reminder
          message: "Sale {saleId} still open"
  - id: card-sale
    name: Card sale
    enabled: true
    trigger:
      event: SALE_CREATED
    conditions:
      - field: paymentMethod
        operator: EQUALS
        value: card
    actions:
      - type: CREATE_TASK
        parameters:
          title: Check card payment
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "rules.yaml", saleRulesYAML)

	out, err := execute(t, "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   big-sale")
	assert.Contains(t, out, "2 rules valid")
}

func TestValidateReportsInvalidRules(t *testing.T) {
	path := writeFile(t, "rules.json", `[
		{"id": "good", "name": "Good", "enabled": true, "trigger": {"event": "SALE_CREATED"}, "actions": []},
		{"id": "bad-cron", "name": "Bad", "enabled": true, "trigger": {"event": "SCHEDULED_REPORT", "cron": "every day"}, "actions": []}
	]`)

	out, err := execute(t, "validate", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 rules are invalid")
	assert.Contains(t, out, "ok   good")
	assert.Contains(t, out, "FAIL bad-cron")
}

func TestValidateReportsDuplicateIDs(t *testing.T) {
	path := writeFile(t, "rules.json", `[
		{"id": "same", "name": "First", "enabled": true, "trigger": {"event": "SALE_CREATED"}, "actions": []},
		{"id": "same", "name": "Second", "enabled": true, "trigger": {"event": "SALE_CREATED"}, "actions": []}
	]`)

	out, err := execute(t, "validate", "-f", path)
	require.Error(t, err)
	assert.Contains(t, out, "ok   same")
	assert.Contains(t, out, "FAIL same: rule with ID same: rule already exists")
}

func TestValidateAgainstInventorySchema(t *testing.T) {
	path := writeFile(t, "rules.yaml", `- id: typo
  name: Typo
  enabled: true
  trigger:
    event: SALE_CREATED
  conditions:
    - field: totl
      operator: GREATER_THAN
      value: 10
  actions: []
`)

	_, err := execute(t, "validate", "-f", path)
	require.NoError(t, err, "without a schema any field is accepted")

	out, err := execute(t, "validate", "-f", path, "--inventory-schema")
	require.Error(t, err)
	assert.Contains(t, out, `unknown field "totl"`)
}

func TestRun(t *testing.T) {
	path := writeFile(t, "rules.yaml", saleRulesYAML)

	out, err := execute(t, "run", "-f", path, "--event", "SALE_CREATED",
		"--context", `{"saleId": "s-9", "total": 250, "paymentMethod": "cash"}`)
	require.NoError(t, err)

	var executions []rules.AutomationExecution
	require.NoError(t, json.Unmarshal([]byte(out), &executions))
	require.Len(t, executions, 1)
	assert.Equal(t, "big-sale", executions[0].RuleID)
	assert.Equal(t, rules.StatusSuccess, executions[0].Status)
	require.Len(t, executions[0].Results, 2)
	assert.Equal(t, "Review s-9", executions[0].Results[0].Data["title"])
}

func TestRunWithDefaultsAndContextFile(t *testing.T) {
	ctxPath := writeFile(t, "stock.yaml", `productId: p-1
productName: Widget
stockAvailable: 3
minStock: 10
`)

	out, err := execute(t, "run", "--defaults", "--event", "STOCK_UPDATED", "--context", ctxPath)
	require.NoError(t, err)

	var executions []rules.AutomationExecution
	require.NoError(t, json.Unmarshal([]byte(out), &executions))
	require.Len(t, executions, 1)
	assert.Equal(t, "low-stock-alert", executions[0].RuleID)
}

func TestRunTyped(t *testing.T) {
	path := writeFile(t, "rules.yaml", `- id: no-movement
  name: No movement type
  enabled: true
  trigger:
    event: STOCK_UPDATED
  conditions:
    - field: movementType
      operator: EQUALS
      value: ""
  actions: []
`)

	out, err := execute(t, "run", "-f", path, "--event", "STOCK_UPDATED", "--typed",
		"--context", `{"productId": "p-1", "stockAvailable": 3}`)
	require.NoError(t, err)
	var executions []rules.AutomationExecution
	require.NoError(t, json.Unmarshal([]byte(out), &executions))
	require.Len(t, executions, 1, "missing fields take their zero value")
	assert.Equal(t, "", executions[0].Context["movementType"])

	_, err = execute(t, "run", "-f", path, "--event", "STOCK_UPDATED", "--typed",
		"--context", `{"productId": "p-1", "stok": 3}`)
	assert.ErrorContains(t, err, "unknown field")

	_, err = execute(t, "run", "-f", path, "--event", "STOCK_UPDATED", "--typed",
		"--context", `{"stockAvailable": "three"}`)
	assert.Error(t, err)
}

func TestRunRequiresRules(t *testing.T) {
	_, err := execute(t, "run", "--event", "SALE_CREATED")
	assert.ErrorContains(t, err, "either --file or --defaults is required")
}

func TestDefaultsRoundTrip(t *testing.T) {
	out, err := execute(t, "defaults")
	require.NoError(t, err)
	assert.Contains(t, out, "low-stock-alert")
	assert.NotContains(t, out, "metadata")

	path := writeFile(t, "defaults.yaml", out)
	loaded, err := loadRules(path)
	require.NoError(t, err)
	require.Len(t, loaded, len(rules.DefaultRules()))
	assert.Equal(t, "0 8 * * 1", loaded[4].Trigger.Cron)

	out, err = execute(t, "validate", "-f", path, "--inventory-schema")
	require.NoError(t, err)
	assert.Contains(t, out, "5 rules valid")
}

func TestSchema(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "stockAvailable")
	assert.Contains(t, out, "number")
}

func TestSchemaForOneEvent(t *testing.T) {
	out, err := execute(t, "schema", "--event", "CUSTOMER_CREATED")
	require.NoError(t, err)
	assert.Contains(t, out, "segment")
	assert.NotContains(t, out, "stockAvailable")

	_, err = execute(t, "schema", "--event", "NOPE")
	assert.ErrorContains(t, err, `unknown event "NOPE"`)
}

func TestLoadContext(t *testing.T) {
	ctx, err := loadContext("")
	require.NoError(t, err)
	assert.Empty(t, ctx)

	ctx, err = loadContext(`{"total": 5}`)
	require.NoError(t, err)
	assert.Equal(t, 5.0, ctx["total"])

	_, err = loadContext(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
