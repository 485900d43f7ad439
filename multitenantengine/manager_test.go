package multitenantengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/automations/rules"
	"github.com/liamcoop/automations/rules/facts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts Options) *MultiTenantEngineManager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := NewMultiTenantEngineManager(nil, opts)
	t.Cleanup(m.Close)
	return m
}

func saleSchema() rules.ContextSchema {
	return rules.ContextSchema{
		"saleId":        rules.FieldString,
		"total":         rules.FieldNumber,
		"paymentMethod": rules.FieldString,
	}
}

func highValueRule() *rules.AutomationRule {
	return &rules.AutomationRule{
		ID:      "high-value",
		Name:    "High value sale",
		Enabled: true,
		Trigger: rules.RuleTrigger{Event: rules.EventSaleCreated},
		Conditions: []rules.RuleCondition{
			{Field: "total", Operator: rules.OpGreaterThan, Value: 1000},
		},
		Actions: []rules.RuleAction{
			{Type: rules.ActionCreateTask, Parameters: map[string]any{"title": "Call about {saleId}"}},
		},
	}
}

func TestMultiTenantEngineManager_CreateTenant(t *testing.T) {
	m := newTestManager(t, Options{})

	te, err := m.CreateTenant("acme", saleSchema())
	require.NoError(t, err)
	assert.Equal(t, 1, te.SchemaVersion)
	assert.True(t, m.InMemory())

	engine, err := m.GetEngine("acme")
	require.NoError(t, err)
	require.NoError(t, engine.AddRule(highValueRule()))

	execs, err := engine.ExecuteRules(context.Background(), rules.RuleTrigger{Event: rules.EventSaleCreated},
		map[string]any{"saleId": "s-1", "total": 1500.0})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "Call about s-1", execs[0].Results[0].Data["title"])

	_, err = m.CreateTenant("acme", nil)
	assert.ErrorIs(t, err, ErrTenantExists)
}

func TestMultiTenantEngineManager_CreateTenantRejectsBadInput(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.CreateTenant("", nil)
	assert.ErrorIs(t, err, ErrInvalidTenant)

	_, err = m.CreateTenant("acme", rules.ContextSchema{"total": "money"})
	assert.ErrorIs(t, err, ErrInvalidSchema)
	assert.Empty(t, m.ListTenants())
}

func TestMultiTenantEngineManager_SchemaEnforcedOnRules(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.CreateTenant("acme", saleSchema())
	require.NoError(t, err)
	engine, _ := m.GetEngine("acme")

	rule := highValueRule()
	rule.Conditions[0].Field = "grandTotal"

	var verr *rules.ValidationError
	assert.ErrorAs(t, engine.AddRule(rule), &verr)
}

func TestMultiTenantEngineManager_SeedDefaults(t *testing.T) {
	m := newTestManager(t, Options{SeedDefaults: true})

	_, err := m.CreateTenant("full", facts.InventorySchema())
	require.NoError(t, err)
	full, _ := m.GetEngine("full")
	all, err := full.GetAllRules()
	require.NoError(t, err)
	assert.Len(t, all, len(rules.DefaultRules()))

	_, err = m.CreateTenant("narrow", saleSchema())
	require.NoError(t, err)
	narrow, _ := m.GetEngine("narrow")
	some, err := narrow.GetAllRules()
	require.NoError(t, err)
	assert.Less(t, len(some), len(rules.DefaultRules()), "defaults that do not fit the schema are skipped")
}

func TestMultiTenantEngineManager_GetEngineNotFound(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.GetEngine("nonexistent")
	if !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("GetEngine() error = %v, want ErrTenantNotFound", err)
	}
}

func TestMultiTenantEngineManager_UpdateTenantSchema(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.CreateTenant("acme", saleSchema())
	require.NoError(t, err)
	before, _ := m.GetEngine("acme")
	require.NoError(t, before.AddRule(highValueRule()))
	_, err = before.ExecuteRules(context.Background(), rules.RuleTrigger{Event: rules.EventSaleCreated},
		map[string]any{"saleId": "s-1", "total": 2000.0})
	require.NoError(t, err)

	wider := saleSchema()
	wider["customerEmail"] = rules.FieldString
	te, err := m.UpdateTenantSchema("acme", wider)
	require.NoError(t, err)
	assert.Equal(t, 2, te.SchemaVersion)

	after, _ := m.GetEngine("acme")
	assert.NotSame(t, before, after)
	assert.Equal(t, wider, after.Schema())

	rule, err := after.GetRule("high-value")
	require.NoError(t, err, "rules survive a schema swap")
	assert.Equal(t, 1, rule.Metadata.ExecutionCount)

	execs, err := after.GetExecutions(0)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "execution log survives a schema swap")
}

func TestMultiTenantEngineManager_UpdateTenantSchemaRejectedByRules(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.CreateTenant("acme", saleSchema())
	require.NoError(t, err)
	before, _ := m.GetEngine("acme")
	require.NoError(t, before.AddRule(highValueRule()))

	narrower := rules.ContextSchema{"paymentMethod": rules.FieldString}
	_, err = m.UpdateTenantSchema("acme", narrower)

	var verr *rules.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "high-value", verr.RuleID)

	current, _ := m.GetEngine("acme")
	assert.Same(t, before, current, "a rejected schema leaves the engine in place")
	te, _ := m.GetTenant("acme")
	assert.Equal(t, 1, te.SchemaVersion)
}

func TestMultiTenantEngineManager_UpdateNonexistentTenant(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.UpdateTenantSchema("ghost", saleSchema())
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestMultiTenantEngineManager_TenantIsolation(t *testing.T) {
	m := newTestManager(t, Options{})
	for _, id := range []string{"tenant-b", "tenant-a"} {
		_, err := m.CreateTenant(id, saleSchema())
		require.NoError(t, err)
	}
	a, _ := m.GetEngine("tenant-a")
	b, _ := m.GetEngine("tenant-b")
	require.NoError(t, a.AddRule(highValueRule()))

	_, err := b.GetRule("high-value")
	assert.ErrorIs(t, err, rules.ErrRuleNotFound)

	execs, err := b.ExecuteRules(context.Background(), rules.RuleTrigger{Event: rules.EventSaleCreated},
		map[string]any{"saleId": "s-1", "total": 5000.0})
	require.NoError(t, err)
	assert.Empty(t, execs)

	assert.Equal(t, []string{"tenant-a", "tenant-b"}, m.ListTenants())
}

func TestMultiTenantEngineManager_DeleteTenant(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.CreateTenant("acme", nil)
	require.NoError(t, err)

	require.NoError(t, m.DeleteTenant("acme"))
	_, err = m.GetEngine("acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.ErrorIs(t, m.DeleteTenant("acme"), ErrTenantNotFound)
}

func TestMultiTenantEngineManager_SharedSchedulerSurvivesSwap(t *testing.T) {
	m := newTestManager(t, Options{DelayUnit: 50 * time.Millisecond})
	_, err := m.CreateTenant("acme", saleSchema())
	require.NoError(t, err)
	engine, _ := m.GetEngine("acme")

	rule := highValueRule()
	rule.Actions[0].Delay = 1
	require.NoError(t, engine.AddRule(rule))

	done := make(chan []*rules.AutomationExecution, 1)
	go func() {
		execs, _ := engine.ExecuteRules(context.Background(), rules.RuleTrigger{Event: rules.EventSaleCreated},
			map[string]any{"saleId": "s-1", "total": 5000.0})
		done <- execs
	}()

	time.Sleep(10 * time.Millisecond)
	_, err = m.UpdateTenantSchema("acme", saleSchema())
	require.NoError(t, err)

	select {
	case execs := <-done:
		require.Len(t, execs, 1)
		assert.Equal(t, rules.StatusSuccess, execs[0].Status)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed action never completed")
	}
}

func TestMultiTenantEngineManager_Concurrency(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.CreateTenant("acme", saleSchema())
	require.NoError(t, err)
	engine, _ := m.GetEngine("acme")
	require.NoError(t, engine.AddRule(highValueRule()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e, err := m.GetEngine("acme")
			if err != nil {
				t.Errorf("GetEngine() failed: %v", err)
				return
			}
			if _, err := e.ExecuteRules(context.Background(), rules.RuleTrigger{Event: rules.EventSaleCreated},
				map[string]any{"saleId": "s", "total": 5000.0}); err != nil {
				t.Errorf("ExecuteRules() failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := m.UpdateTenantSchema("acme", saleSchema()); err != nil {
				t.Errorf("UpdateTenantSchema() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	te, err := m.GetTenant("acme")
	require.NoError(t, err)
	assert.Equal(t, 11, te.SchemaVersion)
}
