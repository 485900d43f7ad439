package rules

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func testRule(id string) *AutomationRule {
	return &AutomationRule{
		ID:      id,
		Name:    "Rule " + id,
		Enabled: true,
		Trigger: RuleTrigger{Event: EventSaleCreated},
		Conditions: []RuleCondition{
			{Field: "total", Operator: OpGreaterThan, Value: 100},
		},
		Actions: []RuleAction{
			{Type: ActionCreateTask, Parameters: map[string]any{"title": "Follow up {saleId}"}},
		},
	}
}

func TestRuleStoreInterfaceExists(t *testing.T) {
	var _ RuleStore = (*InMemoryRuleStore)(nil)
}

func TestInMemoryRuleStoreAdd(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := testRule("r1")

	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if rule.Metadata.CreatedAt.IsZero() || rule.Metadata.UpdatedAt.IsZero() {
		t.Errorf("Add() did not stamp timestamps: %+v", rule.Metadata)
	}

	got, err := store.Get("r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != rule.Name {
		t.Errorf("Get().Name = %q, want %q", got.Name, rule.Name)
	}
	if !got.Metadata.CreatedAt.Equal(rule.Metadata.CreatedAt) {
		t.Errorf("Get().CreatedAt = %v, want %v", got.Metadata.CreatedAt, rule.Metadata.CreatedAt)
	}
}

func TestInMemoryRuleStoreKeepsGivenTimestamps(t *testing.T) {
	store := NewInMemoryRuleStore()
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rule := testRule("r1")
	rule.Metadata.CreatedAt = created

	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	got, _ := store.Get("r1")
	if !got.Metadata.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.Metadata.CreatedAt, created)
	}
}

func TestInMemoryRuleStoreAddNormalisesTimestamps(t *testing.T) {
	store := NewInMemoryRuleStore()
	local := time.FixedZone("UTC-3", -3*60*60)
	created := time.Date(2024, 3, 1, 9, 0, 0, 123456789, local)
	rule := testRule("r1")
	rule.Metadata.CreatedAt = created

	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	want := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)
	if !rule.Metadata.CreatedAt.Equal(want) || rule.Metadata.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v", rule.Metadata.CreatedAt, want)
	}
	if rule.Metadata.UpdatedAt.Nanosecond()%1000 != 0 || rule.Metadata.UpdatedAt.Location() != time.UTC {
		t.Errorf("UpdatedAt = %v, want UTC with microsecond precision", rule.Metadata.UpdatedAt)
	}

	got, _ := store.Get("r1")
	if !reflect.DeepEqual(got, rule) {
		t.Errorf("Get() = %+v, want %+v", got, rule)
	}
}

func TestInMemoryRuleStoreAddDuplicate(t *testing.T) {
	store := NewInMemoryRuleStore()
	if err := store.Add(testRule("r1")); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	err := store.Add(testRule("r1"))
	if !errors.Is(err, ErrRuleExists) {
		t.Fatalf("Add() duplicate error = %v, want ErrRuleExists", err)
	}
}

func TestInMemoryRuleStoreGetNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()

	_, err := store.Get("missing")
	if !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("Get() error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryRuleStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := testRule("r1")
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	rule.Name = "changed after add"
	rule.Actions[0].Parameters["title"] = "changed"

	got, _ := store.Get("r1")
	got.Conditions[0].Value = 5
	got.Enabled = false

	again, _ := store.Get("r1")
	if again.Name != "Rule r1" {
		t.Errorf("Name = %q, store shares state with caller", again.Name)
	}
	if again.Actions[0].Parameters["title"] != "Follow up {saleId}" {
		t.Errorf("Parameters = %v, store shares state with caller", again.Actions[0].Parameters)
	}
	if again.Conditions[0].Value != 100 || !again.Enabled {
		t.Errorf("Get() result is not a copy: %+v", again)
	}
}

func TestInMemoryRuleStoreListOrder(t *testing.T) {
	store := NewInMemoryRuleStore()
	ids := []string{"c", "a", "b", "d"}
	for _, id := range ids {
		rule := testRule(id)
		rule.Enabled = id != "b"
		if err := store.Add(rule); err != nil {
			t.Fatalf("Add(%s) failed: %v", id, err)
		}
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if got := ruleIDs(all); fmt.Sprint(got) != fmt.Sprint(ids) {
		t.Errorf("List() order = %v, want %v", got, ids)
	}

	enabled, err := store.ListEnabled()
	if err != nil {
		t.Fatalf("ListEnabled() failed: %v", err)
	}
	if got, want := ruleIDs(enabled), []string{"c", "a", "d"}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ListEnabled() = %v, want %v", got, want)
	}
}

func TestInMemoryRuleStoreUpdate(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := testRule("r1")
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := store.RecordExecution("r1", true, time.Now()); err != nil {
		t.Fatalf("RecordExecution() failed: %v", err)
	}

	update := testRule("r1")
	update.Name = "Renamed"
	update.Metadata.ExecutionCount = 99
	if err := store.Update(update); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, _ := store.Get("r1")
	if got.Name != "Renamed" {
		t.Errorf("Name = %q, want Renamed", got.Name)
	}
	if got.Metadata.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want counters kept from the stored rule", got.Metadata.ExecutionCount)
	}
	if !got.Metadata.CreatedAt.Equal(rule.Metadata.CreatedAt) {
		t.Errorf("CreatedAt changed on update")
	}
	if update.Metadata.ExecutionCount != 1 {
		t.Errorf("Update() did not write stored metadata back, got %d", update.Metadata.ExecutionCount)
	}
}

func TestInMemoryRuleStoreUpdateNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()

	err := store.Update(testRule("missing"))
	if !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("Update() error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryRuleStoreDelete(t *testing.T) {
	store := NewInMemoryRuleStore()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Add(testRule(id)); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	if err := store.Delete("b"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get("b"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() after Delete() error = %v, want ErrRuleNotFound", err)
	}

	all, _ := store.List()
	if got := ruleIDs(all); fmt.Sprint(got) != "[a c]" {
		t.Errorf("List() after Delete() = %v, want [a c]", got)
	}

	if err := store.Delete("b"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second Delete() error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryRuleStoreRecordExecution(t *testing.T) {
	store := NewInMemoryRuleStore()
	if err := store.Add(testRule("r1")); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	outcomes := []bool{true, false, true, true}
	for _, ok := range outcomes {
		if err := store.RecordExecution("r1", ok, at); err != nil {
			t.Fatalf("RecordExecution() failed: %v", err)
		}
	}

	got, _ := store.Get("r1")
	if got.Metadata.ExecutionCount != 4 {
		t.Errorf("ExecutionCount = %d, want 4", got.Metadata.ExecutionCount)
	}
	if got.Metadata.SuccessCount != 3 {
		t.Errorf("SuccessCount = %d, want 3", got.Metadata.SuccessCount)
	}
	if got.Metadata.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", got.Metadata.SuccessRate)
	}
	if got.Metadata.LastExecuted == nil || !got.Metadata.LastExecuted.Equal(at) {
		t.Errorf("LastExecuted = %v, want %v", got.Metadata.LastExecuted, at)
	}

	if err := store.RecordExecution("missing", true, at); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("RecordExecution() on missing rule error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryRuleStoreConcurrentAdd(t *testing.T) {
	store := NewInMemoryRuleStore()

	var wg sync.WaitGroup
	numGoroutines := 10
	rulesPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < rulesPerGoroutine; j++ {
				if err := store.Add(testRule(fmt.Sprintf("g%d-r%d", g, j))); err != nil {
					t.Errorf("Concurrent Add() failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	all, err := store.List()
	if err != nil {
		t.Fatalf("List() after concurrent adds failed: %v", err)
	}
	if want := numGoroutines * rulesPerGoroutine; len(all) != want {
		t.Errorf("After concurrent adds, got %d rules, want %d", len(all), want)
	}
}

func TestInMemoryRuleStoreConcurrentRecordExecution(t *testing.T) {
	store := NewInMemoryRuleStore()
	if err := store.Add(testRule("r1")); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.RecordExecution("r1", i%2 == 0, time.Now()); err != nil {
				t.Errorf("RecordExecution() failed: %v", err)
			}
			if _, err := store.Get("r1"); err != nil {
				t.Errorf("Get() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.Get("r1")
	if got.Metadata.ExecutionCount != 50 || got.Metadata.SuccessCount != 25 {
		t.Errorf("counters = %d/%d, want 50/25", got.Metadata.SuccessCount, got.Metadata.ExecutionCount)
	}
}

func ruleIDs(rules []*AutomationRule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}
