package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduledRule(id, spec string) *AutomationRule {
	return &AutomationRule{
		ID:      id,
		Name:    "Scheduled " + id,
		Enabled: true,
		Trigger: RuleTrigger{Event: EventScheduledReport, Cron: spec},
		Actions: []RuleAction{{Type: ActionCreateTask, Parameters: map[string]any{"title": "Report {ruleId}"}}},
	}
}

func TestCronRunnerSyncsWithRuleChanges(t *testing.T) {
	en := newTestEngine(t)
	require.NoError(t, en.AddRule(scheduledRule("daily", "0 6 * * *")))
	require.NoError(t, en.AddRule(saleRule("not-scheduled", 0)))

	runner, err := NewCronRunner(en, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, runner.Entries())

	require.NoError(t, en.AddRule(scheduledRule("weekly", "0 8 * * 1")))
	assert.Equal(t, 2, runner.Entries())

	disabled := false
	_, err = en.UpdateRule("daily", RulePatch{Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, 1, runner.Entries())

	_, err = en.UpdateRule("weekly", RulePatch{Trigger: &RuleTrigger{Event: EventScheduledReport, Cron: "*/5 * * * *"}})
	require.NoError(t, err)
	assert.Equal(t, 1, runner.Entries())
	assert.Equal(t, "*/5 * * * *", runner.specs["weekly"])

	_, err = en.DeleteRule("weekly")
	require.NoError(t, err)
	assert.Zero(t, runner.Entries())
}

func TestCronRunnerFireExecutesRule(t *testing.T) {
	en := newTestEngine(t)
	require.NoError(t, en.AddRule(scheduledRule("daily", "0 6 * * *")))

	runner, err := NewCronRunner(en, nil)
	require.NoError(t, err)
	runner.Start()
	defer runner.Stop()

	runner.fire("daily")
	runner.fire("missing")

	execs, err := en.GetExecutions(0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "daily", execs[0].RuleID)
	assert.Equal(t, "Report daily", execs[0].Results[0].Data["title"])
}
