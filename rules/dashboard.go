package rules

import (
	"sort"
	"time"
)

const (
	recentExecutionsLimit = 10
	topRulesLimit         = 5
)

// BuildDashboard derives the dashboard from rules and executions. "Today"
// starts at local midnight of now. It reads its inputs without modifying them.
func BuildDashboard(rules []*AutomationRule, executions []*AutomationExecution, now time.Time) *AutomationDashboard {
	d := &AutomationDashboard{
		TotalRules:       len(rules),
		RecentExecutions: []*AutomationExecution{},
		TopRules:         []RuleSummary{},
	}

	for _, rule := range rules {
		if rule.Enabled {
			d.ActiveRules++
		}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	successful := 0
	for _, exec := range executions {
		if !exec.Timestamp.Before(midnight) {
			d.ExecutionsToday++
		}
		if exec.Status == StatusSuccess {
			successful++
		}
	}
	if len(executions) > 0 {
		d.SuccessRate = float64(successful) / float64(len(executions))
	}

	recent := make([]*AutomationExecution, len(executions))
	for i := range executions {
		recent[len(executions)-1-i] = executions[i]
	}
	sortNewestFirst(recent)
	if len(recent) > recentExecutionsLimit {
		recent = recent[:recentExecutionsLimit]
	}
	for _, exec := range recent {
		d.RecentExecutions = append(d.RecentExecutions, exec.clone())
	}

	ranked := make([]*AutomationRule, len(rules))
	copy(ranked, rules)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Metadata.ExecutionCount > ranked[j].Metadata.ExecutionCount
	})
	if len(ranked) > topRulesLimit {
		ranked = ranked[:topRulesLimit]
	}
	for _, rule := range ranked {
		d.TopRules = append(d.TopRules, RuleSummary{
			RuleID:         rule.ID,
			RuleName:       rule.Name,
			ExecutionCount: rule.Metadata.ExecutionCount,
			SuccessRate:    rule.Metadata.SuccessRate,
		})
	}

	return d
}
