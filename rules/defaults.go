package rules

import "errors"

// DefaultRules returns the starter automations for a new inventory tenant.
// Each call returns fresh values.
func DefaultRules() []*AutomationRule {
	return []*AutomationRule{
		{
			ID:          "low-stock-alert",
			Name:        "Low stock alert",
			Description: "Alert and email purchasing when a product drops below its minimum stock",
			Enabled:     true,
			Priority:    1,
			Trigger:     RuleTrigger{Event: EventStockUpdated},
			Conditions: []RuleCondition{
				{Field: "stockAvailable", Operator: OpLessThan, Value: "{minStock}"},
			},
			Actions: []RuleAction{
				{
					Type: ActionCreateAlert,
					Parameters: map[string]any{
						"message":   "Low stock for {productName}: {stockAvailable} left (minimum {minStock})",
						"severity":  "warning",
						"productId": "{productId}",
					},
				},
				{
					Type: ActionSendEmail,
					Parameters: map[string]any{
						"to":      "purchasing@example.com",
						"subject": "Reorder {productName}",
						"body":    "Stock of {productName} is {stockAvailable}, below the minimum of {minStock}.",
					},
				},
			},
		},
		{
			ID:          "high-value-sale",
			Name:        "High value sale",
			Description: "Notify the team about sales over 1000",
			Enabled:     true,
			Priority:    2,
			Trigger:     RuleTrigger{Event: EventSaleCreated},
			Conditions: []RuleCondition{
				{Field: "total", Operator: OpGreaterThan, Value: 1000},
			},
			Actions: []RuleAction{
				{
					Type: ActionSendNotification,
					Parameters: map[string]any{
						"title":   "High value sale",
						"message": "Sale {saleId} to {customerName} for {total}",
					},
				},
				{
					Type: ActionCreateTask,
					Parameters: map[string]any{
						"title":    "Thank {customerName} for order {saleId}",
						"assignee": "sales",
					},
				},
			},
		},
		{
			ID:          "bulk-purchase-discount",
			Name:        "Bulk purchase discount",
			Description: "Reward customers buying more than 10 units in cash or transfer",
			Enabled:     true,
			Priority:    3,
			Trigger:     RuleTrigger{Event: EventSaleCreated},
			Conditions: []RuleCondition{
				{Field: "quantity", Operator: OpGreaterThan, Value: 10},
				{Field: "paymentMethod", Operator: OpIn, Value: []any{"cash", "transfer"}, LogicalOperator: LogicalAnd},
			},
			Actions: []RuleAction{
				{
					Type: ActionApplyDiscount,
					Parameters: map[string]any{
						"customerId": "{customerId}",
						"percentage": 5,
					},
				},
			},
		},
		{
			ID:          "customer-welcome",
			Name:        "Customer welcome",
			Description: "Welcome new customers by email",
			Enabled:     true,
			Priority:    4,
			Trigger:     RuleTrigger{Event: EventCustomerCreated},
			Conditions: []RuleCondition{
				{Field: "email", Operator: OpContains, Value: "@"},
			},
			Actions: []RuleAction{
				{
					Type: ActionSendEmail,
					Parameters: map[string]any{
						"to":      "{email}",
						"subject": "Welcome {name}",
						"body":    "Thanks for joining us, {name}.",
					},
				},
			},
		},
		{
			ID:          "weekly-inventory-review",
			Name:        "Weekly inventory review",
			Description: "Open an inventory review task every Monday morning",
			Enabled:     false,
			Priority:    5,
			Trigger:     RuleTrigger{Event: EventScheduledReport, Cron: "0 8 * * 1"},
			Actions: []RuleAction{
				{
					Type: ActionCreateTask,
					Parameters: map[string]any{
						"title":    "Weekly inventory review",
						"assignee": "inventory",
					},
				},
			},
		},
	}
}

// SeedDefaults adds the default rules the engine does not have yet. Rules
// that do not fit the engine's schema are skipped.
func (en *Engine) SeedDefaults() (int, error) {
	added := 0
	for _, rule := range DefaultRules() {
		if _, err := en.GetRule(rule.ID); err == nil {
			continue
		}
		err := en.AddRule(rule)
		var verr *ValidationError
		if errors.As(err, &verr) {
			en.logger.Debug("default rule does not fit schema", "rule_id", rule.ID, "error", err)
			continue
		}
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
