package rules

import "time"

// Operator compares a context field against a condition value.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpContains    Operator = "CONTAINS"
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT_IN"
)

// LogicalOperator joins a condition to the result of the conditions before it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// ActionType names a side effect a rule can perform.
type ActionType string

const (
	ActionSendEmail        ActionType = "SEND_EMAIL"
	ActionSendNotification ActionType = "SEND_NOTIFICATION"
	ActionUpdateStock      ActionType = "UPDATE_STOCK"
	ActionCreateAlert      ActionType = "CREATE_ALERT"
	ActionApplyDiscount    ActionType = "APPLY_DISCOUNT"
	ActionCreateTask       ActionType = "CREATE_TASK"
	ActionWebhook          ActionType = "WEBHOOK"
)

// ExecutionStatus is the outcome of a rule execution.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
	StatusPending ExecutionStatus = "PENDING"
)

// Event names raised by the inventory application.
const (
	EventSaleCreated     = "SALE_CREATED"
	EventStockUpdated    = "STOCK_UPDATED"
	EventCustomerCreated = "CUSTOMER_CREATED"
	EventProductCreated  = "PRODUCT_CREATED"
	EventScheduledReport = "SCHEDULED_REPORT"
)

// RuleCondition is a single predicate over the evaluation context.
// Value is either a literal or a "{path}" reference into the context.
type RuleCondition struct {
	Field           string          `json:"field"`
	Operator        Operator        `json:"operator"`
	Value           any             `json:"value"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
}

// RuleAction is a side effect run when a rule fires. Delay counts engine
// delay units, a minute unless configured otherwise.
type RuleAction struct {
	Type       ActionType     `json:"type"`
	Parameters map[string]any `json:"parameters"`
	Delay      int            `json:"delay,omitempty"`
}

// RuleTrigger selects the event a rule listens to. Cron, when set, also fires
// the rule on that schedule.
type RuleTrigger struct {
	Event string `json:"event"`
	Cron  string `json:"cron,omitempty"`
}

// RuleMetadata holds timestamps and execution counters maintained by the store.
type RuleMetadata struct {
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastExecuted   *time.Time `json:"lastExecuted,omitempty"`
	ExecutionCount int        `json:"executionCount"`
	SuccessCount   int        `json:"successCount"`
	SuccessRate    float64    `json:"successRate"`
}

// AutomationRule is a named unit of condition evaluation plus action execution.
type AutomationRule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Priority    int             `json:"priority"`
	Conditions  []RuleCondition `json:"conditions"`
	Actions     []RuleAction    `json:"actions"`
	Trigger     RuleTrigger     `json:"trigger"`
	Expression  string          `json:"expression,omitempty"` // optional CEL guard over ctx
	Metadata    RuleMetadata    `json:"metadata"`
}

// Clone returns a deep copy of the rule.
func (r *AutomationRule) Clone() *AutomationRule {
	if r == nil {
		return nil
	}
	c := *r
	if r.Conditions != nil {
		c.Conditions = make([]RuleCondition, len(r.Conditions))
		for i, cond := range r.Conditions {
			cond.Value = cloneValue(cond.Value)
			c.Conditions[i] = cond
		}
	}
	if r.Actions != nil {
		c.Actions = make([]RuleAction, len(r.Actions))
		for i, action := range r.Actions {
			action.Parameters = cloneMap(action.Parameters)
			c.Actions[i] = action
		}
	}
	if r.Metadata.LastExecuted != nil {
		t := *r.Metadata.LastExecuted
		c.Metadata.LastExecuted = &t
	}
	return &c
}

// RulePatch carries the fields of a partial rule update. Nil fields are left
// unchanged; a non-nil empty slice clears conditions or actions.
type RulePatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	Conditions  []RuleCondition `json:"conditions,omitempty"`
	Actions     []RuleAction    `json:"actions,omitempty"`
	Trigger     *RuleTrigger    `json:"trigger,omitempty"`
	Expression  *string         `json:"expression,omitempty"`
}

// Apply merges the set fields of the patch into r.
func (p RulePatch) Apply(r *AutomationRule) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Conditions != nil {
		r.Conditions = p.Conditions
	}
	if p.Actions != nil {
		r.Actions = p.Actions
	}
	if p.Trigger != nil {
		r.Trigger = *p.Trigger
	}
	if p.Expression != nil {
		r.Expression = *p.Expression
	}
}

// ActionResult records the outcome of one action.
type ActionResult struct {
	Type    ActionType     `json:"type"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
}

// AutomationExecution is the immutable record of one rule run.
type AutomationExecution struct {
	ID        string          `json:"id"`
	RuleID    string          `json:"ruleId"`
	RuleName  string          `json:"ruleName"`
	Status    ExecutionStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Context   map[string]any  `json:"context"`
	Results   []ActionResult  `json:"results"`
	Error     string          `json:"error,omitempty"`
}

func (e *AutomationExecution) clone() *AutomationExecution {
	c := *e
	c.Context = cloneMap(e.Context)
	c.Results = make([]ActionResult, len(e.Results))
	for i, res := range e.Results {
		res.Data = cloneMap(res.Data)
		c.Results[i] = res
	}
	return &c
}

// RuleSummary is a dashboard row for a single rule.
type RuleSummary struct {
	RuleID         string  `json:"ruleId"`
	RuleName       string  `json:"ruleName"`
	ExecutionCount int     `json:"executionCount"`
	SuccessRate    float64 `json:"successRate"`
}

// AutomationDashboard is a derived summary over rules and executions.
type AutomationDashboard struct {
	TotalRules       int                    `json:"totalRules"`
	ActiveRules      int                    `json:"activeRules"`
	ExecutionsToday  int                    `json:"executionsToday"`
	SuccessRate      float64                `json:"successRate"`
	RecentExecutions []*AutomationExecution `json:"recentExecutions"`
	TopRules         []RuleSummary          `json:"topRules"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
