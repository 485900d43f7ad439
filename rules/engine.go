package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/liamcoop/automations/internal/eventbus"
	"github.com/robfig/cron/v3"
)

// Engine owns the rules of one tenant: it selects the rules an event
// triggers, runs their actions and keeps the execution log.
type Engine struct {
	env        *cel.Env
	store      RuleStore
	executions ExecutionStore
	cache      RulesCache       // cache for the enabled rules list
	programs   map[string]guard // ruleID -> compiled guard
	dispatcher *Dispatcher
	scheduler  *DelayScheduler
	ownsSched  bool
	schema     ContextSchema
	publisher  eventbus.Publisher
	logger     *slog.Logger
	delayUnit  time.Duration
	now        func() time.Time
	listeners  []func()
	mu         sync.RWMutex
}

// guard is a compiled CEL expression together with its source, so a rule
// changed through a shared store is recompiled on first use.
type guard struct {
	expression string
	program    cel.Program
}

// Option configures an Engine.
type Option func(*Engine)

func WithExecutionStore(store ExecutionStore) Option {
	return func(en *Engine) { en.executions = store }
}

func WithCache(cache RulesCache) Option {
	return func(en *Engine) { en.cache = cache }
}

func WithDispatcher(d *Dispatcher) Option {
	return func(en *Engine) { en.dispatcher = d }
}

// WithScheduler shares a delay scheduler between engines. The engine will not
// stop a scheduler it did not create.
func WithScheduler(s *DelayScheduler) Option {
	return func(en *Engine) { en.scheduler = s }
}

// WithSchema enables rule validation against a context schema and declares
// the schema's top-level fields in the CEL environment.
func WithSchema(schema ContextSchema) Option {
	return func(en *Engine) { en.schema = schema }
}

func WithCELEnv(env *cel.Env) Option {
	return func(en *Engine) { en.env = env }
}

func WithPublisher(p eventbus.Publisher) Option {
	return func(en *Engine) { en.publisher = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(en *Engine) { en.logger = logger }
}

// WithDelayUnit sets the duration of one unit of RuleAction.Delay (a minute
// by default).
func WithDelayUnit(unit time.Duration) Option {
	return func(en *Engine) { en.delayUnit = unit }
}

func WithClock(now func() time.Time) Option {
	return func(en *Engine) { en.now = now }
}

// NewEngine creates an engine over store and compiles the guards of the
// rules already in it.
func NewEngine(store RuleStore, opts ...Option) (*Engine, error) {
	en := &Engine{
		store:     store,
		programs:  make(map[string]guard),
		delayUnit: time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(en)
	}

	if en.logger == nil {
		en.logger = slog.Default()
	}
	if en.executions == nil {
		en.executions = NewInMemoryExecutionStore()
	}
	if en.cache == nil {
		en.cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}
	if en.dispatcher == nil {
		en.dispatcher = NewDefaultDispatcher(DispatcherConfig{
			Publisher: en.publisher,
			Logger:    en.logger,
		})
	}
	if en.env == nil {
		env, err := NewCELEnv(en.schema)
		if err != nil {
			return nil, err
		}
		en.env = env
	}
	if en.scheduler == nil {
		en.scheduler = NewDelayScheduler()
		en.ownsSched = true
	}

	if err := en.CompileAllRules(); err != nil {
		en.Close()
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// Close stops the delay scheduler if the engine created it. Delayed actions
// still waiting fail with ErrSchedulerStopped.
func (en *Engine) Close() {
	if en.ownsSched {
		en.scheduler.Stop()
	}
}

// Schema returns the context schema rules are validated against.
func (en *Engine) Schema() ContextSchema {
	return en.schema
}

// OnRulesChanged registers fn to run after every successful rule mutation.
func (en *Engine) OnRulesChanged(fn func()) {
	en.mu.Lock()
	defer en.mu.Unlock()
	en.listeners = append(en.listeners, fn)
}

// CompileRule compiles a CEL guard. The expression must evaluate to a bool.
func (en *Engine) CompileRule(expression string) (cel.Program, error) {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}

	prog, err := en.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// CompileAllRules compiles every stored guard and primes the cache with the
// enabled rules.
func (en *Engine) CompileAllRules() error {
	_, gen := en.cache.Get()
	rules, err := en.store.List()
	if err != nil {
		return err
	}

	programs := make(map[string]guard)
	enabled := make([]*AutomationRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Expression != "" {
			prog, err := en.CompileRule(rule.Expression)
			if err != nil {
				return fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
			}
			programs[rule.ID] = guard{expression: rule.Expression, program: prog}
		}
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}

	en.mu.Lock()
	en.programs = programs
	en.mu.Unlock()

	en.cache.Set(gen, enabled)
	return nil
}

// ValidateRule checks a rule without storing it.
func (en *Engine) ValidateRule(rule *AutomationRule) error {
	_, err := en.prepare(rule)
	return err
}

func (en *Engine) prepare(rule *AutomationRule) (cel.Program, error) {
	verr := &ValidationError{RuleID: rule.ID}

	if strings.TrimSpace(rule.Trigger.Event) == "" {
		verr.add("trigger event is required")
	}
	if rule.Trigger.Cron != "" {
		if _, err := cron.ParseStandard(rule.Trigger.Cron); err != nil {
			verr.add("invalid cron %q: %v", rule.Trigger.Cron, err)
		}
	}
	for i, action := range rule.Actions {
		if action.Delay < 0 {
			verr.add("action %d (%s): delay must not be negative", i, action.Type)
		}
	}
	checkRuleSchema(rule, en.schema, verr)

	var prog cel.Program
	if rule.Expression != "" {
		p, err := en.CompileRule(rule.Expression)
		if err != nil {
			verr.add("expression: %v", err)
		}
		prog = p
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return prog, nil
}

// AddRule validates and stores a new rule. An empty ID is replaced with a
// generated one; missing timestamps are stamped onto rule.
func (en *Engine) AddRule(rule *AutomationRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if _, err := en.store.Get(rule.ID); err == nil {
		return alreadyExists(rule.ID)
	} else if !errors.Is(err, ErrRuleNotFound) {
		return err
	}

	prog, err := en.prepare(rule)
	if err != nil {
		return err
	}

	if err := en.store.Add(rule); err != nil {
		return err
	}

	en.setProgram(rule.ID, rule.Expression, prog)
	en.rulesChanged()
	en.logger.Info("rule added", "rule_id", rule.ID, "event", rule.Trigger.Event)
	return nil
}

// UpdateRule merges patch into the stored rule. It returns false when no rule
// has that id.
func (en *Engine) UpdateRule(id string, patch RulePatch) (bool, error) {
	rule, err := en.store.Get(id)
	if errors.Is(err, ErrRuleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	patch.Apply(rule)
	prog, err := en.prepare(rule)
	if err != nil {
		return false, err
	}

	if err := en.store.Update(rule); err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return false, nil
		}
		return false, err
	}

	en.setProgram(id, rule.Expression, prog)
	en.rulesChanged()
	en.logger.Info("rule updated", "rule_id", id)
	return true, nil
}

// DeleteRule removes a rule. It returns false when no rule has that id.
func (en *Engine) DeleteRule(id string) (bool, error) {
	if err := en.store.Delete(id); err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return false, nil
		}
		return false, err
	}

	en.setProgram(id, "", nil)
	en.rulesChanged()
	en.logger.Info("rule deleted", "rule_id", id)
	return true, nil
}

// GetRule returns a copy of the rule, or an error wrapping ErrRuleNotFound.
func (en *Engine) GetRule(id string) (*AutomationRule, error) {
	return en.store.Get(id)
}

// GetAllRules returns copies of every rule in declaration order.
func (en *Engine) GetAllRules() ([]*AutomationRule, error) {
	return en.store.List()
}

// GetExecutions returns up to limit executions, newest first. limit <= 0
// returns all of them.
func (en *Engine) GetExecutions(limit int) ([]*AutomationExecution, error) {
	return en.executions.List(limit)
}

// GetDashboard summarises the current rules and the execution log.
func (en *Engine) GetDashboard() (*AutomationDashboard, error) {
	rules, err := en.store.List()
	if err != nil {
		return nil, err
	}
	executions, err := en.executions.All()
	if err != nil {
		return nil, err
	}
	return BuildDashboard(rules, executions, en.now()), nil
}

// ExecuteRules runs every enabled rule whose trigger event matches and whose
// conditions and guard hold, in declaration order. Action failures are
// recorded on the returned executions, never returned as errors.
func (en *Engine) ExecuteRules(ctx context.Context, trigger RuleTrigger, evalCtx map[string]any) ([]*AutomationExecution, error) {
	return en.executeMatching(ctx, trigger.Event, evalCtx, "")
}

// ExecuteScheduled fires a single rule from its cron schedule. The context
// carries the firing time and the rule id.
func (en *Engine) ExecuteScheduled(ctx context.Context, ruleID string) ([]*AutomationExecution, error) {
	rule, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}
	evalCtx := map[string]any{
		"now":    en.now().UTC(),
		"ruleId": ruleID,
	}
	return en.executeMatching(ctx, rule.Trigger.Event, evalCtx, ruleID)
}

func (en *Engine) executeMatching(ctx context.Context, event string, evalCtx map[string]any, onlyID string) ([]*AutomationExecution, error) {
	rules, err := en.enabledRules()
	if err != nil {
		return nil, err
	}

	var selected []*AutomationRule
	for _, rule := range rules {
		if onlyID != "" && rule.ID != onlyID {
			continue
		}
		if rule.Trigger.Event != event {
			continue
		}
		if !EvaluateConditions(rule.Conditions, evalCtx) {
			continue
		}
		if !en.guardMatches(rule, evalCtx) {
			continue
		}
		selected = append(selected, rule)
	}

	executions := make([]*AutomationExecution, 0, len(selected))
	for _, rule := range selected {
		executions = append(executions, en.ExecuteRule(ctx, rule, evalCtx))
	}
	return executions, nil
}

// enabledRules serves the cached list or reloads it. A reload that raced
// with a mutation is returned to this caller but not cached.
func (en *Engine) enabledRules() ([]*AutomationRule, error) {
	rules, gen := en.cache.Get()
	if rules != nil {
		return rules, nil
	}

	rules, err := en.store.ListEnabled()
	if err != nil {
		return nil, err
	}
	en.cache.Set(gen, rules)
	return rules, nil
}

func (en *Engine) guardMatches(rule *AutomationRule, evalCtx map[string]any) bool {
	if rule.Expression == "" {
		return true
	}

	prog, err := en.program(rule)
	if err != nil {
		en.logger.Warn("rule guard does not compile", "rule_id", rule.ID, "error", err)
		return false
	}

	vars := make(map[string]any, len(evalCtx)+1)
	for k, v := range evalCtx {
		vars[k] = v
	}
	vars["ctx"] = evalCtx

	out, _, err := prog.Eval(vars)
	if err != nil {
		en.logger.Debug("rule guard evaluation failed", "rule_id", rule.ID, "error", err)
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// program returns the compiled guard of rule. It compiles the expression
// when this engine has not seen it yet, which happens when another engine
// sharing the store added or changed the rule.
func (en *Engine) program(rule *AutomationRule) (cel.Program, error) {
	en.mu.RLock()
	g, ok := en.programs[rule.ID]
	en.mu.RUnlock()
	if ok && g.expression == rule.Expression {
		return g.program, nil
	}

	prog, err := en.CompileRule(rule.Expression)
	if err != nil {
		return nil, err
	}
	en.setProgram(rule.ID, rule.Expression, prog)
	return prog, nil
}

func (en *Engine) setProgram(id, expression string, prog cel.Program) {
	en.mu.Lock()
	defer en.mu.Unlock()
	if prog == nil {
		delete(en.programs, id)
		return
	}
	en.programs[id] = guard{expression: expression, program: prog}
}

func (en *Engine) rulesChanged() {
	en.cache.Invalidate()

	en.mu.RLock()
	listeners := append([]func(){}, en.listeners...)
	en.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}
