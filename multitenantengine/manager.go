package multitenantengine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/automations/internal/eventbus"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
	"github.com/redis/go-redis/v9"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantExists   = errors.New("tenant already exists")
	ErrInvalidTenant  = errors.New("invalid tenant id")
)

// Options configures the engines the manager builds.
type Options struct {
	// DelayUnit is the duration of one RuleAction.Delay unit.
	DelayUnit    time.Duration
	SeedDefaults bool
	Publisher    eventbus.Publisher
	// Redis, when set, backs every tenant's enabled-rule cache.
	Redis      *redis.Client
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Breaker    rules.BreakerConfig
	Logger     *slog.Logger
}

// TenantEngine wraps a rules.Engine with tenant-specific state. The stores
// outlive schema swaps; the engine and its cron runner are replaced.
type TenantEngine struct {
	TenantID      string
	Schema        rules.ContextSchema
	SchemaVersion int
	Engine        *rules.Engine

	cron       *rules.CronRunner
	store      rules.RuleStore
	executions rules.ExecutionStore
	cache      rules.RulesCache
}

// MultiTenantEngineManager keeps one engine per tenant. Without a database
// every tenant lives in memory and is lost on restart.
type MultiTenantEngineManager struct {
	engines    map[string]*TenantEngine
	db         *sql.DB
	opts       Options
	scheduler  *rules.DelayScheduler
	dispatcher *rules.Dispatcher
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewMultiTenantEngineManager creates a manager. db may be nil.
func NewMultiTenantEngineManager(db *sql.DB, opts Options) *MultiTenantEngineManager {
	if opts.Logger == nil {
		opts.Logger = logger.Logger
	}
	if opts.DelayUnit <= 0 {
		opts.DelayUnit = time.Minute
	}
	if opts.Breaker == (rules.BreakerConfig{}) {
		opts.Breaker = rules.DefaultBreakerConfig()
	}

	return &MultiTenantEngineManager{
		engines:   make(map[string]*TenantEngine),
		db:        db,
		opts:      opts,
		scheduler: rules.NewDelayScheduler(),
		dispatcher: rules.NewDefaultDispatcher(rules.DispatcherConfig{
			Publisher:  opts.Publisher,
			HTTPClient: opts.HTTPClient,
			Breaker:    opts.Breaker,
			Logger:     opts.Logger,
		}),
		logger: opts.Logger,
	}
}

// InMemory reports whether tenants are kept without a database.
func (m *MultiTenantEngineManager) InMemory() bool {
	return m.db == nil
}

// LoadAllTenants starts an engine for every tenant in the database with its
// active schema, if any. It is a no-op in memory mode.
func (m *MultiTenantEngineManager) LoadAllTenants() error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.Query(`
		SELECT t.id, s.version, s.definition
		FROM tenants t
		LEFT JOIN schemas s ON s.tenant_id = t.id AND s.active
		ORDER BY t.created_at
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	type row struct {
		id      string
		version sql.NullInt64
		schema  []byte
	}
	var loaded []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.version, &r.schema); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	for _, r := range loaded {
		var schema rules.ContextSchema
		if r.schema != nil {
			if err := json.Unmarshal(r.schema, &schema); err != nil {
				return fmt.Errorf("invalid schema for tenant %s: %w", r.id, err)
			}
		}
		te, err := m.startTenant(r.id, schema, int(r.version.Int64), nil)
		if err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", r.id, err)
		}
		m.mu.Lock()
		m.engines[r.id] = te
		m.mu.Unlock()
	}

	m.logger.Info("tenants loaded", "count", len(loaded))
	return nil
}

// CreateTenant registers a tenant and starts its engine. An empty schema
// leaves rules unvalidated against the context. With SeedDefaults the
// default rules that fit the schema are added.
func (m *MultiTenantEngineManager) CreateTenant(tenantID string, schema rules.ContextSchema) (*TenantEngine, error) {
	if err := m.checkTenantID(tenantID); err != nil {
		return nil, err
	}
	if len(schema) > 0 {
		if err := ValidateSchema(schema); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantExists)
	}

	version := 0
	if m.db != nil {
		v, err := m.persistTenant(tenantID, schema)
		if err != nil {
			return nil, err
		}
		version = v
	} else if len(schema) > 0 {
		version = 1
	}

	te, err := m.startTenant(tenantID, schema, version, nil)
	if err != nil {
		return nil, err
	}

	if m.opts.SeedDefaults {
		added, err := te.Engine.SeedDefaults()
		if err != nil {
			m.stopTenant(te)
			return nil, fmt.Errorf("failed to seed default rules: %w", err)
		}
		m.logger.Info("default rules seeded", "tenant_id", tenantID, "count", added)
	}

	m.engines[tenantID] = te
	m.logger.Info("tenant created", "tenant_id", tenantID, "schema_version", version)
	return te, nil
}

// GetTenant returns the tenant's engine and schema.
func (m *MultiTenantEngineManager) GetTenant(tenantID string) (*TenantEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	return te, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *MultiTenantEngineManager) GetEngine(tenantID string) (*rules.Engine, error) {
	te, err := m.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Engine, nil
}

// UpdateTenantSchema replaces a tenant's schema. Every existing rule must
// validate against the new schema; otherwise nothing changes. The new engine
// shares the tenant's stores and is swapped in atomically.
func (m *MultiTenantEngineManager) UpdateTenantSchema(tenantID string, schema rules.ContextSchema) (*TenantEngine, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}

	existing, err := current.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	var problems []error
	for _, rule := range existing {
		if err := rules.ValidateAgainstSchema(rule, schema); err != nil {
			problems = append(problems, err)
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("schema rejected by existing rules: %w", errors.Join(problems...))
	}

	next, err := m.startTenant(tenantID, schema, current.SchemaVersion+1, current)
	if err != nil {
		return nil, err
	}

	if m.db != nil {
		version, err := m.saveSchema(tenantID, schema)
		if err != nil {
			m.stopTenant(next)
			return nil, err
		}
		next.SchemaVersion = version
	}

	m.engines[tenantID] = next
	m.stopTenant(current)

	m.logger.Info("tenant schema updated",
		"tenant_id", tenantID,
		"schema_version", next.SchemaVersion,
		"rules_recompiled", len(existing),
	)
	return next, nil
}

// ListTenants returns the loaded tenant IDs in sorted order.
func (m *MultiTenantEngineManager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}

// DeleteTenant stops a tenant's engine and removes its data.
func (m *MultiTenantEngineManager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}

	if m.db != nil {
		if _, err := m.db.Exec(`DELETE FROM tenants WHERE id = $1`, tenantID); err != nil {
			return fmt.Errorf("failed to delete tenant: %w", err)
		}
	}

	m.stopTenant(te)
	te.cache.Invalidate()
	delete(m.engines, tenantID)
	m.logger.Info("tenant deleted", "tenant_id", tenantID)
	return nil
}

// Close stops every tenant and the shared delay scheduler.
func (m *MultiTenantEngineManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, te := range m.engines {
		m.stopTenant(te)
	}
	m.scheduler.Stop()
}

// startTenant builds an engine and cron runner for the tenant. When prev is
// set its stores and cache are reused.
func (m *MultiTenantEngineManager) startTenant(tenantID string, schema rules.ContextSchema, version int, prev *TenantEngine) (*TenantEngine, error) {
	te := &TenantEngine{
		TenantID:      tenantID,
		Schema:        schema,
		SchemaVersion: version,
	}
	if prev != nil {
		te.store, te.executions, te.cache = prev.store, prev.executions, prev.cache
	} else {
		te.store, te.executions, te.cache = m.newStores(tenantID)
	}

	tenantLogger := m.logger.With("tenant_id", tenantID)
	engine, err := rules.NewEngine(te.store,
		rules.WithExecutionStore(te.executions),
		rules.WithCache(te.cache),
		rules.WithDispatcher(m.dispatcher),
		rules.WithScheduler(m.scheduler),
		rules.WithSchema(schema),
		rules.WithPublisher(m.opts.Publisher),
		rules.WithDelayUnit(m.opts.DelayUnit),
		rules.WithLogger(tenantLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	te.Engine = engine

	runner, err := rules.NewCronRunner(engine, tenantLogger)
	if err != nil {
		engine.Close()
		return nil, err
	}
	runner.Start()
	te.cron = runner

	return te, nil
}

func (m *MultiTenantEngineManager) stopTenant(te *TenantEngine) {
	if te.cron != nil {
		te.cron.Stop()
	}
	te.Engine.Close()
}

func (m *MultiTenantEngineManager) newStores(tenantID string) (rules.RuleStore, rules.ExecutionStore, rules.RulesCache) {
	cacheConfig := rules.CacheConfig{TTL: m.opts.CacheTTL}

	var cache rules.RulesCache
	if m.opts.Redis != nil {
		cache = rules.NewRedisRulesCache(m.opts.Redis, tenantID, cacheConfig, m.logger)
	} else {
		cache = rules.NewInMemoryRulesCache(cacheConfig)
	}

	if m.db != nil {
		return rules.NewPostgresRuleStore(m.db, tenantID), rules.NewPostgresExecutionStore(m.db, tenantID), cache
	}
	return rules.NewInMemoryRuleStore(), rules.NewInMemoryExecutionStore(), cache
}

func (m *MultiTenantEngineManager) checkTenantID(tenantID string) error {
	if tenantID == "" || len(tenantID) > 100 {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	if m.db != nil {
		if _, err := uuid.Parse(tenantID); err != nil {
			return fmt.Errorf("%w: %q is not a UUID", ErrInvalidTenant, tenantID)
		}
	}
	return nil
}

// persistTenant inserts the tenant row and, when given, its first schema.
func (m *MultiTenantEngineManager) persistTenant(tenantID string, schema rules.ContextSchema) (int, error) {
	res, err := m.db.Exec(`
		INSERT INTO tenants (id, name) VALUES ($1, $1)
		ON CONFLICT (id) DO NOTHING
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to create tenant: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantExists)
	}

	if len(schema) == 0 {
		return 0, nil
	}
	return m.saveSchema(tenantID, schema)
}

// saveSchema stores schema as the tenant's next active version.
func (m *MultiTenantEngineManager) saveSchema(tenantID string, schema rules.ContextSchema) (int, error) {
	definition, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schema: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE schemas SET active = false WHERE tenant_id = $1 AND active`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to deactivate old schemas: %w", err)
	}

	var version int
	err = tx.QueryRow(`
		INSERT INTO schemas (tenant_id, version, definition, active)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true
		FROM schemas
		WHERE tenant_id = $1
		RETURNING version
	`, tenantID, definition).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schema: %w", err)
	}
	return version, nil
}
