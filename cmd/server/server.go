package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/multitenantengine"
	"github.com/liamcoop/automations/rules"
)

type Server struct {
	db             *sql.DB
	engineManager  *multitenantengine.MultiTenantEngineManager
	router         *chi.Mux
	logger         *slog.Logger
	requestTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRequestTimeout bounds every route except event processing. Defaults
// to 60s.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.requestTimeout = d }
}

// NewServer builds the HTTP API over an engine manager. db is only used for
// health checks and may be nil.
func NewServer(engineManager *multitenantengine.MultiTenantEngineManager, db *sql.DB, log *slog.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = logger.Logger
	}
	s := &Server{
		db:             db,
		engineManager:  engineManager,
		logger:         log,
		requestTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	timeout := middleware.Timeout(s.requestTimeout)

	r.With(timeout).Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.With(timeout).Get("/", s.handleListTenants)
		r.With(timeout).Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			// Events wait for delayed actions, which may take longer than
			// any request timeout.
			r.Post("/events", s.handleEvent)

			r.Group(func(r chi.Router) {
				r.Use(timeout)

				r.Delete("/", s.handleDeleteTenant)

				r.Get("/schema", s.handleGetSchema)
				r.Put("/schema", s.handleUpdateSchema)

				r.Get("/rules", s.handleListRules)
				r.Post("/rules", s.handleCreateRule)
				r.Get("/rules/{ruleId}", s.handleGetRule)
				r.Patch("/rules/{ruleId}", s.handleUpdateRule)
				r.Delete("/rules/{ruleId}", s.handleDeleteRule)

				r.Get("/executions", s.handleListExecutions)
				r.Get("/dashboard", s.handleDashboard)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs every request and feeds the HTTP error counters.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
			s.logger.Error("request failed", attrs...)
		case status >= 400:
			logger.WarnHttp4xx(status)
			s.logger.Warn("request rejected", attrs...)
		default:
			s.logger.Debug("request", attrs...)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Storage:       "memory",
		TenantsLoaded: len(s.engineManager.ListTenants()),
		Log:           logger.Snapshot(),
	}

	if s.db != nil {
		resp.Storage = "postgres"
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := []TenantResponse{}
	for _, id := range s.engineManager.ListTenants() {
		te, err := s.engineManager.GetTenant(id)
		if err != nil {
			// deleted since ListTenants
			continue
		}
		resp, err := tenantResponse(te)
		if err != nil {
			respondError(w, statusFor(err), "failed to list tenants", err)
			return
		}
		tenants = append(tenants, resp)
	}

	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: tenants})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	te, err := s.engineManager.CreateTenant(req.ID, req.Schema)
	if err != nil {
		respondError(w, statusFor(err), "failed to create tenant", err)
		return
	}

	resp, err := tenantResponse(te)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read tenant", err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.engineManager.DeleteTenant(chi.URLParam(r, "tenantId")); err != nil {
		respondError(w, statusFor(err), "failed to delete tenant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	te, err := s.engineManager.GetTenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return
	}
	if te.SchemaVersion == 0 {
		respondError(w, http.StatusNotFound, "schema not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:    te.SchemaVersion,
		Status:     "active",
		Definition: te.Schema,
	})
}

// handleUpdateSchema swaps the tenant's schema without downtime; every
// existing rule is recompiled against it.
func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	var req UpdateSchemaRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	te, err := s.engineManager.UpdateTenantSchema(chi.URLParam(r, "tenantId"), req.Definition)
	if err != nil {
		respondError(w, statusFor(err), "failed to update schema", err)
		return
	}

	all, err := te.Engine.GetAllRules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	recompiled := len(all)

	respondJSON(w, http.StatusOK, SchemaResponse{
		Version:         te.SchemaVersion,
		Status:          "active",
		Definition:      te.Schema,
		RulesRecompiled: &recompiled,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	all, err := engine.GetAllRules()
	if err != nil {
		respondError(w, statusFor(err), "failed to list rules", err)
		return
	}
	if all == nil {
		all = []*rules.AutomationRule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: all})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	var rule rules.AutomationRule
	if err := decodeBody(r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule.Metadata = rules.RuleMetadata{}

	if err := engine.AddRule(&rule); err != nil {
		respondError(w, statusFor(err), "failed to add rule", err)
		return
	}

	created, err := engine.GetRule(rule.ID)
	if err != nil {
		respondError(w, statusFor(err), "failed to read rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	rule, err := engine.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	var patch rules.RulePatch
	if err := decodeBody(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	updated, err := engine.UpdateRule(ruleID, patch)
	if err != nil {
		respondError(w, statusFor(err), "failed to update rule", err)
		return
	}
	if !updated {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}

	rule, err := engine.GetRule(ruleID)
	if err != nil {
		respondError(w, statusFor(err), "failed to read rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	deleted, err := engine.DeleteRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "failed to delete rule", err)
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvent runs the tenant's rules for an event. With ?async=true the
// event is processed in the background and 202 is returned at once.
// Otherwise the response is written once every delayed action has run; the
// run is not cancelled when the client goes away.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req EventRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Event == "" {
		respondError(w, http.StatusBadRequest, "event is required", nil)
		return
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	trigger := rules.RuleTrigger{Event: req.Event}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		ctx := context.WithoutCancel(r.Context())
		tenantID := chi.URLParam(r, "tenantId")
		go func() {
			if _, err := engine.ExecuteRules(ctx, trigger, req.Context); err != nil {
				s.logger.Error("async event failed", "tenant_id", tenantID, "event", req.Event, "error", err)
			}
		}()
		respondJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", Event: req.Event})
		return
	}

	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("cannot lift write deadline", "error", err)
	}

	start := time.Now()
	executions, err := engine.ExecuteRules(context.WithoutCancel(r.Context()), trigger, req.Context)
	if err != nil {
		respondError(w, statusFor(err), "event processing failed", err)
		return
	}

	respondJSON(w, http.StatusOK, EventResponse{
		Event:      req.Event,
		Executions: executions,
		Duration:   time.Since(start).String(),
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	executions, err := engine.GetExecutions(limit)
	if err != nil {
		respondError(w, statusFor(err), "failed to list executions", err)
		return
	}
	if executions == nil {
		executions = []*rules.AutomationExecution{}
	}
	respondJSON(w, http.StatusOK, ExecutionsListResponse{Executions: executions})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	dashboard, err := engine.GetDashboard()
	if err != nil {
		respondError(w, statusFor(err), "failed to build dashboard", err)
		return
	}
	respondJSON(w, http.StatusOK, dashboard)
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*rules.Engine, bool) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return nil, false
	}
	return engine, true
}

func tenantResponse(te *multitenantengine.TenantEngine) (TenantResponse, error) {
	all, err := te.Engine.GetAllRules()
	if err != nil {
		return TenantResponse{}, err
	}
	return TenantResponse{
		ID:            te.TenantID,
		SchemaVersion: te.SchemaVersion,
		Rules:         len(all),
	}, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verr *rules.ValidationError
	switch {
	case errors.Is(err, multitenantengine.ErrTenantNotFound), errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, multitenantengine.ErrTenantExists), errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict
	case errors.As(err, &verr),
		errors.Is(err, multitenantengine.ErrInvalidSchema),
		errors.Is(err, multitenantengine.ErrInvalidTenant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
