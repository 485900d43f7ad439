package main

import (
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// API request and response models

// CreateTenantRequest is the body of POST /tenants. An empty ID is replaced
// with a generated UUID.
type CreateTenantRequest struct {
	ID     string              `json:"id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Schema rules.ContextSchema `json:"schema,omitempty"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID            string `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	SchemaVersion int    `json:"schemaVersion" example:"1"`
	Rules         int    `json:"rules" example:"5"`
}

type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

// UpdateSchemaRequest is the body of PUT /schema.
type UpdateSchemaRequest struct {
	Definition rules.ContextSchema `json:"definition"`
}

// SchemaResponse represents a tenant's active schema
type SchemaResponse struct {
	Version         int                 `json:"version" example:"1"`
	Status          string              `json:"status" example:"active"`
	Definition      rules.ContextSchema `json:"definition"`
	RulesRecompiled *int                `json:"rulesRecompiled,omitempty"`
}

type RulesListResponse struct {
	Rules []*rules.AutomationRule `json:"rules"`
}

// EventRequest is the body of POST /events.
type EventRequest struct {
	Event   string         `json:"event" example:"SALE_CREATED"`
	Context map[string]any `json:"context"`
}

// EventResponse lists the executions an event produced.
type EventResponse struct {
	Event      string                       `json:"event"`
	Executions []*rules.AutomationExecution `json:"executions"`
	Duration   string                       `json:"duration" example:"2.3ms"`
}

// AcceptedResponse is returned for asynchronous event processing.
type AcceptedResponse struct {
	Status string `json:"status" example:"accepted"`
	Event  string `json:"event"`
}

type ExecutionsListResponse struct {
	Executions []*rules.AutomationExecution `json:"executions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"rule not found"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string       `json:"status" example:"healthy"`
	Storage       string       `json:"storage" example:"postgres"`
	TenantsLoaded int          `json:"tenantsLoaded"`
	Error         string       `json:"error,omitempty"`
	Log           logger.Stats `json:"log"`
}
