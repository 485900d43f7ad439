package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/automations/internal/eventbus"
)

// ActionHandler performs one type of rule action. Parameters arrive already
// interpolated; evalCtx is the raw evaluation context.
type ActionHandler interface {
	ActionType() ActionType
	Execute(ctx context.Context, params map[string]any, evalCtx map[string]any) (map[string]any, error)
}

// Dispatcher routes rule actions to their registered handlers.
type Dispatcher struct {
	handlers map[ActionType]ActionHandler
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewDispatcher creates a dispatcher with no handlers registered.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[ActionType]ActionHandler),
		logger:   logger,
	}
}

// DispatcherConfig wires the collaborators of the built-in handlers.
type DispatcherConfig struct {
	Publisher  eventbus.Publisher // may be nil
	HTTPClient *http.Client
	Breaker    BreakerConfig
	Logger     *slog.Logger
}

// NewDefaultDispatcher registers a handler for every built-in action type.
func NewDefaultDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := NewDispatcher(cfg.Logger)
	d.Register(NewEmailActionHandler(d.logger))
	d.Register(NewNotificationActionHandler(cfg.Publisher, d.logger))
	d.Register(NewStockUpdateActionHandler(d.logger))
	d.Register(NewAlertActionHandler(cfg.Publisher, d.logger))
	d.Register(NewDiscountActionHandler(d.logger))
	d.Register(NewTaskActionHandler(d.logger))
	d.Register(NewWebhookActionHandler(cfg.HTTPClient, cfg.Breaker, d.logger))
	return d
}

// Register adds or replaces the handler for its action type.
func (d *Dispatcher) Register(handler ActionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handler.ActionType()] = handler
}

// Dispatch interpolates the action parameters and runs the matching handler.
func (d *Dispatcher) Dispatch(ctx context.Context, action RuleAction, evalCtx map[string]any) (ActionResult, error) {
	d.mu.RLock()
	handler, ok := d.handlers[action.Type]
	d.mu.RUnlock()

	if !ok {
		return ActionResult{Type: action.Type}, fmt.Errorf("unknown action type: %s", action.Type)
	}

	params := Interpolate(action.Parameters, evalCtx)
	data, err := handler.Execute(ctx, params, evalCtx)
	if err != nil {
		return ActionResult{Type: action.Type}, err
	}

	return ActionResult{Type: action.Type, Success: true, Data: data}, nil
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

func requireParam(action ActionType, params map[string]any, key string) (string, error) {
	v := stringParam(params, key)
	if v == "" {
		return "", fmt.Errorf("%s: parameter %q is required", action, key)
	}
	return v, nil
}

func numberParam(action ActionType, params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%s: parameter %q is required", action, key)
	}
	n := toNumber(v)
	if math.IsNaN(n) {
		return 0, fmt.Errorf("%s: parameter %q must be numeric, got %q", action, key, stringify(v))
	}
	return n, nil
}

// EmailActionHandler handles SEND_EMAIL.
type EmailActionHandler struct {
	logger *slog.Logger
}

func NewEmailActionHandler(logger *slog.Logger) *EmailActionHandler {
	return &EmailActionHandler{logger: logger}
}

func (h *EmailActionHandler) ActionType() ActionType { return ActionSendEmail }

func (h *EmailActionHandler) Execute(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	to, err := requireParam(ActionSendEmail, params, "to")
	if err != nil {
		return nil, err
	}
	subject := stringParam(params, "subject")

	h.logger.Info("sending email", "to", to, "subject", subject)

	return map[string]any{
		"emailId": uuid.NewString(),
		"to":      to,
		"subject": subject,
	}, nil
}

// NotificationActionHandler handles SEND_NOTIFICATION and forwards the
// notification to the event bus when one is configured.
type NotificationActionHandler struct {
	publisher eventbus.Publisher
	logger    *slog.Logger
}

func NewNotificationActionHandler(publisher eventbus.Publisher, logger *slog.Logger) *NotificationActionHandler {
	return &NotificationActionHandler{publisher: publisher, logger: logger}
}

func (h *NotificationActionHandler) ActionType() ActionType { return ActionSendNotification }

func (h *NotificationActionHandler) Execute(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	message, err := requireParam(ActionSendNotification, params, "message")
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := publish(ctx, h.publisher, eventbus.KeyNotification, id, params); err != nil {
		return nil, err
	}

	h.logger.Info("sending notification", "notification_id", id, "title", stringParam(params, "title"), "message", message)

	return map[string]any{
		"notificationId": id,
		"message":        message,
	}, nil
}

// StockUpdateActionHandler handles UPDATE_STOCK.
type StockUpdateActionHandler struct {
	logger *slog.Logger
}

func NewStockUpdateActionHandler(logger *slog.Logger) *StockUpdateActionHandler {
	return &StockUpdateActionHandler{logger: logger}
}

func (h *StockUpdateActionHandler) ActionType() ActionType { return ActionUpdateStock }

func (h *StockUpdateActionHandler) Execute(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	productID, err := requireParam(ActionUpdateStock, params, "productId")
	if err != nil {
		return nil, err
	}
	quantity, err := numberParam(ActionUpdateStock, params, "quantity")
	if err != nil {
		return nil, err
	}

	h.logger.Info("updating stock", "product_id", productID, "quantity", quantity)

	return map[string]any{
		"stockMovementId": uuid.NewString(),
		"productId":       productID,
		"quantity":        quantity,
	}, nil
}

// AlertActionHandler handles CREATE_ALERT.
type AlertActionHandler struct {
	publisher eventbus.Publisher
	logger    *slog.Logger
}

func NewAlertActionHandler(publisher eventbus.Publisher, logger *slog.Logger) *AlertActionHandler {
	return &AlertActionHandler{publisher: publisher, logger: logger}
}

func (h *AlertActionHandler) ActionType() ActionType { return ActionCreateAlert }

func (h *AlertActionHandler) Execute(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	message, err := requireParam(ActionCreateAlert, params, "message")
	if err != nil {
		return nil, err
	}
	severity := stringParam(params, "severity")
	if severity == "" {
		severity = "info"
	}

	id := uuid.NewString()
	if err := publish(ctx, h.publisher, eventbus.KeyAlert, id, params); err != nil {
		return nil, err
	}

	h.logger.Warn("alert created", "alert_id", id, "severity", severity, "message", message)

	return map[string]any{
		"alertId":  id,
		"severity": severity,
		"message":  message,
	}, nil
}

// DiscountActionHandler handles APPLY_DISCOUNT.
type DiscountActionHandler struct {
	logger *slog.Logger
}

func NewDiscountActionHandler(logger *slog.Logger) *DiscountActionHandler {
	return &DiscountActionHandler{logger: logger}
}

func (h *DiscountActionHandler) ActionType() ActionType { return ActionApplyDiscount }

func (h *DiscountActionHandler) Execute(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	percentage, err := numberParam(ActionApplyDiscount, params, "percentage")
	if err != nil {
		return nil, err
	}
	if percentage <= 0 || percentage > 100 {
		return nil, fmt.Errorf("%s: percentage must be in (0, 100], got %v", ActionApplyDiscount, percentage)
	}
	customerID := stringParam(params, "customerId")

	h.logger.Info("applying discount", "customer_id", customerID, "percentage", percentage)

	return map[string]any{
		"discountId": uuid.NewString(),
		"customerId": customerID,
		"percentage": percentage,
	}, nil
}

// TaskActionHandler handles CREATE_TASK.
type TaskActionHandler struct {
	logger *slog.Logger
}

func NewTaskActionHandler(logger *slog.Logger) *TaskActionHandler {
	return &TaskActionHandler{logger: logger}
}

func (h *TaskActionHandler) ActionType() ActionType { return ActionCreateTask }

func (h *TaskActionHandler) Execute(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	title, err := requireParam(ActionCreateTask, params, "title")
	if err != nil {
		return nil, err
	}
	assignee := stringParam(params, "assignee")

	h.logger.Info("creating task", "title", title, "assignee", assignee)

	return map[string]any{
		"taskId":   uuid.NewString(),
		"title":    title,
		"assignee": assignee,
	}, nil
}

func publish(ctx context.Context, publisher eventbus.Publisher, key, id string, params map[string]any) error {
	if publisher == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"id":         id,
		"parameters": params,
		"sentAt":     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode %s message: %w", key, err)
	}
	if err := publisher.Publish(ctx, key, payload); err != nil {
		return fmt.Errorf("publish %s message: %w", key, err)
	}
	return nil
}
