package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the per-host circuit breakers of the webhook handler.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// WebhookActionHandler handles WEBHOOK by calling an HTTP endpoint. Calls to
// each host go through their own circuit breaker.
type WebhookActionHandler struct {
	client   *http.Client
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker[int]
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewWebhookActionHandler(client *http.Client, config BreakerConfig, logger *slog.Logger) *WebhookActionHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if config.FailureThreshold == 0 {
		config = DefaultBreakerConfig()
	}
	return &WebhookActionHandler{
		client:   client,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker[int]),
		logger:   logger,
	}
}

func (h *WebhookActionHandler) ActionType() ActionType { return ActionWebhook }

// Execute sends params["body"] (or the evaluation context when no body is
// given) as JSON. Any response status outside 2xx is an error.
func (h *WebhookActionHandler) Execute(ctx context.Context, params map[string]any, evalCtx map[string]any) (map[string]any, error) {
	rawURL, err := requireParam(ActionWebhook, params, "url")
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("%s: invalid url %q", ActionWebhook, rawURL)
	}

	method := strings.ToUpper(stringParam(params, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body, ok := params["body"]
	if !ok {
		body = evalCtx
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode body: %w", ActionWebhook, err)
	}

	breaker := h.breaker(target.Host)
	status, err := breaker.Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		if headers, ok := params["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, stringify(v))
			}
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: circuit open for %s: %w", ActionWebhook, target.Host, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", ActionWebhook, rawURL, err)
	}

	h.logger.Info("webhook delivered", "url", rawURL, "method", method, "status", status)

	return map[string]any{
		"url":        rawURL,
		"method":     method,
		"statusCode": status,
	}, nil
}

func (h *WebhookActionHandler) breaker(host string) *gobreaker.CircuitBreaker[int] {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cb, ok := h.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        host,
		MaxRequests: h.config.MaxRequests,
		Interval:    h.config.Interval,
		Timeout:     h.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("webhook circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	h.breakers[host] = cb
	return cb
}
