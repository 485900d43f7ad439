package rules

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	key     string
	payload []byte
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{key: routingKey, payload: payload})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, len(p.messages))
	for i, m := range p.messages {
		keys[i] = m.key
	}
	return keys
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchUnknownActionType(t *testing.T) {
	d := NewDefaultDispatcher(DispatcherConfig{Logger: discardLogger()})

	result, err := d.Dispatch(context.Background(), RuleAction{Type: "SEND_FAX"}, nil)

	require.EqualError(t, err, "unknown action type: SEND_FAX")
	assert.False(t, result.Success)
	assert.Equal(t, ActionType("SEND_FAX"), result.Type)
}

func TestDispatchInterpolatesParameters(t *testing.T) {
	d := NewDefaultDispatcher(DispatcherConfig{Logger: discardLogger()})

	result, err := d.Dispatch(context.Background(), RuleAction{
		Type:       ActionSendEmail,
		Parameters: map[string]any{"to": "{email}", "subject": "Welcome {name}"},
	}, map[string]any{"email": "ada@example.com", "name": "Ada"})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "ada@example.com", result.Data["to"])
	assert.Equal(t, "Welcome Ada", result.Data["subject"])
	assert.NotEmpty(t, result.Data["emailId"])
}

func TestBuiltInHandlersRequireParameters(t *testing.T) {
	d := NewDefaultDispatcher(DispatcherConfig{Logger: discardLogger()})

	tests := []struct {
		name   string
		action RuleAction
		idKey  string
	}{
		{"email", RuleAction{Type: ActionSendEmail, Parameters: map[string]any{"to": "a@b.c"}}, "emailId"},
		{"notification", RuleAction{Type: ActionSendNotification, Parameters: map[string]any{"message": "hi"}}, "notificationId"},
		{"stock", RuleAction{Type: ActionUpdateStock, Parameters: map[string]any{"productId": "p-1", "quantity": "-2"}}, "stockMovementId"},
		{"alert", RuleAction{Type: ActionCreateAlert, Parameters: map[string]any{"message": "low"}}, "alertId"},
		{"discount", RuleAction{Type: ActionApplyDiscount, Parameters: map[string]any{"percentage": 10}}, "discountId"},
		{"task", RuleAction{Type: ActionCreateTask, Parameters: map[string]any{"title": "call"}}, "taskId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := d.Dispatch(context.Background(), tt.action, nil)
			require.NoError(t, err)
			assert.NotEmpty(t, result.Data[tt.idKey])

			_, err = d.Dispatch(context.Background(), RuleAction{Type: tt.action.Type}, nil)
			assert.Error(t, err, "missing parameters must fail")
		})
	}
}

func TestStockUpdateRejectsNonNumericQuantity(t *testing.T) {
	d := NewDefaultDispatcher(DispatcherConfig{Logger: discardLogger()})

	_, err := d.Dispatch(context.Background(), RuleAction{
		Type:       ActionUpdateStock,
		Parameters: map[string]any{"productId": "p-1", "quantity": "{qty}"},
	}, map[string]any{})

	assert.ErrorContains(t, err, "must be numeric")
}

func TestNotificationAndAlertPublish(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDefaultDispatcher(DispatcherConfig{Publisher: pub, Logger: discardLogger()})
	ctx := context.Background()

	_, err := d.Dispatch(ctx, RuleAction{Type: ActionSendNotification, Parameters: map[string]any{"message": "sale {id}"}}, map[string]any{"id": "s-1"})
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, RuleAction{Type: ActionCreateAlert, Parameters: map[string]any{"message": "low"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"automation.notification", "automation.alert"}, pub.keys())

	var msg struct {
		Parameters map[string]any `json:"parameters"`
	}
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &msg))
	assert.Equal(t, "sale s-1", msg.Parameters["message"])
}

func TestPublishFailureFailsAction(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := NewDefaultDispatcher(DispatcherConfig{Publisher: pub, Logger: discardLogger()})

	_, err := d.Dispatch(context.Background(), RuleAction{Type: ActionCreateAlert, Parameters: map[string]any{"message": "low"}}, nil)

	assert.ErrorContains(t, err, "broker down")
}

func TestWebhookPostsContext(t *testing.T) {
	var (
		gotMethod string
		gotHeader string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Tenant")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewWebhookActionHandler(srv.Client(), DefaultBreakerConfig(), discardLogger())
	data, err := h.Execute(context.Background(), map[string]any{
		"url":     srv.URL + "/hooks/sale",
		"headers": map[string]any{"X-Tenant": "acme"},
	}, map[string]any{"saleId": "s-1"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, data["statusCode"])
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "acme", gotHeader)
	assert.Equal(t, "s-1", gotBody["saleId"])
}

func TestWebhookErrorStatusAndBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewWebhookActionHandler(srv.Client(), BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 2,
	}, discardLogger())
	params := map[string]any{"url": srv.URL, "method": "put"}

	for i := 0; i < 2; i++ {
		_, err := h.Execute(context.Background(), params, nil)
		assert.ErrorContains(t, err, "status 502")
	}

	_, err := h.Execute(context.Background(), params, nil)
	assert.ErrorContains(t, err, "circuit open")
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the server")
}

func TestWebhookRequiresURL(t *testing.T) {
	h := NewWebhookActionHandler(nil, BreakerConfig{}, discardLogger())

	_, err := h.Execute(context.Background(), map[string]any{}, nil)
	assert.ErrorContains(t, err, `"url" is required`)

	_, err = h.Execute(context.Background(), map[string]any{"url": "not a url"}, nil)
	assert.ErrorContains(t, err, "invalid url")
}
