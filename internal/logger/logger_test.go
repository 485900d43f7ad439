package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    any
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"", LevelInfo, false},
		{"warning", LevelWarning, false},
		{"Error", LevelError, false},
		{"fatal", LevelFatal, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestSetupJSONFiltersByLevelAndCounts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup(context.Background(), Options{Level: "warn", ErrorSampleRate: 1, Output: &buf}))
	defer SetLevel(LevelInfo)

	warningsBefore := TotalWarnings.Load()
	errorsBefore := TotalErrors.Load()

	Logger.Info("hidden")
	Warn("rule guard failed", "rule_id", "r1")
	Error("store unavailable")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"rule_id":"r1"`)
	assert.Equal(t, 2, strings.Count(out, "\n"))
	assert.Equal(t, warningsBefore+1, TotalWarnings.Load())
	assert.Equal(t, errorsBefore+1, TotalErrors.Load())
	assert.Equal(t, LevelWarning, GetLevel())
}

func TestSetupUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	err := Setup(context.Background(), Options{Level: "loud", Output: &buf})
	assert.ErrorContains(t, err, "unknown log level")
	assert.Equal(t, LevelInfo, GetLevel())
}

func TestHTTPCounters(t *testing.T) {
	before := Snapshot()

	WarnHttp4xx(404)
	WarnHttp4xx(400)
	WarnHttp4xx(409)
	ErrorHttp5xx()

	after := Snapshot()
	assert.Equal(t, before.HTTP4xx+3, after.HTTP4xx)
	assert.Equal(t, before.HTTP404+1, after.HTTP404)
	assert.Equal(t, before.HTTP400+1, after.HTTP400)
	assert.Equal(t, before.HTTP5xx+1, after.HTTP5xx)
}
