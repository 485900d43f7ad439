package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

var (
	// Logger is the process logger. It is replaced by Setup.
	Logger = slog.Default()

	errorSampleRate atomic.Int32
	programLevel    = new(slog.LevelVar)
	shutdownFunc    func(context.Context) error
)

// Counters are incremented for every warning and error, sampled or not.
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total400Errors atomic.Int64
	Total404Errors atomic.Int64
)

func init() {
	errorSampleRate.Store(1)
	programLevel.Set(slog.LevelInfo)
}

// Options configures Setup.
type Options struct {
	Level string
	// ErrorSampleRate logs one in N warnings and errors; 1 logs all of them.
	ErrorSampleRate int
	OTELEnabled     bool
	ServiceName     string
	// Output receives JSON logs when OTEL is disabled. Defaults to stdout.
	Output io.Writer
}

// Setup installs the process logger and makes it the slog default. With OTEL
// enabled, records are exported over OTLP/gRPC; if the exporter cannot be
// created Setup falls back to JSON and returns the error.
func Setup(ctx context.Context, opts Options) error {
	level, levelErr := ParseLevel(opts.Level)
	programLevel.Set(level)

	if opts.ErrorSampleRate > 0 {
		errorSampleRate.Store(int32(opts.ErrorSampleRate))
	}

	if opts.OTELEnabled {
		serviceName := opts.ServiceName
		if serviceName == "" {
			serviceName = "automations"
		}
		handler, shutdown, err := otelHandler(ctx, serviceName)
		if err == nil {
			shutdownFunc = shutdown
			install(handler)
			return levelErr
		}
		install(jsonHandler(opts.Output))
		return fmt.Errorf("otel logging unavailable, using JSON: %w", err)
	}

	install(jsonHandler(opts.Output))
	return levelErr
}

func install(h slog.Handler) {
	Logger = slog.New(h)
	slog.SetDefault(Logger)
}

func jsonHandler(w io.Writer) slog.Handler {
	if w == nil {
		w = os.Stdout
	}
	return &sampledHandler{
		level:   programLevel,
		handler: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel}),
	}
}

func otelHandler(ctx context.Context, serviceName string) (slog.Handler, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := &sampledHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	}
	return handler, provider.Shutdown, nil
}

// sampledHandler filters by level, counts warnings and errors, and drops all
// but one in errorSampleRate of them.
type sampledHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *sampledHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *sampledHandler) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= LevelError:
		TotalErrors.Add(1)
	case r.Level >= LevelWarning:
		TotalWarnings.Add(1)
	default:
		return h.handler.Handle(ctx, r)
	}
	if r.Level < LevelFatal && !shouldSample() {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *sampledHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sampledHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *sampledHandler) WithGroup(name string) slog.Handler {
	return &sampledHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

func shouldSample() bool {
	rate := errorSampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Shutdown flushes the OTEL exporter, if one is installed.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to a slog.Level. Unknown names yield
// LevelInfo and an error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// Fatal logs msg, flushes OTEL and exits.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// ErrorHttp5xx counts a 5xx response.
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
}

// WarnHttp4xx counts a 4xx response.
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	switch status {
	case 400:
		Total400Errors.Add(1)
	case 404:
		Total404Errors.Add(1)
	}
}

// Stats is a snapshot of the counters.
type Stats struct {
	Errors   int64 `json:"errors"`
	Warnings int64 `json:"warnings"`
	HTTP4xx  int64 `json:"http4xx"`
	HTTP5xx  int64 `json:"http5xx"`
	HTTP400  int64 `json:"http400"`
	HTTP404  int64 `json:"http404"`
}

func Snapshot() Stats {
	return Stats{
		Errors:   TotalErrors.Load(),
		Warnings: TotalWarnings.Load(),
		HTTP4xx:  Total4xxErrors.Load(),
		HTTP5xx:  Total5xxErrors.Load(),
		HTTP400:  Total400Errors.Load(),
		HTTP404:  Total404Errors.Load(),
	}
}
