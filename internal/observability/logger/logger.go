package logger

import (
	"context"
	"fmt"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the process logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	// Regulator environment the gateway talks to by default (DEV, ESSAI, PROD).
	SRMEnvironment string

	Level   string
	Console bool
	Debug   bool

	Sampling   Sampling
	WithCaller bool
	WithStack  bool
}

// Sampling bounds log volume per message within Window.
type Sampling struct {
	First      int
	Thereafter int
	Window     time.Duration
}

func (s Sampling) withDefaults() Sampling {
	if s.First <= 0 {
		s.First = 100
	}
	if s.Thereafter <= 0 {
		s.Thereafter = 100
	}
	if s.Window <= 0 {
		s.Window = time.Second
	}
	return s
}

// New builds the gateway logger, installs it as the zap global and flushes it on shutdown.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(firstNonEmpty(cfg.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("logger: level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "json"
	if cfg.Console {
		zc.Encoding = "console"
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	// Sampling is applied below with an explicit window.
	zc.Sampling = nil

	sampling := cfg.Sampling.withDefaults()
	opts := []zap.Option{
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewSamplerWithOptions(core, sampling.Window, sampling.First, sampling.Thereafter)
		}),
	}
	if cfg.WithCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.WithStack || cfg.Debug {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	base, err := zc.Build(opts...)
	if err != nil {
		return nil, err
	}
	base = base.With(serviceFields(cfg)...)
	zap.ReplaceGlobals(base)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				_ = base.Sync()
				return nil
			},
		})
	}
	return base, nil
}

func serviceFields(cfg Config) []zap.Field {
	fields := []zap.Field{
		zap.String("service", firstNonEmpty(cfg.ServiceName, "srmgate")),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
		zap.String("version", strings.TrimSpace(cfg.Version)),
	}
	if env := strings.ToUpper(strings.TrimSpace(cfg.SRMEnvironment)); env != "" {
		fields = append(fields, zap.String("srm_env", env))
	}
	return fields
}

// FromContext returns the global logger carrying the request's correlation fields.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext attaches the correlation fields found on ctx. Fields that are
// not set are left out so that background passes do not log empty tenants.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil || base == nil {
		return base
	}
	actorType, actorID := obscontext.ActorFromContext(ctx)
	pairs := [...]struct{ key, value string }{
		{"request_id", obscontext.RequestIDFromContext(ctx)},
		{"correlation_id", obscontext.CorrelationIDFromContext(ctx)},
		{"tenant_id", obscontext.TenantIDFromContext(ctx)},
		{"device_id", obscontext.DeviceIDFromContext(ctx)},
		{"actor_type", actorType},
		{"actor_id", actorID},
	}
	fields := make([]zap.Field, 0, len(pairs)+2)
	for _, p := range pairs {
		if p.value != "" {
			fields = append(fields, zap.String(p.key, p.value))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
