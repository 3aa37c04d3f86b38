package observability

import (
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"github.com/smallbiznis/srmgate/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.logger,
		logger.New,
		Config.tracing,
		tracing.NewProvider,
		Config.metrics,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	// Both are constructed eagerly: the tracer provider installs the global
	// propagator and dispatch metrics register against the default registry.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(metrics.DispatchWithConfig),
)

func (c Config) logger() logger.Config {
	return logger.Config{
		ServiceName:    c.ServiceName,
		Environment:    c.Environment,
		Version:        c.Version,
		SRMEnvironment: c.SRMEnvironment,
		Level:          c.LogLevel,
		Console:        c.LogConsole,
		Debug:          c.Debug(),
		WithCaller:     true,
	}
}

func (c Config) tracing() tracing.Config {
	return tracing.Config{
		Enabled:        c.OTLP.Enabled,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.Version,
		Environment:    c.Environment,
		SRMEnvironment: c.SRMEnvironment,
		Endpoint:       c.OTLP.Endpoint,
		Protocol:       c.OTLP.Protocol,
		SampleRatio:    c.OTLP.SampleRatio,
	}
}

func (c Config) metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.OTLP.Enabled,
		ExporterEndpoint: c.OTLP.Endpoint,
		ExporterProtocol: c.OTLP.Protocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
