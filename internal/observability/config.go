package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/srmgate/internal/config"
)

// Config is the telemetry setup of one gateway process.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	// SRMEnvironment is the regulator environment new devices default to; it
	// is attached to logs and traces so ESSAI traffic is never mistaken for PROD.
	SRMEnvironment string

	LogLevel   string
	LogConsole bool

	OTLP OTLPConfig
}

// OTLPConfig selects the collector shared by traces and metrics.
type OTLPConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    string
	SampleRatio float64
}

// LoadConfig derives telemetry settings from the application config. The
// standard OTEL_* variables win over application defaults.
func LoadConfig(cfg config.Config) Config {
	env := envReader(os.LookupEnv)

	protocol := env.str("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	protocol = strings.ToLower(env.str("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", protocol))

	return Config{
		ServiceName:    firstSet(cfg.AppName, "srmgate"),
		Environment:    env.str("DEPLOYMENT_ENV", cfg.Environment),
		Version:        env.str("SERVICE_VERSION", cfg.AppVersion),
		SRMEnvironment: strings.ToUpper(cfg.SRM.DefaultEnvironment),
		LogLevel:       strings.ToLower(env.str("LOG_LEVEL", "info")),
		LogConsole:     strings.EqualFold(env.str("LOG_FORMAT", "json"), "console"),
		OTLP: OTLPConfig{
			Enabled:     env.flag("OTEL_ENABLED", false),
			Endpoint:    env.str("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
			Protocol:    protocol,
			SampleRatio: env.ratio("OTEL_SAMPLING_RATIO", 0.1),
		},
	}
}

// Debug reports whether verbose diagnostics are wanted: an explicit debug
// level or a non-production deployment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

type envReader func(string) (string, bool)

func (r envReader) str(key, def string) string {
	if v, ok := r(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return strings.TrimSpace(def)
}

func (r envReader) flag(key string, def bool) bool {
	parsed, err := strconv.ParseBool(r.str(key, ""))
	if err != nil {
		return def
	}
	return parsed
}

// ratio accepts only sampling ratios in (0, 1].
func (r envReader) ratio(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(r.str(key, ""), 64)
	if err != nil || parsed <= 0 || parsed > 1 {
		return def
	}
	return parsed
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
