package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	SRM       SRMConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	Operator  OperatorConfig
	Fleet     FleetMetricsConfig
	RateLimit RateLimitConfig
}

// SRMConfig selects the regulator environment and holds secret material references.
type SRMConfig struct {
	MasterKey          string
	ProfilePath        string
	DefaultEnvironment string
	DefaultTenantID    string
	// EnrollmentStaleAfter bounds how long an enrollment may wait for its
	// regulator outcome before the recovery sweep reverts it.
	EnrollmentStaleAfter time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// DispatchConfig controls the outbox dispatcher.
type DispatchConfig struct {
	Enabled          bool
	Interval         time.Duration
	MinInterval      time.Duration
	CallTimeout      time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	StuckAfter       time.Duration
	MaxParallel      int
	BatchSize        int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BreakerMaxCool   time.Duration
}

// OperatorConfig maps operator API keys to roles ("key:role,key2:role2").
type OperatorConfig struct {
	APIKeys map[string]string
}

// RateLimitConfig throttles transaction submissions per tenant through Redis.
type RateLimitConfig struct {
	Enabled     bool
	TenantRate  float64
	TenantBurst int
}

type FleetMetricsConfig struct {
	Enabled    bool
	InstanceID string
	Exporter   string
	Endpoint   string
	AuthToken  string
	Interval   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "srmgate"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "srmgate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		SRM: SRMConfig{
			MasterKey:            strings.TrimSpace(getenv("SRM_MASTER_KEY", "")),
			ProfilePath:          strings.TrimSpace(getenv("SRM_PROFILE_PATH", "")),
			DefaultEnvironment:   strings.ToUpper(getenv("SRM_DEFAULT_ENVIRONMENT", EnvironmentEssai)),
			DefaultTenantID:      strings.TrimSpace(getenv("SRM_DEFAULT_TENANT", "")),
			EnrollmentStaleAfter: getenvDuration("SRM_ENROLLMENT_STALE_AFTER", 10*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			LockTTL:  getenvDuration("REDIS_LOCK_TTL", 2*time.Minute),
		},
		Dispatch: DispatchConfig{
			Enabled:          getenvBool("DISPATCH_ENABLED", true),
			Interval:         getenvDuration("DISPATCH_INTERVAL", 30*time.Second),
			MinInterval:      getenvDuration("DISPATCH_MIN_INTERVAL", 5*time.Second),
			CallTimeout:      getenvDuration("DISPATCH_CALL_TIMEOUT", 15*time.Second),
			MaxAttempts:      getenvInt("DISPATCH_MAX_ATTEMPTS", 10),
			BackoffBase:      getenvDuration("DISPATCH_BACKOFF_BASE", 30*time.Second),
			BackoffMax:       getenvDuration("DISPATCH_BACKOFF_MAX", 30*time.Minute),
			StuckAfter:       getenvDuration("DISPATCH_STUCK_AFTER", 5*time.Minute),
			MaxParallel:      getenvInt("DISPATCH_MAX_PARALLEL", 8),
			BatchSize:        getenvInt("DISPATCH_BATCH_SIZE", 50),
			BreakerThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 3),
			BreakerCooldown:  getenvDuration("BREAKER_COOLDOWN", time.Minute),
			BreakerMaxCool:   getenvDuration("BREAKER_MAX_COOLDOWN", 30*time.Minute),
		},
		Operator: OperatorConfig{
			APIKeys: parseAPIKeys(getenv("OPERATOR_API_KEYS", "")),
		},
		Fleet: FleetMetricsConfig{
			Enabled:    getenvBool("FLEET_METRICS_ENABLED", false),
			InstanceID: strings.TrimSpace(getenv("FLEET_INSTANCE_ID", hostname())),
			Exporter:   strings.ToLower(getenv("FLEET_METRICS_EXPORTER", "")),
			Endpoint:   strings.TrimSpace(getenv("FLEET_METRICS_ENDPOINT", "")),
			AuthToken:  strings.TrimSpace(getenv("FLEET_METRICS_AUTH_TOKEN", "")),
			Interval:   getenvDuration("FLEET_METRICS_INTERVAL", time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			TenantRate:  getenvFloat("RATE_LIMIT_TENANT_RATE", 20),
			TenantBurst: getenvInt("RATE_LIMIT_TENANT_BURST", 40),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func parseAPIKeys(raw string) map[string]string {
	keys := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, role, ok := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		role = strings.ToLower(strings.TrimSpace(role))
		if !ok || key == "" || role == "" {
			log.Printf("[config] ignoring malformed operator key entry")
			continue
		}
		keys[key] = role
	}
	return keys
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("invalid %s value %q, using default %d", key, value, def)
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("invalid %s value %q, using default %v", key, value, def)
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("invalid %s value %q, using default %s", key, value, def)
		return def
	}
	return parsed
}
