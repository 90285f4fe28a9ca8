package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string // loaded but not applied: logging.Setup always writes JSON

	DBPath string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	// Surrogate-model configuration, forwarded to new sessions.
	OptunaStorage     string // opaque storage URL for the surrogate library
	OptunaSampler     string // "auto" or "tpe"
	OptunaSamplerSeed int64  // 0 = unseeded

	// Security & hardening.
	AdminToken            string   // required for /admin/v1 access in production
	CORSOrigins           []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS          int      // requests per second per limiter key (client IP, plus bearer-token prefix when present)
	RateLimitBurst        int      // burst capacity per limiter key
	MaxConcurrentSessions int      // validated (>= 0) but not read by the server or applied to API keys

	// OpenTelemetry tracing (opt-in).
	OTelExporterEndpoint string // OPT_OTEL_EXPORTER_ENDPOINT; tracing disabled if unset
	OTelServiceName      string

	// Session inactivity.
	InactivityTimeout time.Duration // 0 disables inactivity termination

	ShutdownDrainSecs int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("OPT_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("OPT_LOG_LEVEL", "info"),
		LogFormat:  getEnv("OPT_LOG_FORMAT", "json"),
		DBPath:     getEnv("OPT_DB_PATH", "./data/optimiser.db"),

		VaultEnabled:  getEnvBool("OPT_VAULT_ENABLED", true),
		VaultPassword: getEnv("OPT_VAULT_PASSWORD", ""),

		OptunaStorage:     getEnv("OPTUNA_STORAGE", ""),
		OptunaSampler:     getEnv("OPTUNA_SAMPLER", "auto"),
		OptunaSamplerSeed: getEnvInt64("OPTUNA_SAMPLER_SEED", 0),

		AdminToken:            getEnv("OPT_ADMIN_TOKEN", ""),
		CORSOrigins:           getEnvStringSlice("CORS_ALLOW_ORIGINS", []string{"http://localhost:8000"}),
		RateLimitRPS:          getEnvInt("OPT_RATE_LIMIT_RPS", 60),
		RateLimitBurst:        getEnvInt("OPT_RATE_LIMIT_BURST", 120),
		MaxConcurrentSessions: getEnvInt("OPT_MAX_CONCURRENT_SESSIONS", 100),

		OTelExporterEndpoint: getEnv("OPT_OTEL_EXPORTER_ENDPOINT", ""),
		OTelServiceName:      getEnv("OPT_OTEL_SERVICE_NAME", "optimiser"),

		InactivityTimeout: getEnvDuration("OPT_INACTIVITY_TIMEOUT", 0),

		ShutdownDrainSecs: getEnvInt("OPT_SHUTDOWN_DRAIN_SECS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("OPT_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("OPT_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.MaxConcurrentSessions < 0 {
		return fmt.Errorf("OPT_MAX_CONCURRENT_SESSIONS must be >= 0, got %d", c.MaxConcurrentSessions)
	}
	if c.OptunaSampler != "auto" && c.OptunaSampler != "tpe" {
		return fmt.Errorf("OPTUNA_SAMPLER must be 'auto' or 'tpe', got %q", c.OptunaSampler)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
