package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the process configuration, loaded from the environment with
// an optional .env file.
type Config struct {
	ProxyPort     int
	DashboardPort int
	LogLevel      string

	DBDSN string

	// RedisAddr empty means the in-process counter store, for
	// single-node development.
	RedisAddr     string
	RedisPassword string

	// Global-default limits seeded into the sentinel config row on
	// first start. Zero means unlimited.
	DefaultRPM int64
	DefaultTPM int64
	DefaultTPH int64
	DefaultTPD int64

	// Dashboard plane.
	SessionSecret     string
	AdminPasswordHash string
	Developers        []string
	CORSOrigins       []string

	// WorkerOrdinal 1 runs the synthetic harness and the defaults
	// bootstrap; other replicas only serve traffic.
	WorkerOrdinal int

	OTelEnabled  bool
	OTelEndpoint string
}

// LoadConfig reads the environment, layering in a .env file when one
// exists.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ProxyPort:     getEnvInt("PROXY_PORT", 3000),
		DashboardPort: getEnvInt("DASHBOARD_PORT", 3001),
		LogLevel:      getEnv("LLMRELAY_LOG_LEVEL", getEnv("LOG_LEVEL", "info")),
		DBDSN:         getEnv("DB_DSN", "file:llmrelay.sqlite"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DefaultRPM: getEnvInt64("DEFAULT_RPM", 0),
		DefaultTPM: getEnvInt64("DEFAULT_TPM", 0),
		DefaultTPH: getEnvInt64("DEFAULT_TPH", 0),
		DefaultTPD: getEnvInt64("DEFAULT_TPD", 0),

		SessionSecret:     getEnv("SESSION_SECRET", ""),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		Developers:        getEnvStringSlice("DEVELOPERS", nil),
		CORSOrigins:       getEnvStringSlice("LLMRELAY_CORS_ORIGINS", nil),

		WorkerOrdinal: getEnvInt("WORKER_ORDINAL", 1),

		OTelEnabled:  getEnvBool("LLMRELAY_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("LLMRELAY_OTEL_ENDPOINT", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("PROXY_PORT must be a valid port, got %d", c.ProxyPort)
	}
	if c.DashboardPort <= 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("DASHBOARD_PORT must be a valid port, got %d", c.DashboardPort)
	}
	if c.ProxyPort == c.DashboardPort {
		return fmt.Errorf("PROXY_PORT and DASHBOARD_PORT must differ, both are %d", c.ProxyPort)
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	for _, n := range []int64{c.DefaultRPM, c.DefaultTPM, c.DefaultTPH, c.DefaultTPD} {
		if n < 0 {
			return fmt.Errorf("DEFAULT_* limits must be >= 0")
		}
	}
	if c.WorkerOrdinal < 1 {
		return fmt.Errorf("WORKER_ORDINAL must be >= 1, got %d", c.WorkerOrdinal)
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
