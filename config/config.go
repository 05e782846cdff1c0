package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Provider registry
	RegistryPath string // default: registry.yaml

	// Audit persistence (optional; empty disables it)
	PostgresDSN string

	// Rate limiting backend (optional; empty disables it)
	RedisAddr string

	// Gateway access (optional; empty means the gateway is open)
	GatewayAPIKey string

	// Routing
	ForceProvider string // pins every request to one provider
	ClassifyEmpty string // "conversational" or "tool", default: conversational

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		RegistryPath:         getEnv("REGISTRY_PATH", "registry.yaml"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		GatewayAPIKey:        os.Getenv("GATEWAY_API_KEY"),
		ForceProvider:        os.Getenv("FORCE_PROVIDER"),
		ClassifyEmpty:        getEnv("CLASSIFY_EMPTY", "conversational"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if cfg.ClassifyEmpty != "conversational" && cfg.ClassifyEmpty != "tool" {
		return nil, fmt.Errorf("invalid CLASSIFY_EMPTY %q (want \"conversational\" or \"tool\")", cfg.ClassifyEmpty)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
