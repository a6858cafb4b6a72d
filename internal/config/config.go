// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	AppURL    string // Public base URL, used for gateway finish callbacks

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Webhook replay dedup (optional, uses in-memory if not set)
	BlobDir     string // Delivery-proof storage root
	BlobBaseURL string // URL prefix the stored proofs are served under

	// Event publishing (optional)
	KafkaBrokers []string
	KafkaTopic   string

	// Midtrans
	MidtransServerKey string
	MidtransSnapURL   string
	MidtransAPIURL    string
	GatewayTimeout    time.Duration

	// Visual verification
	VisionURL     string
	VisionAPIKey  string
	VisionMock    bool // Random classifier for demos
	VisionTimeout time.Duration

	// Reconciliation of stale PENDING payments
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Tracing
	OTelEndpoint string
}

// Sandbox defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultAppURL            = "http://localhost:8080"
	DefaultBlobDir           = "./data/blobs"
	DefaultMidtransSnapURL   = "https://app.sandbox.midtrans.com/snap/v1"
	DefaultMidtransAPIURL    = "https://api.sandbox.midtrans.com"
	DefaultVisionURL         = "https://api.colossal.id/v1/vision/detect"
	DefaultKafkaTopic        = "order-lifecycle"
	DefaultGatewayTimeout    = 15 * time.Second
	DefaultVisionTimeout     = 20 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultReconcileGrace    = 15 * time.Minute
	DefaultRateLimit         = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		AppURL:            strings.TrimRight(getEnv("APP_URL", DefaultAppURL), "/"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		BlobDir:           getEnv("BLOB_DIR", DefaultBlobDir),
		KafkaBrokers:      getEnvList("KAFKA_BROKERS"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		MidtransServerKey: os.Getenv("MIDTRANS_SERVER_KEY"),
		MidtransSnapURL:   getEnv("MIDTRANS_SNAP_URL", DefaultMidtransSnapURL),
		MidtransAPIURL:    getEnv("MIDTRANS_API_URL", DefaultMidtransAPIURL),
		GatewayTimeout:    getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		VisionURL:         getEnv("VISION_URL", DefaultVisionURL),
		VisionAPIKey:      os.Getenv("VISION_API_KEY"),
		VisionMock:        getEnvBool("VISION_MOCK", false),
		VisionTimeout:     getEnvDuration("VISION_TIMEOUT", DefaultVisionTimeout),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileGrace:    getEnvDuration("RECONCILE_GRACE", DefaultReconcileGrace),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTelEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.BlobBaseURL = strings.TrimRight(getEnv("BLOB_BASE_URL", cfg.AppURL+"/blobs"), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	if !c.IsDevelopment() {
		if c.MidtransServerKey == "" {
			return fmt.Errorf("MIDTRANS_SERVER_KEY is required outside development")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required outside development")
		}
		if c.VisionMock {
			return fmt.Errorf("VISION_MOCK is only allowed in development")
		}
		if c.VisionAPIKey == "" {
			return fmt.Errorf("VISION_API_KEY is required outside development")
		}
	}

	if c.GatewayTimeout <= 0 || c.VisionTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT and VISION_TIMEOUT must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DemoGateway reports whether checkout should use the offline gateway
// client instead of Midtrans.
func (c *Config) DemoGateway() bool {
	return c.IsDevelopment() && c.MidtransServerKey == ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
