// Package config centralizes environment-driven configuration for AppForge.
// Values load from the process environment; a .env file is honored when
// present (loaded by cmd via godotenv before Load is called).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Env  string
	Port string

	Database  DatabaseConfig
	Redis     RedisConfig
	Sandbox   SandboxConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Jobs      JobsConfig
	Agents    AgentsConfig
	LLM       LLMConfig
	Auth      AuthConfig
	Audit     AuditConfig
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders the gorm/lib-pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// RedisConfig configures the shared Redis instance backing rate-limit
// windows and circuit-breaker state.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

// SandboxConfig configures the sandbox service client and lifecycle manager.
type SandboxConfig struct {
	Driver         string // "remote" or "docker"
	RemoteBaseURL  string
	RemoteAPIToken string
	Image          string // docker driver base image
	CreateTimeout  time.Duration
	CommandTimeout time.Duration
}

// RateLimitConfig holds per-operation fixed-window limits.
type RateLimitConfig struct {
	Window         time.Duration
	SandboxCreate  int
	SandboxCommand int
	LLMGenerate    int
}

// Limits returns the operation-type -> window limit map consumed by the limiter.
func (r RateLimitConfig) Limits() map[string]int {
	return map[string]int{
		"sandbox_create":  r.SandboxCreate,
		"sandbox_command": r.SandboxCommand,
		"llm_generate":    r.LLMGenerate,
	}
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	ProbeTTL         time.Duration
}

// JobsConfig holds queue sweep tuning.
type JobsConfig struct {
	SweepInterval time.Duration
	MaxAttempts   int
}

// AgentsConfig bounds the pipeline's retry behavior.
type AgentsConfig struct {
	RepairBudget     int
	MalformedRetries int
}

// LLMConfig configures the text-generation backend client.
type LLMConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// AuthConfig configures the request authenticator.
type AuthConfig struct {
	JWTSecret string
	Disabled  bool // dev mode only
}

// AuditConfig configures the optional S3 validation-report archive.
type AuditConfig struct {
	S3Bucket  string
	S3Region  string
	S3Prefix  string
	AccessKey string
	SecretKey string
}

// Load reads configuration from the environment with production-biased defaults.
func Load() *Config {
	return &Config{
		Env:  envOr("FORGE_ENV", "development"),
		Port: envOr("PORT", "8080"),
		Database: DatabaseConfig{
			Host:     envOr("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			User:     envOr("DB_USER", "forge"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     envOr("DB_NAME", "appforge"),
			SSLMode:  envOr("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			Host:     envOr("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Sandbox: SandboxConfig{
			Driver:         envOr("SANDBOX_DRIVER", "remote"),
			RemoteBaseURL:  envOr("SANDBOX_BASE_URL", "http://localhost:9000"),
			RemoteAPIToken: os.Getenv("SANDBOX_API_TOKEN"),
			Image:          envOr("SANDBOX_IMAGE", "node:20-slim"),
			CreateTimeout:  envDuration("SANDBOX_CREATE_TIMEOUT", 60*time.Second),
			CommandTimeout: envDuration("SANDBOX_COMMAND_TIMEOUT", 120*time.Second),
		},
		RateLimit: RateLimitConfig{
			Window:         envDuration("RATELIMIT_WINDOW", time.Minute),
			SandboxCreate:  envInt("RATELIMIT_SANDBOX_CREATE", 10),
			SandboxCommand: envInt("RATELIMIT_SANDBOX_COMMAND", 60),
			LLMGenerate:    envInt("RATELIMIT_LLM_GENERATE", 30),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         envDuration("BREAKER_COOLDOWN", 2*time.Minute),
			MaxCooldown:      envDuration("BREAKER_MAX_COOLDOWN", 16*time.Minute),
			ProbeTTL:         envDuration("BREAKER_PROBE_TTL", 30*time.Second),
		},
		Jobs: JobsConfig{
			SweepInterval: envDuration("JOBS_SWEEP_INTERVAL", 2*time.Minute),
			MaxAttempts:   envInt("JOBS_MAX_ATTEMPTS", 5),
		},
		Agents: AgentsConfig{
			RepairBudget:     envInt("AGENTS_REPAIR_BUDGET", 3),
			MalformedRetries: envInt("AGENTS_MALFORMED_RETRIES", 2),
		},
		LLM: LLMConfig{
			BaseURL:           envOr("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:            os.Getenv("LLM_API_KEY"),
			Model:             envOr("LLM_MODEL", "gpt-4o-mini"),
			RequestsPerSecond: envFloat("LLM_REQUESTS_PER_SECOND", 2),
			Timeout:           envDuration("LLM_TIMEOUT", 90*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			Disabled:  envBool("AUTH_DISABLED", false),
		},
		Audit: AuditConfig{
			S3Bucket:  os.Getenv("AUDIT_S3_BUCKET"),
			S3Region:  envOr("AUDIT_S3_REGION", "us-east-1"),
			S3Prefix:  envOr("AUDIT_S3_PREFIX", "validation-reports"),
			AccessKey: os.Getenv("AUDIT_AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AUDIT_AWS_SECRET_ACCESS_KEY"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
