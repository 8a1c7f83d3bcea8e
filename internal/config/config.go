// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Identity modes.
const (
	IdentityJWT    = "jwt"
	IdentityHeader = "header"
)

// Store and broker drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverNone     = "none"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Redis         RedisConfig         `yaml:"redis"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how callers are identified. In jwt mode bearer
// tokens are verified against a JWKS endpoint; header mode trusts
// SubjectHeader and is meant for development behind a trusted proxy.
type IdentityConfig struct {
	Mode          string            `yaml:"mode"`
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
	SubjectHeader string            `yaml:"subject_header"`
}

// CatalogConfig points at an optional step catalog file. The built-in
// claims pipeline is used when Path is empty.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	StoreTimeout time.Duration       `yaml:"store_timeout"`
	Store        WorkflowStoreConfig `yaml:"store"`
	Events       EventsConfig        `yaml:"events"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the Postgres connection string from the DSNEnv variable.
func (c WorkflowStoreConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// EventsConfig describes where workflow change events are published.
type EventsConfig struct {
	Driver     string `yaml:"driver"`
	BufferSize int    `yaml:"buffer_size"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RedisConfig is shared by every component with a redis driver.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Address returns Addr, or the value of AddrEnv when Addr is empty.
func (c RedisConfig) Address() string {
	if c.Addr != "" {
		return c.Addr
	}
	if c.AddrEnv != "" {
		return os.Getenv(c.AddrEnv)
	}
	return ""
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Mode:         IdentityJWT,
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
			SubjectHeader: "X-Subject-Id",
		},
		Workflow: WorkflowConfig{
			StoreTimeout: 5 * time.Second,
			Store: WorkflowStoreConfig{
				Driver:          DriverMemory,
				DSNEnv:          "CLAIMFLOW_DATABASE_URL",
				Path:            "claimflow.db",
				MaxOpenConns:    25,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Events: EventsConfig{
				Driver:     DriverMemory,
				BufferSize: 64,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Driver:     DriverMemory,
			DefaultTTL: 24 * time.Hour,
		},
		Redis: RedisConfig{
			AddrEnv:   "CLAIMFLOW_REDIS_ADDR",
			KeyPrefix: "claimflow",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path starts from Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Identity.Mode {
	case IdentityJWT:
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
	case IdentityHeader:
		if c.Identity.SubjectHeader == "" {
			errs = append(errs, "identity.subject_header is required in header mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("identity.mode %q must be jwt or header", c.Identity.Mode))
	}

	if c.Workflow.StoreTimeout <= 0 {
		errs = append(errs, "workflow.store_timeout must be positive")
	}
	usesRedis := false
	switch c.Workflow.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Workflow.Store.Path == "" {
			errs = append(errs, "workflow.store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Workflow.Store.DSNEnv == "" {
			errs = append(errs, "workflow.store.dsn_env is required for the postgres driver")
		}
	case DriverRedis:
		usesRedis = true
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q must be one of memory, sqlite, postgres, redis", c.Workflow.Store.Driver))
	}

	switch c.Workflow.Events.Driver {
	case DriverMemory, DriverNone:
	case DriverRedis:
		usesRedis = true
	default:
		errs = append(errs, fmt.Sprintf("workflow.events.driver %q must be one of memory, redis, none", c.Workflow.Events.Driver))
	}
	if c.Workflow.Events.BufferSize < 0 {
		errs = append(errs, "workflow.events.buffer_size must not be negative")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case DriverMemory:
		case DriverRedis:
			usesRedis = true
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
		}
	}

	if usesRedis && c.Redis.Address() == "" {
		errs = append(errs, "redis.addr (or the variable named by redis.addr_env) is required by a redis driver")
	}

	if c.Observability.Tracing.Enabled {
		if !slices.Contains([]string{"otlp", "stdout"}, c.Observability.Tracing.Exporter) {
			errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q must be otlp or stdout", c.Observability.Tracing.Exporter))
		}
		if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
			errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CLAIMFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAIMFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CLAIMFLOW_IDENTITY_MODE"); v != "" {
		cfg.Identity.Mode = v
	}
	if v := os.Getenv("CLAIMFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CLAIMFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CLAIMFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CLAIMFLOW_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("CLAIMFLOW_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("CLAIMFLOW_WORKFLOW_STORE_PATH"); v != "" {
		cfg.Workflow.Store.Path = v
	}
	if v := os.Getenv("CLAIMFLOW_WORKFLOW_EVENTS_DRIVER"); v != "" {
		cfg.Workflow.Events.Driver = v
	}
	if v := os.Getenv("CLAIMFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
