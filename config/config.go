// Package config loads the daemon configuration with the precedence
// defaults → YAML file → environment overrides (MCPFLOW_*).
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("mcpflow.yaml").
//	    Load()
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	// Server holds the listen endpoints.
	Server ServerConfig `yaml:"server" env:"SERVER"`
	// Orchestrator configures the Tier-0 router.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`
	// Supervisor configures the Tier-1 engine.
	Supervisor SupervisorConfig `yaml:"supervisor" env:"SUPERVISOR"`
	// Budget configures the per-user resource caps.
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`
	// Redis configures the shared budget ledger. Disabled means the
	// in-memory ledger serves a single instance.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// Auth configures capability checking.
	Auth AuthConfig `yaml:"auth" env:"AUTH"`
	// Audit configures the terminal-state audit trail.
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`
	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`
	// Telemetry configures OTLP trace export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds the listen endpoints.
type ServerConfig struct {
	// WorkerListen is the framed-socket endpoint workers connect from.
	WorkerListen string `yaml:"worker_listen" env:"WORKER_LISTEN"`
	// MetricsListen serves the Prometheus scrape endpoint; empty
	// disables it.
	MetricsListen string `yaml:"metrics_listen" env:"METRICS_LISTEN"`
	// TLSCertFile / TLSKeyFile enable TLS on the worker endpoint when
	// both are set.
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// OrchestratorConfig configures the Tier-0 router.
type OrchestratorConfig struct {
	Name       string        `yaml:"name" env:"NAME"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
}

// SupervisorConfig configures the Tier-1 engine.
type SupervisorConfig struct {
	Name                 string        `yaml:"name" env:"NAME"`
	QueueCapacity        int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	Concurrency          int           `yaml:"concurrency" env:"CONCURRENCY"`
	DefaultExecutionTime time.Duration `yaml:"default_execution_time" env:"DEFAULT_EXECUTION_TIME"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
}

// BudgetConfig configures the per-user resource caps.
type BudgetConfig struct {
	WindowCost         float64       `yaml:"window_cost" env:"WINDOW_COST"`
	Window             time.Duration `yaml:"window" env:"WINDOW"`
	Overdraft          float64       `yaml:"overdraft" env:"OVERDRAFT"`
	MaxExecutionTime   time.Duration `yaml:"max_execution_time" env:"MAX_EXECUTION_TIME"`
	MaxMemoryBytes     int64         `yaml:"max_memory_bytes" env:"MAX_MEMORY_BYTES"`
	DefaultReserveCost float64       `yaml:"default_reserve_cost" env:"DEFAULT_RESERVE_COST"`
	RatePerSecond      float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	RateBurst          int           `yaml:"rate_burst" env:"RATE_BURST"`
}

// RedisConfig configures the shared budget ledger.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// AuthConfig configures capability checking. Mode is one of "none",
// "static", "jwt".
type AuthConfig struct {
	Mode string `yaml:"mode" env:"MODE"`
	// JWTSecret signs and verifies HS256 bearer tokens in jwt mode.
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// Grants maps user ids to allowed task-type prefixes in static mode.
	Grants map[string][]string `yaml:"grants" env:"-"`
}

// AuditConfig configures the terminal-state audit trail.
type AuditConfig struct {
	// Path is the JSONL file; empty disables auditing.
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths lists zap sinks ("stdout", file paths).
	OutputPaths  []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WorkerListen:    "0.0.0.0:7420",
			MetricsListen:   "0.0.0.0:9090",
			ShutdownTimeout: 15 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Name:       "root",
			DefaultTTL: 60 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Name:                 "intelligence",
			QueueCapacity:        64,
			Concurrency:          8,
			DefaultExecutionTime: 30 * time.Second,
			RetryBaseDelay:       50 * time.Millisecond,
			RetryMaxDelay:        2 * time.Second,
		},
		Budget: BudgetConfig{
			WindowCost:         100,
			Window:             24 * time.Hour,
			Overdraft:          10,
			MaxExecutionTime:   5 * time.Minute,
			MaxMemoryBytes:     1 << 30,
			DefaultReserveCost: 1,
			RatePerSecond:      10,
			RateBurst:          20,
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			PoolSize:  10,
			KeyPrefix: "mcpflow",
		},
		Auth: AuthConfig{Mode: "none"},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mcpflow",
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.WorkerListen == "" {
		errs = append(errs, "server.worker_listen is required")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Supervisor.QueueCapacity <= 0 {
		errs = append(errs, "supervisor.queue_capacity must be positive")
	}
	if c.Supervisor.Concurrency <= 0 {
		errs = append(errs, "supervisor.concurrency must be positive")
	}
	if c.Budget.WindowCost <= 0 {
		errs = append(errs, "budget.window_cost must be positive")
	}
	if c.Budget.Window <= 0 {
		errs = append(errs, "budget.window must be positive")
	}
	if c.Budget.Overdraft < 0 {
		errs = append(errs, "budget.overdraft must not be negative")
	}
	switch c.Auth.Mode {
	case "", "none", "static":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			errs = append(errs, "auth.jwt_secret is required in jwt mode")
		}
	default:
		errs = append(errs, "auth.mode must be none, static, or jwt")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be debug, info, warn, or error")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be within [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
