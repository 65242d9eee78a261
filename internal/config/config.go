// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Processing    ProcessingConfig    `yaml:"processing"`
	Store         StoreConfig         `yaml:"store"`
	Report        ReportConfig        `yaml:"report"`
	Mail          MailConfig          `yaml:"mail"`
	Documents     DocumentsConfig     `yaml:"documents"`
	Lock          LockConfig          `yaml:"lock"`
	Trigger       TriggerConfig       `yaml:"trigger"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig describes when processing runs are started.
type SchedulerConfig struct {
	// Schedule is a cron expression or an "@every <duration>" descriptor.
	Schedule   string `yaml:"schedule"`
	RunOnStart bool   `yaml:"run_on_start"`
}

// ProcessingConfig describes how a run walks pending orders.
type ProcessingConfig struct {
	Workers int `yaml:"workers"`
	// BusinessUnit restricts processing to orders owned by this unit.
	// Empty processes every order.
	BusinessUnit string        `yaml:"business_unit"`
	OrderTimeout time.Duration `yaml:"order_timeout"`
}

// StoreConfig describes order and history persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// ReportConfig describes the report rendering service.
type ReportConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for the report service.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MailConfig describes the SMTP relay.
type MailConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	UsernameEnv string        `yaml:"username_env"`
	PasswordEnv string        `yaml:"password_env"`
	From        string        `yaml:"from"`
	TLSPolicy   string        `yaml:"tls_policy"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DocumentsConfig describes where supplementary documents live.
type DocumentsConfig struct {
	SupplementaryDir string `yaml:"supplementary_dir"`
}

// LockConfig describes the run re-entrancy guard.
type LockConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Key     string        `yaml:"key"`
	TTL     time.Duration `yaml:"ttl"`
}

// TriggerConfig describes the HTTP run trigger.
type TriggerConfig struct {
	Enabled bool `yaml:"enabled"`
	// SecretEnv names the variable holding the HS256 signing secret. When
	// unset the trigger accepts unauthenticated requests.
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
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
			Enabled:         true,
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Schedule: "@every 5m",
		},
		Processing: ProcessingConfig{
			Workers:      1,
			OrderTimeout: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Report: ReportConfig{
			Timeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				HalfOpenRequests: 1,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
			},
		},
		Mail: MailConfig{
			Port:      25,
			TLSPolicy: "opportunistic",
			Timeout:   30 * time.Second,
		},
		Lock: LockConfig{
			Driver: "local",
			Key:    "detention-letters:run",
			TTL:    30 * time.Minute,
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
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
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

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Processing.Workers < 1 {
		errs = append(errs, "processing.workers must be at least 1")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, sqlite, postgres)", c.Store.Driver))
	}

	if c.Report.BaseURL == "" {
		errs = append(errs, "report.base_url is required")
	}
	if c.Report.Timeout <= 0 {
		errs = append(errs, "report.timeout must be positive")
	}

	if c.Mail.Host == "" {
		errs = append(errs, "mail.host is required")
	}
	if c.Mail.From == "" {
		errs = append(errs, "mail.from is required")
	}
	switch c.Mail.TLSPolicy {
	case "mandatory", "opportunistic", "none":
	default:
		errs = append(errs, fmt.Sprintf("mail.tls_policy %q is not supported (mandatory, opportunistic, none)", c.Mail.TLSPolicy))
	}

	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.AddrEnv == "" {
			errs = append(errs, "lock.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q is not supported (local, redis)", c.Lock.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads DLETTER_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DLETTER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DLETTER_SCHEDULER_SCHEDULE"); v != "" {
		cfg.Scheduler.Schedule = v
	}
	if v := os.Getenv("DLETTER_PROCESSING_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Processing.Workers = n
		}
	}
	if v := os.Getenv("DLETTER_PROCESSING_BUSINESS_UNIT"); v != "" {
		cfg.Processing.BusinessUnit = v
	}
	if v := os.Getenv("DLETTER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DLETTER_REPORT_BASE_URL"); v != "" {
		cfg.Report.BaseURL = v
	}
	if v := os.Getenv("DLETTER_MAIL_HOST"); v != "" {
		cfg.Mail.Host = v
	}
	if v := os.Getenv("DLETTER_MAIL_FROM"); v != "" {
		cfg.Mail.From = v
	}
	if v := os.Getenv("DLETTER_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
