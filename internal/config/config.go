// Package config loads and validates the JSON configuration file and the
// environment overrides. Configuration is read once at startup and treated
// as read-only afterwards; reconfiguration replaces whole pool objects.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/posbridge/posbridge/internal/apperr"
)

// Engine identifies the database engine behind a connection.
type Engine string

const (
	EngineUnknown  Engine = "unknown"
	EngineMSSQL    Engine = "mssql"
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
)

// ParseEngine normalizes an engine name from configuration.
func ParseEngine(s string) Engine {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mssql", "sqlserver":
		return EngineMSSQL
	case "postgres", "postgresql", "pgsql":
		return EnginePostgres
	case "mysql", "mariadb":
		return EngineMySQL
	default:
		return EngineUnknown
	}
}

// DefaultPort returns the conventional port for the engine, zero for unknown.
func (e Engine) DefaultPort() int {
	switch e {
	case EngineMSSQL:
		return 1433
	case EnginePostgres:
		return 5432
	case EngineMySQL:
		return 3306
	default:
		return 0
	}
}

// PoolingConfig describes the pool policy of one connection.
type PoolingConfig struct {
	Enabled          bool `json:"enabled"`
	MinSize          int  `json:"minSize"`
	MaxSize          int  `json:"maxSize"`
	IdleTimeoutSec   int  `json:"idleTimeoutSec"`
	AcquireTimeoutMs int  `json:"acquireTimeoutMs"`
}

// TLSConfig carries the TLS material for one connection.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	Cert     string `json:"cert"`
	Key      string `json:"key"`
	RootCert string `json:"rootCert"`
}

// RetryConfig bounds connect retries.
type RetryConfig struct {
	Attempts int `json:"attempts"`
	DelayMs  int `json:"delayMs"`
}

// ConnectionConfig describes one database endpoint and its pool policy.
// It is immutable after Validate.
type ConnectionConfig struct {
	Name              string        `json:"name"`
	Engine            Engine        `json:"engine"`
	Server            string        `json:"server"`
	Port              int           `json:"port"`
	Database          string        `json:"database"`
	Schema            string        `json:"schema"`
	Username          string        `json:"username"`
	Password          string        `json:"password"`
	ApplicationName   string        `json:"applicationName"`
	ExtraParams       []string      `json:"extraParams"`
	ConnectTimeoutSec int           `json:"connectTimeoutSec"`
	CommandTimeoutSec int           `json:"commandTimeoutSec"`
	Pooling           PoolingConfig `json:"pooling"`
	TLS               TLSConfig     `json:"tls"`
	Retry             RetryConfig   `json:"retry"`
}

const (
	minAcquireTimeoutMs = 1000
	maxAcquireTimeoutMs = 300000
	minIdleTimeoutSec   = 60
	maxConnectTimeout   = 300
	maxCommandTimeout   = 3600
	maxRetryAttempts    = 10
	maxRetryDelayMs     = 60000
)

// Validate checks the invariants of §configuration and clamps the tunables
// into their legal ranges. The receiver is mutated in place; a validated
// config must not be modified afterwards.
func (c *ConnectionConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return apperr.New(apperr.KindConfig, "connection name is required")
	}
	if strings.TrimSpace(c.Server) == "" {
		return apperr.Newf(apperr.KindConfig, "connection %q: server is required", c.Name)
	}
	if strings.TrimSpace(c.Database) == "" {
		return apperr.Newf(apperr.KindConfig, "connection %q: database is required", c.Name)
	}

	c.Engine = ParseEngine(string(c.Engine))
	if c.Engine == EngineUnknown {
		return apperr.Newf(apperr.KindConfig, "connection %q: unknown engine", c.Name)
	}
	if c.Port == 0 {
		c.Port = c.Engine.DefaultPort()
	}
	if c.Port < 0 || c.Port > 65535 {
		return apperr.Newf(apperr.KindConfig, "connection %q: port %d out of range", c.Name, c.Port)
	}

	if c.Pooling.Enabled {
		if c.Pooling.MinSize < 1 {
			return apperr.Newf(apperr.KindConfig, "connection %q: pooling minSize must be at least 1", c.Name)
		}
		if c.Pooling.MinSize > c.Pooling.MaxSize {
			return apperr.Newf(apperr.KindConfig,
				"connection %q: pooling minSize %d exceeds maxSize %d", c.Name, c.Pooling.MinSize, c.Pooling.MaxSize)
		}
		if IsProduction() {
			if c.Pooling.MinSize < 2 {
				return apperr.Newf(apperr.KindConfig,
					"connection %q: production requires pooling minSize >= 2", c.Name)
			}
			if c.Pooling.MaxSize < 2*c.Pooling.MinSize {
				return apperr.Newf(apperr.KindConfig,
					"connection %q: production requires pooling maxSize >= 2*minSize", c.Name)
			}
		}
	} else {
		c.Pooling.MinSize = 0
		c.Pooling.MaxSize = 1
	}

	c.Pooling.AcquireTimeoutMs = clamp(c.Pooling.AcquireTimeoutMs, minAcquireTimeoutMs, maxAcquireTimeoutMs)
	if c.Pooling.IdleTimeoutSec < minIdleTimeoutSec {
		c.Pooling.IdleTimeoutSec = minIdleTimeoutSec
	}
	if c.ConnectTimeoutSec <= 0 || c.ConnectTimeoutSec > maxConnectTimeout {
		c.ConnectTimeoutSec = maxConnectTimeout
	}
	if c.CommandTimeoutSec <= 0 || c.CommandTimeoutSec > maxCommandTimeout {
		c.CommandTimeoutSec = maxCommandTimeout
	}
	if c.Retry.Attempts < 0 {
		c.Retry.Attempts = 0
	}
	if c.Retry.Attempts > maxRetryAttempts {
		c.Retry.Attempts = maxRetryAttempts
	}
	if c.Retry.DelayMs < 0 {
		c.Retry.DelayMs = 0
	}
	if c.Retry.DelayMs > maxRetryDelayMs {
		c.Retry.DelayMs = maxRetryDelayMs
	}

	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ApplicationConfig names the process and its log level.
type ApplicationConfig struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	LogLevel string `json:"logLevel"`
}

// JWTConfig carries token issuance settings.
type JWTConfig struct {
	Secret          string `json:"secret"`
	Issuer          string `json:"issuer"`
	Audience        string `json:"audience"`
	ExpirationHours int    `json:"expirationHours"`
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	JWT JWTConfig `json:"jwt"`
}

// ValidationConfig tunes the lazy connection validation heuristics.
type ValidationConfig struct {
	IntervalSec     int `json:"intervalSec"`
	TimeoutSec      int `json:"timeoutSec"`
	StaleTimeoutSec int `json:"staleTimeoutSec"`
}

// PoolTuningConfig tunes cleanup cadence and shutdown grace.
type PoolTuningConfig struct {
	CleanupBudgetSec    int `json:"cleanupBudgetSec"`
	ShutdownGraceSec    int `json:"shutdownGraceSec"`
	SyncBatchSize       int `json:"syncBatchSize"`
	ChangeFeedRowsLimit int `json:"changeFeedRowsLimit"`
}

// DatabaseConfig groups the pool heuristics shared by every pool.
type DatabaseConfig struct {
	Validation ValidationConfig `json:"validation"`
	Pool       PoolTuningConfig `json:"pool"`
}

// Config is the root of the configuration file.
type Config struct {
	Application   ApplicationConfig  `json:"application"`
	DatabasePools []ConnectionConfig `json:"databasePools"`
	Security      SecurityConfig     `json:"security"`
	Database      DatabaseConfig     `json:"database"`
}

// Env carries the environment overrides applied after the file is read.
type Env struct {
	Environment string `envconfig:"ENVIRONMENT"`
	AppEnv      string `envconfig:"APP_ENV"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	ConfigPath  string `envconfig:"CONFIG_PATH" default:"config.json"`
}

// ReadEnv reads the environment overrides.
func ReadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, apperr.Wrap(apperr.KindConfig, "reading environment", err)
	}
	return env, nil
}

// IsProduction reports whether the process runs in production mode,
// detected from ENVIRONMENT=PRODUCTION or APP_ENV=PROD.
func IsProduction() bool {
	if strings.EqualFold(os.Getenv("ENVIRONMENT"), "PRODUCTION") {
		return true
	}
	return strings.EqualFold(os.Getenv("APP_ENV"), "PROD")
}

// Load reads, decodes and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, fmt.Sprintf("reading %s", path), err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, fmt.Sprintf("decoding %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole configuration tree and applies defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Application.Name) == "" {
		c.Application.Name = "posbridge"
	}
	if strings.TrimSpace(c.Application.LogLevel) == "" {
		c.Application.LogLevel = "info"
	}

	if len(c.DatabasePools) == 0 {
		return apperr.New(apperr.KindConfig, "at least one database pool is required")
	}
	seen := make(map[string]struct{}, len(c.DatabasePools))
	for i := range c.DatabasePools {
		cc := &c.DatabasePools[i]
		if err := cc.Validate(); err != nil {
			return err
		}
		if _, dup := seen[cc.Name]; dup {
			return apperr.Newf(apperr.KindConfig, "duplicate pool name %q", cc.Name)
		}
		seen[cc.Name] = struct{}{}
	}

	if len(c.Security.JWT.Secret) < 32 {
		return apperr.New(apperr.KindConfig, "security.jwt.secret must be at least 32 characters")
	}
	if c.Security.JWT.ExpirationHours <= 0 {
		c.Security.JWT.ExpirationHours = 24
	}

	if c.Database.Validation.IntervalSec <= 0 {
		c.Database.Validation.IntervalSec = 300
	}
	if c.Database.Validation.TimeoutSec <= 0 {
		c.Database.Validation.TimeoutSec = 5
	}
	if c.Database.Validation.StaleTimeoutSec <= 0 {
		c.Database.Validation.StaleTimeoutSec = 3600
	}
	if c.Database.Pool.CleanupBudgetSec <= 0 {
		c.Database.Pool.CleanupBudgetSec = 30
	}
	if c.Database.Pool.ShutdownGraceSec <= 0 {
		c.Database.Pool.ShutdownGraceSec = 30
	}
	if c.Database.Pool.SyncBatchSize <= 0 {
		c.Database.Pool.SyncBatchSize = 250
	}
	if c.Database.Pool.ChangeFeedRowsLimit <= 0 {
		c.Database.Pool.ChangeFeedRowsLimit = 1000
	}

	return nil
}
