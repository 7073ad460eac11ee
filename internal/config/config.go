// Package config loads and validates orchestrator configuration from a YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// RegionConfig names the two endpoints owned by one region.
type RegionConfig struct {
	RelationalEndpoint string `yaml:"relational_endpoint"`
	CacheEndpoint      string `yaml:"cache_endpoint"`
}

// StepBudgets overrides the default per-step timeouts. NewDefault seeds the
// spec.md §5 defaults; a value loaded from a file replaces its default as
// given, zero included. Fields are plain milliseconds, not time.Duration:
// yaml.v2 has no special case for time.Duration, so a YAML scalar like
// `health_check_ms: 500` would otherwise unmarshal as 500 nanoseconds. Use
// the *Budget() accessors to get a time.Duration, the same pattern
// Configuration.OverallBudget()/MaxLagTolerated() use for the same reason.
type StepBudgets struct {
	HealthCheckMS       int `yaml:"health_check_ms"`
	PromoteRelationalMS int `yaml:"promote_relational_ms"`
	FailoverCacheMS     int `yaml:"failover_cache_ms"`
	UpdateRoutingMS     int `yaml:"update_routing_ms"`
	ValidateMS          int `yaml:"validate_ms"`
}

func (b StepBudgets) HealthCheckBudget() time.Duration {
	return time.Duration(b.HealthCheckMS) * time.Millisecond
}

func (b StepBudgets) PromoteRelationalBudget() time.Duration {
	return time.Duration(b.PromoteRelationalMS) * time.Millisecond
}

func (b StepBudgets) FailoverCacheBudget() time.Duration {
	return time.Duration(b.FailoverCacheMS) * time.Millisecond
}

func (b StepBudgets) UpdateRoutingBudget() time.Duration {
	return time.Duration(b.UpdateRoutingMS) * time.Millisecond
}

func (b StepBudgets) ValidateBudget() time.Duration {
	return time.Duration(b.ValidateMS) * time.Millisecond
}

// ServerConfig configures the control API's HTTP listener.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

// LoggingConfig configures the shared structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

// PersistenceConfig configures the optional history sidecar file.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Configuration is the complete orchestrator configuration tree.
type Configuration struct {
	Regions           map[string]RegionConfig `yaml:"regions"`
	SentinelEndpoints []string                `yaml:"sentinel_endpoints"`
	CacheServiceName  string                  `yaml:"cache_service_name"`
	OverallBudgetMS   int                     `yaml:"overall_budget_ms"`
	MaxLagToleratedMS int                     `yaml:"max_lag_tolerated_ms"`
	HistoryCapacity   int                     `yaml:"history_capacity"`
	StepBudgets       StepBudgets             `yaml:"step_budgets"`
	Server            ServerConfig            `yaml:"server"`
	Logging           LoggingConfig           `yaml:"logging"`
	Persistence       PersistenceConfig       `yaml:"persistence"`
}

// NewDefault returns a configuration with the defaults named throughout
// spec.md §5/§6 (5s overall budget, 1s max lag, 1000-record history, etc.).
func NewDefault() *Configuration {
	return &Configuration{
		Regions:           map[string]RegionConfig{},
		SentinelEndpoints: []string{},
		CacheServiceName:  "cache-primary",
		OverallBudgetMS:   5000,
		MaxLagToleratedMS: 1000,
		HistoryCapacity:   1000,
		StepBudgets: StepBudgets{
			HealthCheckMS:       500,
			PromoteRelationalMS: 2000,
			FailoverCacheMS:     1000,
			UpdateRoutingMS:     200,
			ValidateMS:          1500,
		},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			EnableCORS:   true,
		},
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
		Persistence: PersistenceConfig{
			Enabled: false,
			Path:    "/var/lib/failoverd/history.jsonl",
		},
	}
}

// LoadFromFile reads and unmarshals a YAML configuration file, merging it
// over the receiver's current values.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies FAILOVERD_* environment variable overrides on top of
// whatever is already loaded (defaults, then file, then env, in that order).
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("FAILOVERD_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("FAILOVERD_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("FAILOVERD_CACHE_SERVICE_NAME"); val != "" {
		c.CacheServiceName = val
	}
	if val := os.Getenv("FAILOVERD_SENTINEL_ENDPOINTS"); val != "" {
		c.SentinelEndpoints = strings.Split(val, ",")
	}
	if val := os.Getenv("FAILOVERD_OVERALL_BUDGET_MS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.OverallBudgetMS = n
		}
	}
	if val := os.Getenv("FAILOVERD_MAX_LAG_TOLERATED_MS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxLagToleratedMS = n
		}
	}
	if val := os.Getenv("FAILOVERD_HISTORY_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.HistoryCapacity = n
		}
	}
	if val := os.Getenv("FAILOVERD_SERVER_ADDRESS"); val != "" {
		c.Server.Address = val
	}
	return nil
}

// Validate checks the configuration is internally consistent before the
// orchestrator starts serving requests.
func (c *Configuration) Validate() error {
	if len(c.Regions) < 2 {
		return fmt.Errorf("at least two regions must be configured, got %d", len(c.Regions))
	}
	for id, r := range c.Regions {
		if r.RelationalEndpoint == "" {
			return fmt.Errorf("region %q: relational_endpoint must not be empty", id)
		}
		if r.CacheEndpoint == "" {
			return fmt.Errorf("region %q: cache_endpoint must not be empty", id)
		}
	}
	if len(c.SentinelEndpoints) == 0 {
		return fmt.Errorf("sentinel_endpoints must not be empty")
	}
	if c.CacheServiceName == "" {
		return fmt.Errorf("cache_service_name must not be empty")
	}
	if c.OverallBudgetMS <= 0 {
		return fmt.Errorf("overall_budget_ms must be greater than 0")
	}
	if c.MaxLagToleratedMS < 0 {
		return fmt.Errorf("max_lag_tolerated_ms must not be negative")
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("history_capacity must be greater than 0")
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, l := range validLevels {
		if strings.EqualFold(c.Logging.Level, l) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid logging.level %q (must be one of: %s)", c.Logging.Level, strings.Join(validLevels, ", "))
	}

	return nil
}

// OverallBudget returns the overall failover deadline as a time.Duration.
func (c *Configuration) OverallBudget() time.Duration {
	return time.Duration(c.OverallBudgetMS) * time.Millisecond
}

// MaxLagTolerated returns the replication-lag tolerance as a time.Duration.
func (c *Configuration) MaxLagTolerated() time.Duration {
	return time.Duration(c.MaxLagToleratedMS) * time.Millisecond
}
