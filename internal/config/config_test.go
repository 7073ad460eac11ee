package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Configuration {
	c := NewDefault()
	c.Regions = map[string]RegionConfig{
		"A": {RelationalEndpoint: "rel-a:5432", CacheEndpoint: "cache-a:6379"},
		"B": {RelationalEndpoint: "rel-b:5432", CacheEndpoint: "cache-b:6379"},
	}
	c.SentinelEndpoints = []string{"sentinel-a:26379"}
	return c
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsFewerThanTwoRegions(t *testing.T) {
	c := validConfig()
	c.Regions = map[string]RegionConfig{"A": {RelationalEndpoint: "x", CacheEndpoint: "y"}}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsEmptyEndpoint(t *testing.T) {
	c := validConfig()
	c.Regions["A"] = RegionConfig{RelationalEndpoint: "", CacheEndpoint: "cache-a:6379"}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsEmptySentinelEndpoints(t *testing.T) {
	c := validConfig()
	c.SentinelEndpoints = nil
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsNonPositiveOverallBudget(t *testing.T) {
	c := validConfig()
	c.OverallBudgetMS = 0
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsNegativeMaxLag(t *testing.T) {
	c := validConfig()
	c.MaxLagToleratedMS = -1
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	c := validConfig()
	c.Logging.Level = "VERBOSE"
	assert.Error(t, c.Validate())
}

func TestValidate_AcceptsLogLevelCaseInsensitive(t *testing.T) {
	c := validConfig()
	c.Logging.Level = "debug"
	assert.NoError(t, c.Validate())
}

func TestLoadFromEnv_OverridesDefaults(t *testing.T) {
	c := validConfig()
	t.Setenv("FAILOVERD_LOG_LEVEL", "WARN")
	t.Setenv("FAILOVERD_OVERALL_BUDGET_MS", "7000")
	t.Setenv("FAILOVERD_SENTINEL_ENDPOINTS", "s1:26379,s2:26379")

	require.NoError(t, c.LoadFromEnv())
	assert.Equal(t, "WARN", c.Logging.Level)
	assert.Equal(t, 7000, c.OverallBudgetMS)
	assert.Equal(t, []string{"s1:26379", "s2:26379"}, c.SentinelEndpoints)
}

func TestLoadFromFile_ParsesYAML(t *testing.T) {
	yamlContent := `
regions:
  A:
    relational_endpoint: rel-a:5432
    cache_endpoint: cache-a:6379
  B:
    relational_endpoint: rel-b:5432
    cache_endpoint: cache-b:6379
sentinel_endpoints:
  - sentinel-a:26379
cache_service_name: cache-primary
overall_budget_ms: 5000
max_lag_tolerated_ms: 1000
history_capacity: 500
`
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c := NewDefault()
	require.NoError(t, c.LoadFromFile(f.Name()))
	require.NoError(t, c.Validate())
	assert.Equal(t, 500, c.HistoryCapacity)
	assert.Equal(t, "rel-b:5432", c.Regions["B"].RelationalEndpoint)
}

// TestLoadFromFile_ParsesStepBudgetsAsMilliseconds guards against the
// yaml.v2 trap where a time.Duration field unmarshals a plain integer as
// nanoseconds instead of milliseconds: step_budgets fields are plain ints,
// converted to a time.Duration only by the *Budget() accessors.
func TestLoadFromFile_ParsesStepBudgetsAsMilliseconds(t *testing.T) {
	yamlContent := `
regions:
  A:
    relational_endpoint: rel-a:5432
    cache_endpoint: cache-a:6379
  B:
    relational_endpoint: rel-b:5432
    cache_endpoint: cache-b:6379
sentinel_endpoints:
  - sentinel-a:26379
step_budgets:
  health_check_ms: 500
  promote_relational_ms: 2000
  failover_cache_ms: 1000
  update_routing_ms: 200
  validate_ms: 1500
`
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c := NewDefault()
	require.NoError(t, c.LoadFromFile(f.Name()))
	require.NoError(t, c.Validate())

	assert.Equal(t, 500, c.StepBudgets.HealthCheckMS)
	assert.Equal(t, 500*time.Millisecond, c.StepBudgets.HealthCheckBudget())
	assert.Equal(t, 2000*time.Millisecond, c.StepBudgets.PromoteRelationalBudget())
	assert.Equal(t, 1000*time.Millisecond, c.StepBudgets.FailoverCacheBudget())
	assert.Equal(t, 200*time.Millisecond, c.StepBudgets.UpdateRoutingBudget())
	assert.Equal(t, 1500*time.Millisecond, c.StepBudgets.ValidateBudget())
}

func TestLoadFromFile_NonExistentReturnsError(t *testing.T) {
	c := NewDefault()
	assert.Error(t, c.LoadFromFile("/nonexistent/config.yaml"))
}

func TestOverallBudgetAndMaxLagTolerated_DurationConversion(t *testing.T) {
	c := validConfig()
	c.OverallBudgetMS = 5000
	c.MaxLagToleratedMS = 1000
	assert.Equal(t, 5000*1e6, float64(c.OverallBudget()))
	assert.Equal(t, 1000*1e6, float64(c.MaxLagTolerated()))
}
