// Package coordinator implements C5, the failover coordinator: the
// top-level state machine composing the relational probe, cache sentinel
// client, routing registry, and step executor into one failover attempt.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/orchestrator/failoverd/internal/config"
	"github.com/orchestrator/failoverd/internal/executor"
	"github.com/orchestrator/failoverd/internal/history"
	"github.com/orchestrator/failoverd/internal/metrics"
	"github.com/orchestrator/failoverd/internal/relprobe"
	"github.com/orchestrator/failoverd/internal/routing"
	"github.com/orchestrator/failoverd/pkg/logging"
	"github.com/orchestrator/failoverd/pkg/orcherr"
)

// Step names are a closed set; they appear in this fixed order in every
// FailoverRecord (spec.md §4.5, §6).
const (
	StepHealthCheck       = "health_check"
	StepPromoteRelational = "promote_relational"
	StepFailoverCache     = "failover_cache"
	StepUpdateRouting     = "update_routing"
	StepValidate          = "validate"
)

// RelationalProbe is the subset of relprobe.Probe the coordinator drives.
// Declared as an interface so tests can supply a fake instead of a real
// PostgreSQL connection; *relprobe.Probe satisfies it.
type RelationalProbe interface {
	CheckReachable(ctx context.Context, endpoint string) error
	RecoveryState(ctx context.Context, endpoint string) (relprobe.Role, error)
	ReplicationLag(ctx context.Context, primary, standby string) (time.Duration, error)
	Promote(ctx context.Context, endpoint string) error
	ValidateWrite(ctx context.Context, endpoint, token string) error
}

// CacheProbe is the subset of cacheprobe.Client the coordinator drives.
// *cacheprobe.Client satisfies it.
type CacheProbe interface {
	CheckReachable(ctx context.Context) error
	CurrentMaster(ctx context.Context) (string, error)
	RequestFailover(ctx context.Context) error
	ValidateWrite(ctx context.Context, masterAddr, token string) error
}

// Coordinator drives one failover attempt at a time.
type Coordinator struct {
	log      *logging.Logger
	rel      RelationalProbe
	cache    CacheProbe
	registry *routing.Registry
	store    *history.Store
	regions  map[string]config.RegionConfig
	budgets  config.StepBudgets
	overall  time.Duration
	maxLag   time.Duration
	metrics  *metrics.Collector // nil disables metric emission, e.g. in tests

	inFlight atomic.Bool
	seq      atomic.Uint64
}

// New creates a Coordinator wired to its collaborators. collector may be nil
// to disable metric emission.
func New(
	log *logging.Logger,
	rel RelationalProbe,
	cache CacheProbe,
	registry *routing.Registry,
	store *history.Store,
	regions map[string]config.RegionConfig,
	budgets config.StepBudgets,
	overallBudget, maxLagTolerated time.Duration,
	collector *metrics.Collector,
) *Coordinator {
	return &Coordinator{
		log:      log.WithComponent("coordinator"),
		rel:      rel,
		cache:    cache,
		registry: registry,
		store:    store,
		regions:  regions,
		budgets:  budgets,
		overall:  overallBudget,
		maxLag:   maxLagTolerated,
		metrics:  collector,
	}
}

// IsInFlight reports whether a failover attempt is currently running.
func (c *Coordinator) IsInFlight() bool { return c.inFlight.Load() }

// Trigger begins a failover to targetRegion. It returns orcherr.CodeUnknownRegion
// if targetRegion is not configured, orcherr.CodeAlreadyAtTarget without
// running any step if targetRegion is already active, and
// orcherr.CodeAlreadyInProgress if another attempt is in flight — none of
// these rejections produce a FailoverRecord. Otherwise it runs the fixed
// five-step sequence synchronously and returns the sealed record.
func (c *Coordinator) Trigger(ctx context.Context, targetRegion string) (history.Record, error) {
	if _, ok := c.regions[targetRegion]; !ok {
		return history.Record{}, orcherr.New(orcherr.CodeUnknownRegion, "coordinator", "trigger", fmt.Sprintf("unknown region %q", targetRegion))
	}

	current := c.registry.Read()
	if current.ActiveRegion == targetRegion {
		return history.Record{}, orcherr.New(orcherr.CodeAlreadyAtTarget, "coordinator", "trigger", "target region is already active")
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		return history.Record{}, orcherr.New(orcherr.CodeAlreadyInProgress, "coordinator", "trigger", "a failover attempt is already in progress")
	}
	if c.metrics != nil {
		c.metrics.SetInFlight(true)
	}
	defer func() {
		c.inFlight.Store(false)
		if c.metrics != nil {
			c.metrics.SetInFlight(false)
		}
	}()

	sourceRegion := current.ActiveRegion
	target := c.regions[targetRegion]

	triggeredAt := time.Now()
	deadline := triggeredAt.Add(c.overall)

	var (
		newCacheMaster string
	)

	steps := []executor.Step{
		{
			Name:     StepHealthCheck,
			Budget:   c.budgets.HealthCheckBudget(),
			Critical: true,
			Run: func(ctx context.Context) (map[string]any, error) {
				return c.stepHealthCheck(ctx, target.RelationalEndpoint, current.RelationalPrimaryEndpoint)
			},
		},
		{
			Name:     StepPromoteRelational,
			Budget:   c.budgets.PromoteRelationalBudget(),
			Critical: true,
			Run: func(ctx context.Context) (map[string]any, error) {
				return nil, c.rel.Promote(ctx, target.RelationalEndpoint)
			},
		},
		{
			Name:     StepFailoverCache,
			Budget:   c.budgets.FailoverCacheBudget(),
			Critical: true,
			Run: func(ctx context.Context) (map[string]any, error) {
				if err := c.cache.RequestFailover(ctx); err != nil {
					return nil, err
				}
				master, err := c.cache.CurrentMaster(ctx)
				if err != nil {
					return nil, err
				}
				newCacheMaster = master
				return map[string]any{"new_master_address": master}, nil
			},
		},
		{
			Name:     StepUpdateRouting,
			Budget:   c.budgets.UpdateRoutingBudget(),
			Critical: true,
			Run: func(ctx context.Context) (map[string]any, error) {
				rec, err := c.registry.Swap(targetRegion, target.RelationalEndpoint, newCacheMaster)
				if err != nil {
					return nil, orcherr.New(orcherr.CodeRoutingUpdateFail, "coordinator", StepUpdateRouting, "routing swap failed").WithCause(err)
				}
				return map[string]any{"version": rec.Version}, nil
			},
		},
		{
			Name:     StepValidate,
			Budget:   c.budgets.ValidateBudget(),
			Critical: true,
			Run: func(ctx context.Context) (map[string]any, error) {
				return c.stepValidate(ctx, target.RelationalEndpoint, newCacheMaster)
			},
		},
	}

	result := executor.Run(ctx, deadline, steps)

	id := fmt.Sprintf("fo-%d-%d", triggeredAt.UnixNano(), c.seq.Add(1))
	record := history.FromExecutorResult(id, sourceRegion, targetRegion, triggeredAt, c.overall, result)
	c.store.Append(record)

	c.log.Info("failover attempt sealed", map[string]any{
		"id": id, "source": sourceRegion, "target": targetRegion,
		"success": record.Success, "sla_compliant": record.SLACompliant,
	})

	if c.metrics != nil {
		obs := make([]metrics.StepObservation, 0, len(record.Steps))
		for _, s := range record.Steps {
			obs = append(obs, metrics.StepObservation{Name: s.Name, Duration: s.Duration, Outcome: s.Outcome})
		}
		c.metrics.ObserveAttempt(record.Success, record.TotalDuration, obs)
		c.metrics.SetRoutingVersion(c.registry.Read().Version)
	}

	return record, nil
}

// stepHealthCheck implements spec.md §4.5 step 1: the target must be
// reachable, report standby, and have replication lag at or below tolerance;
// the sentinel quorum must also be reachable.
func (c *Coordinator) stepHealthCheck(ctx context.Context, targetEndpoint, currentPrimaryEndpoint string) (map[string]any, error) {
	if err := c.rel.CheckReachable(ctx, targetEndpoint); err != nil {
		return nil, err
	}

	role, err := c.rel.RecoveryState(ctx, targetEndpoint)
	if err != nil {
		return nil, err
	}
	if role != relprobe.RoleStandby {
		return nil, orcherr.New(orcherr.CodeWrongRole, "coordinator", StepHealthCheck, fmt.Sprintf("target reported role %q, expected standby", role))
	}

	lag, err := c.rel.ReplicationLag(ctx, currentPrimaryEndpoint, targetEndpoint)
	if err != nil {
		return nil, err
	}
	if lag > c.maxLag {
		return nil, orcherr.New(orcherr.CodeLagTooHigh, "coordinator", StepHealthCheck,
			fmt.Sprintf("observed lag %s exceeds tolerance %s", lag, c.maxLag)).WithDetail("lag_seconds", lag.Seconds())
	}

	if err := c.cache.CheckReachable(ctx); err != nil {
		return nil, err
	}

	return map[string]any{"lag_seconds": lag.Seconds()}, nil
}

// stepValidate implements spec.md §4.5 step 5: an end-to-end write and
// read-back against both the new relational primary and the cache.
func (c *Coordinator) stepValidate(ctx context.Context, newPrimaryEndpoint, newCacheMaster string) (map[string]any, error) {
	token := fmt.Sprintf("failover-validate-%d", time.Now().UnixNano())

	role, err := c.rel.RecoveryState(ctx, newPrimaryEndpoint)
	if err != nil || role != relprobe.RolePrimary {
		return nil, orcherr.New(orcherr.CodeValidationFailed, "coordinator", StepValidate, "new primary did not confirm primary role")
	}
	if err := c.rel.ValidateWrite(ctx, newPrimaryEndpoint, token); err != nil {
		return nil, err
	}

	if err := c.cache.ValidateWrite(ctx, newCacheMaster, token); err != nil {
		return nil, err
	}

	return map[string]any{"validation_token": token}, nil
}
