package coordinator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator/failoverd/internal/config"
	"github.com/orchestrator/failoverd/internal/history"
	"github.com/orchestrator/failoverd/internal/relprobe"
	"github.com/orchestrator/failoverd/internal/routing"
	"github.com/orchestrator/failoverd/pkg/logging"
	"github.com/orchestrator/failoverd/pkg/orcherr"
)

// fakeRel and fakeCache let tests drive every branch of the five-step
// sequence without a real PostgreSQL or Redis deployment.
type fakeRel struct {
	reachableErr   error
	role           relprobe.Role
	roleErr        error
	lag            time.Duration
	lagErr         error
	promoteErr     error
	validateErr    error
	promoteCalls   int
}

func (f *fakeRel) CheckReachable(ctx context.Context, endpoint string) error { return f.reachableErr }
func (f *fakeRel) RecoveryState(ctx context.Context, endpoint string) (relprobe.Role, error) {
	return f.role, f.roleErr
}
func (f *fakeRel) ReplicationLag(ctx context.Context, primary, standby string) (time.Duration, error) {
	return f.lag, f.lagErr
}
func (f *fakeRel) Promote(ctx context.Context, endpoint string) error {
	f.promoteCalls++
	if f.promoteErr != nil {
		return f.promoteErr
	}
	f.role = relprobe.RolePrimary
	return nil
}
func (f *fakeRel) ValidateWrite(ctx context.Context, endpoint, token string) error { return f.validateErr }

type fakeCache struct {
	reachableErr error
	master       string
	failoverErr  error
	validateErr  error
}

func (f *fakeCache) CheckReachable(ctx context.Context) error { return f.reachableErr }
func (f *fakeCache) CurrentMaster(ctx context.Context) (string, error) {
	return f.master, nil
}
func (f *fakeCache) RequestFailover(ctx context.Context) error {
	if f.failoverErr != nil {
		return f.failoverErr
	}
	f.master = "cache-b:6379"
	return nil
}
func (f *fakeCache) ValidateWrite(ctx context.Context, masterAddr, token string) error { return f.validateErr }

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.Error, Output: io.Discard})
}

func newTestCoordinator(rel *fakeRel, cache *fakeCache) (*Coordinator, *routing.Registry, *history.Store) {
	reg := routing.New("A", "rel-a:5432", "cache-a:6379")
	store, _ := history.New(10, "")
	regions := map[string]config.RegionConfig{
		"A": {RelationalEndpoint: "rel-a:5432", CacheEndpoint: "cache-a:6379"},
		"B": {RelationalEndpoint: "rel-b:5432", CacheEndpoint: "cache-b:6379"},
	}
	budgets := config.NewDefault().StepBudgets
	c := New(testLogger(), rel, cache, reg, store, regions, budgets, 5*time.Second, time.Second, nil)
	return c, reg, store
}

func TestTrigger_HappyPath(t *testing.T) {
	rel := &fakeRel{role: relprobe.RoleStandby, lag: 200 * time.Millisecond}
	cache := &fakeCache{master: "cache-a:6379"}
	c, reg, _ := newTestCoordinator(rel, cache)

	rec, err := c.Trigger(context.Background(), "B")
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.True(t, rec.SLACompliant)
	require.Len(t, rec.Steps, 5)
	for _, s := range rec.Steps {
		assert.Equal(t, "ok", s.Outcome)
	}
	assert.Equal(t, 1, rel.promoteCalls)

	snapshot := reg.Read()
	assert.Equal(t, "B", snapshot.ActiveRegion)
	assert.Equal(t, uint64(1), snapshot.Version)
}

func TestTrigger_LagTooHigh(t *testing.T) {
	rel := &fakeRel{role: relprobe.RoleStandby, lag: 5 * time.Second}
	cache := &fakeCache{master: "cache-a:6379"}
	c, reg, _ := newTestCoordinator(rel, cache)

	rec, err := c.Trigger(context.Background(), "B")
	require.NoError(t, err)
	assert.False(t, rec.Success)
	require.Len(t, rec.Steps, 5)
	assert.Equal(t, "failed", rec.Steps[0].Outcome)
	assert.Equal(t, string(orcherr.CodeLagTooHigh), rec.Steps[0].Error.Code)
	for _, s := range rec.Steps[1:] {
		assert.Equal(t, "skipped", s.Outcome)
	}
	assert.Equal(t, "A", reg.Read().ActiveRegion)
	assert.Equal(t, uint64(0), reg.Read().Version)
}

func TestTrigger_PromotionFails(t *testing.T) {
	rel := &fakeRel{role: relprobe.RoleStandby, lag: 0, promoteErr: orcherr.New(orcherr.CodePromotionFailed, "relprobe", "promote", "boom")}
	cache := &fakeCache{master: "cache-a:6379"}
	c, reg, _ := newTestCoordinator(rel, cache)

	rec, err := c.Trigger(context.Background(), "B")
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, "ok", rec.Steps[0].Outcome)
	assert.Equal(t, "failed", rec.Steps[1].Outcome)
	for _, s := range rec.Steps[2:] {
		assert.Equal(t, "skipped", s.Outcome)
	}
	assert.Equal(t, "A", reg.Read().ActiveRegion)
}

func TestTrigger_CacheFailoverFailsAfterPromotion(t *testing.T) {
	rel := &fakeRel{role: relprobe.RoleStandby, lag: 0}
	cache := &fakeCache{master: "cache-a:6379", failoverErr: orcherr.New(orcherr.CodeQuorumUnavailable, "cacheprobe", "request_failover", "boom")}
	c, reg, _ := newTestCoordinator(rel, cache)

	rec, err := c.Trigger(context.Background(), "B")
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, "ok", rec.Steps[0].Outcome)
	assert.Equal(t, "ok", rec.Steps[1].Outcome)
	assert.Equal(t, "failed", rec.Steps[2].Outcome)
	assert.Equal(t, "skipped", rec.Steps[3].Outcome)
	assert.Equal(t, "skipped", rec.Steps[4].Outcome)
	// Routing must remain unchanged: the relational promotion happened but
	// is not rolled back, per spec.md §9.
	assert.Equal(t, "A", reg.Read().ActiveRegion)
	assert.Equal(t, 1, rel.promoteCalls)
}

func TestTrigger_AlreadyAtTarget(t *testing.T) {
	rel := &fakeRel{}
	cache := &fakeCache{}
	c, _, store := newTestCoordinator(rel, cache)

	_, err := c.Trigger(context.Background(), "A")
	oe, ok := orcherr.As(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.CodeAlreadyAtTarget, oe.Code)
	assert.Empty(t, store.Recent(0))
}

func TestTrigger_UnknownRegion(t *testing.T) {
	rel := &fakeRel{}
	cache := &fakeCache{}
	c, _, _ := newTestCoordinator(rel, cache)

	_, err := c.Trigger(context.Background(), "C")
	oe, ok := orcherr.As(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.CodeUnknownRegion, oe.Code)
}

func TestTrigger_AlreadyInProgress(t *testing.T) {
	rel := &fakeRel{role: relprobe.RoleStandby, lag: 0}
	cache := &fakeCache{master: "cache-a:6379"}
	c, _, _ := newTestCoordinator(rel, cache)

	c.inFlight.Store(true)
	_, err := c.Trigger(context.Background(), "B")
	oe, ok := orcherr.As(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.CodeAlreadyInProgress, oe.Code)
}
