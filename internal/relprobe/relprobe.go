// Package relprobe implements C1, the relational probe: reachability,
// recovery-state, and replication-lag queries plus promotion, against a
// streaming-replicated PostgreSQL primary/standby pair.
package relprobe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestrator/failoverd/internal/circuit"
	"github.com/orchestrator/failoverd/pkg/logging"
	"github.com/orchestrator/failoverd/pkg/orcherr"
	"github.com/orchestrator/failoverd/pkg/retry"
)

// classify returns orcherr.CodeDeadlineExceeded when ctx's deadline (rather
// than the operation itself) is why err occurred, so a mid-step timeout
// surfaces as a timeout instead of the caller's domain-specific fallback
// code, per spec.md's deadline-exceeded step outcome.
func classify(ctx context.Context, fallback orcherr.Code, err error) orcherr.Code {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return orcherr.CodeDeadlineExceeded
	}
	return fallback
}

// Role is the result of a recovery_state query.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
	RoleUnknown Role = "unknown"
)

// Probe issues read-only status queries and promotion commands against
// configured endpoints. One Probe instance serves every relational endpoint
// the orchestrator knows about; connections are scoped resources acquired
// lazily per endpoint and kept for the orchestrator's lifetime.
type Probe struct {
	log      *logging.Logger
	mu       sync.Mutex
	pools    map[string]*pgxpool.Pool
	dial     func(ctx context.Context, endpoint string) (*pgxpool.Pool, error)
	breakers *circuit.Manager
	retryer  *retry.Retryer
}

// New creates a Probe. dial is injectable so tests can supply a fake pool
// constructor instead of a real PostgreSQL connection. Each endpoint gets
// its own circuit breaker so a region stuck down doesn't cost every
// subsequent health check a full dial-and-timeout round trip.
func New(log *logging.Logger, dial func(ctx context.Context, endpoint string) (*pgxpool.Pool, error)) *Probe {
	if dial == nil {
		dial = defaultDial
	}
	return &Probe{
		log:      log.WithComponent("relprobe"),
		pools:    make(map[string]*pgxpool.Pool),
		dial:     dial,
		breakers: circuit.NewManager(circuit.Config{MaxRequests: 1, Interval: 30 * time.Second, Timeout: 15 * time.Second}),
		retryer:  retry.New(retry.Config{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2, Jitter: true}),
	}
}

func defaultDial(ctx context.Context, endpoint string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, endpoint)
}

func (p *Probe) pool(ctx context.Context, endpoint string) (*pgxpool.Pool, error) {
	p.mu.Lock()
	if pool, ok := p.pools[endpoint]; ok {
		p.mu.Unlock()
		return pool, nil
	}
	p.mu.Unlock()

	var pool *pgxpool.Pool
	err := p.retryer.Do(ctx, func(ctx context.Context) error {
		dialed, err := p.dial(ctx, endpoint)
		if err != nil {
			return orcherr.New(orcherr.CodeUnreachable, "relprobe", "dial", "failed to establish connection pool").
				WithCause(err).WithDetail("endpoint", endpoint)
		}
		pool = dialed
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pools[endpoint]; ok {
		pool.Close()
		return existing, nil
	}
	p.pools[endpoint] = pool
	return pool, nil
}

// CheckReachable performs connection, authentication, and a trivial
// round-trip (Ping) against endpoint. It never mutates state and never
// panics to the caller; all failures are returned as *orcherr.Error. A
// per-endpoint circuit breaker short-circuits repeated pings to an endpoint
// that has been failing, rather than paying a full dial timeout each time.
func (p *Probe) CheckReachable(ctx context.Context, endpoint string) error {
	breaker := p.breakers.GetBreaker(endpoint)
	err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		pool, err := p.pool(ctx, endpoint)
		if err != nil {
			return err
		}
		return pool.Ping(ctx)
	})
	if err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeUnreachable, err), "relprobe", "check_reachable", "endpoint unreachable").
			WithCause(err).WithDetail("endpoint", endpoint).WithDetail("breaker_state", breaker.GetState().String())
	}
	return nil
}

// RecoveryState determines whether endpoint is accepting writes (primary)
// or applying replication (standby), via PostgreSQL's pg_is_in_recovery().
func (p *Probe) RecoveryState(ctx context.Context, endpoint string) (Role, error) {
	pool, err := p.pool(ctx, endpoint)
	if err != nil {
		return RoleUnknown, orcherr.New(classify(ctx, orcherr.CodeUnreachable, err), "relprobe", "recovery_state", "failed to acquire connection pool").WithCause(err)
	}

	var inRecovery bool
	if err := pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return RoleUnknown, orcherr.New(classify(ctx, orcherr.CodeUnreachable, err), "relprobe", "recovery_state", "query failed").WithCause(err)
	}
	if inRecovery {
		return RoleStandby, nil
	}
	return RolePrimary, nil
}

// ReplicationLag reports the delay between the latest committed write on
// primary and the latest acknowledged replay on standby. Queried from the
// primary's pg_stat_replication when available, falling back to the
// standby's own pg_last_xact_replay_timestamp age — whichever the
// deployment exposes, per spec.md §4.1.
func (p *Probe) ReplicationLag(ctx context.Context, primary, standby string) (time.Duration, error) {
	if pool, err := p.pool(ctx, primary); err == nil {
		var lagSeconds float64
		row := pool.QueryRow(ctx, `
			SELECT COALESCE(EXTRACT(EPOCH FROM replay_lag), 0)
			FROM pg_stat_replication
			WHERE client_addr::text = $1 OR application_name = $1
			LIMIT 1`, standby)
		if scanErr := row.Scan(&lagSeconds); scanErr == nil {
			return time.Duration(lagSeconds * float64(time.Second)), nil
		}
	}

	standbyPool, err := p.pool(ctx, standby)
	if err != nil {
		return 0, orcherr.New(classify(ctx, orcherr.CodeUnreachable, err), "relprobe", "replication_lag", "failed to acquire connection pool").WithCause(err)
	}
	var ageSeconds float64
	row := standbyPool.QueryRow(ctx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)`)
	if err := row.Scan(&ageSeconds); err != nil {
		return 0, orcherr.New(classify(ctx, orcherr.CodeUnreachable, err), "relprobe", "replication_lag", "query failed").WithCause(err)
	}
	return time.Duration(ageSeconds * float64(time.Second)), nil
}

// Promote issues an idempotent request that endpoint assume primary status,
// then polls RecoveryState at a 100ms interval up to a 3s cap until it
// reports primary.
func (p *Probe) Promote(ctx context.Context, endpoint string) error {
	pool, err := p.pool(ctx, endpoint)
	if err != nil {
		return orcherr.New(classify(ctx, orcherr.CodePromotionFailed, err), "relprobe", "promote", "failed to acquire connection pool").WithCause(err)
	}

	var promoted bool
	if err := pool.QueryRow(ctx, "SELECT pg_promote()").Scan(&promoted); err != nil {
		return orcherr.New(classify(ctx, orcherr.CodePromotionFailed, err), "relprobe", "promote", "pg_promote() failed").WithCause(err)
	}

	const pollInterval = 100 * time.Millisecond
	const pollCap = 3 * time.Second
	deadline := time.Now().Add(pollCap)
	for {
		role, err := p.RecoveryState(ctx, endpoint)
		if err == nil && role == RolePrimary {
			return nil
		}
		if !time.Now().Add(pollInterval).Before(deadline) {
			return orcherr.New(orcherr.CodePromotionFailed, "relprobe", "promote",
				fmt.Sprintf("endpoint did not report primary within %s", pollCap))
		}
		select {
		case <-ctx.Done():
			return orcherr.New(orcherr.CodeDeadlineExceeded, "relprobe", "promote", "context cancelled while polling for promotion").WithCause(ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// ValidateWrite performs an end-to-end write against endpoint — a sentinel
// row carrying token — followed by a read-back, per spec.md §4.5 step 5.
// It creates its validation table on first use; the table is a permanent,
// tiny fixture of the deployment, not created/dropped per attempt.
func (p *Probe) ValidateWrite(ctx context.Context, endpoint, token string) error {
	pool, err := p.pool(ctx, endpoint)
	if err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeValidationFailed, err), "relprobe", "validate", "failed to acquire connection pool").WithCause(err)
	}

	const ddl = `CREATE TABLE IF NOT EXISTS failoverd_validation (
		id INTEGER PRIMARY KEY,
		token TEXT NOT NULL,
		written_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeValidationFailed, err), "relprobe", "validate", "failed to prepare validation table").WithCause(err)
	}

	if _, err := pool.Exec(ctx, `
		INSERT INTO failoverd_validation (id, token, written_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET token = EXCLUDED.token, written_at = EXCLUDED.written_at`, token); err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeValidationFailed, err), "relprobe", "validate", "write failed").WithCause(err)
	}

	var got string
	if err := pool.QueryRow(ctx, "SELECT token FROM failoverd_validation WHERE id = 1").Scan(&got); err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeValidationFailed, err), "relprobe", "validate", "read-back failed").WithCause(err)
	}
	if got != token {
		return orcherr.New(orcherr.CodeValidationFailed, "relprobe", "validate", "read-back token mismatch")
	}
	return nil
}

// Close releases every pool the probe has opened. Called once at
// orchestrator shutdown.
func (p *Probe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		pool.Close()
	}
}
