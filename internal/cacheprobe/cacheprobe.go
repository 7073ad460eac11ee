// Package cacheprobe implements C2, the cache sentinel client: querying a
// Redis Sentinel quorum for the current master address of a named service
// and instructing it to elect a new master.
package cacheprobe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestrator/failoverd/internal/circuit"
	"github.com/orchestrator/failoverd/pkg/logging"
	"github.com/orchestrator/failoverd/pkg/orcherr"
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

// Client treats the sentinel quorum as the sole source of truth for cache
// leadership; it never designates a master itself.
type Client struct {
	log     *logging.Logger
	redis   *redis.SentinelClient
	service string

	mu          sync.Mutex
	dataClients map[string]*redis.Client // master-addr -> data-plane client, for validation writes

	breaker *circuit.CircuitBreaker
}

// New creates a Client against the given sentinel addresses. A single
// breaker guards the sentinel quorum as a whole — unlike relational
// endpoints, there is only one quorum to protect against being hammered
// while it is unreachable.
func New(log *logging.Logger, sentinelEndpoints []string, serviceName string) *Client {
	rc := redis.NewSentinelClient(&redis.Options{
		Addr: firstOrEmpty(sentinelEndpoints),
	})
	return &Client{
		log:         log.WithComponent("cacheprobe"),
		redis:       rc,
		service:     serviceName,
		dataClients: make(map[string]*redis.Client),
		breaker:     circuit.NewCircuitBreaker("sentinel-quorum", circuit.Config{MaxRequests: 1, Interval: 30 * time.Second, Timeout: 15 * time.Second}),
	}
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// CheckReachable is a trivial health probe against the sentinel quorum,
// routed through a circuit breaker so a down quorum fails fast instead of
// blocking every caller on the same ping timeout.
func (c *Client) CheckReachable(ctx context.Context) error {
	err := c.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return c.redis.Ping(ctx).Err()
	})
	if err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeUnreachable, err), "cacheprobe", "check_reachable", "sentinel ping failed").
			WithCause(err).WithDetail("breaker_state", c.breaker.GetState().String())
	}
	return nil
}

// CurrentMaster returns the address the quorum currently advertises as
// master for the configured service name.
func (c *Client) CurrentMaster(ctx context.Context) (string, error) {
	addr, err := c.redis.GetMasterAddrByName(ctx, c.service).Result()
	if err != nil {
		return "", orcherr.New(classify(ctx, orcherr.CodeQuorumUnavailable, err), "cacheprobe", "current_master", "sentinel did not respond").WithCause(err)
	}
	if len(addr) < 2 {
		return "", orcherr.New(orcherr.CodeQuorumUnavailable, "cacheprobe", "current_master", "sentinel returned no master address")
	}
	return fmt.Sprintf("%s:%s", addr[0], addr[1]), nil
}

// RequestFailover instructs the quorum to elect a new master, then waits
// until CurrentMaster reflects a different endpoint than the pre-call
// value, polled at 100ms up to a 2s cap.
func (c *Client) RequestFailover(ctx context.Context) error {
	before, err := c.CurrentMaster(ctx)
	if err != nil {
		return err
	}

	if err := c.redis.Failover(ctx, c.service).Err(); err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeQuorumUnavailable, err), "cacheprobe", "request_failover", "sentinel rejected failover command").WithCause(err)
	}

	const pollInterval = 100 * time.Millisecond
	const pollCap = 2 * time.Second
	deadline := time.Now().Add(pollCap)
	for {
		after, err := c.CurrentMaster(ctx)
		if err == nil && after != before {
			return nil
		}
		if !time.Now().Add(pollInterval).Before(deadline) {
			return orcherr.New(orcherr.CodeCacheFailoverFail, "cacheprobe", "request_failover",
				fmt.Sprintf("master did not change within %s", pollCap))
		}
		select {
		case <-ctx.Done():
			return orcherr.New(orcherr.CodeDeadlineExceeded, "cacheprobe", "request_failover", "context cancelled while polling for new master").WithCause(ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) dataClient(addr string) *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.dataClients[addr]; ok {
		return cl
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	c.dataClients[addr] = cl
	return cl
}

// ValidateWrite performs an end-to-end write against masterAddr — a
// sentinel key carrying token — followed by a read-back, per spec.md
// §4.5 step 5's cache validation requirement.
func (c *Client) ValidateWrite(ctx context.Context, masterAddr, token string) error {
	cl := c.dataClient(masterAddr)
	key := "failoverd:validate"

	if err := cl.Set(ctx, key, token, time.Minute).Err(); err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeValidationFailed, err), "cacheprobe", "validate", "write failed").WithCause(err)
	}
	got, err := cl.Get(ctx, key).Result()
	if err != nil {
		return orcherr.New(classify(ctx, orcherr.CodeValidationFailed, err), "cacheprobe", "validate", "read-back failed").WithCause(err)
	}
	if got != token {
		return orcherr.New(orcherr.CodeValidationFailed, "cacheprobe", "validate", "read-back token mismatch")
	}
	return nil
}

// Close releases the underlying sentinel connection and every data-plane
// client opened for validation.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.dataClients {
		_ = cl.Close()
	}
	return c.redis.Close()
}
