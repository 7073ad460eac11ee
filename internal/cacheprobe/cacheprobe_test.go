package cacheprobe

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator/failoverd/pkg/logging"
	"github.com/orchestrator/failoverd/pkg/orcherr"
)

// TestClassify_DeadlineExceededOverridesFallback covers spec.md's deadline-
// exceeded step outcome: a mid-step timeout must surface as
// orcherr.CodeDeadlineExceeded rather than whichever domain code the
// calling method would otherwise use.
func TestClassify_DeadlineExceededOverridesFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := errors.Join(errors.New("sentinel call failed"), context.DeadlineExceeded)
	assert.Equal(t, orcherr.CodeDeadlineExceeded, classify(ctx, orcherr.CodeQuorumUnavailable, err))
}

func TestClassify_FallsBackToGivenCodeWhenNotADeadline(t *testing.T) {
	err := errors.New("connection refused")
	assert.Equal(t, orcherr.CodeQuorumUnavailable, classify(context.Background(), orcherr.CodeQuorumUnavailable, err))
}

func TestFirstOrEmpty(t *testing.T) {
	assert.Equal(t, "", firstOrEmpty(nil))
	assert.Equal(t, "", firstOrEmpty([]string{}))
	assert.Equal(t, "a:1", firstOrEmpty([]string{"a:1", "b:2"}))
}

// TestCheckReachable_UnreachableSentinelReturnsStructuredError exercises
// the real client against a sentinel address nothing listens on, confirming
// the failure surfaces as orcherr.CodeUnreachable rather than a bare driver
// error.
func TestCheckReachable_UnreachableSentinelReturnsStructuredError(t *testing.T) {
	log := logging.New(logging.Config{Level: logging.Error, Output: io.Discard})
	c := New(log, []string{"127.0.0.1:1"}, "mymaster")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.CheckReachable(ctx)
	require.Error(t, err)
	oe, ok := orcherr.As(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.CodeUnreachable, oe.Code)
}
