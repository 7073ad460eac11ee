// Package executor runs a finite ordered sequence of named, timed steps
// under a global deadline, producing a per-step audit trail plus an overall
// disposition. It is deliberately generic: the coordinator supplies the
// sequence, the executor knows nothing about failover semantics.
package executor

import (
	"context"
	"time"

	"github.com/orchestrator/failoverd/pkg/orcherr"
)

// Outcome is the closed set a step can report.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Record is the immutable audit entry produced for one step.
type Record struct {
	Name      string
	StartedAt time.Time
	Duration  time.Duration
	Outcome   Outcome
	Detail    map[string]any
	Error     *orcherr.Error
}

// Body is a step's work. It receives a context carrying the step's derived
// deadline (min(step budget, remaining overall budget)) and returns a
// structured error on failure, nil on success.
type Body func(ctx context.Context) (detail map[string]any, err error)

// Step is one named, timed, optionally-critical operation in the sequence.
type Step struct {
	Name     string
	Budget   time.Duration
	Critical bool
	Run      Body
}

// Result is the executor's overall report for one run.
type Result struct {
	Steps         []Record
	Success       bool
	TotalDuration time.Duration
}

// Run executes steps in order against the given overall deadline. Exactly
// one Record is produced per step named in steps, in order; once a critical
// step fails or the deadline has already passed, every remaining step is
// recorded as skipped and the run is marked unsuccessful.
func Run(ctx context.Context, deadline time.Time, steps []Step) Result {
	start := time.Now()
	result := Result{Steps: make([]Record, 0, len(steps)), Success: true}

	aborted := false
	for _, step := range steps {
		now := time.Now()
		if aborted {
			result.Steps = append(result.Steps, Record{
				Name:      step.Name,
				StartedAt: now,
				Outcome:   OutcomeSkipped,
				Detail:    map[string]any{"reason": "prior critical step aborted the run"},
			})
			continue
		}

		if !now.Before(deadline) {
			result.Steps = append(result.Steps, Record{
				Name:      step.Name,
				StartedAt: now,
				Outcome:   OutcomeSkipped,
				Error:     orcherr.New(orcherr.CodeDeadlineExceeded, "executor", step.Name, "overall deadline already passed"),
			})
			result.Success = false
			aborted = true
			continue
		}

		remaining := deadline.Sub(now)
		budget := step.Budget
		if remaining < budget {
			budget = remaining
		}

		stepCtx, cancel := context.WithTimeout(ctx, budget)
		detail, err := step.Run(stepCtx)
		cancel()

		duration := time.Since(now)
		rec := Record{Name: step.Name, StartedAt: now, Duration: duration, Detail: detail}

		if err != nil {
			rec.Outcome = OutcomeFailed
			if oe, ok := orcherr.As(err); ok {
				rec.Error = oe
			} else {
				rec.Error = orcherr.New(orcherr.CodeInternal, "executor", step.Name, err.Error()).WithCause(err)
			}
			result.Success = false
			result.Steps = append(result.Steps, rec)
			if step.Critical {
				aborted = true
			}
			continue
		}

		rec.Outcome = OutcomeOK
		result.Steps = append(result.Steps, rec)
	}

	result.TotalDuration = time.Since(start)
	return result
}
