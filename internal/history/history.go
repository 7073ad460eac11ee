// Package history implements C6: a bounded, append-only log of past
// failover attempts plus on-demand summary statistics.
package history

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/orchestrator/failoverd/internal/executor"
)

// StepRecord mirrors one executor.Record as a sealed audit entry.
type StepRecord struct {
	Name      string         `json:"name"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Outcome   string         `json:"outcome"`
	Detail    map[string]any `json:"detail,omitempty"`
	Error     *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail is the closed tagged-variant error shape stored on a failed
// step, per spec.md §9's re-architecture away from schemaless payloads.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record is the sealed, immutable audit artefact of one failover attempt.
type Record struct {
	ID             string       `json:"id"`
	SourceRegion   string       `json:"source_region"`
	TargetRegion   string       `json:"target_region"`
	TriggeredAt    time.Time    `json:"triggered_at"`
	CompletedAt    time.Time    `json:"completed_at"`
	Success        bool         `json:"success"`
	TotalDuration  time.Duration `json:"total_duration"`
	SLACompliant   bool         `json:"sla_compliant"`
	Steps          []StepRecord `json:"steps"`
	Error          *ErrorDetail `json:"error,omitempty"`
}

// FromExecutorResult seals a Record from an executor.Result plus the
// attempt's identifying fields. It is the one place executor.Record is
// translated into the immutable history shape.
func FromExecutorResult(id, source, target string, triggeredAt time.Time, overallBudget time.Duration, result executor.Result) Record {
	steps := make([]StepRecord, 0, len(result.Steps))
	var firstErr *ErrorDetail
	for _, s := range result.Steps {
		sr := StepRecord{
			Name:      s.Name,
			StartedAt: s.StartedAt,
			Duration:  s.Duration,
			Outcome:   string(s.Outcome),
			Detail:    s.Detail,
		}
		if s.Error != nil {
			sr.Error = &ErrorDetail{Code: string(s.Error.Code), Message: s.Error.Message}
			if firstErr == nil {
				firstErr = sr.Error
			}
		}
		steps = append(steps, sr)
	}

	return Record{
		ID:            id,
		SourceRegion:  source,
		TargetRegion:  target,
		TriggeredAt:   triggeredAt,
		CompletedAt:   triggeredAt.Add(result.TotalDuration),
		Success:       result.Success,
		TotalDuration: result.TotalDuration,
		SLACompliant:  result.Success && result.TotalDuration < overallBudget,
		Steps:         steps,
		Error:         firstErr,
	}
}

// Summary is the derived Metrics snapshot spec.md §3 names.
type Summary struct {
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	MeanDuration    time.Duration `json:"mean_duration"`
	MedianDuration  time.Duration `json:"median_duration"`
	P99Duration     time.Duration `json:"p99_duration"`
	ComplianceRate  float64       `json:"compliance_rate"`
}

// Store is the bounded, thread-safe append-only log. All operations
// serialise internally; readers see a consistent point-in-time view.
type Store struct {
	mu       sync.RWMutex
	capacity int
	records  []Record // oldest first; index 0 is evicted when capacity is exceeded
	sidecar  *os.File // optional write-once append log, nil when persistence is disabled
}

// New creates a Store bounded to capacity records. If sidecarPath is
// non-empty, every appended record is additionally written as one JSON line
// to that file for post-mortem (spec.md §6: "write-once per record, never
// rewritten").
func New(capacity int, sidecarPath string) (*Store, error) {
	s := &Store{capacity: capacity, records: make([]Record, 0, capacity)}
	if sidecarPath != "" {
		f, err := os.OpenFile(sidecarPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		s.sidecar = f
	}
	return s, nil
}

// Append inserts record at the tail in constant time, evicting the oldest
// record if this insertion would exceed capacity — eviction happens on the
// insertion that exceeds capacity, not before.
func (s *Store) Append(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, record)
	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity:]
	}

	if s.sidecar != nil {
		if b, err := json.Marshal(record); err == nil {
			_, _ = s.sidecar.Write(append(b, '\n'))
		}
	}
}

// Recent returns up to limit most-recently-appended records, newest first.
func (s *Store) Recent(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.records[n-1-i]
	}
	return out
}

// Summary computes the Metrics snapshot on demand; O(N) over stored records
// is acceptable given the bounded capacity.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sm := Summary{Total: len(s.records)}
	if sm.Total == 0 {
		return sm
	}

	durations := make([]time.Duration, 0, sm.Total)
	var sum time.Duration
	compliant := 0
	for _, r := range s.records {
		if r.Success {
			sm.Successful++
		} else {
			sm.Failed++
		}
		if r.SLACompliant {
			compliant++
		}
		durations = append(durations, r.TotalDuration)
		sum += r.TotalDuration
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	sm.MeanDuration = sum / time.Duration(sm.Total)
	sm.MedianDuration = percentile(durations, 0.5)
	sm.P99Duration = percentile(durations, 0.99)
	sm.ComplianceRate = float64(compliant) / float64(sm.Total)
	return sm
}

// percentile returns the nearest-rank percentile; it assumes durations is
// already sorted ascending.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Close closes the optional sidecar file, if one is open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sidecar != nil {
		return s.sidecar.Close()
	}
	return nil
}
