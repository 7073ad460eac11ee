// Package api provides the orchestrator's control surface: trigger
// failover, query status, read history, read metrics, and health-probe the
// orchestrator itself.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/orchestrator/failoverd/internal/config"
	"github.com/orchestrator/failoverd/internal/coordinator"
	"github.com/orchestrator/failoverd/internal/history"
	"github.com/orchestrator/failoverd/internal/metrics"
	"github.com/orchestrator/failoverd/internal/routing"
	"github.com/orchestrator/failoverd/pkg/logging"
	"github.com/orchestrator/failoverd/pkg/orcherr"
)

// RelationalReachabilityProbe is the subset of relprobe.Probe the health
// endpoint needs. *relprobe.Probe satisfies it.
type RelationalReachabilityProbe interface {
	CheckReachable(ctx context.Context, endpoint string) error
}

// CacheReachabilityProbe is the subset of cacheprobe.Client the health
// endpoint needs. *cacheprobe.Client satisfies it.
type CacheReachabilityProbe interface {
	CheckReachable(ctx context.Context) error
}

// Server is the HTTP front end for C5 (coordinator), C3 (routing), and C6
// (history), implementing the wire contract of spec.md §6.
type Server struct {
	httpServer *http.Server
	coord      *coordinator.Coordinator
	registry   *routing.Registry
	store      *history.Store
	rel        RelationalReachabilityProbe
	cache      CacheReachabilityProbe
	regions    map[string]config.RegionConfig
	metrics    *metrics.Collector
	log        *logging.Logger
	startedAt  time.Time
}

// New builds a Server wired to its collaborators and an http.Server bound
// to cfg.Address with the configured timeouts. collector may be nil to
// disable the Prometheus exposition endpoint.
func New(
	cfg config.ServerConfig,
	coord *coordinator.Coordinator,
	registry *routing.Registry,
	store *history.Store,
	rel RelationalReachabilityProbe,
	cache CacheReachabilityProbe,
	regions map[string]config.RegionConfig,
	collector *metrics.Collector,
	log *logging.Logger,
) *Server {
	s := &Server{
		coord:     coord,
		registry:  registry,
		store:     store,
		rel:       rel,
		cache:     cache,
		regions:   regions,
		metrics:   collector,
		log:       log.WithComponent("api"),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(s.loggingMiddleware)
	if cfg.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Post("/failover/{target_region}", s.handleTrigger)
	r.Get("/status", s.handleStatus)
	r.Get("/history", s.handleHistory)
	r.Get("/metrics", s.handleMetrics)
	if s.metrics != nil {
		r.Handle("/metrics/prometheus", s.metrics.Handler())
	}
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("handled request", map[string]any{
			"method": r.Method, "path": r.URL.Path, "duration": time.Since(start).String(),
		})
	})
}

// Start runs the HTTP server until the context is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	targetRegion := chi.URLParam(r, "target_region")

	record, err := s.coord.Trigger(r.Context(), targetRegion)
	if err != nil {
		if oe, ok := orcherr.As(err); ok {
			respondJSON(w, oe.HTTPStatus(), map[string]any{"error": string(oe.Code)})
			return
		}
		respondJSON(w, 500, map[string]any{"error": "internal"})
		return
	}

	steps := make([]map[string]any, 0, len(record.Steps))
	for _, st := range record.Steps {
		entry := map[string]any{
			"name": st.Name, "duration": st.Duration.String(), "outcome": st.Outcome,
		}
		if st.Detail != nil {
			entry["detail"] = st.Detail
		}
		if st.Error != nil {
			entry["error"] = st.Error.Code
		}
		steps = append(steps, entry)
	}

	resp := map[string]any{
		"id": record.ID, "source_region": record.SourceRegion, "target_region": record.TargetRegion,
		"success": record.Success, "total_duration": record.TotalDuration.String(),
		"sla_compliant": record.SLACompliant, "steps": steps,
	}
	if record.Error != nil {
		resp["error"] = record.Error.Code
	}
	respondJSON(w, 200, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Read()
	recent := s.store.Recent(1)

	var lastAttempt any
	if len(recent) > 0 {
		lastAttempt = recent[0]
	}

	respondJSON(w, 200, map[string]any{
		"active_region": snapshot.ActiveRegion,
		"version":       snapshot.Version,
		"in_flight":     s.coord.IsInFlight(),
		"last_attempt":  lastAttempt,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	records := s.store.Recent(limit)
	respondJSON(w, 200, map[string]any{"count": len(records), "records": records})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	summary := s.store.Summary()
	respondJSON(w, 200, map[string]any{
		"total":           summary.Total,
		"successful":      summary.Successful,
		"failed":          summary.Failed,
		"mean_duration":   summary.MeanDuration.String(),
		"compliance_rate": summary.ComplianceRate,
	})
}

// reachOneRelational reports whether at least one configured region's
// relational endpoint answers a reachability check, per spec.md §4.7's
// GET /health contract.
func (s *Server) reachOneRelational(ctx context.Context) bool {
	for _, region := range s.regions {
		if s.rel.CheckReachable(ctx, region.RelationalEndpoint) == nil {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sentinelOK := s.cache.CheckReachable(ctx) == nil
	relationalOK := s.reachOneRelational(ctx)

	if sentinelOK && relationalOK {
		respondJSON(w, 200, map[string]any{"status": "ok"})
		return
	}
	respondJSON(w, 503, map[string]any{
		"status": "degraded",
		"detail": map[string]any{"sentinel_reachable": sentinelOK, "relational_reachable": relationalOK},
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, 200, map[string]any{"status": "ok", "uptime": time.Since(s.startedAt).String()})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.handleHealth(w, r)
}
