package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

const readinessTimeout = 2 * time.Second

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness checks.
type HealthHandler struct {
	checks  map[string]Check
	started time.Time
	logger  *logger.Logger
}

// NewHealthHandler builds the health handler. The instance is ready only when
// every named check passes.
func NewHealthHandler(checks map[string]Check, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		started: time.Now(),
		logger:  log,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

type dependencyStatus struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Ready handles GET /ready. Checks run concurrently under one deadline.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		statuses = make(map[string]dependencyStatus, len(h.checks))
		ready    = true
	)
	var g errgroup.Group
	for name, check := range h.checks {
		name, check := name, check
		g.Go(func() error {
			start := time.Now()
			err := check(ctx)
			st := dependencyStatus{OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				st.Error = err.Error()
				h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			}
			mu.Lock()
			statuses[name] = st
			ready = ready && err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": statuses,
	})
}
