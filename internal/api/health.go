package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthChecker is implemented by collaborators with a binary notion of
// health, such as the geocode cache or the ingest consumer.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ESHealthChecker covers the listing store, whose cluster health is a
// colour rather than a yes/no.
type ESHealthChecker interface {
	HealthCheck(ctx context.Context) (string, error)
}

// HealthHandler aggregates component probes into liveness and readiness
// endpoints. Required components gate readiness; optional ones, like the
// analytics changelog or the knowledge-base registry, only degrade the
// reported status since the query path works without them.
type HealthHandler struct {
	checks   map[string]HealthChecker
	optional map[string]bool
	esCheck  ESHealthChecker
	logger   *zap.Logger
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks:   make(map[string]HealthChecker),
		optional: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds a component the service cannot serve queries without.
func (h *HealthHandler) Register(name string, checker HealthChecker) {
	h.checks[name] = checker
}

// RegisterOptional adds a component whose failure degrades the service
// without making it unready.
func (h *HealthHandler) RegisterOptional(name string, checker HealthChecker) {
	h.checks[name] = checker
	h.optional[name] = true
}

func (h *HealthHandler) RegisterES(checker ESHealthChecker) {
	h.esCheck = checker
}

type componentHealth struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// Readiness probes every registered component in parallel under a shared
// deadline. A failing required component or a red listing store returns
// 503; failing optional components keep the service ready but mark the
// overall status degraded.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results := make(map[string]componentHealth)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, checker := range h.checks {
		wg.Add(1)
		go func(n string, c HealthChecker) {
			defer wg.Done()
			start := time.Now()
			err := c.HealthCheck(ctx)
			ch := componentHealth{
				Status:  "healthy",
				Latency: time.Since(start).String(),
			}
			if err != nil {
				ch.Status = "unhealthy"
				ch.Error = err.Error()
			}
			mu.Lock()
			results[n] = ch
			mu.Unlock()
		}(name, checker)
	}

	if h.esCheck != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			status, err := h.esCheck.HealthCheck(ctx)
			ch := componentHealth{
				Status:  status,
				Latency: time.Since(start).String(),
			}
			if err != nil {
				ch.Error = err.Error()
			}
			mu.Lock()
			results["elasticsearch"] = ch
			mu.Unlock()
		}()
	}

	wg.Wait()

	overallStatus := http.StatusOK
	overall := "healthy"
	for name, ch := range results {
		if ch.Status != "unhealthy" && ch.Status != "red" {
			continue
		}
		overall = "degraded"
		if !h.optional[name] {
			overallStatus = http.StatusServiceUnavailable
		}
	}

	if overall != "healthy" {
		h.logger.Warn("readiness check found failing components", zap.Int("http_status", overallStatus))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(overallStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     overall,
		"components": results,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
