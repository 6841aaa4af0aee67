package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/clickhouse"
	"github.com/lettinghub/property-query/internal/models"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// QueryEngine is the slice of the engine the HTTP layer needs.
type QueryEngine interface {
	Query(ctx context.Context, req *models.QueryRequest) (*models.QueryResponse, error)
}

// AnalyticsReader serves the operational stats endpoint. Nil when the
// analytics store is unavailable.
type AnalyticsReader interface {
	QueryDecisionStats(ctx context.Context, kbID string, window time.Duration) ([]clickhouse.DecisionStat, error)
}

type Handler struct {
	engine    QueryEngine
	analytics AnalyticsReader
	logger    *zap.Logger
}

func NewHandler(eng QueryEngine, analytics AnalyticsReader, logger *zap.Logger) *Handler {
	return &Handler{
		engine:    eng,
		analytics: analytics,
		logger:    logger,
	}
}

// Query resolves a filter set against a knowledge base and returns either
// matching properties or refinement suggestions.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := RequestIDFromContext(ctx)

	var req models.QueryRequest
	limited := io.LimitReader(r.Body, maxRequestBodySize)
	if err := json.NewDecoder(limited).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Request body is not valid JSON")
		return
	}
	if req.KnowledgeBaseID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_knowledge_base", "Field 'knowledge_base_id' is required")
		return
	}
	req.RequestID = requestID

	resp, err := h.engine.Query(ctx, &req)
	if err != nil {
		if errors.Is(err, models.ErrInvalidFilter) {
			h.writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}
		h.logger.Error("query failed",
			zap.String("request_id", requestID),
			zap.String("knowledge_base_id", req.KnowledgeBaseID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "query_error", "Query service temporarily unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

const defaultStatsWindow = 24 * time.Hour

// DecisionStats reports the result-policy decision distribution for a
// knowledge base over a trailing window, for operational dashboards.
func (h *Handler) DecisionStats(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		h.writeError(w, http.StatusServiceUnavailable, "analytics_unavailable", "Analytics store is not configured")
		return
	}

	kbID := chi.URLParam(r, "kb_id")
	if kbID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_knowledge_base", "Path parameter 'kb_id' is required")
		return
	}

	window := defaultStatsWindow
	if d := r.URL.Query().Get("window"); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_window", "Query parameter 'window' must be a positive duration")
			return
		}
		window = parsed
	}

	stats, err := h.analytics.QueryDecisionStats(r.Context(), kbID, window)
	if err != nil {
		h.logger.Error("decision stats failed",
			zap.String("knowledge_base_id", kbID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "stats_error", "Analytics store temporarily unavailable")
		return
	}
	if stats == nil {
		stats = []clickhouse.DecisionStat{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"knowledge_base_id": kbID,
		"window":            window.String(),
		"decisions":         stats,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("writing json response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
