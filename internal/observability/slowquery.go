package observability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/models"
)

type SlowQueryDetector struct {
	warningThreshold  time.Duration
	criticalThreshold time.Duration
	logger            *zap.Logger
	analyticsWriter   AnalyticsWriter
}

type AnalyticsWriter interface {
	WriteQueryPerformance(ctx context.Context, event *models.AnalyticsEvent) error
}

func NewSlowQueryDetector(warning, critical time.Duration, logger *zap.Logger, aw AnalyticsWriter) *SlowQueryDetector {
	return &SlowQueryDetector{
		warningThreshold:  warning,
		criticalThreshold: critical,
		logger:            logger,
		analyticsWriter:   aw,
	}
}

// Intercept records a finished query when it exceeded the warning
// threshold. fingerprint is a stable description of the applied filters;
// only its hash is logged.
func (sqd *SlowQueryDetector) Intercept(ctx context.Context, kbID, fingerprint, decision string, duration time.Duration, totalCount int64, refinements int) {
	// Fast queries return immediately with zero overhead.
	if duration <= sqd.warningThreshold {
		return
	}

	traceID := TraceIDFromContext(ctx)
	severity := sqd.classifySeverity(duration)

	SlowQueryCounter.WithLabelValues(severity, decision).Inc()

	sqd.logger.Warn("slow query detected",
		zap.String("trace_id", traceID),
		zap.String("knowledge_base_id", kbID),
		zap.String("query_hash", hashQueryForLog(fingerprint)),
		zap.String("decision", decision),
		zap.Float64("duration_ms", float64(duration.Milliseconds())),
		zap.Int64("total_count", totalCount),
		zap.Int("refinements", refinements),
		zap.String("severity", severity),
	)

	// Write to ClickHouse asynchronously so it doesn't block the response.
	if sqd.analyticsWriter != nil {
		event := &models.AnalyticsEvent{
			EventType:       "query_performance",
			KnowledgeBaseID: kbID,
			QueryHash:       hashQueryForLog(fingerprint),
			Decision:        decision,
			DurationMs:      float64(duration.Milliseconds()),
			TotalCount:      totalCount,
			RefinementCount: refinements,
			Timestamp:       time.Now().UTC(),
			TraceID:         traceID,
		}
		go func() {
			writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := sqd.analyticsWriter.WriteQueryPerformance(writeCtx, event); err != nil {
				sqd.logger.Error("failed to write query analytics",
					zap.String("trace_id", traceID),
					zap.Error(err),
				)
			}
		}()
	}
}

func (sqd *SlowQueryDetector) classifySeverity(d time.Duration) string {
	if d > sqd.criticalThreshold {
		return "critical"
	}
	if d > sqd.warningThreshold {
		return "warning"
	}
	return "normal"
}

func hashQueryForLog(q string) string {
	return fmt.Sprintf("%016x", hashUint64(q))
}

func hashUint64(s string) uint64 {
	h := uint64(0)
	for _, c := range s {
		h = h*31 + uint64(c)
	}
	return h
}
