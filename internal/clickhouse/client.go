package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
)

// Client writes query-performance events and the listing changelog to
// ClickHouse, and serves the decision-distribution reads used by the ops
// dashboards. Nothing on the query path reads from here.
type Client struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewClient(cfg config.ClickHouseConfig, logger *zap.Logger) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(cfg.QueryTimeout.Seconds()),
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}

	logger.Info("clickhouse client connected", zap.Strings("addresses", cfg.Addresses))

	return &Client{
		conn:   conn,
		logger: logger,
	}, nil
}

func (c *Client) WriteQueryPerformance(ctx context.Context, event *models.AnalyticsEvent) error {
	start := time.Now()
	query := `
		INSERT INTO query_performance (
			event_type, knowledge_base_id, query_hash, decision,
			duration_ms, total_count, refinement_count, timestamp, trace_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := c.conn.Exec(ctx, query,
		event.EventType,
		event.KnowledgeBaseID,
		event.QueryHash,
		event.Decision,
		event.DurationMs,
		event.TotalCount,
		event.RefinementCount,
		event.Timestamp,
		event.TraceID,
	)
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.CHQueryDuration.WithLabelValues("write_performance", status).Observe(time.Since(start).Seconds())
	return err
}

// InsertListingEvent appends one ingest-pipeline event to the changelog.
func (c *Client) InsertListingEvent(ctx context.Context, event *models.ListingEvent) error {
	start := time.Now()
	query := `
		INSERT INTO listings_changelog (
			listing_id, knowledge_base_id, operation, timestamp, version
		) VALUES (?, ?, ?, ?, ?)
	`
	err := c.conn.Exec(ctx, query,
		event.ListingID,
		event.KnowledgeBaseID,
		event.Type,
		event.Timestamp,
		event.Version,
	)
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.CHQueryDuration.WithLabelValues("write_changelog", status).Observe(time.Since(start).Seconds())
	return err
}

// DecisionStat is one row of the per-decision distribution.
type DecisionStat struct {
	Decision      string  `json:"decision"`
	Count         int64   `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// QueryDecisionStats summarizes how often each result-policy decision fired
// for a knowledge base over the trailing window.
func (c *Client) QueryDecisionStats(ctx context.Context, kbID string, window time.Duration) ([]DecisionStat, error) {
	ctx, span := observability.StartSpan(ctx, "ch.decision_stats",
		attribute.String("knowledge_base_id", kbID),
	)
	defer span.End()

	start := time.Now()
	query := `
		SELECT
			decision,
			count() AS cnt,
			avg(duration_ms) AS avg_ms
		FROM query_performance
		WHERE knowledge_base_id = ? AND timestamp >= now() - INTERVAL ? SECOND
		GROUP BY decision
		ORDER BY cnt DESC
	`

	rows, err := c.conn.Query(ctx, query, kbID, int64(window.Seconds()))
	if err != nil {
		observability.CHQueryDuration.WithLabelValues("decision_stats", "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("ch decision stats: %w", err)
	}
	defer rows.Close()

	var stats []DecisionStat
	for rows.Next() {
		var s DecisionStat
		if err := rows.Scan(&s.Decision, &s.Count, &s.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("scanning decision stat row: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decision stat rows: %w", err)
	}

	observability.CHQueryDuration.WithLabelValues("decision_stats", "success").Observe(time.Since(start).Seconds())
	return stats, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) EnsureTables(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS query_performance (
			event_type String,
			knowledge_base_id String,
			query_hash String,
			decision String,
			duration_ms Float64,
			total_count Int64,
			refinement_count Int32,
			timestamp DateTime,
			trace_id String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (knowledge_base_id, timestamp, query_hash)`,

		`CREATE TABLE IF NOT EXISTS listings_changelog (
			listing_id String,
			knowledge_base_id String,
			operation String,
			timestamp DateTime,
			version Int64
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (knowledge_base_id, timestamp, listing_id)`,
	}

	for _, ddl := range tables {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	}

	c.logger.Info("clickhouse tables ensured")
	return nil
}
