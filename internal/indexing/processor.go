package indexing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
)

const (
	// maxBufferSize bounds the bulk buffer when Elasticsearch is down;
	// beyond it events are rejected so the consumer retries them later.
	maxBufferSize = 50000
	// maxAsyncWorkers bounds concurrent changelog writes.
	maxAsyncWorkers = 128
)

// BulkIndexer is the slice of the property store the processor writes to.
type BulkIndexer interface {
	BulkIndex(ctx context.Context, actions []models.IndexAction) error
	IndexName(kbID string) string
}

// ChangelogWriter records listing events for analytics, best effort.
type ChangelogWriter interface {
	InsertListingEvent(ctx context.Context, event *models.ListingEvent) error
}

// StreamProcessor turns listing change events into bulk index actions,
// flushed by size or interval.
type StreamProcessor struct {
	indexer   BulkIndexer
	changelog ChangelogWriter
	esCfg     config.ElasticsearchConfig
	logger    *zap.Logger

	mu       sync.Mutex
	buffer   []models.IndexAction
	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once

	workers chan struct{}
}

func NewStreamProcessor(
	indexer BulkIndexer,
	changelog ChangelogWriter,
	esCfg config.ElasticsearchConfig,
	logger *zap.Logger,
) *StreamProcessor {
	sp := &StreamProcessor{
		indexer:   indexer,
		changelog: changelog,
		esCfg:     esCfg,
		logger:    logger,
		buffer:    make([]models.IndexAction, 0, esCfg.BulkSize),
		ticker:    time.NewTicker(esCfg.BulkFlushInterval),
		done:      make(chan struct{}),
		workers:   make(chan struct{}, maxAsyncWorkers),
	}

	go sp.flushLoop()

	return sp
}

func (sp *StreamProcessor) HandleEvent(ctx context.Context, event *models.ListingEvent) error {
	action, err := sp.transformEvent(event)
	if err != nil {
		return fmt.Errorf("transforming event: %w", err)
	}

	sp.mu.Lock()
	if len(sp.buffer) >= maxBufferSize {
		sp.mu.Unlock()
		observability.IndexingEventsTotal.WithLabelValues(event.Type, "buffer_full").Inc()
		return fmt.Errorf("index buffer full (%d actions)", maxBufferSize)
	}
	sp.buffer = append(sp.buffer, *action)
	shouldFlush := len(sp.buffer) >= sp.esCfg.BulkSize
	sp.mu.Unlock()

	if shouldFlush {
		if err := sp.flush(ctx); err != nil {
			sp.logger.Error("flush on buffer full failed", zap.Error(err))
		}
	}

	// Changelog write is async and best-effort; the worker cap keeps a slow
	// ClickHouse from piling up goroutines.
	if sp.changelog != nil {
		select {
		case sp.workers <- struct{}{}:
			go func(ev models.ListingEvent) {
				defer func() { <-sp.workers }()
				chCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := sp.changelog.InsertListingEvent(chCtx, &ev); err != nil {
					sp.logger.Warn("changelog insert failed",
						zap.String("listing_id", ev.ListingID),
						zap.Error(err),
					)
				}
			}(*event)
		default:
			sp.logger.Warn("changelog workers saturated, dropping event",
				zap.String("listing_id", event.ListingID))
		}
	}

	return nil
}

func (sp *StreamProcessor) transformEvent(event *models.ListingEvent) (*models.IndexAction, error) {
	action := &models.IndexAction{
		ID:        event.ListingID,
		Index:     sp.indexer.IndexName(event.KnowledgeBaseID),
		Timestamp: event.Timestamp,
	}

	switch event.Type {
	case "CREATE", "UPDATE":
		action.Action = "index"
		action.Body = buildDocument(event.Listing)
	case "DELETE":
		action.Action = "delete"
	default:
		return nil, fmt.Errorf("unknown event type: %s", event.Type)
	}

	return action, nil
}

// buildDocument shapes a raw scraped listing into the index document. Only
// the queryable fields are kept; the raw payload rides along under source.
// When both coordinates are present a geo_point field is derived for radius
// queries.
func buildDocument(listing map[string]any) map[string]any {
	doc := map[string]any{
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}

	queryableFields := []string{
		"transaction_type", "price", "beds", "baths",
		"property_type", "furnished_type", "has_nearby_station",
		"street_address", "city", "district", "county", "postcode",
		"full_address", "latitude", "longitude", "added_on", "scraped_at",
	}

	for _, field := range queryableFields {
		if v, ok := listing[field]; ok {
			doc[field] = v
		}
	}

	lat, latOK := toFloat(listing["latitude"])
	lon, lonOK := toFloat(listing["longitude"])
	if latOK && lonOK {
		doc["location"] = map[string]float64{"lat": lat, "lon": lon}
	}

	if src, ok := listing["source"]; ok {
		doc["source"] = src
	}

	return doc
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (sp *StreamProcessor) flushLoop() {
	for {
		select {
		case <-sp.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := sp.flush(ctx); err != nil {
				sp.logger.Error("periodic flush failed", zap.Error(err))
			}
			cancel()
		case <-sp.done:
			return
		}
	}
}

func (sp *StreamProcessor) flush(ctx context.Context) error {
	sp.mu.Lock()
	if len(sp.buffer) == 0 {
		sp.mu.Unlock()
		return nil
	}
	batch := make([]models.IndexAction, len(sp.buffer))
	copy(batch, sp.buffer)
	sp.buffer = sp.buffer[:0]
	sp.mu.Unlock()

	start := time.Now()
	if err := sp.indexer.BulkIndex(ctx, batch); err != nil {
		// Put failed items back into buffer for retry
		sp.mu.Lock()
		sp.buffer = append(batch, sp.buffer...)
		sp.mu.Unlock()

		observability.IndexingEventsTotal.WithLabelValues("bulk", "error").Inc()
		return fmt.Errorf("bulk index flush: %w", err)
	}

	observability.IndexingEventsTotal.WithLabelValues("bulk", "success").Add(float64(len(batch)))
	sp.logger.Info("bulk flush completed",
		zap.Int("count", len(batch)),
		zap.Duration("duration", time.Since(start)),
	)

	return nil
}

func (sp *StreamProcessor) Stop() error {
	sp.stopOnce.Do(func() {
		sp.ticker.Stop()
		close(sp.done)
	})

	// Final flush
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return sp.flush(ctx)
}
