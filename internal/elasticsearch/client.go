package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
	"github.com/lettinghub/property-query/internal/resilience"
)

// Client is the Elasticsearch-backed property store. One index per
// knowledge base; documents are PropertyRecord shaped with an extra
// geo_point "location" field for radius queries.
type Client struct {
	es       *elasticsearch.Client
	cb       *gobreaker.CircuitBreaker
	cfg      config.ElasticsearchConfig
	retryCfg resilience.RetryConfig
	logger   *zap.Logger
}

func NewClient(cfg config.ElasticsearchConfig, searchCfg config.SearchConfig, logger *zap.Logger) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses:  cfg.Addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MaxRetries: cfg.MaxRetries,
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	res, err := es.Ping()
	if err != nil {
		return nil, fmt.Errorf("pinging elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch ping returned status: %s", res.Status())
	}

	cb := resilience.NewCircuitBreaker("elasticsearch-primary", searchCfg.CircuitBreaker, logger)

	logger.Info("elasticsearch client connected", zap.Strings("addresses", cfg.Addresses))

	return &Client{
		es:  es,
		cb:  cb,
		cfg: cfg,
		retryCfg: resilience.RetryConfig{
			MaxAttempts: searchCfg.Retry.MaxAttempts,
			InitialWait: searchCfg.Retry.InitialWait,
			MaxWait:     searchCfg.Retry.MaxWait,
			Multiplier:  searchCfg.Retry.Multiplier,
		},
		logger: logger,
	}, nil
}

// IndexName maps a knowledge base to its listings index.
func (c *Client) IndexName(kbID string) string {
	return fmt.Sprintf("%s-%s", c.cfg.IndexPrefix, kbID)
}

// CountMatching returns the exact-match count for the resolved filter set.
func (c *Client) CountMatching(ctx context.Context, kbID string, filters *models.ExactFilters) (int, error) {
	ctx, span := observability.StartSpan(ctx, "es.count",
		attribute.String("knowledge_base_id", kbID),
	)
	defer span.End()

	start := time.Now()
	query := map[string]any{"query": buildQuery(filters)}

	cbResult, err := c.cb.Execute(func() (any, error) {
		var count int
		retryErr := resilience.Retry(ctx, c.retryCfg, func() error {
			var execErr error
			count, execErr = c.executeCount(ctx, kbID, query)
			return execErr
		})
		return count, retryErr
	})

	duration := time.Since(start)
	if err != nil {
		observability.ESQueryDuration.WithLabelValues("count", "error").Observe(duration.Seconds())
		return 0, fmt.Errorf("es count (kb=%s): %w", kbID, err)
	}
	observability.ESQueryDuration.WithLabelValues("count", "success").Observe(duration.Seconds())

	return cbResult.(int), nil
}

// FetchMatching returns matching records newest first.
func (c *Client) FetchMatching(ctx context.Context, kbID string, filters *models.ExactFilters, limit int) ([]models.PropertyRecord, error) {
	ctx, span := observability.StartSpan(ctx, "es.fetch",
		attribute.String("knowledge_base_id", kbID),
		attribute.Int("limit", limit),
	)
	defer span.End()

	start := time.Now()
	query := map[string]any{
		"query": buildQuery(filters),
		"sort":  []any{map[string]any{"added_on": map[string]any{"order": "desc"}}},
	}
	if limit > 0 {
		query["size"] = limit
	}

	cbResult, err := c.cb.Execute(func() (any, error) {
		var records []models.PropertyRecord
		retryErr := resilience.Retry(ctx, c.retryCfg, func() error {
			var execErr error
			records, execErr = c.executeSearch(ctx, kbID, query)
			return execErr
		})
		return records, retryErr
	})

	duration := time.Since(start)
	if err != nil {
		observability.ESQueryDuration.WithLabelValues("fetch", "error").Observe(duration.Seconds())
		return nil, fmt.Errorf("es fetch (kb=%s): %w", kbID, err)
	}
	observability.ESQueryDuration.WithLabelValues("fetch", "success").Observe(duration.Seconds())

	return cbResult.([]models.PropertyRecord), nil
}

// DistinctValues enumerates the distinct non-null values of one dimension
// within the filter scope, via a terms aggregation.
func (c *Client) DistinctValues(ctx context.Context, kbID, dimension string, filters *models.ExactFilters) ([]string, error) {
	ctx, span := observability.StartSpan(ctx, "es.distinct",
		attribute.String("knowledge_base_id", kbID),
		attribute.String("dimension", dimension),
	)
	defer span.End()

	start := time.Now()
	query := map[string]any{
		"query": buildQuery(filters),
		"size":  0,
		"aggs": map[string]any{
			"distinct": map[string]any{
				"terms": map[string]any{
					"field": dimension,
					"size":  10000,
				},
			},
		},
	}

	cbResult, err := c.cb.Execute(func() (any, error) {
		var values []string
		retryErr := resilience.Retry(ctx, c.retryCfg, func() error {
			var execErr error
			values, execErr = c.executeDistinct(ctx, kbID, query)
			return execErr
		})
		return values, retryErr
	})

	duration := time.Since(start)
	if err != nil {
		observability.ESQueryDuration.WithLabelValues("distinct", "error").Observe(duration.Seconds())
		return nil, fmt.Errorf("es distinct %s (kb=%s): %w", dimension, kbID, err)
	}
	observability.ESQueryDuration.WithLabelValues("distinct", "success").Observe(duration.Seconds())

	return cbResult.([]string), nil
}

// buildQuery translates the resolved filter set into an ES bool query.
// Equality for categorical, boolean and numeric fields, range for price,
// geo_distance for radius, terms for the street IN set.
func buildQuery(filters *models.ExactFilters) map[string]any {
	var must []any

	term := func(field string, value any) {
		must = append(must, map[string]any{"term": map[string]any{field: value}})
	}

	if filters.TransactionType != nil {
		term("transaction_type", *filters.TransactionType)
	}
	if filters.Beds != nil {
		term("beds", *filters.Beds)
	}
	if filters.Baths != nil {
		term("baths", *filters.Baths)
	}
	if filters.PropertyType != nil {
		term("property_type", *filters.PropertyType)
	}
	if filters.FurnishedType != nil {
		term("furnished_type", *filters.FurnishedType)
	}
	if filters.HasNearbyStation != nil {
		term("has_nearby_station", *filters.HasNearbyStation)
	}
	if filters.City != nil {
		term("city", *filters.City)
	}
	if filters.District != nil {
		term("district", *filters.District)
	}
	if filters.County != nil {
		term("county", *filters.County)
	}
	if len(filters.Streets) > 0 {
		must = append(must, map[string]any{
			"terms": map[string]any{"street_address": filters.Streets},
		})
	}
	if pr := filters.Price; pr != nil {
		bounds := map[string]any{}
		if pr.Min != nil {
			if pr.MinExclusive {
				bounds["gt"] = *pr.Min
			} else {
				bounds["gte"] = *pr.Min
			}
		}
		if pr.Max != nil {
			if pr.MaxExclusive {
				bounds["lt"] = *pr.Max
			} else {
				bounds["lte"] = *pr.Max
			}
		}
		must = append(must, map[string]any{"range": map[string]any{"price": bounds}})
	}
	if filters.Geo != nil {
		must = append(must, map[string]any{
			"geo_distance": map[string]any{
				"distance": fmt.Sprintf("%gkm", filters.Geo.RadiusKm),
				"location": map[string]any{
					"lat": filters.Geo.Latitude,
					"lon": filters.Geo.Longitude,
				},
			},
		})
	}
	if filters.RequireCoordinates {
		must = append(must, map[string]any{"exists": map[string]any{"field": "location"}})
	}

	if len(must) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	return map[string]any{"bool": map[string]any{"must": must}}
}

func (c *Client) executeCount(ctx context.Context, kbID string, query map[string]any) (int, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return 0, fmt.Errorf("marshaling es query: %w", err)
	}

	res, err := c.es.Count(
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(c.IndexName(kbID)),
		c.es.Count.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return 0, fmt.Errorf("executing es count: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("es count error status=%s body=%s", res.Status(), string(bodyBytes))
	}

	var counted struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&counted); err != nil {
		return 0, fmt.Errorf("decoding count response: %w", err)
	}
	return counted.Count, nil
}

func (c *Client) executeSearch(ctx context.Context, kbID string, query map[string]any) ([]models.PropertyRecord, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshaling es query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.IndexName(kbID)),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithTimeout(c.cfg.RequestTimeout),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("executing es search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("es search error status=%s body=%s", res.Status(), string(bodyBytes))
	}

	var esResp esSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&esResp); err != nil {
		return nil, fmt.Errorf("decoding es response: %w", err)
	}

	records := make([]models.PropertyRecord, 0, len(esResp.Hits.Hits))
	for _, h := range esResp.Hits.Hits {
		var rec models.PropertyRecord
		if err := json.Unmarshal(h.Source, &rec); err != nil {
			c.logger.Warn("skipping undecodable listing document",
				zap.String("id", h.ID), zap.Error(err))
			continue
		}
		if rec.ID == "" {
			rec.ID = h.ID
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Client) executeDistinct(ctx context.Context, kbID string, query map[string]any) ([]string, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshaling es query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.IndexName(kbID)),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithTimeout(c.cfg.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("executing es aggregation: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("es aggregation error status=%s body=%s", res.Status(), string(bodyBytes))
	}

	var aggResp struct {
		Aggregations struct {
			Distinct struct {
				Buckets []struct {
					Key any `json:"key"`
				} `json:"buckets"`
			} `json:"distinct"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&aggResp); err != nil {
		return nil, fmt.Errorf("decoding aggregation response: %w", err)
	}

	values := make([]string, 0, len(aggResp.Aggregations.Distinct.Buckets))
	for _, b := range aggResp.Aggregations.Distinct.Buckets {
		if s, ok := b.Key.(string); ok && s != "" {
			values = append(values, s)
		}
	}
	return values, nil
}

// BulkIndex applies a batch of listing index/delete actions.
func (c *Client) BulkIndex(ctx context.Context, actions []models.IndexAction) error {
	if len(actions) == 0 {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "es.bulk_index",
		attribute.Int("batch_size", len(actions)),
	)
	defer span.End()

	var buf bytes.Buffer
	for _, action := range actions {
		meta := map[string]any{
			action.Action: map[string]any{
				"_index": action.Index,
				"_id":    action.ID,
			},
		}

		metaLine, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshaling bulk meta: %w", err)
		}
		buf.Write(metaLine)
		buf.WriteByte('\n')

		if action.Action != "delete" && action.Body != nil {
			bodyLine, err := json.Marshal(action.Body)
			if err != nil {
				return fmt.Errorf("marshaling bulk body: %w", err)
			}
			buf.Write(bodyLine)
			buf.WriteByte('\n')
		}
	}

	res, err := c.es.Bulk(
		bytes.NewReader(buf.Bytes()),
		c.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("executing bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk request error status=%s body=%s", res.Status(), string(bodyBytes))
	}

	var bulkResp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}

	if bulkResp.Errors {
		var errMsgs []string
		for _, item := range bulkResp.Items {
			for _, result := range item {
				if result.Error != nil {
					errMsgs = append(errMsgs, fmt.Sprintf("id=%s: %s", result.ID, result.Error.Reason))
				}
			}
		}
		return fmt.Errorf("bulk indexing had errors: %s", strings.Join(errMsgs, "; "))
	}

	return nil
}

func (c *Client) HealthCheck(ctx context.Context) (string, error) {
	res, err := c.es.Cluster.Health(
		c.es.Cluster.Health.WithContext(ctx),
	)
	if err != nil {
		return "red", fmt.Errorf("es health check: %w", err)
	}
	defer res.Body.Close()

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return "red", fmt.Errorf("decoding health response: %w", err)
	}
	return health.Status, nil
}

func (c *Client) Close() error {
	return nil
}

// ES response types

type esSearchResponse struct {
	Took     int64 `json:"took"`
	TimedOut bool  `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value    int64  `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

type esHit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type bulkResponse struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}
