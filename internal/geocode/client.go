package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
	"github.com/lettinghub/property-query/internal/resilience"
)

// LookupCache stores previous lookups, including negative ones. Cache
// failures are logged and treated as misses.
type LookupCache interface {
	GetGeocode(ctx context.Context, text string) (*models.GeoPoint, bool, error)
	SetGeocode(ctx context.Context, text string, point *models.GeoPoint) error
}

// Client resolves free-text location phrases against a Nominatim-style
// provider. A nil point with a nil error means the provider had no answer.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cache      LookupCache
	logger     *zap.Logger
}

func NewClient(cfg config.GeocodingConfig, cbCfg config.CircuitBreakerConfig, lookupCache LookupCache, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    cfg.BaseURL,
		cb:         resilience.NewCircuitBreaker("geocoding-provider", cbCfg, logger),
		cache:      lookupCache,
		logger:     logger,
	}
}

func (c *Client) Geocode(ctx context.Context, text string) (*models.GeoPoint, error) {
	ctx, span := observability.StartSpan(ctx, "geocode.lookup",
		attribute.String("text", text),
	)
	defer span.End()

	if c.cache != nil {
		point, found, err := c.cache.GetGeocode(ctx, text)
		if err != nil {
			c.logger.Warn("geocode cache lookup error", zap.Error(err))
		} else if found {
			observability.GeocodeLookupsTotal.WithLabelValues("cache_hit").Inc()
			return point, nil
		}
	}

	cbResult, err := c.cb.Execute(func() (any, error) {
		return c.lookup(ctx, text)
	})
	if err != nil {
		observability.GeocodeLookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("geocoding %q: %w", text, err)
	}

	point, _ := cbResult.(*models.GeoPoint)
	if point == nil {
		observability.GeocodeLookupsTotal.WithLabelValues("miss").Inc()
	} else {
		observability.GeocodeLookupsTotal.WithLabelValues("hit").Inc()
	}

	if c.cache != nil {
		if err := c.cache.SetGeocode(ctx, text, point); err != nil {
			c.logger.Warn("geocode cache set error", zap.Error(err))
		}
	}

	return point, nil
}

func (c *Client) lookup(ctx context.Context, text string) (*models.GeoPoint, error) {
	params := url.Values{}
	params.Set("q", text)
	params.Set("format", "json")
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building geocode request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing geocode request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode provider returned status %d", res.StatusCode)
	}

	var results []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(res.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding geocode response: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing geocode latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing geocode longitude %q: %w", results[0].Lon, err)
	}

	return &models.GeoPoint{
		Latitude:         lat,
		Longitude:        lon,
		FormattedAddress: results[0].DisplayName,
	}, nil
}
