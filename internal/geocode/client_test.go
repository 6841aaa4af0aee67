package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
)

type memoryCache struct {
	mu sync.Mutex

	entries map[string]*models.GeoPoint
	getErr  error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*models.GeoPoint)}
}

func (m *memoryCache) GetGeocode(_ context.Context, text string) (*models.GeoPoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	p, ok := m.entries[text]
	return p, ok, nil
}

func (m *memoryCache) SetGeocode(_ context.Context, text string, point *models.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[text] = point
	return nil
}

func testClient(baseURL string, lookupCache LookupCache) *Client {
	cfg := config.GeocodingConfig{
		BaseURL:        baseURL,
		RequestTimeout: time.Second,
	}
	cbCfg := config.CircuitBreakerConfig{
		MaxRequests:      10,
		Interval:         time.Second,
		Timeout:          time.Second,
		FailureThreshold: 100,
	}
	return NewClient(cfg, cbCfg, lookupCache, zap.NewNop())
}

func TestGeocode_ParsesProviderResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "Headingley, Leeds" {
			t.Errorf("unexpected query %q", got)
		}
		if got := r.URL.Query().Get("format"); got != "json" {
			t.Errorf("unexpected format %q", got)
		}
		w.Write([]byte(`[{"lat":"53.8195","lon":"-1.5816","display_name":"Headingley, Leeds, England"}]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, nil)
	point, err := c.Geocode(context.Background(), "Headingley, Leeds")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if point == nil {
		t.Fatal("expected a result")
	}
	if point.Latitude != 53.8195 || point.Longitude != -1.5816 {
		t.Errorf("unexpected coordinates: %+v", point)
	}
	if point.FormattedAddress != "Headingley, Leeds, England" {
		t.Errorf("unexpected address: %q", point.FormattedAddress)
	}
}

func TestGeocode_EmptyResultIsNilNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, nil)
	point, err := c.Geocode(context.Background(), "Zzzqq")
	if err != nil {
		t.Fatalf("no result is not an error: %v", err)
	}
	if point != nil {
		t.Errorf("expected nil point, got %+v", point)
	}
}

func TestGeocode_ProviderErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL, nil)
	if _, err := c.Geocode(context.Background(), "Leeds"); err == nil {
		t.Fatal("expected error for provider failure")
	}
}

func TestGeocode_CacheHitSkipsProvider(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Write([]byte(`[{"lat":"53.8","lon":"-1.55","display_name":"Leeds"}]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, newMemoryCache())

	for i := 0; i < 3; i++ {
		if _, err := c.Geocode(context.Background(), "Leeds"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 provider call, got %d", calls)
	}
}

func TestGeocode_NegativeResultCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, newMemoryCache())

	for i := 0; i < 2; i++ {
		point, err := c.Geocode(context.Background(), "Zzzqq")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if point != nil {
			t.Errorf("expected nil point, got %+v", point)
		}
	}
	if calls != 1 {
		t.Errorf("expected the miss to be cached after 1 call, got %d", calls)
	}
}

func TestGeocode_CacheErrorFallsThroughToProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"lat":"53.8","lon":"-1.55","display_name":"Leeds"}]`))
	}))
	defer srv.Close()

	mc := newMemoryCache()
	mc.getErr = context.DeadlineExceeded
	c := testClient(srv.URL, mc)

	point, err := c.Geocode(context.Background(), "Leeds")
	if err != nil {
		t.Fatalf("cache errors must not fail the lookup: %v", err)
	}
	if point == nil || point.Latitude != 53.8 {
		t.Errorf("expected provider result despite cache error, got %+v", point)
	}
}

func TestGeocode_MalformedCoordinates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"lat":"not-a-number","lon":"-1.55"}]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, nil)
	if _, err := c.Geocode(context.Background(), "Leeds"); err == nil {
		t.Fatal("expected error for malformed coordinates")
	}
}
