package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	records []models.PropertyRecord

	countErr error
	fetchErr error
}

func (s *fakeStore) matching(filters *models.ExactFilters) []models.PropertyRecord {
	var out []models.PropertyRecord
	for _, r := range s.records {
		if recordMatches(&r, filters) {
			out = append(out, r)
		}
	}
	return out
}

func recordMatches(r *models.PropertyRecord, f *models.ExactFilters) bool {
	if f.TransactionType != nil && r.TransactionType != *f.TransactionType {
		return false
	}
	if f.Beds != nil && (r.Beds == nil || *r.Beds != *f.Beds) {
		return false
	}
	if f.Baths != nil && (r.Baths == nil || *r.Baths != *f.Baths) {
		return false
	}
	if f.PropertyType != nil && (r.PropertyType == nil || *r.PropertyType != *f.PropertyType) {
		return false
	}
	if f.FurnishedType != nil && (r.FurnishedType == nil || *r.FurnishedType != *f.FurnishedType) {
		return false
	}
	if f.HasNearbyStation != nil && (r.HasNearbyStation == nil || *r.HasNearbyStation != *f.HasNearbyStation) {
		return false
	}
	if f.City != nil && r.City != *f.City {
		return false
	}
	if f.District != nil && r.District != *f.District {
		return false
	}
	if f.County != nil && r.County != *f.County {
		return false
	}
	if len(f.Streets) > 0 {
		found := false
		for _, s := range f.Streets {
			if r.StreetAddress == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Price != nil && !f.Price.Contains(r.Price) {
		return false
	}
	if (f.RequireCoordinates || f.Geo != nil) && (r.Latitude == nil || r.Longitude == nil) {
		return false
	}
	if f.Geo != nil {
		// Crude degree box, close enough for test data.
		dLat := (*r.Latitude - f.Geo.Latitude) * 111
		dLon := (*r.Longitude - f.Geo.Longitude) * 70
		if dLat*dLat+dLon*dLon > f.Geo.RadiusKm*f.Geo.RadiusKm {
			return false
		}
	}
	return true
}

func (s *fakeStore) CountMatching(_ context.Context, _ string, filters *models.ExactFilters) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	return len(s.matching(filters)), nil
}

func (s *fakeStore) FetchMatching(_ context.Context, _ string, filters *models.ExactFilters, limit int) ([]models.PropertyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	out := s.matching(filters)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) DistinctValues(_ context.Context, _ string, dimension string, filters *models.ExactFilters) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.matching(filters) {
		var v string
		switch dimension {
		case models.DimCity:
			v = r.City
		case models.DimDistrict:
			v = r.District
		case models.DimCounty:
			v = r.County
		case models.DimStreetAddress:
			v = r.StreetAddress
		}
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

type fakeGeocoder struct {
	point *models.GeoPoint
	err   error
	calls int
}

func (g *fakeGeocoder) Geocode(_ context.Context, _ string) (*models.GeoPoint, error) {
	g.calls++
	return g.point, g.err
}

type fakeRegistry struct {
	kb  *models.KnowledgeBase
	err error
}

func (r *fakeRegistry) KnowledgeBase(_ context.Context, _ string) (*models.KnowledgeBase, error) {
	return r.kb, r.err
}

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		MaxDirectResults:      3,
		FuzzyMinSimilarity:    0.6,
		FreetextMinSimilarity: 0.7,
		FreetextSampleSize:    200,
		AggregationSampleSize: 1000,
		QueryTimeout:          2 * time.Second,
	}
}

func testGeoConfig() config.GeocodingConfig {
	return config.GeocodingConfig{
		RequestTimeout:  time.Second,
		DefaultRadiusKm: 5,
		Bounds:          models.BoundingBox{MinLat: 49.8, MaxLat: 60.9, MinLon: -10.7, MaxLon: 1.8},
	}
}

func newTestEngine(store *fakeStore, geocoder Geocoder, registry KBRegistry) *Engine {
	return New(store, geocoder, registry, nil, testSearchConfig(), testGeoConfig(), zap.NewNop())
}

func rentRecord(id, city string, price float64) models.PropertyRecord {
	return models.PropertyRecord{
		ID:              id,
		TransactionType: models.TransactionRent,
		Price:           price,
		City:            city,
	}
}

func TestQuery_FuzzyCityResolvesAndReturnsDirectly(t *testing.T) {
	store := &fakeStore{records: []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1100),
		rentRecord("3", "Bristol", 1300),
	}}
	e := newTestEngine(store, nil, nil)

	city := "Leds"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{City: &city},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Decision != models.DecisionReturnAll {
		t.Errorf("expected return_all, got %s", resp.Decision)
	}
	if resp.TotalCount != 2 || len(resp.Properties) != 2 {
		t.Errorf("expected 2 Leeds matches, got total %d properties %d", resp.TotalCount, len(resp.Properties))
	}
	for _, p := range resp.Properties {
		if p.City != "Leeds" {
			t.Errorf("typo should resolve to Leeds, got %q", p.City)
		}
	}
}

func TestQuery_UnresolvableCityYieldsScopedRefinements(t *testing.T) {
	store := &fakeStore{records: []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1100),
		rentRecord("3", "Bristol", 1300),
	}}
	e := newTestEngine(store, nil, nil)

	city := "Zzzqq"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{City: &city},
	})
	if err != nil {
		t.Fatalf("resolution misses are never errors: %v", err)
	}

	if resp.Decision != models.DecisionEmptyWithRefinements {
		t.Errorf("expected empty_with_refinements, got %s", resp.Decision)
	}
	if len(resp.Properties) != 0 || resp.TotalCount != 0 {
		t.Errorf("expected empty result set, got total %d properties %d", resp.TotalCount, len(resp.Properties))
	}

	counts := make(map[string]int)
	for _, s := range resp.Refinements {
		if s.FilterName != models.DimCity {
			t.Errorf("refinements must be scoped to the missed dimension, got %s", s.FilterName)
		}
		counts[s.FilterValue.(string)] = s.ResultCount
	}
	if counts["Leeds"] != 2 || counts["Bristol"] != 1 {
		t.Errorf("unexpected scoped counts: %v", counts)
	}
}

func TestQuery_CardinalityCap(t *testing.T) {
	store := &fakeStore{records: []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1100),
		rentRecord("3", "Bristol", 1300),
	}}
	e := newTestEngine(store, nil, nil)

	resp, err := e.Query(context.Background(), &models.QueryRequest{KnowledgeBaseID: "kb1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Decision != models.DecisionReturnAll {
		t.Errorf("expected return_all at or under the cap, got %s", resp.Decision)
	}
	if len(resp.Properties) != resp.TotalCount {
		t.Errorf("properties %d must equal totalCount %d", len(resp.Properties), resp.TotalCount)
	}
}

func TestQuery_NarrowedAboveCap(t *testing.T) {
	// Five rents, prices spread over tertiles. Count above the cap and the
	// price dimension can narrow, so records are withheld.
	store := &fakeStore{records: []models.PropertyRecord{
		rentRecord("1", "", 900),
		rentRecord("2", "", 1000),
		rentRecord("3", "", 1100),
		rentRecord("4", "", 1200),
		rentRecord("5", "", 5000),
	}}
	e := newTestEngine(store, nil, nil)

	resp, err := e.Query(context.Background(), &models.QueryRequest{KnowledgeBaseID: "kb1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Decision != models.DecisionNarrowed {
		t.Fatalf("expected narrowed, got %s", resp.Decision)
	}
	if len(resp.Properties) != 0 {
		t.Errorf("narrowed response must withhold properties, got %d", len(resp.Properties))
	}
	if resp.TotalCount != 5 {
		t.Errorf("totalCount must reflect the exact-match count, got %d", resp.TotalCount)
	}

	var buckets []models.PriceFilter
	sum := 0
	for _, s := range resp.Refinements {
		if s.FilterName == models.DimPrice {
			buckets = append(buckets, s.FilterValue.(models.PriceFilter))
			sum += s.ResultCount
		}
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 price buckets, got %v", buckets)
	}
	if buckets[0].Value != 1000 || buckets[1].Value != 1000 || *buckets[1].MaxValue != 1200 || buckets[2].Value != 1200 {
		t.Errorf("unexpected bucket boundaries: %v", buckets)
	}
	if sum != 5 {
		t.Errorf("bucket counts must sum to the total, got %d", sum)
	}
	if resp.RefinementSampleSize != 0 {
		t.Errorf("counts over the full match set must not report a sample basis, got %d", resp.RefinementSampleSize)
	}
}

func TestQuery_RefinementSampleSizeReportedAboveCap(t *testing.T) {
	// More matches than the aggregation sample holds. Refinement counts then
	// describe a subset and the response must say how big that subset was.
	var records []models.PropertyRecord
	for i := 0; i < 8; i++ {
		records = append(records, rentRecord(fmt.Sprintf("%d", i), "Leeds", 900+float64(i)*150))
	}
	store := &fakeStore{records: records}
	cfg := testSearchConfig()
	cfg.AggregationSampleSize = 4
	e := New(store, nil, nil, nil, cfg, testGeoConfig(), zap.NewNop())

	resp, err := e.Query(context.Background(), &models.QueryRequest{KnowledgeBaseID: "kb1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.TotalCount != 8 {
		t.Fatalf("totalCount must stay the backend count, got %d", resp.TotalCount)
	}
	if resp.RefinementSampleSize != 4 {
		t.Errorf("expected sample basis 4, got %d", resp.RefinementSampleSize)
	}
}

func TestQuery_IncludeAllOverridesNarrowing(t *testing.T) {
	store := &fakeStore{records: []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1000),
		rentRecord("3", "Bristol", 1100),
		rentRecord("4", "Bristol", 1200),
		rentRecord("5", "Bristol", 5000),
	}}
	e := newTestEngine(store, nil, nil)

	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{IncludeAll: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Decision != models.DecisionReturnAll {
		t.Errorf("include_all must force return_all, got %s", resp.Decision)
	}
	if len(resp.Properties) != 5 {
		t.Errorf("include_all must return every match, got %d", len(resp.Properties))
	}
	if len(resp.Refinements) == 0 {
		t.Error("refinements are still computed for display alongside include_all")
	}
}

func TestQuery_ReturnAllWhenNothingNarrows(t *testing.T) {
	// Above the cap but indistinguishable along every tracked dimension.
	var records []models.PropertyRecord
	for i := 0; i < 5; i++ {
		r := rentRecord(fmt.Sprintf("%d", i), "Leeds", 1000)
		r.StreetAddress = "Oak Lane"
		records = append(records, r)
	}
	store := &fakeStore{records: records}
	e := newTestEngine(store, nil, nil)

	resp, err := e.Query(context.Background(), &models.QueryRequest{KnowledgeBaseID: "kb1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Decision != models.DecisionReturnAll {
		t.Errorf("expected pragmatic return_all, got %s", resp.Decision)
	}
	if len(resp.Properties) != 5 {
		t.Errorf("expected all 5 records, got %d", len(resp.Properties))
	}
}

func TestQuery_StreetMultiMatch(t *testing.T) {
	records := []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1100),
		rentRecord("3", "Leeds", 1300),
	}
	records[0].StreetAddress = "Craig House Gardens"
	records[1].StreetAddress = "Portland Gardens"
	records[2].StreetAddress = "Oak Lane"
	store := &fakeStore{records: records}
	e := newTestEngine(store, nil, nil)

	street := "Gardens"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{Street: &street},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.TotalCount != 2 {
		t.Fatalf("expected both Gardens streets, got %d matches", resp.TotalCount)
	}
	for _, p := range resp.Properties {
		if p.StreetAddress == "Oak Lane" {
			t.Error("Oak Lane must not match")
		}
	}
}

func TestQuery_GeocodeInBounds(t *testing.T) {
	lat, lon := 53.8, -1.55
	records := []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "York", 1100),
	}
	records[0].Latitude, records[0].Longitude = &lat, &lon
	farLat, farLon := 51.45, -2.59
	records[1].Latitude, records[1].Longitude = &farLat, &farLon

	store := &fakeStore{records: records}
	geocoder := &fakeGeocoder{point: &models.GeoPoint{Latitude: 53.79, Longitude: -1.54}}
	e := newTestEngine(store, geocoder, nil)

	loc := "Headingley, Leeds"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{Location: &loc},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if geocoder.calls != 1 {
		t.Errorf("expected one geocode call, got %d", geocoder.calls)
	}
	if resp.TotalCount != 1 || resp.Properties[0].ID != "1" {
		t.Errorf("expected only the nearby record, got %+v", resp.Properties)
	}
}

func TestQuery_GeocodeFailureFallsBackToFuzzy(t *testing.T) {
	lat, lon := 53.8, -1.55
	records := []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1100),
	}
	records[0].District = "Headingley"
	records[0].Latitude, records[0].Longitude = &lat, &lon
	nearLat, nearLon := 53.81, -1.56
	records[1].Latitude, records[1].Longitude = &nearLat, &nearLon

	store := &fakeStore{records: records}
	geocoder := &fakeGeocoder{err: errors.New("provider down")}
	e := newTestEngine(store, geocoder, nil)

	loc := "Headingley"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{Location: &loc},
	})
	if err != nil {
		t.Fatalf("geocoding failures must never propagate: %v", err)
	}

	// Radius anchored on the matching record's coordinates picks up its
	// near neighbour too.
	if resp.TotalCount != 2 {
		t.Errorf("expected both nearby records, got %d", resp.TotalCount)
	}
}

func TestQuery_OutOfBoundsGeocodeDistrusted(t *testing.T) {
	records := []models.PropertyRecord{rentRecord("1", "Leeds", 900)}
	store := &fakeStore{records: records}
	// Provider confidently returns Melbourne.
	geocoder := &fakeGeocoder{point: &models.GeoPoint{Latitude: -37.8, Longitude: 144.9}}
	e := newTestEngine(store, geocoder, nil)

	loc := "Leeds"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{Location: &loc},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// No coordinate-bearing records, so the phrase degrades to the city
	// ladder and resolves exactly.
	if resp.TotalCount != 1 {
		t.Errorf("expected degraded city match, got %d", resp.TotalCount)
	}
}

func TestQuery_UnresolvableLocationYieldsCityRefinements(t *testing.T) {
	store := &fakeStore{records: []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1100),
		rentRecord("3", "Bristol", 1300),
	}}
	e := newTestEngine(store, nil, nil)

	loc := "Zzzqq"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{Location: &loc},
	})
	if err != nil {
		t.Fatalf("resolution misses are never errors: %v", err)
	}

	// The degraded city ladder missed, so the response must offer the
	// available cities instead of dead-ending on an empty return_all.
	if resp.Decision != models.DecisionEmptyWithRefinements {
		t.Fatalf("expected empty_with_refinements, got %s", resp.Decision)
	}
	if resp.TotalCount != 0 || len(resp.Properties) != 0 {
		t.Errorf("expected empty result set, got total %d properties %d", resp.TotalCount, len(resp.Properties))
	}

	counts := make(map[string]int)
	for _, s := range resp.Refinements {
		if s.FilterName != models.DimCity {
			t.Errorf("refinements must be city-scoped, got %s", s.FilterName)
		}
		counts[s.FilterValue.(string)] = s.ResultCount
	}
	if counts["Leeds"] != 2 || counts["Bristol"] != 1 {
		t.Errorf("unexpected city counts: %v", counts)
	}
}

func TestQuery_DegradedLocationResolvesCityCase(t *testing.T) {
	store := &fakeStore{records: []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1100),
		rentRecord("3", "Bristol", 1300),
	}}
	e := newTestEngine(store, nil, nil)

	loc := "leeds"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{Location: &loc},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The raw phrase goes through the city ladder, so the lowercase input
	// still lands on the canonical value.
	if resp.TotalCount != 2 {
		t.Fatalf("expected both Leeds records, got %d", resp.TotalCount)
	}
	for _, p := range resp.Properties {
		if p.City != "Leeds" {
			t.Errorf("expected canonical city Leeds, got %q", p.City)
		}
	}
}

func TestQuery_RegistryBoundsOverrideDefault(t *testing.T) {
	lat, lon := -37.81, 144.96
	records := []models.PropertyRecord{rentRecord("1", "Melbourne", 900)}
	records[0].Latitude, records[0].Longitude = &lat, &lon
	store := &fakeStore{records: records}
	geocoder := &fakeGeocoder{point: &models.GeoPoint{Latitude: -37.8, Longitude: 144.95}}
	registry := &fakeRegistry{kb: &models.KnowledgeBase{
		ID:     "kb-au",
		Bounds: &models.BoundingBox{MinLat: -44, MaxLat: -10, MinLon: 112, MaxLon: 154},
	}}
	e := newTestEngine(store, geocoder, registry)

	loc := "Melbourne CBD"
	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb-au",
		Filters:         &models.FilterSpec{Location: &loc},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TotalCount != 1 {
		t.Errorf("expected geocode accepted inside the registry bounds, got %d matches", resp.TotalCount)
	}
}

func TestQuery_InvalidPriceFilter(t *testing.T) {
	e := newTestEngine(&fakeStore{}, nil, nil)

	_, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters:         &models.FilterSpec{Price: &models.PriceFilter{Mode: models.PriceBetween, Value: 1000}},
	})
	if !errors.Is(err, models.ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestQuery_EmptyKnowledgeBase(t *testing.T) {
	e := newTestEngine(&fakeStore{}, nil, nil)

	resp, err := e.Query(context.Background(), &models.QueryRequest{KnowledgeBaseID: "kb1"})
	if err != nil {
		t.Fatalf("an empty dataset is not an error: %v", err)
	}
	if resp.TotalCount != 0 || len(resp.Properties) != 0 || len(resp.Refinements) != 0 {
		t.Errorf("expected an empty structured response, got %+v", resp)
	}
}

func TestQuery_StoreFailurePropagates(t *testing.T) {
	store := &fakeStore{countErr: errors.New("store unavailable")}
	e := newTestEngine(store, nil, nil)

	_, err := e.Query(context.Background(), &models.QueryRequest{KnowledgeBaseID: "kb1"})
	if err == nil {
		t.Fatal("store failures must fail the whole request")
	}
}

func TestQuery_PriceFilterApplied(t *testing.T) {
	store := &fakeStore{records: []models.PropertyRecord{
		rentRecord("1", "Leeds", 900),
		rentRecord("2", "Leeds", 1000),
		rentRecord("3", "Leeds", 1500),
	}}
	e := newTestEngine(store, nil, nil)

	resp, err := e.Query(context.Background(), &models.QueryRequest{
		KnowledgeBaseID: "kb1",
		Filters: &models.FilterSpec{
			Price: &models.PriceFilter{Mode: models.PriceUnder, Value: 1000},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TotalCount != 1 || resp.Properties[0].ID != "1" {
		t.Errorf("under is exclusive, expected only the 900 record, got %+v", resp.Properties)
	}
}
