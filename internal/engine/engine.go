package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
)

// PropertyStore is the collaborator holding the listings. All three calls
// honor the same exact-match semantics: equality for categorical, boolean
// and numeric fields, inclusive/exclusive range for price, IN for streets.
type PropertyStore interface {
	CountMatching(ctx context.Context, kbID string, filters *models.ExactFilters) (int, error)
	FetchMatching(ctx context.Context, kbID string, filters *models.ExactFilters, limit int) ([]models.PropertyRecord, error)
	DistinctValues(ctx context.Context, kbID, dimension string, filters *models.ExactFilters) ([]string, error)
}

// Geocoder turns a free-text phrase into coordinates. A nil result with a
// nil error means the provider had no answer; errors are absorbed by the
// engine the same way.
type Geocoder interface {
	Geocode(ctx context.Context, text string) (*models.GeoPoint, error)
}

// KBRegistry provides per-knowledge-base metadata such as the geographic
// bounds geocoding results are validated against.
type KBRegistry interface {
	KnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error)
}

// Engine resolves a noisy filter request into either a small decisive set
// of properties or refinement suggestions for the next conversation turn.
// It is stateless; every call is a pure function of (knowledge base,
// filters) plus the store's current contents.
type Engine struct {
	store     PropertyStore
	geocoder  Geocoder
	registry  KBRegistry
	slowQuery *observability.SlowQueryDetector
	cfg       config.SearchConfig
	geoCfg    config.GeocodingConfig
	logger    *zap.Logger
}

func New(
	store PropertyStore,
	geocoder Geocoder,
	registry KBRegistry,
	slowQuery *observability.SlowQueryDetector,
	cfg config.SearchConfig,
	geoCfg config.GeocodingConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:     store,
		geocoder:  geocoder,
		registry:  registry,
		slowQuery: slowQuery,
		cfg:       cfg,
		geoCfg:    geoCfg,
		logger:    logger,
	}
}

// Query is the single entry point from the tool-calling layer.
func (e *Engine) Query(ctx context.Context, req *models.QueryRequest) (*models.QueryResponse, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.query",
		attribute.String("knowledge_base_id", req.KnowledgeBaseID),
	)
	defer span.End()

	spec := req.Filters
	if spec == nil {
		spec = &models.FilterSpec{}
	}
	if err := spec.Validate(); err != nil {
		observability.QueryRequestsTotal.WithLabelValues("invalid", "error").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	resp, err := e.resolve(ctx, req.KnowledgeBaseID, spec)
	if err != nil {
		observability.QueryRequestsTotal.WithLabelValues("error", "error").Inc()
		observability.QueryRequestDuration.WithLabelValues("error", "error").Observe(time.Since(start).Seconds())
		return nil, err
	}

	resp.TookMs = time.Since(start).Milliseconds()
	resp.RequestID = req.RequestID

	observability.QueryRequestsTotal.WithLabelValues(resp.Decision, "success").Inc()
	observability.QueryRequestDuration.WithLabelValues(resp.Decision, "success").Observe(time.Since(start).Seconds())

	if e.slowQuery != nil {
		e.slowQuery.Intercept(ctx, req.KnowledgeBaseID, fingerprint(spec), resp.Decision,
			time.Since(start), int64(resp.TotalCount), len(resp.Refinements))
	}

	return resp, nil
}

func (e *Engine) resolve(ctx context.Context, kbID string, spec *models.FilterSpec) (*models.QueryResponse, error) {
	filters, err := baseFilters(spec)
	if err != nil {
		return nil, err
	}

	// Categorical location dimensions, broadest context first. A miss on any
	// of them short-circuits into scoped refinements; the voice assistant
	// cannot handle a hard error mid-call.
	for _, c := range []struct {
		dim   string
		value *string
		set   func(*models.ExactFilters, string)
	}{
		{models.DimCity, spec.City, func(f *models.ExactFilters, v string) { f.City = &v }},
		{models.DimDistrict, spec.District, func(f *models.ExactFilters, v string) { f.District = &v }},
		{models.DimCounty, spec.County, func(f *models.ExactFilters, v string) { f.County = &v }},
	} {
		if c.value == nil {
			continue
		}
		resolved, ok, err := e.resolveDimension(ctx, kbID, c.dim, *c.value, filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			return e.scopedRefinements(ctx, kbID, c.dim, filters)
		}
		c.set(filters, resolved)
	}

	// Free-text location only applies when no decomposed field pinned the
	// area down already. A non-nil response is terminal: the degraded city
	// ladder missed and scoped refinements are the answer.
	if spec.Location != nil && spec.City == nil && spec.District == nil && spec.County == nil {
		resp, err := e.resolveFreetext(ctx, kbID, spec, filters)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}

	// Street matching runs inside the already-narrowed pool.
	if spec.Street != nil {
		candidates, err := e.store.DistinctValues(ctx, kbID, models.DimStreetAddress, filters)
		if err != nil {
			return nil, fmt.Errorf("street candidates: %w", err)
		}
		streets, stage, ok := resolveStreet(*spec.Street, candidates, e.cfg.FuzzyMinSimilarity)
		observability.LocationResolutionsTotal.WithLabelValues(models.DimStreetAddress, stage).Inc()
		if !ok {
			return e.scopedRefinements(ctx, kbID, models.DimStreetAddress, filters)
		}
		filters.Streets = streets
	}

	return e.decide(ctx, kbID, spec, filters)
}

// decide applies the result policy once the filter set is fully resolved.
func (e *Engine) decide(ctx context.Context, kbID string, spec *models.FilterSpec, filters *models.ExactFilters) (*models.QueryResponse, error) {
	total, err := e.store.CountMatching(ctx, kbID, filters)
	if err != nil {
		return nil, fmt.Errorf("counting matches: %w", err)
	}

	if total == 0 {
		return &models.QueryResponse{
			Properties:  []models.PropertyRecord{},
			TotalCount:  0,
			Refinements: []models.RefinementSuggestion{},
			Decision:    models.DecisionReturnAll,
		}, nil
	}

	if spec.IncludeAll {
		records, err := e.store.FetchMatching(ctx, kbID, filters, total)
		if err != nil {
			return nil, fmt.Errorf("fetching matches: %w", err)
		}
		sample := records
		if len(sample) > e.cfg.AggregationSampleSize {
			sample = sample[:e.cfg.AggregationSampleSize]
		}
		return &models.QueryResponse{
			Properties:           records,
			TotalCount:           total,
			Refinements:          orEmpty(generateRefinements(sample, filters)),
			RefinementSampleSize: sampleBasis(total, len(sample)),
			Decision:             models.DecisionReturnAll,
		}, nil
	}

	if total <= e.cfg.MaxDirectResults {
		records, err := e.store.FetchMatching(ctx, kbID, filters, total)
		if err != nil {
			return nil, fmt.Errorf("fetching matches: %w", err)
		}
		return &models.QueryResponse{
			Properties:  records,
			TotalCount:  total,
			Refinements: []models.RefinementSuggestion{},
			Decision:    models.DecisionReturnAll,
		}, nil
	}

	sample, err := e.store.FetchMatching(ctx, kbID, filters, e.cfg.AggregationSampleSize)
	if err != nil {
		return nil, fmt.Errorf("fetching aggregation sample: %w", err)
	}

	refinements := generateRefinements(sample, filters)
	if anyNarrows(refinements, len(sample)) {
		return &models.QueryResponse{
			Properties:           []models.PropertyRecord{},
			TotalCount:           total,
			Refinements:          refinements,
			RefinementSampleSize: sampleBasis(total, len(sample)),
			Decision:             models.DecisionNarrowed,
		}, nil
	}

	// The remaining records are indistinguishable along every tracked
	// dimension; withholding them would dead-end the conversation.
	records := sample
	if total > len(sample) {
		records, err = e.store.FetchMatching(ctx, kbID, filters, total)
		if err != nil {
			return nil, fmt.Errorf("fetching matches: %w", err)
		}
	}
	return &models.QueryResponse{
		Properties:           records,
		TotalCount:           total,
		Refinements:          orEmpty(refinements),
		RefinementSampleSize: sampleBasis(total, len(sample)),
		Decision:             models.DecisionReturnAll,
	}, nil
}

// sampleBasis reports the aggregation sample size when refinement counts
// describe a subset of the matched total, and zero when they are exact.
func sampleBasis(total, sampled int) int {
	if sampled < total {
		return sampled
	}
	return 0
}

// resolveDimension matches a categorical value against the dimension's
// distinct values within the current filter scope.
func (e *Engine) resolveDimension(ctx context.Context, kbID, dim, value string, filters *models.ExactFilters) (string, bool, error) {
	candidates, err := e.store.DistinctValues(ctx, kbID, dim, filters)
	if err != nil {
		return "", false, fmt.Errorf("%s candidates: %w", dim, err)
	}

	resolved, stage, ok := resolveCategorical(value, candidates, e.cfg.FuzzyMinSimilarity)
	observability.LocationResolutionsTotal.WithLabelValues(dim, stage).Inc()
	if ok && stage != StageExact {
		e.logger.Debug("location resolved inexactly",
			zap.String("dimension", dim),
			zap.String("input", value),
			zap.String("resolved", resolved),
			zap.String("stage", stage),
		)
	}
	return resolved, ok, nil
}

// resolveFreetext handles a general location phrase: geocode within the
// knowledge base's bounds, else fuzzy-match against a coordinate-bearing
// sample and anchor the radius on the best hit, else degrade to the city
// ladder on the raw text. A nil, nil return means the filter set was
// updated in place; a non-nil response means the degraded city ladder
// missed and the caller must hand back city-scoped refinements. Geocoding
// failures are absorbed, never propagated.
func (e *Engine) resolveFreetext(ctx context.Context, kbID string, spec *models.FilterSpec, filters *models.ExactFilters) (*models.QueryResponse, error) {
	text := *spec.Location
	radius := e.geoCfg.DefaultRadiusKm
	if spec.RadiusKm != nil && *spec.RadiusKm > 0 {
		radius = *spec.RadiusKm
	}
	bounds := e.bounds(ctx, kbID)

	if e.geocoder != nil {
		geoCtx, cancel := context.WithTimeout(ctx, e.geoCfg.RequestTimeout)
		point, err := e.geocoder.Geocode(geoCtx, text)
		cancel()
		switch {
		case err != nil:
			e.logger.Warn("geocoding failed, using fuzzy fallback", zap.String("text", text), zap.Error(err))
		case point == nil:
			e.logger.Debug("geocoding returned no result", zap.String("text", text))
		case !bounds.Contains(point.Latitude, point.Longitude):
			e.logger.Debug("geocoding result out of bounds",
				zap.String("text", text),
				zap.Float64("lat", point.Latitude),
				zap.Float64("lon", point.Longitude),
			)
		default:
			observability.LocationResolutionsTotal.WithLabelValues("location", StageGeocode).Inc()
			filters.Geo = &models.GeoFilter{Latitude: point.Latitude, Longitude: point.Longitude, RadiusKm: radius}
			return nil, nil
		}
	}

	// Fuzzy fallback over a bounded sample of records with known
	// coordinates, matched across every address-bearing field.
	scoped := filters.Clone()
	scoped.RequireCoordinates = true
	sample, err := e.store.FetchMatching(ctx, kbID, scoped, e.cfg.FreetextSampleSize)
	if err != nil {
		return nil, fmt.Errorf("freetext fallback sample: %w", err)
	}

	bestScore := 0.0
	var best *models.PropertyRecord
	for i := range sample {
		r := &sample[i]
		if r.Latitude == nil || r.Longitude == nil {
			continue
		}
		fields := addressFields(r.StreetAddress, r.FullAddress, r.District, r.City)
		if score, ok := matchesFreetext(text, fields, e.cfg.FreetextMinSimilarity); ok && (best == nil || score > bestScore) {
			best, bestScore = r, score
		}
	}
	if best != nil {
		observability.LocationResolutionsTotal.WithLabelValues("location", StageFallback).Inc()
		filters.Geo = &models.GeoFilter{Latitude: *best.Latitude, Longitude: *best.Longitude, RadiusKm: radius}
		return nil, nil
	}

	// Last resort: run the phrase through the city ladder so a plain city
	// name still resolves against the canonical values. A miss terminates
	// with city-scoped refinements instead of a guaranteed-empty result.
	observability.LocationResolutionsTotal.WithLabelValues("location", StageDegraded).Inc()
	resolved, ok, err := e.resolveDimension(ctx, kbID, models.DimCity, text, filters)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.scopedRefinements(ctx, kbID, models.DimCity, filters)
	}
	filters.City = &resolved
	return nil, nil
}

// scopedRefinements is the terminal for a location/street resolution miss:
// empty result set plus the attempted dimension's available values, counted
// within the rest of the filter scope.
func (e *Engine) scopedRefinements(ctx context.Context, kbID, dim string, filters *models.ExactFilters) (*models.QueryResponse, error) {
	sample, err := e.store.FetchMatching(ctx, kbID, filters, e.cfg.AggregationSampleSize)
	if err != nil {
		return nil, fmt.Errorf("scoped refinement sample: %w", err)
	}

	var refinements []models.RefinementSuggestion
	switch dim {
	case models.DimCity:
		refinements = stringRefinements(dim, sample, func(r *models.PropertyRecord) (string, bool) { return r.City, r.City != "" })
	case models.DimDistrict:
		refinements = stringRefinements(dim, sample, func(r *models.PropertyRecord) (string, bool) { return r.District, r.District != "" })
	case models.DimCounty:
		refinements = stringRefinements(dim, sample, func(r *models.PropertyRecord) (string, bool) { return r.County, r.County != "" })
	case models.DimStreetAddress:
		refinements = stringRefinements(dim, sample, func(r *models.PropertyRecord) (string, bool) { return r.StreetAddress, r.StreetAddress != "" })
	}

	for _, s := range refinements {
		observability.RefinementSuggestionsTotal.WithLabelValues(s.FilterName).Inc()
	}

	return &models.QueryResponse{
		Properties:  []models.PropertyRecord{},
		TotalCount:  0,
		Refinements: orEmpty(refinements),
		Decision:    models.DecisionEmptyWithRefinements,
	}, nil
}

// bounds returns the geographic box geocoding results must fall in,
// preferring the knowledge base's own bounds over the configured default.
func (e *Engine) bounds(ctx context.Context, kbID string) models.BoundingBox {
	if e.registry != nil {
		kb, err := e.registry.KnowledgeBase(ctx, kbID)
		if err != nil {
			e.logger.Warn("knowledge base lookup failed, using default bounds",
				zap.String("knowledge_base_id", kbID), zap.Error(err))
		} else if kb != nil && kb.Bounds != nil {
			return *kb.Bounds
		}
	}
	return e.geoCfg.Bounds
}

// baseFilters copies the already-exact scalar fields out of the filter set
// and parses the price filter. Location fields are handled separately.
func baseFilters(spec *models.FilterSpec) (*models.ExactFilters, error) {
	filters := &models.ExactFilters{
		TransactionType:  spec.TransactionType,
		Beds:             spec.Beds,
		Baths:            spec.Baths,
		PropertyType:     spec.PropertyType,
		FurnishedType:    spec.FurnishedType,
		HasNearbyStation: spec.HasNearbyStation,
	}
	if spec.Price != nil {
		pr, err := ParsePriceFilter(spec.Price)
		if err != nil {
			return nil, err
		}
		filters.Price = pr
	}
	return filters, nil
}

// fingerprint is a stable description of the applied filters for slow-query
// logging. Only its hash ever reaches a log line.
func fingerprint(spec *models.FilterSpec) string {
	b, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	return string(b)
}

func orEmpty(s []models.RefinementSuggestion) []models.RefinementSuggestion {
	if s == nil {
		return []models.RefinementSuggestion{}
	}
	return s
}
