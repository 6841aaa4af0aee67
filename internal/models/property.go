package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidFilter marks caller input errors. Handlers map it to a 400;
// everything else coming out of the engine is a server-side failure.
var ErrInvalidFilter = errors.New("invalid filter")

// Price filter modes.
const (
	PriceUnder   = "under"
	PriceOver    = "over"
	PriceBetween = "between"
)

// Transaction types.
const (
	TransactionRent = "rent"
	TransactionSale = "sale"
)

// Filter dimension names, in refinement priority order.
const (
	DimTransactionType  = "transaction_type"
	DimBeds             = "beds"
	DimBaths            = "baths"
	DimCity             = "city"
	DimDistrict         = "district"
	DimCounty           = "county"
	DimPrice            = "price"
	DimPropertyType     = "property_type"
	DimFurnishedType    = "furnished_type"
	DimHasNearbyStation = "has_nearby_station"
	DimStreetAddress    = "street_address"
)

// PropertyRecord is a read-only listing owned by the property store.
// Price and TransactionType are always present; every other descriptive
// field may be absent and means "unknown", never "no".
type PropertyRecord struct {
	ID               string         `json:"id"`
	TransactionType  string         `json:"transaction_type"`
	Price            float64        `json:"price"`
	Beds             *int           `json:"beds,omitempty"`
	Baths            *int           `json:"baths,omitempty"`
	PropertyType     *string        `json:"property_type,omitempty"`
	FurnishedType    *string        `json:"furnished_type,omitempty"`
	HasNearbyStation *bool          `json:"has_nearby_station,omitempty"`
	StreetAddress    string         `json:"street_address,omitempty"`
	City             string         `json:"city,omitempty"`
	District         string         `json:"district,omitempty"`
	County           string         `json:"county,omitempty"`
	Postcode         string         `json:"postcode,omitempty"`
	FullAddress      string         `json:"full_address,omitempty"`
	Latitude         *float64       `json:"latitude,omitempty"`
	Longitude        *float64       `json:"longitude,omitempty"`
	AddedOn          time.Time      `json:"added_on"`
	ScrapedAt        time.Time      `json:"scraped_at,omitempty"`
	Source           map[string]any `json:"source,omitempty"`
}

// PriceFilter is the tri-mode price constraint supplied by the caller.
type PriceFilter struct {
	Mode     string   `json:"mode"`
	Value    float64  `json:"value"`
	MaxValue *float64 `json:"max_value,omitempty"`
}

func (pf *PriceFilter) Validate() error {
	switch pf.Mode {
	case PriceUnder, PriceOver:
		return nil
	case PriceBetween:
		if pf.MaxValue == nil {
			return fmt.Errorf("price filter mode %q requires max_value: %w", pf.Mode, ErrInvalidFilter)
		}
		if *pf.MaxValue < pf.Value {
			return fmt.Errorf("price filter max_value %v below value %v: %w", *pf.MaxValue, pf.Value, ErrInvalidFilter)
		}
		return nil
	default:
		return fmt.Errorf("unknown price filter mode %q: %w", pf.Mode, ErrInvalidFilter)
	}
}

// FilterSpec is the caller-supplied, per-request filter set. Every field is
// optional. Location carries a free-text phrase ("near the river in York");
// City/District/County/Street carry decomposed values that still need fuzzy
// resolution against the dataset's actual values.
type FilterSpec struct {
	TransactionType  *string      `json:"transaction_type,omitempty"`
	Beds             *int         `json:"beds,omitempty"`
	Baths            *int         `json:"baths,omitempty"`
	PropertyType     *string      `json:"property_type,omitempty"`
	FurnishedType    *string      `json:"furnished_type,omitempty"`
	HasNearbyStation *bool        `json:"has_nearby_station,omitempty"`
	Price            *PriceFilter `json:"price,omitempty"`
	Location         *string      `json:"location,omitempty"`
	City             *string      `json:"city,omitempty"`
	District         *string      `json:"district,omitempty"`
	County           *string      `json:"county,omitempty"`
	Street           *string      `json:"street,omitempty"`
	RadiusKm         *float64     `json:"radius_km,omitempty"`
	IncludeAll       bool         `json:"include_all,omitempty"`
}

func (fs *FilterSpec) Validate() error {
	if fs.Price != nil {
		return fs.Price.Validate()
	}
	return nil
}

// PriceRange is a parsed PriceFilter. Nil bounds are open. Exclusivity
// follows the filter mode: under/over are exclusive, between is inclusive
// on both ends.
type PriceRange struct {
	Min          *float64
	Max          *float64
	MinExclusive bool
	MaxExclusive bool
}

// Contains reports whether price falls inside the range.
func (pr *PriceRange) Contains(price float64) bool {
	if pr.Min != nil {
		if pr.MinExclusive && price <= *pr.Min {
			return false
		}
		if !pr.MinExclusive && price < *pr.Min {
			return false
		}
	}
	if pr.Max != nil {
		if pr.MaxExclusive && price >= *pr.Max {
			return false
		}
		if !pr.MaxExclusive && price > *pr.Max {
			return false
		}
	}
	return true
}

// GeoFilter restricts matches to a radius around a point.
type GeoFilter struct {
	Latitude  float64
	Longitude float64
	RadiusKm  float64
}

// ExactFilters is the fully resolved filter set sent to the property store.
// All free-text input has been resolved to canonical values (or a geo
// radius) by the time one of these exists.
type ExactFilters struct {
	TransactionType  *string
	Beds             *int
	Baths            *int
	PropertyType     *string
	FurnishedType    *string
	HasNearbyStation *bool
	City             *string
	District         *string
	County           *string
	// Streets holds every street tied at the winning match stage; the store
	// treats it as an IN filter.
	Streets []string
	Price   *PriceRange
	Geo     *GeoFilter
	// RequireCoordinates limits matches to records with known coordinates.
	// Used when sampling candidates for the free-text location fallback.
	RequireCoordinates bool
}

// Clone returns a shallow copy safe for per-stage mutation.
func (ef *ExactFilters) Clone() *ExactFilters {
	cp := *ef
	if ef.Streets != nil {
		cp.Streets = append([]string(nil), ef.Streets...)
	}
	return &cp
}

// Filtered reports whether the named dimension already carries a filter.
func (ef *ExactFilters) Filtered(dim string) bool {
	switch dim {
	case DimTransactionType:
		return ef.TransactionType != nil
	case DimBeds:
		return ef.Beds != nil
	case DimBaths:
		return ef.Baths != nil
	case DimCity:
		return ef.City != nil
	case DimDistrict:
		return ef.District != nil
	case DimCounty:
		return ef.County != nil
	case DimPrice:
		return ef.Price != nil
	case DimPropertyType:
		return ef.PropertyType != nil
	case DimFurnishedType:
		return ef.FurnishedType != nil
	case DimHasNearbyStation:
		return ef.HasNearbyStation != nil
	case DimStreetAddress:
		return len(ef.Streets) > 0
	default:
		return false
	}
}

// RefinementSuggestion is one suggested narrowing filter together with the
// number of currently matched records it would leave.
type RefinementSuggestion struct {
	FilterName  string `json:"filterName"`
	FilterValue any    `json:"filterValue"`
	ResultCount int    `json:"resultCount"`
}

// Result policy decisions.
const (
	DecisionReturnAll            = "return_all"
	DecisionEmptyWithRefinements = "empty_with_refinements"
	DecisionNarrowed             = "narrowed"
)

// QueryResponse is the engine's structured answer. Properties is empty
// whenever refinements meaningfully narrow; TotalCount always reflects the
// exact-match count before the cardinality decision. When the match set
// exceeds the aggregation sample cap, RefinementSampleSize carries the
// number of records the refinement counts were computed over.
type QueryResponse struct {
	Properties           []PropertyRecord       `json:"properties"`
	TotalCount           int                    `json:"totalCount"`
	Refinements          []RefinementSuggestion `json:"refinements"`
	RefinementSampleSize int                    `json:"refinementSampleSize,omitempty"`
	Decision             string                 `json:"decision"`
	TookMs               int64                  `json:"took_ms"`
	RequestID            string                 `json:"request_id,omitempty"`
}

// QueryRequest is the inbound payload from the tool-calling layer.
type QueryRequest struct {
	KnowledgeBaseID string      `json:"knowledge_base_id"`
	Filters         *FilterSpec `json:"filters,omitempty"`
	RequestID       string      `json:"request_id,omitempty"`
}

// GeoPoint is a geocoding result.
type GeoPoint struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	FormattedAddress string  `json:"formatted_address,omitempty"`
}

// BoundingBox is the geographic region a knowledge base's listings are
// expected to fall in. Geocoding results outside it are distrusted.
type BoundingBox struct {
	MinLat float64 `json:"min_lat" yaml:"min_lat" firestore:"min_lat"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat" firestore:"max_lat"`
	MinLon float64 `json:"min_lon" yaml:"min_lon" firestore:"min_lon"`
	MaxLon float64 `json:"max_lon" yaml:"max_lon" firestore:"max_lon"`
}

// Contains reports whether the point lies inside the box, edges included.
func (b *BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// KnowledgeBase is per-agency metadata held in the registry.
type KnowledgeBase struct {
	ID       string       `json:"id" firestore:"-"`
	Name     string       `json:"name" firestore:"name"`
	Currency string       `json:"currency" firestore:"currency"`
	Bounds   *BoundingBox `json:"bounds,omitempty" firestore:"bounds"`
}

// ListingEvent is a property change flowing through the ingest pipeline.
type ListingEvent struct {
	Type            string         `json:"type"` // CREATE, UPDATE, DELETE
	ListingID       string         `json:"listing_id"`
	KnowledgeBaseID string         `json:"knowledge_base_id"`
	Listing         map[string]any `json:"listing,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Version         int64          `json:"version"`
}

// IndexAction is one bulk operation against the property index.
type IndexAction struct {
	Action    string         `json:"action"` // index, delete
	Index     string         `json:"index"`
	ID        string         `json:"id"`
	Body      map[string]any `json:"body,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AnalyticsEvent is a query performance record written to ClickHouse.
type AnalyticsEvent struct {
	EventType       string    `json:"event_type"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	QueryHash       string    `json:"query_hash"`
	Decision        string    `json:"decision"`
	DurationMs      float64   `json:"duration_ms"`
	TotalCount      int64     `json:"total_count"`
	RefinementCount int       `json:"refinement_count"`
	Timestamp       time.Time `json:"timestamp"`
	TraceID         string    `json:"trace_id"`
}
