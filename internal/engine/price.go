package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/lettinghub/property-query/internal/models"
)

// ParsePriceFilter turns the caller's tri-mode price filter into a numeric
// range. Under and over are exclusive bounds; between is inclusive on both
// ends. Malformed filters are caller errors and are never silently dropped.
func ParsePriceFilter(pf *models.PriceFilter) (*models.PriceRange, error) {
	if err := pf.Validate(); err != nil {
		return nil, err
	}

	switch pf.Mode {
	case models.PriceUnder:
		v := pf.Value
		return &models.PriceRange{Max: &v, MaxExclusive: true}, nil
	case models.PriceOver:
		v := pf.Value
		return &models.PriceRange{Min: &v, MinExclusive: true}, nil
	case models.PriceBetween:
		lo, hi := pf.Value, *pf.MaxValue
		return &models.PriceRange{Min: &lo, Max: &hi}, nil
	default:
		return nil, fmt.Errorf("unknown price filter mode %q: %w", pf.Mode, models.ErrInvalidFilter)
	}
}

// niceRound snaps a price boundary to an increment a caller can say out
// loud. Increments scale with magnitude and differ between rent and sale.
func niceRound(value float64, transactionType string) float64 {
	var inc float64
	if transactionType == models.TransactionSale {
		switch {
		case value < 100_000:
			inc = 10_000
		case value < 1_000_000:
			inc = 50_000
		default:
			inc = 100_000
		}
	} else {
		switch {
		case value < 1000:
			inc = 50
		case value < 5000:
			inc = 100
		default:
			inc = 500
		}
	}
	return math.Round(value/inc) * inc
}

// priceBuckets holds the resolved tertile boundaries. When Degraded is set
// only Lower is meaningful and the split is a two-way under/over.
type priceBuckets struct {
	Lower    float64
	Upper    float64
	Degraded bool
}

// computePriceBuckets derives rounded tertile boundaries from the matched
// set's prices. If rounding collapses the two tertiles the upper boundary is
// widened to the raw 66th percentile's ceiling; if they still coincide the
// split degrades to two buckets rather than emitting overlapping ones.
func computePriceBuckets(prices []float64, transactionType string) priceBuckets {
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)

	n := len(sorted)
	rawLower := sorted[n*33/100]
	rawUpper := sorted[n*66/100]

	lower := niceRound(rawLower, transactionType)
	upper := niceRound(rawUpper, transactionType)

	if lower == upper {
		upper = math.Ceil(rawUpper)
	}
	if lower == upper {
		return priceBuckets{Lower: lower, Degraded: true}
	}
	return priceBuckets{Lower: lower, Upper: upper}
}

// priceRefinements emits tertile bucket suggestions for the matched set.
// Under is exclusive of the lower boundary, over exclusive of the upper,
// between inclusive of both, so a price sitting exactly on a boundary lands
// in the between bucket and nowhere else. Buckets with no members are
// dropped.
func priceRefinements(records []models.PropertyRecord, transactionType string) []models.RefinementSuggestion {
	if len(records) == 0 {
		return nil
	}

	prices := make([]float64, len(records))
	for i, r := range records {
		prices[i] = r.Price
	}

	b := computePriceBuckets(prices, transactionType)

	var underCount, betweenCount, overCount int
	for _, p := range prices {
		switch {
		case p < b.Lower:
			underCount++
		case b.Degraded && p > b.Lower, !b.Degraded && p > b.Upper:
			overCount++
		case !b.Degraded:
			betweenCount++
		}
	}

	var out []models.RefinementSuggestion
	if underCount > 0 {
		out = append(out, models.RefinementSuggestion{
			FilterName:  models.DimPrice,
			FilterValue: models.PriceFilter{Mode: models.PriceUnder, Value: b.Lower},
			ResultCount: underCount,
		})
	}
	if !b.Degraded && betweenCount > 0 {
		upper := b.Upper
		out = append(out, models.RefinementSuggestion{
			FilterName:  models.DimPrice,
			FilterValue: models.PriceFilter{Mode: models.PriceBetween, Value: b.Lower, MaxValue: &upper},
			ResultCount: betweenCount,
		})
	}
	overBoundary := b.Upper
	if b.Degraded {
		overBoundary = b.Lower
	}
	if overCount > 0 {
		out = append(out, models.RefinementSuggestion{
			FilterName:  models.DimPrice,
			FilterValue: models.PriceFilter{Mode: models.PriceOver, Value: overBoundary},
			ResultCount: overCount,
		})
	}
	return out
}
