package engine

import (
	"sort"

	"github.com/lettinghub/property-query/internal/models"
	"github.com/lettinghub/property-query/internal/observability"
)

// refinementOrder fixes the priority in which dimensions are offered to the
// caller. Street address is deliberately last: it only appears when nothing
// else can split the matched set.
var refinementOrder = []string{
	models.DimTransactionType,
	models.DimBeds,
	models.DimBaths,
	models.DimCity,
	models.DimDistrict,
	models.DimCounty,
	models.DimPrice,
	models.DimPropertyType,
	models.DimFurnishedType,
	models.DimHasNearbyStation,
}

// generateRefinements computes, per unfiltered dimension, the distribution
// of values across the matched set. Sibling counts are emitted unfiltered so
// they sum to the parent total and the caller can present proportions; only
// the street fallback tier drops suggestions that would not narrow.
func generateRefinements(records []models.PropertyRecord, filters *models.ExactFilters) []models.RefinementSuggestion {
	if len(records) == 0 {
		return nil
	}
	total := len(records)

	var out []models.RefinementSuggestion
	for _, dim := range refinementOrder {
		if filters.Filtered(dim) {
			continue
		}

		var suggestions []models.RefinementSuggestion
		switch dim {
		case models.DimTransactionType:
			suggestions = stringRefinements(dim, records, func(r *models.PropertyRecord) (string, bool) {
				return r.TransactionType, r.TransactionType != ""
			})
		case models.DimBeds:
			suggestions = intRefinements(dim, records, func(r *models.PropertyRecord) *int { return r.Beds })
		case models.DimBaths:
			suggestions = intRefinements(dim, records, func(r *models.PropertyRecord) *int { return r.Baths })
		case models.DimCity:
			suggestions = stringRefinements(dim, records, func(r *models.PropertyRecord) (string, bool) {
				return r.City, r.City != ""
			})
		case models.DimDistrict:
			suggestions = stringRefinements(dim, records, func(r *models.PropertyRecord) (string, bool) {
				return r.District, r.District != ""
			})
		case models.DimCounty:
			suggestions = stringRefinements(dim, records, func(r *models.PropertyRecord) (string, bool) {
				return r.County, r.County != ""
			})
		case models.DimPrice:
			if tx, ok := resolvedTransactionType(records, filters); ok {
				suggestions = priceRefinements(records, tx)
			}
		case models.DimPropertyType:
			suggestions = stringRefinements(dim, records, func(r *models.PropertyRecord) (string, bool) {
				if r.PropertyType == nil {
					return "", false
				}
				return *r.PropertyType, true
			})
		case models.DimFurnishedType:
			suggestions = stringRefinements(dim, records, func(r *models.PropertyRecord) (string, bool) {
				if r.FurnishedType == nil {
					return "", false
				}
				return *r.FurnishedType, true
			})
		case models.DimHasNearbyStation:
			suggestions = boolRefinements(dim, records)
		}

		for _, s := range suggestions {
			observability.RefinementSuggestionsTotal.WithLabelValues(s.FilterName).Inc()
		}
		out = append(out, suggestions...)
	}

	// Street fallback: only when no other suggestion can split the set.
	if total > 1 && !anyNarrows(out, total) && !filters.Filtered(models.DimStreetAddress) {
		streets := streetRefinements(records, total)
		for range streets {
			observability.RefinementSuggestionsTotal.WithLabelValues(models.DimStreetAddress).Inc()
		}
		out = append(out, streets...)
	}

	return out
}

// anyNarrows reports whether at least one suggestion leaves fewer records
// than the current total.
func anyNarrows(suggestions []models.RefinementSuggestion, total int) bool {
	for _, s := range suggestions {
		if s.ResultCount < total {
			return true
		}
	}
	return false
}

// resolvedTransactionType reports the transaction type price buckets should
// round for. Price suggestions only make sense once the type is pinned down,
// either by an explicit filter or because every matched record agrees.
func resolvedTransactionType(records []models.PropertyRecord, filters *models.ExactFilters) (string, bool) {
	if filters.TransactionType != nil {
		return *filters.TransactionType, true
	}
	first := records[0].TransactionType
	for _, r := range records[1:] {
		if r.TransactionType != first {
			return "", false
		}
	}
	return first, true
}

func stringRefinements(dim string, records []models.PropertyRecord, get func(*models.PropertyRecord) (string, bool)) []models.RefinementSuggestion {
	counts := make(map[string]int)
	for i := range records {
		if v, ok := get(&records[i]); ok {
			counts[v]++
		}
	}

	out := make([]models.RefinementSuggestion, 0, len(counts))
	for v, n := range counts {
		out = append(out, models.RefinementSuggestion{FilterName: dim, FilterValue: v, ResultCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResultCount != out[j].ResultCount {
			return out[i].ResultCount > out[j].ResultCount
		}
		return out[i].FilterValue.(string) < out[j].FilterValue.(string)
	})
	return out
}

func intRefinements(dim string, records []models.PropertyRecord, get func(*models.PropertyRecord) *int) []models.RefinementSuggestion {
	counts := make(map[int]int)
	for i := range records {
		if v := get(&records[i]); v != nil {
			counts[*v]++
		}
	}

	out := make([]models.RefinementSuggestion, 0, len(counts))
	for v, n := range counts {
		out = append(out, models.RefinementSuggestion{FilterName: dim, FilterValue: v, ResultCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FilterValue.(int) < out[j].FilterValue.(int)
	})
	return out
}

func boolRefinements(dim string, records []models.PropertyRecord) []models.RefinementSuggestion {
	var yes, no int
	for i := range records {
		if v := records[i].HasNearbyStation; v != nil {
			if *v {
				yes++
			} else {
				no++
			}
		}
	}

	var out []models.RefinementSuggestion
	if yes > 0 {
		out = append(out, models.RefinementSuggestion{FilterName: dim, FilterValue: true, ResultCount: yes})
	}
	if no > 0 {
		out = append(out, models.RefinementSuggestion{FilterName: dim, FilterValue: false, ResultCount: no})
	}
	return out
}

// streetRefinements emits per-street counts, descending, keeping only
// streets that actually narrow.
func streetRefinements(records []models.PropertyRecord, total int) []models.RefinementSuggestion {
	counts := make(map[string]int)
	for i := range records {
		if s := records[i].StreetAddress; s != "" {
			counts[s]++
		}
	}

	var out []models.RefinementSuggestion
	for v, n := range counts {
		if n < total {
			out = append(out, models.RefinementSuggestion{FilterName: models.DimStreetAddress, FilterValue: v, ResultCount: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResultCount != out[j].ResultCount {
			return out[i].ResultCount > out[j].ResultCount
		}
		return out[i].FilterValue.(string) < out[j].FilterValue.(string)
	})
	return out
}
