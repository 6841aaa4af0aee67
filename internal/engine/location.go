package engine

import (
	"strings"

	"github.com/lettinghub/property-query/internal/match"
)

// Match stages, in ladder order. Reported on metrics and spans.
const (
	StageExact     = "exact"
	StageSubstring = "substring"
	StageFuzzy     = "fuzzy"
	StagePhonetic  = "phonetic"
	StageGeocode   = "geocode"
	StageFallback  = "freetext_fallback"
	StageDegraded  = "degraded"
	StageNone      = "no_match"
)

// resolveCategorical matches a free-text value against the distinct values
// present in the dataset for one dimension. Stages run in strict order and
// the first stage with a candidate wins; later stages never override an
// earlier hit. Returns the canonical value, the winning stage, and whether
// anything matched at all.
func resolveCategorical(search string, candidates []string, minSimilarity float64) (string, string, bool) {
	search = strings.TrimSpace(search)
	if search == "" || len(candidates) == 0 {
		return "", StageNone, false
	}

	for _, c := range candidates {
		if strings.EqualFold(search, strings.TrimSpace(c)) {
			return c, StageExact, true
		}
	}

	best, bestScore := "", 0.0
	lowered := strings.ToLower(search)
	for _, c := range candidates {
		lc := strings.ToLower(strings.TrimSpace(c))
		if strings.Contains(lc, lowered) || strings.Contains(lowered, lc) {
			if score := match.SubstringScore(search, c); score > bestScore {
				best, bestScore = c, score
			}
		}
	}
	if best != "" {
		return best, StageSubstring, true
	}

	best, bestScore = "", 0.0
	for _, c := range candidates {
		if score := match.Similarity(search, c); score >= minSimilarity && score > bestScore {
			best, bestScore = c, score
		}
	}
	if best != "" {
		return best, StageFuzzy, true
	}

	best, bestScore = "", 0.0
	for _, c := range candidates {
		if match.PhoneticMatch(search, c) {
			if score := match.Similarity(search, c); score > bestScore {
				best, bestScore = c, score
			}
		}
	}
	if best != "" {
		return best, StagePhonetic, true
	}

	return "", StageNone, false
}

// resolveStreet runs the same ladder as resolveCategorical but keeps every
// candidate the winning stage produced. Multiple differently-named streets
// can legitimately share a search term ("gardens"), and dropping all but
// one would silently hide listings from the caller.
func resolveStreet(search string, candidates []string, minSimilarity float64) ([]string, string, bool) {
	search = strings.TrimSpace(search)
	if search == "" || len(candidates) == 0 {
		return nil, StageNone, false
	}

	var hits []string
	for _, c := range candidates {
		if strings.EqualFold(search, strings.TrimSpace(c)) {
			hits = append(hits, c)
		}
	}
	if len(hits) > 0 {
		return hits, StageExact, true
	}

	lowered := strings.ToLower(search)
	for _, c := range candidates {
		lc := strings.ToLower(strings.TrimSpace(c))
		if strings.Contains(lc, lowered) || strings.Contains(lowered, lc) {
			hits = append(hits, c)
		}
	}
	if len(hits) > 0 {
		return hits, StageSubstring, true
	}

	for _, c := range candidates {
		if match.Similarity(search, c) >= minSimilarity {
			hits = append(hits, c)
		}
	}
	if len(hits) > 0 {
		return hits, StageFuzzy, true
	}

	for _, c := range candidates {
		if match.PhoneticMatch(search, c) {
			hits = append(hits, c)
		}
	}
	if len(hits) > 0 {
		return hits, StagePhonetic, true
	}

	return nil, StageNone, false
}

// addressFields lists the address-bearing values of a record checked by the
// free-text fallback, most specific first.
func addressFields(street, fullAddress, district, city string) []string {
	var out []string
	for _, f := range []string{street, fullAddress, district, city} {
		if strings.TrimSpace(f) != "" {
			out = append(out, f)
		}
	}
	return out
}

// matchesFreetext reports whether the search phrase matches any of the
// record's address fields. Exact and substring hits always count; fuzzy and
// phonetic hits additionally require the similarity floor, which is stricter
// than the categorical one because this path has no categorical anchor. The
// returned score orders competing records so the radius anchors on the best
// hit.
func matchesFreetext(search string, fields []string, minSimilarity float64) (float64, bool) {
	lowered := strings.ToLower(strings.TrimSpace(search))
	bestScore, matched := 0.0, false

	for _, f := range fields {
		lf := strings.ToLower(strings.TrimSpace(f))
		if lf == "" {
			continue
		}

		if lf == lowered {
			return 1.0, true
		}
		if strings.Contains(lf, lowered) || strings.Contains(lowered, lf) {
			if score := match.SubstringScore(search, f); score > bestScore || !matched {
				bestScore, matched = score, true
			}
			continue
		}

		score := match.Similarity(search, f)
		if score > minSimilarity || match.PhoneticMatch(search, f) {
			if score > bestScore || !matched {
				bestScore, matched = score, true
			}
		}
	}

	return bestScore, matched
}
