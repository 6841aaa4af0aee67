// Package match implements the string matching primitives shared by every
// location and street resolution path: edit distance, a normalized
// similarity score, and Soundex-style phonetic codes. Everything here is
// pure and deterministic.
package match

import "strings"

// EditDistance returns the case-insensitive Levenshtein distance between a
// and b.
func EditDistance(a, b string) int {
	ar := []rune(strings.ToLower(a))
	br := []rune(strings.ToLower(b))
	la, lb := len(ar), len(br)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	// Single-row DP
	prev := make([]int, lb+1)
	for j := range prev {
		prev[j] = j
	}
	curr := make([]int, lb+1)
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			curr[j] = minInt(curr[j-1]+1, minInt(prev[j]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

// Similarity returns a score in [0,1]: 1 - dist/maxLen. Two empty strings
// are identical and score 1.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(EditDistance(a, b))/float64(longest)
}

// SubstringScore scores containment matches by relative length:
// min(len)/max(len). Returns 0 when neither string contains the other.
func SubstringScore(search, value string) float64 {
	s := strings.ToLower(strings.TrimSpace(search))
	v := strings.ToLower(strings.TrimSpace(value))
	if s == "" || v == "" {
		return 0
	}
	if !strings.Contains(v, s) && !strings.Contains(s, v) {
		return 0
	}
	shorter, longer := len(s), len(v)
	if shorter > longer {
		shorter, longer = longer, shorter
	}
	return float64(shorter) / float64(longer)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
