package match

import "strings"

// soundexDigit maps a consonant to its Soundex class, or 0 for letters that
// are skipped (vowels, H, W, Y).
func soundexDigit(r rune) byte {
	switch r {
	case 'b', 'f', 'p', 'v':
		return '1'
	case 'c', 'g', 'j', 'k', 'q', 's', 'x', 'z':
		return '2'
	case 'd', 't':
		return '3'
	case 'l':
		return '4'
	case 'm', 'n':
		return '5'
	case 'r':
		return '6'
	default:
		return 0
	}
}

// PhoneticCode returns the 4-character Soundex-style code for s: first
// letter kept, following consonants mapped to digit classes, adjacent
// duplicate codes collapsed, right-padded with zeros. Strings with no
// leading letter produce an empty code.
func PhoneticCode(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))

	var first rune
	var rest []rune
	for i, r := range lower {
		if r >= 'a' && r <= 'z' {
			first = r
			rest = []rune(lower[i:])[1:]
			break
		}
	}
	if first == 0 {
		return ""
	}

	code := make([]byte, 0, 4)
	code = append(code, byte(first-'a'+'A'))

	lastDigit := soundexDigit(first)
	for _, r := range rest {
		if r < 'a' || r > 'z' {
			continue
		}
		d := soundexDigit(r)
		if d == 0 {
			continue
		}
		if d != lastDigit {
			code = append(code, d)
			if len(code) == 4 {
				break
			}
		}
		lastDigit = d
	}

	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

// PhoneticMatch reports whether a and b sound alike: both codes non-empty
// and equal.
func PhoneticMatch(a, b string) bool {
	ca := PhoneticCode(a)
	cb := PhoneticCode(b)
	return ca != "" && cb != "" && ca == cb
}
