package correlate

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// ARP names carry architecture, bitness and version decorations that
	// catalogs leave out.
	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\((?:x64|x86|arm64|64-bit|32-bit|[^)]*\d+\.\d+[^)]*)\)`),
		regexp.MustCompile(`\b(?:x64|x86|amd64|arm64|win64|win32)\b`),
		regexp.MustCompile(`\b(?:64|32)[- ]?bit\b`),
		regexp.MustCompile(`\bversion\b`),
		regexp.MustCompile(`\bv?\d+(?:\.\d+)+[a-z0-9.-]*\b`),
	}
	nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

	legalSuffixes = map[string]bool{
		"inc": true, "incorporated": true, "llc": true, "ltd": true, "limited": true,
		"corp": true, "corporation": true, "co": true, "company": true, "gmbh": true,
		"ag": true, "sa": true, "bv": true, "plc": true, "srl": true, "pty": true,
	}
)

// fold applies compatibility normalization, drops combining marks and case
// folds s.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = norm.NFKC.String(s)
	}
	return cases.Fold().String(out)
}

// NormalizeName reduces a program or package name to comparable words.
func NormalizeName(s string) string {
	s = fold(s)
	for _, re := range noisePatterns {
		s = re.ReplaceAllString(s, " ")
	}
	return strings.Join(strings.Fields(nonWord.ReplaceAllString(s, " ")), " ")
}

// NormalizePublisher is NormalizeName without trailing legal suffixes.
func NormalizePublisher(s string) string {
	words := strings.Fields(nonWord.ReplaceAllString(fold(s), " "))
	for len(words) > 1 && legalSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// similarity is 1 minus the normalized edit distance between a and b.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return 1 - float64(prev[len(rb)])/float64(max(len(ra), len(rb)))
}

// longestWord picks the most selective word of a normalized name.
func longestWord(s string) string {
	best := ""
	for _, w := range strings.Fields(s) {
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}
