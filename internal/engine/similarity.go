package engine

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ticketKeyPattern = regexp.MustCompile(`\b[a-z][a-z0-9]*-\d+\b`)
	tagPattern       = regexp.MustCompile(`\[[^\]]*\]`)
	prefixPattern    = regexp.MustCompile(`^\s*(?:(?:error|exception|warning|bug|fatal|fix)\s*:\s*)+`)
	nonWordPattern   = regexp.MustCompile(`[^a-z0-9]+`)
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "for": {},
	"from": {}, "has": {}, "have": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {},
	"with": {}, "error": {}, "exception": {}, "warning": {}, "issue": {}, "bug": {}, "when": {},
	"while": {}, "after": {}, "during": {}, "via": {},
}

// Tokens normalises free text into the comparable token sequence used by Similarity.
// Diacritics, ticket keys, [tags], severity prefixes, stop words and bare numbers are dropped.
func Tokens(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), text)
	if err != nil {
		folded = text
	}
	s := strings.ToLower(folded)
	s = ticketKeyPattern.ReplaceAllString(s, " ")
	s = tagPattern.ReplaceAllString(s, " ")
	s = prefixPattern.ReplaceAllString(s, "")
	s = nonWordPattern.ReplaceAllString(s, " ")

	fields := strings.Fields(s)
	out := fields[:0]
	for _, tok := range fields {
		if _, stop := stopWords[tok]; stop || isNumeric(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isNumeric(tok string) bool {
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return tok != ""
}

// gramBag is the multiset of per-token character bigrams of a text.
type gramBag struct {
	counts map[string]int
	size   int
}

func newGramBag(text string) gramBag {
	bag := gramBag{counts: make(map[string]int)}
	for _, tok := range Tokens(text) {
		if len(tok) == 1 {
			bag.counts[tok]++
			bag.size++
			continue
		}
		for i := 0; i+1 < len(tok); i++ {
			bag.counts[tok[i:i+2]]++
			bag.size++
		}
	}
	return bag
}

func (b gramBag) empty() bool { return b.size == 0 }

// dice returns the Sørensen–Dice coefficient of two bags, 0 when either is empty.
func dice(a, b gramBag) float64 {
	if a.empty() || b.empty() {
		return 0
	}
	small, large := a, b
	if len(small.counts) > len(large.counts) {
		small, large = large, small
	}
	shared := 0
	for gram, n := range small.counts {
		if m, ok := large.counts[gram]; ok {
			shared += min(n, m)
		}
	}
	return 2 * float64(shared) / float64(a.size+b.size)
}

// Similarity scores two free-text strings in [0,1]. Blank or fully-stripped input scores 0.
func Similarity(a, b string) float64 {
	return dice(newGramBag(a), newGramBag(b))
}
