package intent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Pre-compiled extraction patterns. All extraction is deterministic; the
// same text always yields the same slot map.
var (
	// accessionPattern matches ArrayExpress/GEO-style experiment accessions
	// such as E-GEOD-76 or E-MTAB-2770.
	accessionPattern = regexp.MustCompile(`\bE-[A-Z]{3,4}-\d+\b`)

	// genePattern matches gene-symbol-shaped tokens: short, uppercase-heavy,
	// optionally with digits or a dash (TP53, BRCA1, HLA-B).
	genePattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,7}(?:-[A-Z0-9]{1,4})?\b`)

	upPattern   = regexp.MustCompile(`(?i)\bup-?regulat\w*|\boverexpress\w*|\binduced\b|\bincreased\b`)
	downPattern = regexp.MustCompile(`(?i)\bdown-?regulat\w*|\bunderexpress\w*|\brepressed\b|\bdecreased\b`)

	limitPattern = regexp.MustCompile(`(?i)\b(?:top|first|limit(?:\s+to)?|show(?:\s+me)?)\s+(\d{1,4})\b`)

	minExperimentsPattern = regexp.MustCompile(`(?i)\bat least\s+(\d{1,3})\s+experiments?\b`)

	// conditionPatterns capture the phrase following a fixed preposition.
	// Ordered: the more specific connectives first.
	conditionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brelated to\s+([a-z][a-z'\- ]{2,60})`),
		regexp.MustCompile(`(?i)\babout\s+([a-z][a-z'\- ]{2,60})`),
		regexp.MustCompile(`(?i)\bfor\s+([a-z][a-z'\- ]{2,60})`),
		regexp.MustCompile(`(?i)\bin\s+patients with\s+([a-z][a-z'\- ]{2,60})`),
	}

	drugPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\btreated with\s+([a-z][a-z\-]{2,40})`),
		regexp.MustCompile(`(?i)\b(?:drug|compound|medication)\s+([a-z][a-z\-]{2,40})`),
		regexp.MustCompile(`(?i)\b([a-z][a-z\-]{3,40})\s+(?:treatment|therapy)\b`),
	}
)

// maxLimit caps user-supplied result limits so a stray number in the text
// cannot request an unbounded query.
const maxLimit = 500

// geneBlocklist holds short uppercase-matchable English words that would
// otherwise false-positive as gene symbols when the text is shouted or when
// the pattern is applied case-insensitively to sentence starts.
var geneBlocklist = map[string]bool{
	"A": true, "AN": true, "AND": true, "ARE": true, "ALL": true, "ANY": true,
	"BY": true, "CAN": true, "DNA": true, "DO": true, "DOES": true,
	"FIND": true, "FOR": true, "FROM": true, "GENE": true, "GENES": true,
	"GET": true, "HOW": true, "IN": true, "IS": true, "IT": true,
	"LIST": true, "ME": true, "MOST": true, "NOT": true, "OF": true,
	"ON": true, "OR": true, "RNA": true, "SHOW": true, "THAT": true,
	"THE": true, "TO": true, "TOP": true, "UP": true, "US": true,
	"WHAT": true, "WHICH": true, "WITH": true,
}

// conditionStopwords are trailing words trimmed from captured condition
// phrases ("for breast cancer please" -> "breast cancer").
var conditionStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "datasets": true, "experiments": true,
	"genes": true, "in": true, "me": true, "of": true, "or": true,
	"please": true, "samples": true, "show": true, "studies": true,
	"that": true, "the": true, "them": true, "these": true, "this": true,
}

// Extractor populates intent slots from free text by deterministic pattern
// matching. Every write goes through Slots.SetIfUnset, so values already
// present on the intent (explicit form fields, upstream bindings) are never
// overwritten.
type Extractor struct{}

// NewExtractor creates the deterministic slot extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// Extract returns a copy of the intent with heuristically recognized slots
// filled in. The input intent is not mutated.
func (e *Extractor) Extract(text string, in Intent) Intent {
	out := in.Clone()
	if out.Slots == nil {
		out.Slots = make(Slots)
	}

	if acc := accessionPattern.FindString(text); acc != "" {
		out.Slots.SetIfUnset("experiment_id", String(acc))
	}

	if dir := extractDirection(text); dir != "" {
		out.Slots.SetIfUnset("direction", String(dir))
	}

	if m := limitPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			if n > maxLimit {
				n = maxLimit
			}
			out.Slots.SetIfUnset("limit", String(strconv.Itoa(n)))
		}
	}

	if m := minExperimentsPattern.FindStringSubmatch(text); m != nil {
		out.Slots.SetIfUnset("min_experiments", String(m[1]))
	}

	if genes := extractGenes(text); len(genes) > 0 {
		out.Slots.SetIfUnset("genes", Strings(genes...))
	}

	if cond := extractPhrase(text, conditionPatterns); cond != "" {
		out.Slots.SetIfUnset("condition", String(cond))
	}

	if drug := extractPhrase(text, drugPatterns); drug != "" {
		out.Slots.SetIfUnset("drug", String(strings.ToLower(drug)))
	}

	return out
}

// extractDirection recognizes up/down keywords. Up wins ties because "up"
// phrasings dominate the observed query log.
func extractDirection(text string) string {
	switch {
	case upPattern.MatchString(text):
		return "up"
	case downPattern.MatchString(text):
		return "down"
	}
	return ""
}

// extractGenes collects gene-symbol-shaped tokens, drops blocklisted common
// words and accession fragments, and ranks shorter symbols first: verbs and
// nouns picked up from the sentence tend to be longer than real symbols.
func extractGenes(text string) []string {
	// Accessions contain gene-shaped fragments (GEOD); mask them first.
	masked := accessionPattern.ReplaceAllString(text, " ")

	matches := genePattern.FindAllString(masked, -1)
	seen := make(map[string]bool, len(matches))
	var genes []string
	for _, m := range matches {
		if geneBlocklist[m] || seen[m] {
			continue
		}
		seen[m] = true
		genes = append(genes, m)
	}

	sort.SliceStable(genes, func(i, j int) bool {
		return len(genes[i]) < len(genes[j])
	})
	return genes
}

// extractPhrase applies the ordered pattern list and returns the first
// captured phrase with trailing stopwords trimmed.
func extractPhrase(text string, patterns []*regexp.Regexp) string {
	for _, p := range patterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		phrase := trimStopwords(m[1])
		if phrase != "" {
			return phrase
		}
	}
	return ""
}

// trimStopwords removes leading and trailing stopwords from a captured
// phrase and collapses whitespace.
func trimStopwords(phrase string) string {
	words := strings.Fields(strings.TrimSpace(phrase))
	for len(words) > 0 && conditionStopwords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && conditionStopwords[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
