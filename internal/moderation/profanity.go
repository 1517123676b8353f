package moderation

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// MaskToken replaces every profane match in redacted text.
const MaskToken = "***"

//go:embed wordlists/default.yaml
var defaultWordList []byte

// WordList is the YAML layout of profanity list files.
type WordList struct {
	Words []string `yaml:"words"`
	Scam  []string `yaml:"scam"`
}

// All returns every term in the list.
func (w WordList) All() []string {
	out := make([]string, 0, len(w.Words)+len(w.Scam))
	out = append(out, w.Words...)
	return append(out, w.Scam...)
}

// DefaultWords returns the embedded base list.
func DefaultWords() []string {
	var list WordList
	if err := yaml.Unmarshal(defaultWordList, &list); err != nil {
		panic(fmt.Sprintf("embedded word list is invalid: %v", err))
	}
	return list.All()
}

// LoadWordList reads an extra word list file.
func LoadWordList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read word list: %w", err)
	}
	var list WordList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse word list %s: %w", path, err)
	}
	return list.All(), nil
}

// ProfanityFilter matches whole words and phrases case-insensitively after
// NFKC normalisation, so full-width and stylised letters are caught too.
type ProfanityFilter struct {
	pattern *regexp.Regexp
}

// NewProfanityFilter compiles words into a single word-boundary pattern.
func NewProfanityFilter(words []string) (*ProfanityFilter, error) {
	seen := make(map[string]struct{}, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = normalize(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}
	if len(terms) == 0 {
		return &ProfanityFilter{}, nil
	}

	// Longest first so "motherfucker" wins over "fucker".
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})

	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(term), " ", `\s+`)
	}
	pattern, err := regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("compile profanity pattern: %w", err)
	}
	return &ProfanityFilter{pattern: pattern}, nil
}

// Contains reports whether text has at least one listed term.
func (f *ProfanityFilter) Contains(text string) bool {
	if f.pattern == nil {
		return false
	}
	return f.pattern.MatchString(normalize(text))
}

// Redact masks every listed term. Matching runs on the NFKC form, but only
// the matched spans of the original text are replaced; everything else is
// returned as written. The second result is false, and text is returned
// untouched, when nothing matched.
func (f *ProfanityFilter) Redact(text string) (string, bool) {
	if f.pattern == nil {
		return text, false
	}
	normalized, origin := normalizeMapped(text)
	matches := f.pattern.FindAllStringIndex(normalized, -1)
	if len(matches) == 0 {
		return text, false
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := origin[m[0]].start, origin[m[1]-1].end
		if start < last {
			start = last
		}
		b.WriteString(text[last:start])
		b.WriteString(MaskToken)
		last = end
	}
	b.WriteString(text[last:])
	return b.String(), true
}

// span is a byte range of the original text.
type span struct{ start, end int }

// normalizeMapped returns the NFKC form of s and, for every byte of it, the
// grapheme cluster of s it came from. Clusters are normalised one at a time,
// which matches whole-string NFKC since composition never crosses a cluster.
func normalizeMapped(s string) (string, []span) {
	var b strings.Builder
	origin := make([]span, 0, len(s))
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		start, end := g.Positions()
		seg := norm.NFKC.String(g.Str())
		b.WriteString(seg)
		for range len(seg) {
			origin = append(origin, span{start: start, end: end})
		}
	}
	return b.String(), origin
}

func normalize(s string) string {
	return norm.NFKC.String(s)
}
