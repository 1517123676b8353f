package moderation

import (
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// DisplayLength counts user-perceived characters. Every grapheme cluster,
// including multi-codepoint emoji sequences, counts as one.
func DisplayLength(text string) int {
	return uniseg.GraphemeClusterCount(text)
}

// TruncateDisplay cuts text to at most limit grapheme clusters.
func TruncateDisplay(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	var b strings.Builder
	g := uniseg.NewGraphemes(text)
	for n := 0; n < limit && g.Next(); n++ {
		b.WriteString(g.Str())
	}
	return b.String()
}

// TruncateColumn cuts text to at most limit grapheme clusters and at most
// maxRunes code points, dropping whole clusters. Column sizes count code
// points, so a name within its grapheme limit can still overflow one.
func TruncateColumn(text string, limit, maxRunes int) string {
	if limit <= 0 || maxRunes <= 0 {
		return ""
	}
	var b strings.Builder
	runes := 0
	g := uniseg.NewGraphemes(text)
	for n := 0; n < limit && g.Next(); n++ {
		cluster := g.Str()
		runes += utf8.RuneCountInString(cluster)
		if runes > maxRunes {
			break
		}
		b.WriteString(cluster)
	}
	return b.String()
}
