package moderation

import (
	"regexp"
	"strings"
)

// commonTLDs lists the suffixes treated as links when they end a bare
// domain-like token.
var commonTLDs = []string{
	"com", "net", "org", "io", "co", "xyz", "app", "dev", "info", "biz",
	"me", "gg", "tv", "ly", "link", "site", "online", "shop", "store",
	"art", "nft", "eth", "crypto", "sol", "finance", "market", "club",
	"fun", "live", "top", "ru", "uk", "de", "fr", "us", "ai",
}

// LinkDetector flags URL-like text: explicit schemes, www. prefixes and bare
// domains ending in a known TLD (including ENS names).
type LinkDetector struct {
	pattern *regexp.Regexp
}

// NewLinkDetector builds the detector over the common TLD list.
func NewLinkDetector() *LinkDetector {
	label := `[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?`
	expr := `(?i)(?:\bhttps?://\S+|\bwww\.\S+|\b(?:` + label + `\.)+(?:` + strings.Join(commonTLDs, "|") + `)\b(?:[/:?#]\S*)?)`
	return &LinkDetector{pattern: regexp.MustCompile(expr)}
}

// ContainsLink reports whether text has a URL-like token.
func (d *LinkDetector) ContainsLink(text string) bool {
	return d.pattern.MatchString(text)
}
