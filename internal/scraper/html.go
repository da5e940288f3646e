package scraper

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var stripAll = bluemonday.StrictPolicy()

// CleanHTML strips markup from an upstream description and collapses
// whitespace.
func CleanHTML(s string) string {
	if s == "" {
		return ""
	}
	text := html.UnescapeString(stripAll.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}

// Truncate shortens s to at most max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
