package scraper

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const datePattern = `(\d{4}-\d{2}-\d{2}|\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|` +
	`(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.? \d{1,2},? \d{4})`

// Ordered from most to least specific; the first parseable match wins.
var dueDatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:due(?: date)?|deadline|target|delivery|eta)[\s:]+(?:on |by )?` + datePattern),
	regexp.MustCompile(`(?i)\b(?:finish|complete|completed|done)[\s:]+by[\s:]+` + datePattern),
	regexp.MustCompile(`(?i)(\d{4}-\d{2}-\d{2})[\s:]+deadline`),
	regexp.MustCompile(`\b(\d{1,2}[/-]\d{1,2}[/-]\d{4})\b`),
	regexp.MustCompile(`\b(\d{1,2}[/-]\d{1,2}[/-]\d{2})\b`),
}

var monthLayouts = []string{
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"January 2 2006",
}

// ExtractDueDate scans free text for a due date such as "due: 2025-11-01"
// or "deadline 11/01/2025". It never guesses: text without a recognizable
// date yields false. Dates without a time are midnight UTC.
func ExtractDueDate(text string) (time.Time, bool) {
	if strings.TrimSpace(text) == "" {
		return time.Time{}, false
	}
	for _, re := range dueDatePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if t, ok := parseDateToken(m[1]); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func parseDateToken(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if strings.ContainsAny(s, "/-") {
		return parseNumericDate(s)
	}
	s = strings.Replace(s, ".", "", 1)
	s = strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseNumericDate reads m/d/y, falling back to d/m/y when the first
// field cannot be a month. Two-digit years are 20xx.
func parseNumericDate(s string) (time.Time, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '-' })
	if len(parts) != 3 {
		return time.Time{}, false
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		nums[i] = n
	}
	month, day, year := nums[0], nums[1], nums[2]
	if len(parts[2]) == 2 {
		year += 2000
	}
	if month > 12 {
		month, day = day, month
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes 31 Feb into March; reject instead.
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp shapes upstream APIs return. Values
// without a zone are taken as UTC; the result is always in UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
