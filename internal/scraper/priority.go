package scraper

import (
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/jwalitptl/deadline-sync/internal/model"
)

var (
	urgentLabels = keywords("critical", "urgent", "blocker", "p0")
	highLabels   = keywords("high priority", "priority: high", "p1")
	lowLabels    = keywords("low priority", "priority: low", "nice to have", "enhancement", "p3", "p4", "p5")
)

// negations void the keyword that follows them, as in "non-urgent".
var negations = map[string]bool{"not": true, "non": true, "no": true}

// PriorityFromLabels maps free-form issue labels to a priority. A keyword
// matches whole words only. Urgent labels win over high, high over low;
// anything else is medium.
func PriorityFromLabels(labels []string) model.Priority {
	words := make([][]string, len(labels))
	for i, l := range labels {
		words[i] = labelWords(l)
	}
	switch {
	case anyLabel(words, urgentLabels):
		return model.PriorityUrgent
	case anyLabel(words, highLabels):
		return model.PriorityHigh
	case anyLabel(words, lowLabels):
		return model.PriorityLow
	}
	return model.PriorityMedium
}

func keywords(ks ...string) [][]string {
	out := make([][]string, len(ks))
	for i, k := range ks {
		out[i] = labelWords(k)
	}
	return out
}

func labelWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func anyLabel(labels, keys [][]string) bool {
	for _, words := range labels {
		for _, k := range keys {
			if hasPhrase(words, k) {
				return true
			}
		}
	}
	return false
}

func hasPhrase(words, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		if !slices.Equal(words[i:i+len(phrase)], phrase) {
			continue
		}
		if i > 0 && negations[words[i-1]] {
			continue
		}
		return true
	}
	return false
}

// PriorityByProximity grades a deadline by how soon it is due, counting
// whole days: one day or less is urgent, three high, seven medium.
func PriorityByProximity(due, now time.Time) model.Priority {
	days := int(math.Floor(due.Sub(now).Hours() / 24))
	switch {
	case days <= 1:
		return model.PriorityUrgent
	case days <= 3:
		return model.PriorityHigh
	case days <= 7:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

// TooOld reports whether a deadline passed more than a day ago. Academic
// adapters drop those.
func TooOld(due, now time.Time) bool {
	return due.Before(now.Add(-24 * time.Hour))
}
