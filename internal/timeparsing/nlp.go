package timeparsing

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// absoluteLayouts are the exact forms accepted before natural-language
// parsing gets a chance to guess.
var absoluteLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

var nlParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseNaturalLanguage resolves expressions like "yesterday", "next
// monday", or "3 days ago" against the reference time.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date expression")
	}
	r, err := nlParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse %q as a date expression", s)
	}
	return r.Time, nil
}

// ParseRelativeTime is the layered entry point the CLI date flags use:
// compact duration first, then absolute layouts, then natural language.
func ParseRelativeTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if IsCompactDuration(s) {
		return ParseCompactDuration(s, now)
	}
	for _, layout := range absoluteLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return ParseNaturalLanguage(s, now)
}
