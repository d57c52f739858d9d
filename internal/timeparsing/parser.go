// Package timeparsing resolves the date expressions accepted by the
// run flags. Parsing is layered: compact durations (-7d, +6h), then
// absolute dates (2025-03-01, RFC3339), then natural language
// ("yesterday", "3 days ago").
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// compactDurationRe matches [+-]?(\d+)([hdwmy]): -150d, +6h, 2w, 1y.
var compactDurationRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// ParseCompactDuration resolves a compact duration against the base
// time. Units: h hours, d days, w weeks, m months, y years. No sign
// means forward; lookback flags use the leading minus (-150d).
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	matches := compactDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}

	amount, err := strconv.Atoi(matches[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", matches[2])
	}
	if matches[1] == "-" {
		amount = -amount
	}
	return applyDuration(now, amount, matches[3]), nil
}

func applyDuration(base time.Time, amount int, unit string) time.Time {
	switch unit {
	case "h":
		return base.Add(time.Duration(amount) * time.Hour)
	case "d":
		return base.AddDate(0, 0, amount)
	case "w":
		return base.AddDate(0, 0, amount*7)
	case "m":
		return base.AddDate(0, amount, 0)
	case "y":
		return base.AddDate(amount, 0, 0)
	default:
		return base
	}
}

// IsCompactDuration reports whether the string is compact duration
// syntax.
func IsCompactDuration(s string) bool {
	return compactDurationRe.MatchString(s)
}
