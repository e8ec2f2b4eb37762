package ciconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// MaxStartIn is the longest delay a delayed job may request.
const MaxStartIn = 7 * 24 * time.Hour

var durationUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "wk": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseStartIn parses human durations such as "30 minutes", "1 day 2 hours"
// or "90s". A bare number is read as seconds.
func ParseStartIn(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return unicode.IsSpace(r) || r == ',' })
	var total time.Duration
	for i := 0; i < len(fields); i++ {
		if fields[i] == "and" {
			continue
		}
		number, unit := splitNumber(fields[i])
		if unit == "" && i+1 < len(fields) {
			i++
			unit = fields[i]
		}
		n, err := strconv.ParseFloat(number, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		scale, ok := durationUnits[unit]
		if !ok {
			return 0, fmt.Errorf("invalid duration unit %q", unit)
		}
		total += time.Duration(n * float64(scale))
	}
	return total, nil
}

func splitNumber(field string) (string, string) {
	i := strings.IndexFunc(field, func(r rune) bool { return !unicode.IsDigit(r) && r != '.' })
	if i < 0 {
		return field, ""
	}
	return field[:i], field[i:]
}

func validStartIn(s string) (string, bool) {
	d, err := ParseStartIn(s)
	if err != nil {
		return "should be a duration", false
	}
	if d > MaxStartIn {
		return "should not exceed the limit", false
	}
	return "", true
}
