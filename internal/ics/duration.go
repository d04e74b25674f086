package ics

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ParseDuration parses an RFC 5545 DURATION value such as PT1H30M or -P1W.
func ParseDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg, s = true, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("duration %q: missing P designator", v)
	}
	s = s[1:]

	var (
		total  time.Duration
		inTime bool
		num    int64
		digits int
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			d := int64(r - '0')
			if num > (math.MaxInt64-d)/10 {
				return 0, fmt.Errorf("duration %q: out of range", v)
			}
			num = num*10 + d
			digits++
			continue
		case r == 'T':
			if inTime || digits > 0 {
				return 0, fmt.Errorf("duration %q: misplaced T", v)
			}
			inTime = true
			continue
		}
		if digits == 0 {
			return 0, fmt.Errorf("duration %q: designator %q without value", v, r)
		}
		var unit time.Duration
		switch {
		case r == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			unit = 24 * time.Hour
		case r == 'H' && inTime:
			unit = time.Hour
		case r == 'M' && inTime:
			unit = time.Minute
		case r == 'S' && inTime:
			unit = time.Second
		default:
			return 0, fmt.Errorf("duration %q: unexpected %q", v, r)
		}
		if num > int64(math.MaxInt64/unit) || time.Duration(num)*unit > math.MaxInt64-total {
			return 0, fmt.Errorf("duration %q: out of range", v)
		}
		total += time.Duration(num) * unit
		num, digits = 0, 0
	}
	if digits > 0 {
		return 0, fmt.Errorf("duration %q: trailing digits", v)
	}
	if neg {
		total = -total
	}
	return total, nil
}
