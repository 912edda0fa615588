package hl7v2

import (
	"strconv"
	"strings"
	"time"
)

// Timestamp layouts by digit count, from year precision up to seconds.
var timestampLayouts = map[int]string{
	4:  "2006",
	6:  "200601",
	8:  "20060102",
	10: "2006010215",
	12: "200601021504",
	14: "20060102150405",
}

// ParseTimestamp parses an HL7 DTM value (YYYY[MM[DD[HH[MM[SS[.S+]]]]]][+/-ZZZZ]).
// Values without an offset are read as UTC. Malformed input yields ok=false,
// never an error: callers treat the field as absent.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	loc := time.UTC
	if i := strings.IndexAny(s, "+-"); i > 0 {
		tz := s[i:]
		s = s[:i]
		if len(tz) != 5 {
			return time.Time{}, false
		}
		hh, err1 := strconv.Atoi(tz[1:3])
		mm, err2 := strconv.Atoi(tz[3:5])
		if err1 != nil || err2 != nil {
			return time.Time{}, false
		}
		offset := hh*3600 + mm*60
		if tz[0] == '-' {
			offset = -offset
		}
		loc = time.FixedZone(tz, offset)
	}

	var frac time.Duration
	if i := strings.IndexByte(s, '.'); i >= 0 {
		digits := s[i+1:]
		s = s[:i]
		if digits != "" {
			f, err := strconv.ParseFloat("0."+digits, 64)
			if err != nil {
				return time.Time{}, false
			}
			frac = time.Duration(f * float64(time.Second))
		}
	}

	layout, ok := timestampLayouts[len(s)]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(layout, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.Add(frac).UTC(), true
}

// FormatTimestamp renders t as a seconds-precision HL7 DTM in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// ParseDecimal parses a numeric field value. Blank or non-numeric input
// yields ok=false.
func ParseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseInt parses an integer field value such as a set id or priority.
func ParseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
