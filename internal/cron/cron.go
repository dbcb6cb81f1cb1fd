// Package cron parses and matches five-field cron expressions
// (minute, hour, day-of-month, month, day-of-week).
//
// Each field accepts "*", a value, a range "a-b", a step "*/n", "a-b/n" or
// "a/n", and comma-separated lists of those. Names (JAN, MON) and the
// non-standard L, W, # and ? forms are rejected. Day-of-week runs 0-6 with
// 7 accepted as Sunday. A time matches when all five fields match.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Schedule is a parsed cron expression. Each field is a bitset of allowed values.
type Schedule struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

// Parse parses a five-field cron expression.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cron expression %q must have %d fields, got %d", expr, len(fields), len(parts))
	}

	var sets [5]uint64
	for i, part := range parts {
		set, err := parseField(part, fields[i])
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cron expression %q: %s", expr, err.Error())
		}
		sets[i] = set
	}

	// Sunday may be written as 0 or 7.
	if sets[4]&(1<<7) != 0 {
		sets[4] = sets[4]&^(1<<7) | 1
	}

	return &Schedule{
		expr:   strings.Join(parts, " "),
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

// String returns the normalized expression.
func (s *Schedule) String() string { return s.expr }

// Matches reports whether t, truncated to the minute, satisfies every field.
func (s *Schedule) Matches(t time.Time) bool {
	return has(s.minute, t.Minute()) &&
		has(s.hour, t.Hour()) &&
		s.dayMatches(t) &&
		has(s.month, int(t.Month()))
}

// Next returns the first matching minute strictly after t, searching up to
// five years ahead. It returns the zero time if nothing matches in that window
// (e.g. "0 0 30 2 *").
func (s *Schedule) Next(t time.Time) time.Time {
	loc := t.Location()
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !has(s.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !has(s.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !has(s.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (s *Schedule) dayMatches(t time.Time) bool {
	return has(s.dom, t.Day()) && has(s.dow, int(t.Weekday()))
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

func parseField(spec string, f field) (uint64, error) {
	var set uint64
	for _, item := range strings.Split(spec, ",") {
		bits, err := parseItem(item, f)
		if err != nil {
			return 0, err
		}
		set |= bits
	}
	return set, nil
}

// parseItem parses one list element: "*", "n", "a-b", with an optional "/step".
func parseItem(item string, f field) (uint64, error) {
	if item == "" {
		return 0, fieldErr(f, item, "empty list element")
	}

	rangePart, stepPart, hasStep := strings.Cut(item, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return 0, fieldErr(f, item, "step must be a positive integer")
		}
		step = n
	}

	lo, hi := f.min, f.max
	switch {
	case rangePart == "*":
		if f.name == "day-of-week" {
			hi = 6
		}
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = parseValue(a, f); err != nil {
			return 0, fieldErr(f, item, err.Error())
		}
		if hi, err = parseValue(b, f); err != nil {
			return 0, fieldErr(f, item, err.Error())
		}
		if lo > hi {
			return 0, fieldErr(f, item, "range start exceeds end")
		}
	default:
		v, err := parseValue(rangePart, f)
		if err != nil {
			return 0, fieldErr(f, item, err.Error())
		}
		lo = v
		switch {
		case !hasStep:
			hi = v
		case f.name == "day-of-week" && v < 7:
			// 7 only aliases Sunday; stepping onto it would add Sunday again.
			hi = 6
		}
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

func parseValue(s string, f field) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("%d out of range %d-%d", v, f.min, f.max)
	}
	return v, nil
}

func fieldErr(f field, item, msg string) error {
	return fmt.Errorf("%s field %q: %s", f.name, item, msg)
}
