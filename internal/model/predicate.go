package model

import (
	"fmt"
	"regexp"
)

// PredicateKind tags which shape of content_filters predicate a rule
// field uses. The original source duck-typed this (an equality value,
// a {min,max} dict, or a {contains: "a|b|c"} dict); here it's a closed
// tagged union, so the set of predicate shapes is fixed at compile
// time. A malformed Contains pattern is still only detected at Match
// time, where it is reported as an error.
type PredicateKind int

const (
	PredicateEquals PredicateKind = iota
	PredicateRange
	PredicateContains
	PredicateIn
)

// Predicate evaluates one content_filters entry against an event's
// field value. Zero value is an Equals predicate against nil, which
// matches only a nil field value.
type Predicate struct {
	Kind PredicateKind

	// PredicateEquals
	EqualsValue any

	// PredicateRange
	Min, Max *float64

	// PredicateContains: alternation pattern, e.g. "BreakoutBO|Reversal"
	ContainsPattern string
	containsRe      *regexp.Regexp

	// PredicateIn
	InSet []any
}

// Equals builds an equality predicate.
func Equals(v any) Predicate { return Predicate{Kind: PredicateEquals, EqualsValue: v} }

// Range builds a numeric {min,max} predicate. Either bound may be nil
// for an open range.
func Range(min, max *float64) Predicate { return Predicate{Kind: PredicateRange, Min: min, Max: max} }

// Contains builds an alternation predicate. The pattern is compiled
// lazily on first Match so that a malformed pattern surfaces as a
// non-match rather than a panic at rule-registration time.
func Contains(pattern string) Predicate {
	return Predicate{Kind: PredicateContains, ContainsPattern: pattern}
}

// In builds a set-membership predicate.
func In(values ...any) Predicate { return Predicate{Kind: PredicateIn, InSet: values} }

// Match evaluates the predicate against a field value. It never
// panics: a malformed Contains pattern or an incomparable value simply
// yields false, matchErr reports it so the caller can count it.
func (p *Predicate) Match(value any) (matched bool, matchErr error) {
	defer func() {
		if r := recover(); r != nil {
			matched, matchErr = false, fmt.Errorf("predicate panic: %v", r)
		}
	}()

	switch p.Kind {
	case PredicateEquals:
		return value == p.EqualsValue, nil

	case PredicateRange:
		f, ok := toFloat(value)
		if !ok {
			return false, nil
		}
		if p.Min != nil && f < *p.Min {
			return false, nil
		}
		if p.Max != nil && f > *p.Max {
			return false, nil
		}
		return true, nil

	case PredicateContains:
		if p.containsRe == nil {
			re, err := regexp.Compile(p.ContainsPattern)
			if err != nil {
				return false, fmt.Errorf("bad contains pattern %q: %w", p.ContainsPattern, err)
			}
			p.containsRe = re
		}
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		return p.containsRe.MatchString(s), nil

	case PredicateIn:
		for _, candidate := range p.InSet {
			if candidate == value {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown predicate kind %d", p.Kind)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
