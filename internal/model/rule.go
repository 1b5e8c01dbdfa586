package model

import "regexp"

// ContentTransformer mutates an event's data before delivery. It must
// be pure (no side effects visible to the caller beyond its return
// value) and is permitted to fail; a failing transformer does not
// block the rule from matching, it just leaves the event untransformed.
type ContentTransformer func(eventData map[string]any) (map[string]any, error)

// RoutingRule is one declarative matching-and-destination rule. Rules
// are evaluated in insertion order; AddRule compiles the
// EventTypePatterns once so Route never pays regex-compile cost on the
// hot path.
type RoutingRule struct {
	RuleID             string
	Name               string
	Priority           Priority
	EventTypePatterns  []string
	ContentFilters     map[string]Predicate
	UserCriteria       map[string]any
	Strategy           RoutingStrategy
	Destinations       []string
	ContentTransformer ContentTransformer

	compiled []*regexp.Regexp // nil entry at index i means pattern i failed to compile
}

// Compile precompiles the rule's event-type patterns. A pattern that
// fails to compile is kept as a nil matcher: per the BadRule policy,
// the rule stays installed but that particular pattern never matches.
func (r *RoutingRule) Compile() (badPatterns int) {
	r.compiled = make([]*regexp.Regexp, len(r.EventTypePatterns))
	for i, pattern := range r.EventTypePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			r.compiled[i] = nil
			badPatterns++
			continue
		}
		r.compiled[i] = re
	}
	return badPatterns
}

// MatchesEventType reports whether any compiled pattern matches
// eventType. Nil matchers (failed compiles) are skipped.
func (r *RoutingRule) MatchesEventType(eventType string) bool {
	for _, re := range r.compiled {
		if re != nil && re.MatchString(eventType) {
			return true
		}
	}
	return false
}
