package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleCompileAndMatch(t *testing.T) {
	r := &RoutingRule{
		RuleID:            "r1",
		EventTypePatterns: []string{"^pattern_alert$", "^trade\\..*"},
	}

	bad := r.Compile()
	assert.Equal(t, 0, bad)
	assert.True(t, r.MatchesEventType("pattern_alert"))
	assert.True(t, r.MatchesEventType("trade.executed"))
	assert.False(t, r.MatchesEventType("market_stats"))
}

func TestRuleCompileBadPatternStaysInstalled(t *testing.T) {
	r := &RoutingRule{
		RuleID:            "r2",
		EventTypePatterns: []string{"(unterminated", "^ok$"},
	}

	bad := r.Compile()
	assert.Equal(t, 1, bad)

	// The bad pattern never matches, but the good one still does: the
	// rule as a whole stays usable.
	assert.False(t, r.MatchesEventType("(unterminated"))
	assert.True(t, r.MatchesEventType("ok"))
}

func TestRuleNoPatternsNeverMatches(t *testing.T) {
	r := &RoutingRule{RuleID: "r3"}
	r.Compile()
	assert.False(t, r.MatchesEventType("anything"))
}
