// Package router implements the Event Router: matching an event
// against a declarative rule set and resolving it to a set of
// destinations, with an LRU cache over repeated (event_type,
// event_data, user_context) tuples.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/odin-broadcast/engine/internal/metrics"
	"github.com/odin-broadcast/engine/internal/model"
	"github.com/odin-broadcast/engine/internal/subscription"
)

// Config controls cache sizing and the minimum recipient count before
// a routing result is cached.
type Config struct {
	CacheSize      int
	CacheEnabled   bool
	CacheThreshold int
}

// DefaultConfig matches the documented defaults in the external
// interface section: a 1,000-entry cache, enabled, with a 5-recipient
// caching threshold.
func DefaultConfig() Config {
	return Config{CacheSize: 1000, CacheEnabled: true, CacheThreshold: 5}
}

// Stats is a snapshot of routing counters for GetRoutingStats.
type Stats struct {
	TotalEvents         int64
	EventsRouted        int64
	CacheHits           int64
	CacheMisses         int64
	RoutingErrors       int64
	TransformationErrors int64
	TotalRules          int
	CacheSize           int
}

// Router matches events against rules and resolves destinations via
// the subscription index.
type Router struct {
	cfg    Config
	index  *subscription.Index
	logger zerolog.Logger

	rulesMu sync.Mutex      // serializes writers; routing reads a snapshot
	rules   atomic.Pointer[[]*model.RoutingRule]

	cache *lru.Cache[string, *model.RoutingResult]

	totalEvents          int64
	eventsRouted         int64
	cacheHits            int64
	cacheMisses          int64
	routingErrors        int64
	transformationErrors int64
}

// New creates a Router over idx using cfg. idx may be shared with the
// coordinator that also uses it for subscribe/unsubscribe.
func New(cfg Config, idx *subscription.Index, logger zerolog.Logger) (*Router, error) {
	r := &Router{cfg: cfg, index: idx, logger: logger}
	empty := []*model.RoutingRule{}
	r.rules.Store(&empty)

	if cfg.CacheEnabled {
		size := cfg.CacheSize
		if size <= 0 {
			size = 1000
		}
		c, err := lru.New[string, *model.RoutingResult](size)
		if err != nil {
			return nil, fmt.Errorf("router: creating LRU cache: %w", err)
		}
		r.cache = c
	}
	return r, nil
}

// AddRule compiles rule's patterns and installs it. A rule with every
// pattern malformed is still installed — it simply never matches — per
// the BadRule policy; AddRule reports how many patterns were bad so
// callers can log it, but never returns an error.
func (r *Router) AddRule(rule *model.RoutingRule) (badPatterns int) {
	badPatterns = rule.Compile()

	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	cur := *r.rules.Load()
	next := make([]*model.RoutingRule, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, rule)
	r.rules.Store(&next)

	if r.cache != nil {
		r.cache.Purge()
	}
	return badPatterns
}

// RemoveRule deletes the rule with the given id, if present.
func (r *Router) RemoveRule(ruleID string) (removed bool) {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	cur := *r.rules.Load()
	next := make([]*model.RoutingRule, 0, len(cur))
	for _, rule := range cur {
		if rule.RuleID == ruleID {
			removed = true
			continue
		}
		next = append(next, rule)
	}
	r.rules.Store(&next)

	if removed && r.cache != nil {
		r.cache.Purge()
	}
	return removed
}

// Route matches eventType/eventData against the installed rules and
// resolves the matched rules' destinations to recipient sets. It
// always returns a result, possibly with no matched rules; individual
// rule or cache failures never propagate as an error.
func (r *Router) Route(eventType string, eventData map[string]any, userContext map[string]any) *model.RoutingResult {
	start := time.Now()
	atomic.AddInt64(&r.totalEvents, 1)

	key, cacheable := canonicalKey(eventType, eventData, userContext)

	if r.cache != nil && cacheable {
		if cached, ok := r.cache.Get(key); ok {
			atomic.AddInt64(&r.cacheHits, 1)
			metrics.RoutingCacheHits.Inc()
			hit := *cached
			hit.CacheHit = true
			return &hit
		}
	}
	atomic.AddInt64(&r.cacheMisses, 1)
	metrics.RoutingCacheMisses.Inc()

	rules := *r.rules.Load()
	result := &model.RoutingResult{
		EventID:      fmt.Sprintf("%s_%d", eventType, time.Now().UnixNano()),
		Destinations: make(map[string]map[string]struct{}),
		Priority:     model.PriorityMedium,
	}
	anyMatched := false

	for _, rule := range rules {
		if !rule.MatchesEventType(eventType) {
			continue
		}

		matched, evalErr := r.evaluateContentFilters(rule, eventData)
		if evalErr != nil {
			atomic.AddInt64(&r.routingErrors, 1)
			metrics.RoutingErrors.Inc()
		}
		if !matched {
			continue
		}

		data := eventData
		if rule.ContentTransformer != nil {
			transformed, err := r.applyTransformer(rule, eventData)
			if err != nil {
				atomic.AddInt64(&r.transformationErrors, 1)
				metrics.TransformationErrors.Inc()
			} else {
				data = transformed
				result.TransformationsApplied = append(result.TransformationsApplied, rule.RuleID)
			}
		}

		result.MatchedRules = append(result.MatchedRules, rule.RuleID)
		r.resolveDestinations(rule, eventType, data, result)

		if !anyMatched || rule.Priority > result.Priority {
			result.Priority = rule.Priority
		}
		anyMatched = true
	}

	result.TotalUsers = countRecipients(result.Destinations)
	result.RoutingTimeMS = float64(time.Since(start)) / float64(time.Millisecond)

	if cacheable {
		atomic.AddInt64(&r.eventsRouted, 1)
	} else {
		atomic.AddInt64(&r.routingErrors, 1)
		metrics.RoutingErrors.Inc()
	}

	if r.cache != nil && cacheable && result.TotalUsers >= r.cfg.CacheThreshold {
		cached := *result
		r.cache.Add(key, &cached)
	}

	return result
}

// evaluateContentFilters reports whether every field in rule's
// ContentFilters matches eventData. A missing field is a non-match; a
// predicate-evaluation failure is a non-match and is reported via err
// so the caller can count it, without failing the whole rule set.
func (r *Router) evaluateContentFilters(rule *model.RoutingRule, eventData map[string]any) (matched bool, err error) {
	for field, predicate := range rule.ContentFilters {
		value, present := eventData[field]
		if !present {
			return false, nil
		}
		ok, evalErr := predicate.Match(value)
		if evalErr != nil {
			return false, evalErr
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *Router) applyTransformer(rule *model.RoutingRule, eventData map[string]any) (transformed map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			transformed, err = nil, fmt.Errorf("transformer panicked: %v", rec)
		}
	}()
	return rule.ContentTransformer(eventData)
}

// resolveDestinations expands rule's destinations (static, or content-
// synthesized for CONTENT_BASED rules with none declared) into
// recipient sets via the subscription index, merging into result.
func (r *Router) resolveDestinations(rule *model.RoutingRule, eventType string, eventData map[string]any, result *model.RoutingResult) {
	destinations := rule.Destinations

	if len(destinations) == 0 && rule.Strategy == model.StrategyContentBased {
		if room, ok := synthesizeRoom(eventType, eventData); ok {
			destinations = []string{room}
		}
	}

	if len(destinations) == 0 && rule.Strategy == model.StrategyBroadcastAll {
		destinations = []string{"broadcast_all"}
	}

	for _, dest := range destinations {
		users := r.expandDestination(dest, rule)
		if len(users) == 0 {
			if _, ok := result.Destinations[dest]; !ok {
				result.Destinations[dest] = make(map[string]struct{})
			}
			continue
		}
		existing, ok := result.Destinations[dest]
		if !ok {
			existing = make(map[string]struct{}, len(users))
			result.Destinations[dest] = existing
		}
		for u := range users {
			existing[u] = struct{}{}
		}
	}
}

// expandDestination resolves a destination identifier to a recipient
// set. A "user_<id>" destination resolves to that single user; any
// other destination is treated as a room class and expanded via the
// subscription index using rule.UserCriteria plus the destination name
// as the room criterion.
func (r *Router) expandDestination(dest string, rule *model.RoutingRule) map[string]struct{} {
	if userID, ok := strings.CutPrefix(dest, "user_"); ok {
		return map[string]struct{}{userID: {}}
	}

	criteria := make(map[string]any, len(rule.UserCriteria)+1)
	for k, v := range rule.UserCriteria {
		criteria[k] = v
	}
	return r.index.FindMatchingUsers(criteria)
}

// synthesizeRoom builds a deterministic room name from event content
// for CONTENT_BASED rules with no static destinations, following the
// pattern_{type}_{symbol} convention.
func synthesizeRoom(eventType string, eventData map[string]any) (string, bool) {
	patternType, hasType := eventData["pattern_type"].(string)
	symbol, hasSymbol := eventData["symbol"].(string)
	switch {
	case hasType && hasSymbol:
		return fmt.Sprintf("pattern_%s_%s", patternType, symbol), true
	case hasType:
		return fmt.Sprintf("pattern_%s", patternType), true
	default:
		return "", false
	}
}

func countRecipients(destinations map[string]map[string]struct{}) int {
	seen := make(map[string]struct{})
	for _, users := range destinations {
		for u := range users {
			seen[u] = struct{}{}
		}
	}
	return len(seen)
}

// canonicalKey builds a deterministic cache key from the routing
// input. Values that can't be canonicalized (anything outside the
// JSON-ish scalar/slice/map universe) make the call non-cacheable
// rather than fail outright.
func canonicalKey(eventType string, eventData, userContext map[string]any) (key string, cacheable bool) {
	var b strings.Builder
	b.WriteString(eventType)
	b.WriteByte('|')

	if !canonicalizeInto(&b, eventData) {
		return "", false
	}
	b.WriteByte('|')
	if !canonicalizeInto(&b, userContext) {
		return "", false
	}
	return b.String(), true
}

func canonicalizeInto(b *strings.Builder, m map[string]any) bool {
	if m == nil {
		b.WriteString("{}")
		return true
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		if !canonicalizeValue(b, m[k]) {
			return false
		}
	}
	b.WriteByte('}')
	return true
}

func canonicalizeValue(b *strings.Builder, v any) bool {
	switch val := v.(type) {
	case nil:
		b.WriteString("nil")
	case string:
		b.WriteString(val)
	case bool:
		fmt.Fprintf(b, "%t", val)
	case float64:
		fmt.Fprintf(b, "%g", val)
	case int:
		fmt.Fprintf(b, "%d", val)
	case int64:
		fmt.Fprintf(b, "%d", val)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if !canonicalizeValue(b, item) {
				return false
			}
		}
		b.WriteByte(']')
	case map[string]any:
		if !canonicalizeInto(b, val) {
			return false
		}
	default:
		// functions, channels, and anything else that can't be
		// deterministically stringified: bypass the cache for this call.
		return false
	}
	return true
}

// Snapshot returns the current routing statistics.
func (r *Router) Snapshot() Stats {
	cacheSize := 0
	if r.cache != nil {
		cacheSize = r.cache.Len()
	}
	return Stats{
		TotalEvents:          atomic.LoadInt64(&r.totalEvents),
		EventsRouted:         atomic.LoadInt64(&r.eventsRouted),
		CacheHits:            atomic.LoadInt64(&r.cacheHits),
		CacheMisses:          atomic.LoadInt64(&r.cacheMisses),
		RoutingErrors:        atomic.LoadInt64(&r.routingErrors),
		TransformationErrors: atomic.LoadInt64(&r.transformationErrors),
		TotalRules:           len(*r.rules.Load()),
		CacheSize:            cacheSize,
	}
}

// CacheHitRate returns the fraction of Route calls served from cache,
// 0 if no calls were made yet.
func (s Stats) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}
