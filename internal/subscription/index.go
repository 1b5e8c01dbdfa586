// Package subscription implements the in-memory membership index: the
// mapping from a user's standing subscriptions to the inverted
// per-criterion postings the router uses to expand targeting criteria
// into a recipient set without scanning every user.
package subscription

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odin-broadcast/engine/internal/model"
)

// snapshot is an immutable view of the index. Readers load it with a
// single atomic pointer read and never take a lock; writers build a
// new snapshot under mu and swap it in. This mirrors the hot-path
// subscriber-snapshot discipline used elsewhere for per-channel
// membership reads, generalized here to arbitrary criteria.
type snapshot struct {
	// forward[userID][subscriptionType] = subscription
	forward map[string]map[string]*model.Subscription

	// inverted[key][value] = set of userIDs whose subscription has
	// that key/value in Filters (set-valued filters contribute one
	// entry per member).
	inverted map[string]map[string]map[string]struct{}
}

func emptySnapshot() *snapshot {
	return &snapshot{
		forward:  make(map[string]map[string]*model.Subscription),
		inverted: make(map[string]map[string]map[string]struct{}),
	}
}

// Index is the Subscription Index described in the component design:
// forward map plus inverted postings, copy-on-write under one mutex
// for writers, lock-free for readers.
type Index struct {
	mu   sync.Mutex // serializes writers only; readers never take it
	snap atomic.Pointer[snapshot]
}

// New creates an empty Index.
func New() *Index {
	idx := &Index{}
	idx.snap.Store(emptySnapshot())
	return idx
}

// Upsert idempotently installs sub, replacing any previous subscription
// for the same (UserID, Type).
func (idx *Index) Upsert(sub *model.Subscription) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	next := cur.clone()

	if byType, ok := next.forward[sub.UserID]; ok {
		if prev, existed := byType[sub.Type]; existed {
			next.removeFromInverted(sub.UserID, prev)
		}
	} else {
		next.forward[sub.UserID] = make(map[string]*model.Subscription)
	}

	next.forward[sub.UserID][sub.Type] = sub
	next.addToInverted(sub.UserID, sub)

	idx.snap.Store(next)
}

// Remove deletes every subscription a user holds.
func (idx *Index) Remove(userID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	if _, ok := cur.forward[userID]; !ok {
		return
	}
	next := cur.clone()
	for _, sub := range next.forward[userID] {
		next.removeFromInverted(userID, sub)
	}
	delete(next.forward, userID)
	idx.snap.Store(next)
}

// RemoveType deletes one subscription type for a user, leaving any
// others intact.
func (idx *Index) RemoveType(userID, subscriptionType string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	byType, ok := cur.forward[userID]
	if !ok {
		return
	}
	sub, ok := byType[subscriptionType]
	if !ok {
		return
	}

	next := cur.clone()
	next.removeFromInverted(userID, sub)
	delete(next.forward[userID], subscriptionType)
	if len(next.forward[userID]) == 0 {
		delete(next.forward, userID)
	}
	idx.snap.Store(next)
}

// FindMatchingUsers returns every user whose subscription filters
// intersect criteria. A missing criterion key imposes no constraint on
// that dimension; an empty criteria map returns every subscribed user.
// A string-valued criterion that no subscription carries yields an
// empty set; criterion values that are not strings are ignored.
func (idx *Index) FindMatchingUsers(criteria map[string]any) map[string]struct{} {
	snap := idx.snap.Load()

	if len(criteria) == 0 {
		result := make(map[string]struct{}, len(snap.forward))
		for userID := range snap.forward {
			result[userID] = struct{}{}
		}
		return result
	}

	candidates, started := shortestPostingList(snap, criteria)
	if !started {
		// no criterion value has a posting list: start from every
		// subscribed user and apply the criteria below
		candidates = make(map[string]struct{}, len(snap.forward))
		for userID := range snap.forward {
			candidates[userID] = struct{}{}
		}
	}

	for key, value := range criteria {
		valueStr, ok := stringify(value)
		if !ok {
			continue
		}
		postings := snap.inverted[key][valueStr]
		if postings == nil {
			return map[string]struct{}{}
		}
		candidates = intersect(candidates, postings)
		if len(candidates) == 0 {
			return candidates
		}
	}

	return candidates
}

// CleanupStale removes subscriptions whose LastActivityAt is older
// than maxInactive.
func (idx *Index) CleanupStale(maxInactive time.Duration) (removed int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := time.Now().Add(-maxInactive)
	cur := idx.snap.Load()
	next := cur.clone()

	for userID, byType := range next.forward {
		for subType, sub := range byType {
			if sub.LastActivityAt.Before(cutoff) {
				next.removeFromInverted(userID, sub)
				delete(next.forward[userID], subType)
				removed++
			}
		}
		if len(next.forward[userID]) == 0 {
			delete(next.forward, userID)
		}
	}

	idx.snap.Store(next)
	return removed
}

// TotalUsers and TotalSubscriptions back GetSubscriptionStats.
func (idx *Index) TotalUsers() int {
	return len(idx.snap.Load().forward)
}

func (idx *Index) TotalSubscriptions() int {
	snap := idx.snap.Load()
	total := 0
	for _, byType := range snap.forward {
		total += len(byType)
	}
	return total
}

func shortestPostingList(snap *snapshot, criteria map[string]any) (map[string]struct{}, bool) {
	var best map[string]struct{}
	found := false
	for key, value := range criteria {
		valueStr, ok := stringify(value)
		if !ok {
			continue
		}
		postings, ok := snap.inverted[key][valueStr]
		if !ok {
			continue
		}
		if !found || len(postings) < len(best) {
			best = postings
			found = true
		}
	}
	if !found {
		return nil, false
	}
	result := make(map[string]struct{}, len(best))
	for k := range best {
		result[k] = struct{}{}
	}
	return result, true
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{}, len(a))
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func (s *snapshot) clone() *snapshot {
	next := emptySnapshot()
	for userID, byType := range s.forward {
		cp := make(map[string]*model.Subscription, len(byType))
		for t, sub := range byType {
			cp[t] = sub
		}
		next.forward[userID] = cp
	}
	for key, byValue := range s.inverted {
		cpByValue := make(map[string]map[string]struct{}, len(byValue))
		for value, users := range byValue {
			cpUsers := make(map[string]struct{}, len(users))
			for u := range users {
				cpUsers[u] = struct{}{}
			}
			cpByValue[value] = cpUsers
		}
		next.inverted[key] = cpByValue
	}
	return next
}

func (s *snapshot) addToInverted(userID string, sub *model.Subscription) {
	for key, value := range sub.Filters {
		for _, valueStr := range filterValueStrings(value) {
			byValue, ok := s.inverted[key]
			if !ok {
				byValue = make(map[string]map[string]struct{})
				s.inverted[key] = byValue
			}
			users, ok := byValue[valueStr]
			if !ok {
				users = make(map[string]struct{})
				byValue[valueStr] = users
			}
			users[userID] = struct{}{}
		}
	}
}

func (s *snapshot) removeFromInverted(userID string, sub *model.Subscription) {
	for key, value := range sub.Filters {
		for _, valueStr := range filterValueStrings(value) {
			byValue, ok := s.inverted[key]
			if !ok {
				continue
			}
			users, ok := byValue[valueStr]
			if !ok {
				continue
			}
			delete(users, userID)
			if len(users) == 0 {
				delete(byValue, valueStr)
			}
			if len(byValue) == 0 {
				delete(s.inverted, key)
			}
		}
	}
}

// filterValueStrings expands a single filter value into the strings it
// should be indexed under. Set-valued filters (e.g. symbols ⊂ {...})
// index once per member; scalar filters index once.
func filterValueStrings(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := stringify(item); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		if s, ok := stringify(value); ok {
			return []string{s}
		}
		return nil
	}
}

func stringify(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmtStringer:
		return s.String(), true
	default:
		return "", false
	}
}

type fmtStringer interface{ String() string }
