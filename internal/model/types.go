// Package model holds the shared data types passed between the router,
// broadcaster, subscription index and coordinator. None of these types
// own a lock; concurrency discipline lives with whichever component
// owns the collection they sit in.
package model

import "time"

// Priority orders events within a batch. Higher values are delivered
// first; they never pre-empt a batch window that is already armed.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String renders the priority the way it appears on the wire.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RoutingStrategy selects how a matched rule resolves to destinations.
type RoutingStrategy int

const (
	StrategyBroadcastAll RoutingStrategy = iota
	StrategyContentBased
	StrategyPriorityFirst
	StrategyLoadBalanced
)

// Subscription is one user's standing interest in a class of events.
// At most one Subscription exists per (UserID, Type) pair; re-subscribing
// replaces the previous one atomically.
type Subscription struct {
	UserID         string
	Type           string
	Filters        map[string]any
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// EventMessage is a single routed event awaiting batched delivery to one
// destination room.
type EventMessage struct {
	MessageID    string
	EventType    string
	EventData    map[string]any
	TargetUsers  map[string]struct{}
	Priority     Priority
	Timestamp    time.Time
	ByteEstimate int

	Attempts       int
	DeliveredUsers map[string]struct{}
	FailedUsers    map[string]struct{}
}

// EventBatch groups EventMessages bound for the same room within one
// batch window.
type EventBatch struct {
	RoomName  string
	Events    []*EventMessage
	BatchID   string
	CreatedAt time.Time
	Priority  Priority
}

// TotalBytes returns the batch's approximate wire size, the sum of each
// event's byte estimate computed at enqueue time.
func (b *EventBatch) TotalBytes() int {
	total := 0
	for _, e := range b.Events {
		total += e.ByteEstimate
	}
	return total
}

// RoutingResult is what the router hands back to the coordinator for one
// routed event. It is the unit cached by the router's LRU.
type RoutingResult struct {
	EventID              string
	MatchedRules         []string
	Destinations         map[string]map[string]struct{} // room -> recipient set
	TransformationsApplied []string
	RoutingTimeMS        float64
	TotalUsers           int
	CacheHit             bool

	// Priority is the highest priority among matched rules, or
	// PriorityMedium if no rule matched. The coordinator uses it as the
	// delivery priority for BroadcastEvent, which has no priority
	// parameter of its own.
	Priority Priority
}
