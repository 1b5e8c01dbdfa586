package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/odin-broadcast/engine/internal/model"
)

// wireEvent is one event's shape inside a batch envelope.
type wireEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`
	Priority  string         `json:"priority"`
}

// wireBatch is the on-wire "event_batch" envelope emitted for any
// batch with more than one event.
type wireBatch struct {
	Type           string      `json:"type"`
	BatchID        string      `json:"batch_id"`
	BatchTimestamp float64     `json:"batch_timestamp"`
	Events         []wireEvent `json:"events"`
}

// encode renders a flushed batch to its wire form and returns the
// event name to emit it under. A single-event batch is emitted as a
// bare event under its native type; a multi-event batch is wrapped in
// an "event_batch" envelope.
func encode(batch *model.EventBatch) (eventName string, payload []byte, err error) {
	if len(batch.Events) == 1 {
		e := batch.Events[0]
		payload, err = json.Marshal(e.EventData)
		if err != nil {
			return "", nil, fmt.Errorf("marshal single event: %w", err)
		}
		return e.EventType, payload, nil
	}

	events := make([]wireEvent, len(batch.Events))
	for i, e := range batch.Events {
		events[i] = wireEvent{
			Type:      e.EventType,
			Data:      e.EventData,
			Timestamp: float64(e.Timestamp.UnixNano()) / float64(time.Second),
			Priority:  e.Priority.String(),
		}
	}

	wb := wireBatch{
		Type:           "event_batch",
		BatchID:        batch.BatchID,
		BatchTimestamp: float64(batch.CreatedAt.UnixNano()) / float64(time.Second),
		Events:         events,
	}
	payload, err = json.Marshal(wb)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event_batch: %w", err)
	}
	return "event_batch", payload, nil
}

// estimateBytes approximates an event's wire footprint for batch byte
// accounting. Computed once at enqueue time and cached on the message.
func estimateBytes(eventData map[string]any) int {
	b, err := json.Marshal(eventData)
	if err != nil {
		return 0
	}
	return len(b)
}
