package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEvent is a live notification about an engine action.
type StreamEvent struct {
	ActionID    string          `json:"action_id"`
	ProcessName string          `json:"process_name,omitempty"`
	EventType   string          `json:"event_type"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ActionID    string   `json:"action_id,omitempty"`
	ProcessName string   `json:"process_name,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live action events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.ActionID != "" && f.ActionID != e.ActionID {
		return false
	}
	if f.ProcessName != "" && f.ProcessName != e.ProcessName {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
