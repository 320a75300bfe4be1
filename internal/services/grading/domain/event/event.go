package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names a kind of event.
type Type string

const (
	TypeGradingRequested  Type = "grading.requested"
	TypeGradingCompleted  Type = "grading.completed"
	TypeFeedbackSubmitted Type = "feedback.submitted"
	TypeStrategyLearned   Type = "strategy.learned"
	TypeUserCreated       Type = "user.created"
	TypeUserUpdated       Type = "user.updated"
	TypePluginLoaded      Type = "plugin.loaded"
	TypeThresholdUpdated  Type = "threshold.updated"
)

// Types lists every event type in declaration order.
func Types() []Type {
	return []Type{
		TypeGradingRequested,
		TypeGradingCompleted,
		TypeFeedbackSubmitted,
		TypeStrategyLearned,
		TypeUserCreated,
		TypeUserUpdated,
		TypePluginLoaded,
		TypeThresholdUpdated,
	}
}

// Aggregate type tags.
const (
	AggregateGrading = "grading"
	AggregateUser    = "user"
	AggregateSystem  = "system"
)

// Event is one persisted fact about one aggregate.
//
// Version is the 1-based position within the aggregate. Seq is the position
// in the whole log and is the only ordering valid across aggregates.
type Event struct {
	ID            string          `json:"event_id"`
	Type          Type            `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Data          json.RawMessage `json:"data"`
	Metadata      map[string]any  `json:"metadata"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       uint64          `json:"version"`
	Seq           uint64          `json:"seq"`
}

// DecodeData unmarshals the event payload into target.
func (e Event) DecodeData(target any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// UserID returns data.user_id, or "" when the payload has none.
func (e Event) UserID() string {
	var ref struct {
		UserID string `json:"user_id"`
	}
	if err := e.DecodeData(&ref); err != nil {
		return ""
	}
	return ref.UserID
}
