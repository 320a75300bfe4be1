package projection

import (
	"time"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
)

// Grading statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// UnknownUserID marks a grading whose events carry no user.
const UnknownUserID = "unknown"

// UserProjection summarizes one user's activity.
type UserProjection struct {
	UserID            string    `json:"user_id"`
	Username          string    `json:"username,omitempty"`
	Email             string    `json:"email,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitzero"`
	TotalGradings     int       `json:"total_gradings"`
	AverageScore      float64   `json:"average_score"`
	FeedbackCount     int       `json:"feedback_count"`
	StrategiesLearned int       `json:"strategies_learned"`
	LastActivity      time.Time `json:"last_activity,omitzero"`
}

// GradingProjection tracks one grading through its lifecycle.
type GradingProjection struct {
	GradingID        string    `json:"grading_id"`
	UserID           string    `json:"user_id"`
	Language         string    `json:"language,omitempty"`
	Dimensions       []string  `json:"dimensions"`
	Score            *float64  `json:"score,omitempty"`
	Status           string    `json:"status"`
	RequestedAt      time.Time `json:"requested_at,omitzero"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
	DurationMS       *int64    `json:"duration_ms,omitempty"`
	FeedbackReceived bool      `json:"feedback_received"`
}

// Statistics aggregates the user views.
type Statistics struct {
	TotalUsers    int     `json:"total_users"`
	TotalGradings int     `json:"total_gradings"`
	AverageScore  float64 `json:"average_score"`
	ActiveUsers   int     `json:"active_users"`
}

// ActiveWindow is how recent a user's last activity must be to count as active.
const ActiveWindow = 7 * 24 * time.Hour

func userEventTypes() []event.Type {
	return []event.Type{
		event.TypeUserCreated,
		event.TypeGradingCompleted,
		event.TypeFeedbackSubmitted,
		event.TypeStrategyLearned,
	}
}

func gradingEventTypes() []event.Type {
	return []event.Type{
		event.TypeGradingRequested,
		event.TypeGradingCompleted,
		event.TypeFeedbackSubmitted,
	}
}

func isUserEvent(t event.Type) bool {
	switch t {
	case event.TypeUserCreated, event.TypeGradingCompleted, event.TypeFeedbackSubmitted, event.TypeStrategyLearned:
		return true
	}
	return false
}

func isGradingEvent(t event.Type) bool {
	switch t {
	case event.TypeGradingRequested, event.TypeGradingCompleted, event.TypeFeedbackSubmitted:
		return true
	}
	return false
}

// userKey is the user a user-view event belongs to: data.user_id, falling
// back to the aggregate id.
func userKey(evt event.Event) string {
	if id := evt.UserID(); id != "" {
		return id
	}
	return evt.AggregateID
}

// ApplyUser folds evt into p.
func ApplyUser(p UserProjection, evt event.Event) (UserProjection, error) {
	switch evt.Type {
	case event.TypeUserCreated:
		var payload event.UserCreatedPayload
		if err := evt.DecodeData(&payload); err != nil {
			return p, err
		}
		p.Username = payload.Username
		p.Email = payload.Email
		p.CreatedAt = evt.Timestamp
	case event.TypeGradingCompleted:
		var payload event.GradingCompletedPayload
		if err := evt.DecodeData(&payload); err != nil {
			return p, err
		}
		var score float64
		if payload.Score != nil {
			score = *payload.Score
		}
		p.TotalGradings++
		n := float64(p.TotalGradings)
		p.AverageScore = (p.AverageScore*(n-1) + score) / n
		p.LastActivity = evt.Timestamp
	case event.TypeFeedbackSubmitted:
		p.FeedbackCount++
		p.LastActivity = evt.Timestamp
	case event.TypeStrategyLearned:
		p.StrategiesLearned++
	}
	return p, nil
}

// ApplyGrading folds evt into p.
func ApplyGrading(p GradingProjection, evt event.Event) (GradingProjection, error) {
	switch evt.Type {
	case event.TypeGradingRequested:
		var payload event.GradingRequestedPayload
		if err := evt.DecodeData(&payload); err != nil {
			return p, err
		}
		p.Language = payload.Language
		p.Dimensions = append([]string(nil), payload.Dimensions...)
		p.RequestedAt = evt.Timestamp
		p.Status = StatusPending
	case event.TypeGradingCompleted:
		var payload event.GradingCompletedPayload
		if err := evt.DecodeData(&payload); err != nil {
			return p, err
		}
		p.Score = payload.Score
		p.CompletedAt = evt.Timestamp
		p.Status = StatusCompleted
		if !p.RequestedAt.IsZero() {
			duration := p.CompletedAt.Sub(p.RequestedAt).Milliseconds()
			p.DurationMS = &duration
		}
	case event.TypeFeedbackSubmitted:
		p.FeedbackReceived = true
	}
	return p, nil
}

func newGradingProjection(evt event.Event) GradingProjection {
	userID := evt.UserID()
	if userID == "" {
		userID = UnknownUserID
	}
	return GradingProjection{
		GradingID:  evt.AggregateID,
		UserID:     userID,
		Dimensions: []string{},
		Status:     StatusPending,
	}
}

func cloneGrading(p GradingProjection) GradingProjection {
	p.Dimensions = append([]string{}, p.Dimensions...)
	if p.Score != nil {
		score := *p.Score
		p.Score = &score
	}
	if p.DurationMS != nil {
		duration := *p.DurationMS
		p.DurationMS = &duration
	}
	return p
}
