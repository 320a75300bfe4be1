package event

// GradingRequestedPayload is the data of grading.requested.
type GradingRequestedPayload struct {
	UserID     string   `json:"user_id"`
	Code       string   `json:"code"`
	Language   string   `json:"language"`
	Dimensions []string `json:"dimensions"`
}

// GradingCompletedPayload is the data of grading.completed. Score is a
// pointer so a missing score can be told apart from zero.
type GradingCompletedPayload struct {
	UserID     string             `json:"user_id"`
	Score      *float64           `json:"score"`
	Dimensions []string           `json:"dimensions,omitempty"`
	Breakdown  map[string]float64 `json:"breakdown,omitempty"`
}

// FeedbackSubmittedPayload is the data of feedback.submitted.
type FeedbackSubmittedPayload struct {
	UserID     string `json:"user_id"`
	GradingID  string `json:"grading_id"`
	FeedbackID string `json:"feedback_id,omitempty"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
}

// StrategyLearnedPayload is the data of strategy.learned.
type StrategyLearnedPayload struct {
	UserID    string `json:"user_id"`
	GradingID string `json:"grading_id"`
	Strategy  string `json:"strategy"`
}

// UserCreatedPayload is the data of user.created.
type UserCreatedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// StrategyPositiveFeedback is recorded when a user rates a grading highly.
const StrategyPositiveFeedback = "positive_feedback_pattern"

// MetadataProcessingTimeMS is the grading.completed metadata key holding the
// pipeline's processing time.
const MetadataProcessingTimeMS = "processing_time_ms"
