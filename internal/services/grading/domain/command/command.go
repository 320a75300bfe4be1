// Package command turns caller intents into grading events.
//
// Commands only check that required fields are present. They never check
// that a referenced aggregate exists: feedback for an unknown grading is
// recorded like any other.
package command

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gradebook/internal/platform/errors"
	"github.com/louisbranch/gradebook/internal/platform/id"
	"github.com/louisbranch/gradebook/internal/platform/requestctx"
	"github.com/louisbranch/gradebook/internal/platform/timeouts"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/pipeline"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/louisbranch/gradebook/internal/services/grading/domain/command"

// Defaults applied when a grade request leaves them empty.
const (
	DefaultLanguage  = "python"
	DefaultDimension = "code_quality"
)

// MinStrategyRating is the lowest feedback rating that records a learned strategy.
const MinStrategyRating = 4

// maxConflictRetries bounds re-attempts of unpinned appends.
const maxConflictRetries = 3

// Metadata keys written on every event a command appends.
const (
	MetadataCommandID = "command_id"
	MetadataSource    = "source"
)

// Appender persists events.
type Appender interface {
	Append(ctx context.Context, req eventstore.AppendRequest) (event.Event, error)
}

// GradeCode asks for a piece of code to be graded.
type GradeCode struct {
	CommandID  string
	UserID     string
	Code       string
	Language   string
	Dimensions []string
	Metadata   map[string]any
}

// CompleteGrading records the pipeline result for a grading.
type CompleteGrading struct {
	CommandID      string
	GradingID      string
	UserID         string
	Score          float64
	Dimensions     []string
	Breakdown      map[string]float64
	ProcessingTime time.Duration
	Metadata       map[string]any
}

// SubmitFeedback rates a grading.
type SubmitFeedback struct {
	CommandID string
	UserID    string
	GradingID string
	Rating    int
	Comment   string
	Metadata  map[string]any
}

// CreateUser registers a user. UserID is generated when empty.
type CreateUser struct {
	CommandID string
	UserID    string
	Username  string
	Email     string
	Metadata  map[string]any
}

// Handler executes commands against the event store.
type Handler struct {
	events Appender
	scorer pipeline.Scorer
	runner *pipeline.Runner
	tracer trace.Tracer
}

// Option configures a Handler.
type Option func(*Handler)

// WithRunner makes GradeCode return as soon as the grading is requested and
// score it on runner.
func WithRunner(runner *pipeline.Runner) Option {
	return func(h *Handler) { h.runner = runner }
}

// NewHandler builds a Handler. A nil scorer falls back to pipeline.StaticScorer.
func NewHandler(events Appender, scorer pipeline.Scorer, opts ...Option) (*Handler, error) {
	if events == nil {
		return nil, errors.New("event appender is required")
	}
	if scorer == nil {
		scorer = pipeline.StaticScorer{}
	}
	h := &Handler{events: events, scorer: scorer, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// GradeCode appends grading.requested to a new grading aggregate and returns
// its id. Without a runner the code is scored before returning and
// grading.completed is appended; a scoring failure leaves the grading
// pending and is returned with code GRADING_FAILED alongside the id.
func (h *Handler) GradeCode(ctx context.Context, cmd GradeCode) (string, error) {
	ctx, span := h.startSpan(ctx, "command.GradeCode")
	defer span.End()

	cmd, err := normalizeGradeCode(cmd)
	if err != nil {
		return "", fail(span, err)
	}
	metadata := commandMetadata(ctx, cmd.CommandID, cmd.Metadata)
	gradingID, err := h.request(ctx, cmd, metadata)
	if err != nil {
		return "", fail(span, err)
	}
	span.SetAttributes(attribute.String("grading.id", gradingID))

	if h.runner != nil {
		if err := h.runner.Go(func(runCtx context.Context) {
			if err := h.score(runCtx, gradingID, cmd, metadata); err != nil {
				log.Printf("grading %s left pending: %v", gradingID, err)
			}
		}); err != nil {
			log.Printf("grading %s not scheduled: %v", gradingID, err)
		}
		return gradingID, nil
	}

	if err := h.score(ctx, gradingID, cmd, metadata); err != nil {
		log.Printf("grading %s left pending: %v", gradingID, err)
		return gradingID, fail(span, err)
	}
	return gradingID, nil
}

// RequestGrading appends grading.requested to a new grading aggregate
// without scoring it. The result is recorded later with CompleteGrading.
func (h *Handler) RequestGrading(ctx context.Context, cmd GradeCode) (string, error) {
	ctx, span := h.startSpan(ctx, "command.RequestGrading")
	defer span.End()

	cmd, err := normalizeGradeCode(cmd)
	if err != nil {
		return "", fail(span, err)
	}
	gradingID, err := h.request(ctx, cmd, commandMetadata(ctx, cmd.CommandID, cmd.Metadata))
	return gradingID, fail(span, err)
}

func normalizeGradeCode(cmd GradeCode) (GradeCode, error) {
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	if cmd.UserID == "" {
		return cmd, invalid("user_id is required")
	}
	if strings.TrimSpace(cmd.Code) == "" {
		return cmd, invalid("code is required")
	}
	cmd.Language = strings.TrimSpace(cmd.Language)
	if cmd.Language == "" {
		cmd.Language = DefaultLanguage
	}
	cmd.Dimensions = normalizeDimensions(cmd.Dimensions)
	return cmd, nil
}

func (h *Handler) request(ctx context.Context, cmd GradeCode, metadata map[string]any) (string, error) {
	gradingID, err := id.NewID()
	if err != nil {
		return "", err
	}
	if _, err := h.events.Append(ctx, eventstore.AppendRequest{
		Type:          event.TypeGradingRequested,
		AggregateID:   gradingID,
		AggregateType: event.AggregateGrading,
		Data: event.GradingRequestedPayload{
			UserID:     cmd.UserID,
			Code:       cmd.Code,
			Language:   cmd.Language,
			Dimensions: cmd.Dimensions,
		},
		Metadata: metadata,
		Expected: storage.Exactly(0),
	}); err != nil {
		return "", err
	}
	return gradingID, nil
}

func (h *Handler) score(ctx context.Context, gradingID string, cmd GradeCode, metadata map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Grading)
	defer cancel()

	result, err := h.scorer.Score(ctx, pipeline.ScoreRequest{
		Code:       cmd.Code,
		Language:   cmd.Language,
		Dimensions: cmd.Dimensions,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeGradingFailed, "score grading", err)
	}
	return h.CompleteGrading(ctx, CompleteGrading{
		CommandID:      cmd.CommandID,
		GradingID:      gradingID,
		UserID:         cmd.UserID,
		Score:          result.Score,
		Dimensions:     cmd.Dimensions,
		Breakdown:      result.Breakdown,
		ProcessingTime: result.ProcessingTime,
		Metadata:       metadata,
	})
}

// CompleteGrading appends grading.completed to an existing grading.
func (h *Handler) CompleteGrading(ctx context.Context, cmd CompleteGrading) error {
	ctx, span := h.startSpan(ctx, "command.CompleteGrading")
	defer span.End()

	cmd.GradingID = strings.TrimSpace(cmd.GradingID)
	if cmd.GradingID == "" {
		return fail(span, invalid("grading_id is required"))
	}
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	if cmd.UserID == "" {
		return fail(span, invalid("user_id is required"))
	}
	score := cmd.Score
	metadata := commandMetadata(ctx, cmd.CommandID, cmd.Metadata)
	metadata[event.MetadataProcessingTimeMS] = cmd.ProcessingTime.Milliseconds()

	_, err := h.appendWithRetry(ctx, eventstore.AppendRequest{
		Type:          event.TypeGradingCompleted,
		AggregateID:   cmd.GradingID,
		AggregateType: event.AggregateGrading,
		Data: event.GradingCompletedPayload{
			UserID:     cmd.UserID,
			Score:      &score,
			Dimensions: cmd.Dimensions,
			Breakdown:  cmd.Breakdown,
		},
		Metadata: metadata,
	})
	return fail(span, err)
}

// SubmitFeedback appends feedback.submitted to the grading and, for ratings
// of MinStrategyRating or more, strategy.learned to the user. It returns a
// feedback id for the caller's reference.
func (h *Handler) SubmitFeedback(ctx context.Context, cmd SubmitFeedback) (string, error) {
	ctx, span := h.startSpan(ctx, "command.SubmitFeedback")
	defer span.End()

	cmd.UserID = strings.TrimSpace(cmd.UserID)
	if cmd.UserID == "" {
		return "", fail(span, invalid("user_id is required"))
	}
	cmd.GradingID = strings.TrimSpace(cmd.GradingID)
	if cmd.GradingID == "" {
		return "", fail(span, invalid("grading_id is required"))
	}
	if cmd.Rating < 1 || cmd.Rating > 5 {
		return "", fail(span, invalid("rating must be between 1 and 5"))
	}
	feedbackID, err := id.NewID()
	if err != nil {
		return "", fail(span, err)
	}
	metadata := commandMetadata(ctx, cmd.CommandID, cmd.Metadata)

	if _, err := h.appendWithRetry(ctx, eventstore.AppendRequest{
		Type:          event.TypeFeedbackSubmitted,
		AggregateID:   cmd.GradingID,
		AggregateType: event.AggregateGrading,
		Data: event.FeedbackSubmittedPayload{
			UserID:     cmd.UserID,
			GradingID:  cmd.GradingID,
			FeedbackID: feedbackID,
			Rating:     cmd.Rating,
			Comment:    cmd.Comment,
		},
		Metadata: metadata,
	}); err != nil {
		return "", fail(span, err)
	}

	if cmd.Rating >= MinStrategyRating {
		if _, err := h.appendWithRetry(ctx, eventstore.AppendRequest{
			Type:          event.TypeStrategyLearned,
			AggregateID:   cmd.UserID,
			AggregateType: event.AggregateUser,
			Data: event.StrategyLearnedPayload{
				UserID:    cmd.UserID,
				GradingID: cmd.GradingID,
				Strategy:  event.StrategyPositiveFeedback,
			},
			Metadata: metadata,
		}); err != nil {
			return "", fail(span, err)
		}
	}
	return feedbackID, nil
}

// CreateUser appends user.created as the first event of the user aggregate
// and returns the user id. Creating an existing user is a version conflict.
func (h *Handler) CreateUser(ctx context.Context, cmd CreateUser) (string, error) {
	ctx, span := h.startSpan(ctx, "command.CreateUser")
	defer span.End()

	cmd.Username = strings.TrimSpace(cmd.Username)
	if cmd.Username == "" {
		return "", fail(span, invalid("username is required"))
	}
	cmd.Email = strings.TrimSpace(cmd.Email)
	if cmd.Email == "" {
		return "", fail(span, invalid("email is required"))
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		generated, err := id.NewID()
		if err != nil {
			return "", fail(span, err)
		}
		userID = generated
	}

	if _, err := h.events.Append(ctx, eventstore.AppendRequest{
		Type:          event.TypeUserCreated,
		AggregateID:   userID,
		AggregateType: event.AggregateUser,
		Data: event.UserCreatedPayload{
			UserID:   userID,
			Username: cmd.Username,
			Email:    cmd.Email,
		},
		Metadata: commandMetadata(ctx, cmd.CommandID, cmd.Metadata),
		Expected: storage.Exactly(0),
	}); err != nil {
		return "", fail(span, err)
	}
	return userID, nil
}

// appendWithRetry retries an unpinned append that lost a version race.
func (h *Handler) appendWithRetry(ctx context.Context, req eventstore.AppendRequest) (event.Event, error) {
	var (
		evt event.Event
		err error
	)
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		evt, err = h.events.Append(ctx, req)
		if err == nil || req.Expected.Set || !errors.Is(err, storage.ErrVersionConflict) {
			return evt, err
		}
	}
	return evt, err
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, name)
}

// fail records err on span and returns it unchanged.
func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func invalid(message string) error {
	return apperrors.New(apperrors.CodeInvalidArgument, message)
}

func normalizeDimensions(dimensions []string) []string {
	out := make([]string, 0, len(dimensions))
	for _, dimension := range dimensions {
		if dimension = strings.TrimSpace(dimension); dimension != "" {
			out = append(out, dimension)
		}
	}
	if len(out) == 0 {
		out = append(out, DefaultDimension)
	}
	return out
}

// commandMetadata copies caller metadata and stamps the command id and source.
func commandMetadata(ctx context.Context, commandID string, extra map[string]any) map[string]any {
	metadata := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		metadata[k] = v
	}
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		commandID, _ = metadata[MetadataCommandID].(string)
	}
	if commandID == "" {
		if generated, err := id.NewID(); err == nil {
			commandID = generated
		}
	}
	metadata[MetadataCommandID] = commandID
	if source := requestctx.SourceFromContext(ctx); source != "" {
		metadata[MetadataSource] = source
	}
	return metadata
}
