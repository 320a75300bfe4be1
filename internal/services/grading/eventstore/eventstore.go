package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/gradebook/internal/platform/id"
	"github.com/louisbranch/gradebook/internal/platform/telemetry/metrics"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/replay"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/louisbranch/gradebook/internal/services/grading/eventstore"

// DefaultFeedLimit caps GetAllEvents when the filter leaves Limit at zero.
const DefaultFeedLimit = 1000

// DispatchMode selects when handlers see a committed event.
type DispatchMode string

const (
	// DispatchInline runs handlers on the appending goroutine right after
	// commit. Failed deliveries are retried by the outbox worker.
	DispatchInline DispatchMode = "inline"
	// DispatchOutbox leaves all delivery to the outbox worker.
	DispatchOutbox DispatchMode = "outbox"
)

// ParseDispatchMode parses a configured dispatch mode.
func ParseDispatchMode(value string) (DispatchMode, error) {
	switch mode := DispatchMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "", DispatchInline:
		return DispatchInline, nil
	case DispatchOutbox:
		return DispatchOutbox, nil
	default:
		return "", fmt.Errorf("unknown dispatch mode %q", value)
	}
}

// Store is the storage the service needs.
type Store interface {
	storage.EventStore
	storage.HandlerOutbox
}

// AppendRequest describes one event to append.
type AppendRequest struct {
	Type          event.Type
	AggregateID   string
	AggregateType string
	// Data is a json.RawMessage, []byte of JSON, or a value marshalled to JSON.
	Data     any
	Metadata map[string]any
	// Expected guards the append; the zero value appends at the next version.
	Expected storage.ExpectedVersion
}

// Service owns the event log API and the handler registry.
type Service struct {
	store    Store
	registry *event.Registry
	metrics  *metrics.Metrics
	mode     DispatchMode
	now      func() time.Time
	tracer   trace.Tracer

	mu       sync.RWMutex
	handlers map[event.Type][]Handler
}

// Option configures a Service.
type Option func(*Service)

// WithRegistry replaces the default event registry.
func WithRegistry(registry *event.Registry) Option {
	return func(s *Service) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// WithMetrics records appends, conflicts and deliveries on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDispatchMode selects inline or outbox delivery.
func WithDispatchMode(mode DispatchMode) Option {
	return func(s *Service) { s.mode = mode }
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Service over store.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	s := &Service{
		store:    store,
		registry: event.DefaultRegistry(),
		mode:     DispatchInline,
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
		handlers: make(map[event.Type][]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := ParseDispatchMode(string(s.mode)); err != nil {
		return nil, err
	}
	return s, nil
}

// Mode reports the configured dispatch mode.
func (s *Service) Mode() DispatchMode {
	return s.mode
}

// Append validates and persists one event, then dispatches it according to
// the dispatch mode. Only validation, version conflict and storage failures
// are returned; handler failures are logged and left for the outbox.
func (s *Service) Append(ctx context.Context, req AppendRequest) (event.Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Append", trace.WithAttributes(
		attribute.String("event.type", string(req.Type)),
		attribute.String("aggregate.id", req.AggregateID),
	))
	defer span.End()

	evt, err := s.append(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return event.Event{}, err
	}
	span.SetAttributes(
		attribute.Int64("event.version", int64(evt.Version)),
		attribute.Int64("event.seq", int64(evt.Seq)),
	)
	if s.mode == DispatchInline {
		s.deliverInline(ctx, evt)
	}
	return evt, nil
}

func (s *Service) append(ctx context.Context, req AppendRequest) (event.Event, error) {
	data, err := encodeData(req.Data)
	if err != nil {
		return event.Event{}, err
	}
	eventID, err := id.NewID()
	if err != nil {
		return event.Event{}, err
	}
	evt, err := s.registry.ValidateForAppend(event.Event{
		ID:            eventID,
		Type:          req.Type,
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		Data:          data,
		Metadata:      req.Metadata,
		Timestamp:     s.now().UTC(),
	})
	if err != nil {
		return event.Event{}, err
	}

	start := time.Now()
	stored, err := s.store.AppendEvent(ctx, evt, req.Expected)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.metrics.ObserveConflict()
		}
		return event.Event{}, err
	}
	s.metrics.ObserveAppend(string(stored.Type), time.Since(start))
	return stored, nil
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		return encoded, nil
	}
}

// GetEvents returns the events of aggregateID with fromVersion <= version <=
// toVersion in version order. fromVersion 0 means 1 and toVersion 0 means no
// upper bound. An unknown aggregate yields an empty slice.
func (s *Service) GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion uint64) ([]event.Event, error) {
	return s.store.ListAggregateEvents(ctx, aggregateID, fromVersion, toVersion)
}

// GetAllEvents returns the global feed in timestamp order. A zero Limit means
// DefaultFeedLimit and a negative Limit means no cap.
func (s *Service) GetAllEvents(ctx context.Context, filter storage.EventFilter) ([]event.Event, error) {
	switch {
	case filter.Limit == 0:
		filter.Limit = DefaultFeedLimit
	case filter.Limit < 0:
		filter.Limit = 0
	}
	return s.store.ListEvents(ctx, filter)
}

// ListEventsAfterSeq returns the log in strict global order.
func (s *Service) ListEventsAfterSeq(ctx context.Context, afterSeq uint64, limit int) ([]event.Event, error) {
	return s.store.ListEventsAfterSeq(ctx, afterSeq, limit)
}

// GetCurrentVersion returns the aggregate's highest version, 0 if none.
func (s *Service) GetCurrentVersion(ctx context.Context, aggregateID string) (uint64, error) {
	return s.store.GetCurrentVersion(ctx, aggregateID)
}

// Replay folds apply over the full history of aggregateID from initial.
func Replay[S any](ctx context.Context, s *Service, aggregateID string, initial S, apply replay.ApplyFunc[S]) (S, error) {
	if s == nil {
		return initial, errors.New("event store service is required")
	}
	result, err := replay.Replay(ctx, s.store, aggregateID, initial, apply, replay.Options{})
	if err != nil {
		return initial, err
	}
	return result.State, nil
}
