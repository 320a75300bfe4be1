package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/gradebook/internal/platform/errors"
)

var (
	// ErrTypeRequired indicates a missing event type.
	ErrTypeRequired = errors.New("event type is required")
	// ErrTypeUnknown indicates an unregistered event type.
	ErrTypeUnknown = errors.New("event type is not registered")
	// ErrAggregateIDRequired indicates a missing aggregate id.
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	// ErrAggregateTypeRequired indicates a missing aggregate type.
	ErrAggregateTypeRequired = errors.New("aggregate type is required")
	// ErrAggregateTypeMismatch indicates an event addressed to the wrong kind of aggregate.
	ErrAggregateTypeMismatch = errors.New("aggregate type does not own this event type")
	// ErrPayloadInvalid indicates a payload that is not a JSON object or fails its type's checks.
	ErrPayloadInvalid = errors.New("event payload is invalid")
)

// Definition describes one event type.
type Definition struct {
	Type Type
	// AggregateType is the aggregate tag that owns the type. Empty accepts any.
	AggregateType string
	// ValidatePayload runs after the payload is known to be a JSON object.
	ValidatePayload func(json.RawMessage) error
}

// Registry holds event definitions keyed by type.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// DefaultRegistry returns a registry holding every built-in event type.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	for _, def := range builtinDefinitions() {
		if err := registry.Register(def); err != nil {
			panic(err)
		}
	}
	return registry
}

// Register adds a definition. Registering the same type twice fails.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return fmt.Errorf("registry is required")
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return ErrTypeRequired
	}
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("event type already registered: %s", def.Type)
	}
	r.definitions[def.Type] = def
	return nil
}

// Definition returns the definition for t.
func (r *Registry) Definition(t Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.definitions[t]
	return def, ok
}

// ListDefinitions returns definitions sorted by type.
func (r *Registry) ListDefinitions() []Definition {
	if r == nil {
		return nil
	}
	defs := make([]Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs
}

// ValidateForAppend checks evt against its definition and returns it
// normalized: identifiers trimmed and an absent payload replaced with {}.
//
// Failures carry an apperrors code and match the package sentinels with
// errors.Is.
func (r *Registry) ValidateForAppend(evt Event) (Event, error) {
	evt, err := r.validate(evt)
	if err != nil {
		return Event{}, apperrors.Wrap(codeFor(err), "validate event", err)
	}
	return evt, nil
}

func codeFor(err error) apperrors.Code {
	switch {
	case errors.Is(err, ErrTypeUnknown):
		return apperrors.CodeUnknownEventType
	case errors.Is(err, ErrPayloadInvalid):
		return apperrors.CodeInvalidPayload
	default:
		return apperrors.CodeInvalidArgument
	}
}

func (r *Registry) validate(evt Event) (Event, error) {
	evt.Type = Type(strings.TrimSpace(string(evt.Type)))
	evt.AggregateID = strings.TrimSpace(evt.AggregateID)
	evt.AggregateType = strings.TrimSpace(evt.AggregateType)

	if evt.Type == "" {
		return Event{}, ErrTypeRequired
	}
	def, ok := r.Definition(evt.Type)
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrTypeUnknown, evt.Type)
	}
	if evt.AggregateID == "" {
		return Event{}, ErrAggregateIDRequired
	}
	if evt.AggregateType == "" {
		return Event{}, ErrAggregateTypeRequired
	}
	if def.AggregateType != "" && def.AggregateType != evt.AggregateType {
		return Event{}, fmt.Errorf("%w: %s belongs to %q, got %q", ErrAggregateTypeMismatch, evt.Type, def.AggregateType, evt.AggregateType)
	}

	data := bytes.TrimSpace(evt.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	if !json.Valid(data) || data[0] != '{' {
		return Event{}, fmt.Errorf("%w: %s data must be a JSON object", ErrPayloadInvalid, evt.Type)
	}
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(data); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrPayloadInvalid, evt.Type, err)
		}
	}
	evt.Data = json.RawMessage(data)
	return evt, nil
}

func builtinDefinitions() []Definition {
	return []Definition{
		{Type: TypeGradingRequested, AggregateType: AggregateGrading},
		{Type: TypeGradingCompleted, AggregateType: AggregateGrading, ValidatePayload: validateGradingCompleted},
		{Type: TypeFeedbackSubmitted, AggregateType: AggregateGrading, ValidatePayload: validateFeedbackSubmitted},
		{Type: TypeStrategyLearned, AggregateType: AggregateUser},
		{Type: TypeUserCreated, AggregateType: AggregateUser},
		{Type: TypeUserUpdated, AggregateType: AggregateUser},
		{Type: TypePluginLoaded, AggregateType: AggregateSystem},
		{Type: TypeThresholdUpdated, AggregateType: AggregateSystem},
	}
}

func validateGradingCompleted(data json.RawMessage) error {
	var payload GradingCompletedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if payload.Score == nil {
		return fmt.Errorf("score is required")
	}
	return nil
}

func validateFeedbackSubmitted(data json.RawMessage) error {
	var payload FeedbackSubmittedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if payload.Rating < 1 || payload.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", payload.Rating)
	}
	return nil
}
