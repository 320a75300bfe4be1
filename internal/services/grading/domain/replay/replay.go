// Package replay rebuilds aggregate state by folding its events in version order.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
)

const defaultPageSize = 200

var (
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrApplyRequired indicates a missing apply function.
	ErrApplyRequired = errors.New("apply function is required")
	// ErrAggregateIDRequired indicates a missing aggregate id.
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	// ErrVersionGap indicates a hole in an aggregate's version sequence.
	ErrVersionGap = errors.New("event version gap")
)

// EventStore lists one aggregate's events within an inclusive version range.
type EventStore interface {
	ListAggregateEvents(ctx context.Context, aggregateID string, fromVersion, toVersion uint64) ([]event.Event, error)
}

// ApplyFunc folds one event into state. It must be deterministic.
type ApplyFunc[S any] func(state S, evt event.Event) (S, error)

// Options bounds a replay. Zero values replay the whole aggregate.
type Options struct {
	// UntilVersion stops after this version when non-zero.
	UntilVersion uint64
	PageSize     int
}

// Result captures replay outcomes.
type Result[S any] struct {
	State       S
	LastVersion uint64
	Applied     int
}

// Replay folds apply over every event of aggregateID in version order,
// starting from initial. It fails on a version gap.
func Replay[S any](ctx context.Context, store EventStore, aggregateID string, initial S, apply ApplyFunc[S], options Options) (Result[S], error) {
	result := Result[S]{State: initial}
	if store == nil {
		return result, ErrEventStoreRequired
	}
	if apply == nil {
		return result, ErrApplyRequired
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return result, ErrAggregateIDRequired
	}
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		from := result.LastVersion + 1
		to := from + uint64(pageSize) - 1
		if options.UntilVersion > 0 {
			if from > options.UntilVersion {
				return result, nil
			}
			if to > options.UntilVersion {
				to = options.UntilVersion
			}
		}
		events, err := store.ListAggregateEvents(ctx, aggregateID, from, to)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			return result, nil
		}
		if result, err = fold(result, events, apply); err != nil {
			return result, err
		}
		if len(events) < int(to-from+1) {
			return result, nil
		}
	}
}

// Fold applies events, which must be one aggregate's contiguous history from
// version 1, to initial.
func Fold[S any](events []event.Event, initial S, apply ApplyFunc[S]) (Result[S], error) {
	result := Result[S]{State: initial}
	if apply == nil {
		return result, ErrApplyRequired
	}
	return fold(result, events, apply)
}

func fold[S any](result Result[S], events []event.Event, apply ApplyFunc[S]) (Result[S], error) {
	for _, evt := range events {
		expected := result.LastVersion + 1
		if evt.Version != expected {
			return result, fmt.Errorf("%w: expected %d got %d", ErrVersionGap, expected, evt.Version)
		}
		next, err := apply(result.State, evt)
		if err != nil {
			return result, fmt.Errorf("apply version %d: %w", evt.Version, err)
		}
		result.State = next
		result.LastVersion = evt.Version
		result.Applied++
	}
	return result, nil
}
