// Package storage defines the persistence contracts of the grading event log.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/gradebook/internal/platform/errors"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrVersionConflict matches every VersionConflictError with errors.Is.
var ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "aggregate version conflict")

// ErrStorage matches every storage failure with errors.Is.
var ErrStorage = apperrors.New(apperrors.CodeStorageFailure, "event storage failure")

// VersionConflictError reports an append whose expected version no longer
// matches the aggregate. Nothing was written.
type VersionConflictError struct {
	AggregateID string
	Expected    uint64
	Actual      uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.AggregateID, e.Expected, e.Actual)
}

// Unwrap exposes the coded form so callers can map the conflict with apperrors.
func (e *VersionConflictError) Unwrap() error {
	return apperrors.WithMetadata(apperrors.CodeVersionConflict, e.Error(), map[string]string{
		"aggregate_id": e.AggregateID,
		"expected":     strconv.FormatUint(e.Expected, 10),
		"actual":       strconv.FormatUint(e.Actual, 10),
	})
}

// Failure wraps a driver or query error as a storage failure.
func Failure(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.CodeStorageFailure, op, err)
}

// ExpectedVersion is an optional optimistic-concurrency guard on append.
type ExpectedVersion struct {
	Version uint64
	Set     bool
}

// AnyVersion appends at the next version whatever the current one is.
var AnyVersion = ExpectedVersion{}

// Exactly requires the aggregate to be at version v.
func Exactly(v uint64) ExpectedVersion {
	return ExpectedVersion{Version: v, Set: true}
}

// EventFilter narrows the global, timestamp-ordered feed. Zero values do not filter.
type EventFilter struct {
	Type  event.Type
	Since time.Time
	Until time.Time
	Limit int
}

// EventStore is the durable, append-only event log.
type EventStore interface {
	// AppendEvent assigns the next version and a global sequence to evt and
	// persists it, atomically with the expected-version check.
	AppendEvent(ctx context.Context, evt event.Event, expected ExpectedVersion) (event.Event, error)
	// GetCurrentVersion returns the highest version of aggregateID, 0 if none.
	GetCurrentVersion(ctx context.Context, aggregateID string) (uint64, error)
	// ListAggregateEvents returns the events of aggregateID with fromVersion <=
	// version <= toVersion in version order. toVersion 0 means no upper bound.
	ListAggregateEvents(ctx context.Context, aggregateID string, fromVersion, toVersion uint64) ([]event.Event, error)
	// ListEvents returns the global feed in timestamp order, ties by sequence.
	ListEvents(ctx context.Context, filter EventFilter) ([]event.Event, error)
	// ListEventsAfterSeq returns up to limit events with seq > afterSeq in sequence order.
	ListEventsAfterSeq(ctx context.Context, afterSeq uint64, limit int) ([]event.Event, error)
	// GetEventBySeq returns the event at seq or ErrNotFound.
	GetEventBySeq(ctx context.Context, seq uint64) (event.Event, error)
}

// OutboxStatus is the delivery state of a handler outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxRow is one event awaiting handler delivery.
type OutboxRow struct {
	Seq           uint64       `json:"seq"`
	EventType     event.Type   `json:"event_type"`
	Status        OutboxStatus `json:"status"`
	AttemptCount  int          `json:"attempt_count"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxSummary counts rows per status.
type OutboxSummary struct {
	Pending          int    `json:"pending"`
	Processing       int    `json:"processing"`
	Failed           int    `json:"failed"`
	Dead             int    `json:"dead"`
	OldestPendingSeq uint64 `json:"oldest_pending_seq,omitempty"`
}

// OutboxPass reports what one ProcessHandlerOutbox call did.
type OutboxPass struct {
	Claimed   int
	Delivered int
	Retried   int
	Dead      int
}

// DeliverFunc hands one event to the registered handlers.
type DeliverFunc func(ctx context.Context, evt event.Event) error

// HandlerOutbox tracks handler delivery for every appended event.
type HandlerOutbox interface {
	// ProcessHandlerOutbox claims up to limit due rows and delivers them.
	ProcessHandlerOutbox(ctx context.Context, now time.Time, limit int, deliver DeliverFunc) (OutboxPass, error)
	// CompleteHandlerOutbox removes the row for seq after a successful inline delivery.
	CompleteHandlerOutbox(ctx context.Context, seq uint64) error
	// FailHandlerOutbox records a failed inline delivery so the worker retries it.
	FailHandlerOutbox(ctx context.Context, seq uint64, now time.Time, cause error) error
	// GetHandlerOutboxSummary counts rows by status.
	GetHandlerOutboxSummary(ctx context.Context) (OutboxSummary, error)
	// ListHandlerOutboxRows lists rows in sequence order, optionally by status.
	ListHandlerOutboxRows(ctx context.Context, status OutboxStatus, limit int) ([]OutboxRow, error)
	// RequeueDeadHandlerOutboxRows moves up to limit dead rows back to pending.
	RequeueDeadHandlerOutboxRows(ctx context.Context, now time.Time, limit int) (int, error)
}
