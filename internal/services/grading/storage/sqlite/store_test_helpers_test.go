package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
)

var testNow = time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sqlite")
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	store, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func gradingEvent(aggregateID string, typ event.Type, data string) event.Event {
	return event.Event{
		Type:          typ,
		AggregateID:   aggregateID,
		AggregateType: event.AggregateGrading,
		Data:          json.RawMessage(data),
	}
}

func mustAppend(t *testing.T, store *Store, evt event.Event, expected storage.ExpectedVersion) event.Event {
	t.Helper()
	stored, err := store.AppendEvent(context.Background(), evt, expected)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return stored
}
