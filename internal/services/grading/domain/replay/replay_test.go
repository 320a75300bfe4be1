package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
)

type fakeStore struct {
	events []event.Event
	calls  [][2]uint64
}

func (s *fakeStore) ListAggregateEvents(_ context.Context, aggregateID string, from, to uint64) ([]event.Event, error) {
	s.calls = append(s.calls, [2]uint64{from, to})
	var out []event.Event
	for _, evt := range s.events {
		if evt.AggregateID != aggregateID || evt.Version < from {
			continue
		}
		if to > 0 && evt.Version > to {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func versions(aggregateID string, n int) []event.Event {
	events := make([]event.Event, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, event.Event{AggregateID: aggregateID, Version: uint64(i), Type: event.TypeFeedbackSubmitted})
	}
	return events
}

func collect(state []uint64, evt event.Event) ([]uint64, error) {
	return append(state, evt.Version), nil
}

func TestReplayFoldsInVersionOrderAcrossPages(t *testing.T) {
	store := &fakeStore{events: append(versions("g1", 5), versions("g2", 2)...)}

	result, err := Replay(context.Background(), store, "g1", []uint64(nil), collect, Options{PageSize: 2})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Applied != 5 || result.LastVersion != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}
	for i, v := range result.State {
		if v != uint64(i+1) {
			t.Fatalf("state[%d] = %d", i, v)
		}
	}
	if len(store.calls) != 3 {
		t.Fatalf("expected 3 page reads, got %v", store.calls)
	}
}

func TestReplayStopsAtUntilVersion(t *testing.T) {
	store := &fakeStore{events: versions("g1", 5)}

	result, err := Replay(context.Background(), store, "g1", []uint64(nil), collect, Options{UntilVersion: 3, PageSize: 2})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.LastVersion != 3 || len(result.State) != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	store := &fakeStore{events: versions("g1", 4)}
	sum := func(state int, evt event.Event) (int, error) { return state*10 + int(evt.Version), nil }

	first, err := Replay(context.Background(), store, "g1", 0, sum, Options{})
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	second, err := Replay(context.Background(), store, "g1", 0, sum, Options{})
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if first.State != 1234 || first.State != second.State {
		t.Fatalf("states = %d, %d; want 1234 twice", first.State, second.State)
	}
}

func TestReplayEmptyAggregateReturnsInitial(t *testing.T) {
	result, err := Replay(context.Background(), &fakeStore{}, "missing", 7, func(s int, _ event.Event) (int, error) { return s + 1, nil }, Options{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.State != 7 || result.Applied != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReplayDetectsVersionGap(t *testing.T) {
	events := versions("g1", 3)
	events[2].Version = 4
	_, err := Replay(context.Background(), &fakeStore{events: events}, "g1", []uint64(nil), collect, Options{})
	if !errors.Is(err, ErrVersionGap) {
		t.Fatalf("expected ErrVersionGap, got %v", err)
	}
}

func TestReplayPropagatesApplyError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Replay(context.Background(), &fakeStore{events: versions("g1", 2)}, "g1", 0, func(int, event.Event) (int, error) { return 0, boom }, Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected apply error, got %v", err)
	}
}

func TestReplayValidatesInputs(t *testing.T) {
	ctx := context.Background()
	if _, err := Replay[int](ctx, nil, "g1", 0, func(s int, _ event.Event) (int, error) { return s, nil }, Options{}); !errors.Is(err, ErrEventStoreRequired) {
		t.Fatalf("expected ErrEventStoreRequired, got %v", err)
	}
	if _, err := Replay[int](ctx, &fakeStore{}, "g1", 0, nil, Options{}); !errors.Is(err, ErrApplyRequired) {
		t.Fatalf("expected ErrApplyRequired, got %v", err)
	}
	if _, err := Replay(ctx, &fakeStore{}, " ", 0, func(s int, _ event.Event) (int, error) { return s, nil }, Options{}); !errors.Is(err, ErrAggregateIDRequired) {
		t.Fatalf("expected ErrAggregateIDRequired, got %v", err)
	}
}

func TestFold(t *testing.T) {
	result, err := Fold(versions("g1", 3), []uint64(nil), collect)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if result.LastVersion != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
