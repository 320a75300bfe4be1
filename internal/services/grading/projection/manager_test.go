package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/command"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/pipeline"
	"github.com/louisbranch/gradebook/internal/services/grading/storage/sqlite"
)

var testNow = time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

// memorySource is an append-only slice of events ordered by Seq.
type memorySource struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (s *memorySource) add(evt event.Event) event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt.Seq = uint64(len(s.events) + 1)
	if evt.ID == "" {
		evt.ID = fmt.Sprintf("evt-%d", evt.Seq)
	}
	s.events = append(s.events, evt)
	return evt
}

func (s *memorySource) ListEventsAfterSeq(_ context.Context, afterSeq uint64, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]event.Event, 0)
	for _, evt := range s.events {
		if evt.Seq <= afterSeq {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, evt)
	}
	return out, nil
}

func data(t *testing.T, v any) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return encoded
}

func score(v float64) *float64 { return &v }

func userCreated(t *testing.T, userID, username string, at time.Time) event.Event {
	return event.Event{
		Type: event.TypeUserCreated, AggregateID: userID, AggregateType: event.AggregateUser,
		Data:      data(t, event.UserCreatedPayload{UserID: userID, Username: username, Email: username + "@x.com"}),
		Timestamp: at,
	}
}

func gradingRequested(t *testing.T, gradingID, userID string, at time.Time) event.Event {
	return event.Event{
		Type: event.TypeGradingRequested, AggregateID: gradingID, AggregateType: event.AggregateGrading,
		Data:      data(t, event.GradingRequestedPayload{UserID: userID, Code: "x = 1", Language: "go", Dimensions: []string{"code_quality"}}),
		Timestamp: at, Version: 1,
	}
}

func gradingCompleted(t *testing.T, gradingID, userID string, value float64, at time.Time) event.Event {
	return event.Event{
		Type: event.TypeGradingCompleted, AggregateID: gradingID, AggregateType: event.AggregateGrading,
		Data:      data(t, event.GradingCompletedPayload{UserID: userID, Score: score(value)}),
		Timestamp: at, Version: 2,
	}
}

func feedback(t *testing.T, gradingID, userID string, rating int, at time.Time) event.Event {
	return event.Event{
		Type: event.TypeFeedbackSubmitted, AggregateID: gradingID, AggregateType: event.AggregateGrading,
		Data:      data(t, event.FeedbackSubmittedPayload{UserID: userID, GradingID: gradingID, Rating: rating}),
		Timestamp: at,
	}
}

func newTestManager(t *testing.T, source EventSource) *Manager {
	t.Helper()
	manager, err := NewManager(source)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

// deliver feeds evt to the handlers the manager registers for its type.
func deliver(t *testing.T, m *Manager, evt event.Event) {
	t.Helper()
	ctx := context.Background()
	if err := m.HandleUserEvent(ctx, evt); err != nil {
		t.Fatalf("handle user event: %v", err)
	}
	if err := m.HandleGradingEvent(ctx, evt); err != nil {
		t.Fatalf("handle grading event: %v", err)
	}
}

func TestNewManagerRequiresSource(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error for nil source")
	}
}

func TestGradingLifecycle(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)

	deliver(t, m, source.add(gradingRequested(t, "g-1", "u-1", testNow)))
	p, ok := m.GetGrading("g-1")
	if !ok {
		t.Fatal("expected grading projection")
	}
	if p.Status != StatusPending || p.Language != "go" || p.UserID != "u-1" || p.Score != nil {
		t.Fatalf("pending projection = %+v", p)
	}

	deliver(t, m, source.add(gradingCompleted(t, "g-1", "u-1", 85, testNow.Add(1500*time.Millisecond))))
	deliver(t, m, source.add(feedback(t, "g-1", "u-1", 3, testNow.Add(time.Minute))))
	p, _ = m.GetGrading("g-1")
	if p.Status != StatusCompleted || p.Score == nil || *p.Score != 85 {
		t.Fatalf("completed projection = %+v", p)
	}
	if p.DurationMS == nil || *p.DurationMS != 1500 {
		t.Fatalf("duration = %v, want 1500", p.DurationMS)
	}
	if !p.FeedbackReceived {
		t.Fatal("expected feedback_received")
	}
}

func TestGradingWithoutRequestHasNoDuration(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	evt := gradingCompleted(t, "g-1", "", 50, testNow)
	evt.Data = json.RawMessage(`{"score":50}`)
	deliver(t, m, source.add(evt))

	p, ok := m.GetGrading("g-1")
	if !ok {
		t.Fatal("expected lazily created grading")
	}
	if p.DurationMS != nil {
		t.Fatalf("duration = %v, want nil", *p.DurationMS)
	}
	if p.UserID != UnknownUserID {
		t.Fatalf("user id = %q, want %q", p.UserID, UnknownUserID)
	}
}

func TestUserRunningAverage(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	deliver(t, m, source.add(userCreated(t, "u-1", "alice", testNow)))
	for i, value := range []float64{80, 90, 70} {
		deliver(t, m, source.add(gradingCompleted(t, fmt.Sprintf("g-%d", i), "u-1", value, testNow.Add(time.Duration(i)*time.Minute))))
	}
	p, ok := m.GetUser("u-1")
	if !ok {
		t.Fatal("expected user projection")
	}
	if p.Username != "alice" || p.TotalGradings != 3 || p.AverageScore != 80 {
		t.Fatalf("user = %+v", p)
	}
	if !p.LastActivity.Equal(testNow.Add(2 * time.Minute)) {
		t.Fatalf("last activity = %v", p.LastActivity)
	}
}

func TestRedeliveryIsIgnored(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	evt := source.add(gradingCompleted(t, "g-1", "u-1", 90, testNow))
	deliver(t, m, evt)
	deliver(t, m, evt)

	p, _ := m.GetUser("u-1")
	if p.TotalGradings != 1 {
		t.Fatalf("total gradings = %d, want 1 after redelivery", p.TotalGradings)
	}
}

func TestStrategyLearnedAndFeedbackCounters(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	deliver(t, m, source.add(feedback(t, "g-1", "u-1", 5, testNow)))
	deliver(t, m, source.add(event.Event{
		Type: event.TypeStrategyLearned, AggregateID: "u-1", AggregateType: event.AggregateUser,
		Data: data(t, event.StrategyLearnedPayload{UserID: "u-1", GradingID: "g-1", Strategy: event.StrategyPositiveFeedback}),
	}))
	p, _ := m.GetUser("u-1")
	if p.FeedbackCount != 1 || p.StrategiesLearned != 1 {
		t.Fatalf("user = %+v", p)
	}
}

func TestUnhandledTypesAreIgnored(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	deliver(t, m, source.add(event.Event{Type: event.TypePluginLoaded, AggregateID: "sys", AggregateType: event.AggregateSystem, Data: json.RawMessage(`{}`)}))
	if users := m.Users(); len(users) != 0 {
		t.Fatalf("users = %+v, want none", users)
	}
}

func TestUserStatistics(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	deliver(t, m, source.add(userCreated(t, "u-1", "alice", testNow)))
	deliver(t, m, source.add(userCreated(t, "u-2", "bob", testNow)))
	for i := 0; i < 10; i++ {
		user := "u-1"
		at := testNow
		if i%2 == 1 {
			user = "u-2"
			at = testNow.Add(-8 * 24 * time.Hour)
		}
		deliver(t, m, source.add(gradingCompleted(t, fmt.Sprintf("g-%d", i), user, float64(60+i%2*20), at)))
	}

	stats := m.UserStatistics(testNow.Add(time.Hour))
	if stats.TotalUsers != 2 || stats.TotalGradings != 10 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.AverageScore != 70 {
		t.Fatalf("average = %v, want 70", stats.AverageScore)
	}
	if stats.ActiveUsers != 1 {
		t.Fatalf("active users = %d, want 1", stats.ActiveUsers)
	}

	if empty := newTestManager(t, &memorySource{}).UserStatistics(testNow); empty != (Statistics{}) {
		t.Fatalf("empty stats = %+v", empty)
	}
}

func TestActiveWindowIsExclusive(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	deliver(t, m, source.add(feedback(t, "g-1", "u-1", 2, testNow)))
	if got := m.UserStatistics(testNow.Add(ActiveWindow)).ActiveUsers; got != 0 {
		t.Fatalf("active at exactly seven days = %d, want 0", got)
	}
	if got := m.UserStatistics(testNow.Add(ActiveWindow - time.Millisecond)).ActiveUsers; got != 1 {
		t.Fatalf("active just inside window = %d, want 1", got)
	}
}

func TestRebuildAllMatchesLiveViewsAndIsIdempotent(t *testing.T) {
	source := &memorySource{}
	live := newTestManager(t, source)
	events := []event.Event{
		userCreated(t, "u-1", "alice", testNow),
		gradingRequested(t, "g-1", "u-1", testNow.Add(time.Second)),
		gradingCompleted(t, "g-1", "u-1", 90, testNow.Add(2*time.Second)),
		feedback(t, "g-1", "u-1", 5, testNow.Add(3*time.Second)),
		gradingRequested(t, "g-2", "u-2", testNow.Add(4*time.Second)),
	}
	for _, evt := range events {
		deliver(t, live, source.add(evt))
	}
	wantUser, _ := live.GetUser("u-1")
	wantGrading, _ := live.GetGrading("g-1")

	rebuilt := newTestManager(t, source)
	for i := 0; i < 2; i++ {
		if err := rebuilt.RebuildAll(context.Background(), 0); err != nil {
			t.Fatalf("rebuild %d: %v", i, err)
		}
		gotUser, _ := rebuilt.GetUser("u-1")
		gotGrading, _ := rebuilt.GetGrading("g-1")
		if !reflect.DeepEqual(gotUser, wantUser) {
			t.Fatalf("rebuild %d user = %+v, want %+v", i, gotUser, wantUser)
		}
		if !reflect.DeepEqual(gotGrading, wantGrading) {
			t.Fatalf("rebuild %d grading = %+v, want %+v", i, gotGrading, wantGrading)
		}
		if _, ok := rebuilt.GetGrading("g-2"); !ok {
			t.Fatalf("rebuild %d lost g-2", i)
		}
	}
}

func TestRebuildAllRepairsStaleView(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	deliver(t, m, source.add(userCreated(t, "u-1", "alice", testNow)))
	// Appended but never delivered, as if the handler had failed.
	source.add(gradingCompleted(t, "g-1", "u-1", 75, testNow))

	if p, _ := m.GetUser("u-1"); p.TotalGradings != 0 {
		t.Fatalf("stale view already counted grading: %+v", p)
	}
	if err := m.RebuildAll(context.Background(), 0); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if p, _ := m.GetUser("u-1"); p.TotalGradings != 1 || p.AverageScore != 75 {
		t.Fatalf("rebuilt user = %+v", p)
	}
}

func TestRebuildAllHonoursLimit(t *testing.T) {
	source := &memorySource{}
	for i := 0; i < 5; i++ {
		source.add(userCreated(t, fmt.Sprintf("u-%d", i), "user", testNow))
	}
	m := newTestManager(t, source)
	if err := m.RebuildAll(context.Background(), 3); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := len(m.Users()); got != 3 {
		t.Fatalf("users = %d, want 3", got)
	}
}

func TestRebuildAllKeepsViewsOnError(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	deliver(t, m, source.add(userCreated(t, "u-1", "alice", testNow)))
	source.err = errors.New("disk gone")
	if err := m.RebuildAll(context.Background(), 0); err == nil {
		t.Fatal("expected rebuild error")
	}
	if _, ok := m.GetUser("u-1"); !ok {
		t.Fatal("failed rebuild dropped existing views")
	}
}

func TestRebuildUser(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	source.add(userCreated(t, "u-1", "alice", testNow))
	source.add(gradingCompleted(t, "g-1", "u-1", 60, testNow))
	source.add(gradingCompleted(t, "g-2", "u-2", 10, testNow))
	source.add(gradingCompleted(t, "g-3", "u-1", 100, testNow))

	p, err := m.RebuildUser(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("rebuild user: %v", err)
	}
	if p.Username != "alice" || p.TotalGradings != 2 || p.AverageScore != 80 {
		t.Fatalf("rebuilt = %+v", p)
	}
	cached, ok := m.GetUser("u-1")
	if !ok || !reflect.DeepEqual(cached, p) {
		t.Fatalf("cached = %+v, want %+v", cached, p)
	}
	if _, ok := m.GetUser("u-2"); ok {
		t.Fatal("rebuilding u-1 must not create u-2")
	}
	if _, err := m.RebuildUser(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

// lateSource delivers one extra event the first time a page read reaches
// the end of the log, the way a concurrent command would.
type lateSource struct {
	*memorySource
	once   sync.Once
	onTail func()
}

func (s *lateSource) ListEventsAfterSeq(ctx context.Context, afterSeq uint64, limit int) ([]event.Event, error) {
	events, err := s.memorySource.ListEventsAfterSeq(ctx, afterSeq, limit)
	if err == nil && len(events) < limit {
		s.once.Do(s.onTail)
	}
	return events, err
}

func TestRebuildUserKeepsEventsDeliveredDuringScan(t *testing.T) {
	source := &lateSource{memorySource: &memorySource{}}
	m := newTestManager(t, source)
	deliver(t, m, source.add(userCreated(t, "u1", "alice", testNow)))
	deliver(t, m, source.add(gradingCompleted(t, "g1", "u1", 70, testNow)))
	source.onTail = func() {
		deliver(t, m, source.add(feedback(t, "g1", "u1", 5, testNow)))
	}

	p, err := m.RebuildUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("rebuild user: %v", err)
	}
	if p.FeedbackCount != 1 {
		t.Fatalf("feedback_count = %d, want 1", p.FeedbackCount)
	}
	cached, _ := m.GetUser("u1")
	if cached.FeedbackCount != 1 || cached.TotalGradings != 1 {
		t.Fatalf("cached = %+v", cached)
	}
}

func TestReplayMatchesIncrementalApplication(t *testing.T) {
	source := &memorySource{}
	m := newTestManager(t, source)
	history := []event.Event{
		gradingRequested(t, "g-1", "u-1", testNow),
		gradingCompleted(t, "g-1", "u-1", 42, testNow.Add(time.Second)),
	}
	history[1].Version = 2
	for _, evt := range history {
		deliver(t, m, source.add(evt))
	}
	live, _ := m.GetGrading("g-1")

	replayed := newGradingProjection(history[0])
	for _, evt := range history {
		var err error
		if replayed, err = ApplyGrading(replayed, evt); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if !reflect.DeepEqual(replayed, live) {
		t.Fatalf("replayed = %+v, live = %+v", replayed, live)
	}
}

type recordingSubscriber struct {
	types []event.Type
}

func (s *recordingSubscriber) RegisterHandler(t event.Type, h eventstore.Handler) error {
	s.types = append(s.types, t)
	return nil
}

func TestRegisterSubscribesProjectionTypes(t *testing.T) {
	m := newTestManager(t, &memorySource{})
	sub := &recordingSubscriber{}
	if err := m.Register(sub); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := len(sub.types); got != 7 {
		t.Fatalf("registered %d handlers, want 7: %v", got, sub.types)
	}
	if err := m.Register(nil); err == nil {
		t.Fatal("expected error for nil subscriber")
	}
}

// End-to-end over the SQLite store with inline dispatch.
func newStack(t *testing.T) (*command.Handler, *Manager, *eventstore.Service) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "events.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	service, err := eventstore.New(store)
	if err != nil {
		t.Fatalf("new event store: %v", err)
	}
	manager := newTestManager(t, service)
	if err := manager.Register(service); err != nil {
		t.Fatalf("register projections: %v", err)
	}
	handler, err := command.NewHandler(service, pipeline.StaticScorer{})
	if err != nil {
		t.Fatalf("new command handler: %v", err)
	}
	return handler, manager, service
}

func TestCommandScenarios(t *testing.T) {
	handler, manager, _ := newStack(t)
	ctx := context.Background()

	userID, err := handler.CreateUser(ctx, command.CreateUser{Username: "alice", Email: "a@x.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if p, ok := manager.GetUser(userID); !ok || p.Username != "alice" {
		t.Fatalf("user = %+v, %v", p, ok)
	}

	gradingID, err := handler.GradeCode(ctx, command.GradeCode{UserID: userID, Code: "x=1", Dimensions: []string{"code_quality"}})
	if err != nil {
		t.Fatalf("grade code: %v", err)
	}
	grading, ok := manager.GetGrading(gradingID)
	if !ok || grading.Status != StatusCompleted || grading.Score == nil || *grading.Score != 85 {
		t.Fatalf("grading = %+v", grading)
	}
	if grading.DurationMS == nil || *grading.DurationMS < 0 {
		t.Fatalf("duration = %v", grading.DurationMS)
	}

	if _, err := handler.SubmitFeedback(ctx, command.SubmitFeedback{UserID: userID, GradingID: gradingID, Rating: 5}); err != nil {
		t.Fatalf("feedback 5: %v", err)
	}
	if p, _ := manager.GetUser(userID); p.StrategiesLearned != 1 || p.FeedbackCount != 1 {
		t.Fatalf("after rating 5 = %+v", p)
	}
	if _, err := handler.SubmitFeedback(ctx, command.SubmitFeedback{UserID: userID, GradingID: gradingID, Rating: 2}); err != nil {
		t.Fatalf("feedback 2: %v", err)
	}
	if p, _ := manager.GetUser(userID); p.StrategiesLearned != 1 || p.FeedbackCount != 2 {
		t.Fatalf("after rating 2 = %+v", p)
	}
	if g, _ := manager.GetGrading(gradingID); !g.FeedbackReceived {
		t.Fatal("expected feedback_received")
	}

	if _, err := handler.SubmitFeedback(ctx, command.SubmitFeedback{UserID: userID, GradingID: "never-requested", Rating: 3}); err != nil {
		t.Fatalf("feedback for unknown grading: %v", err)
	}
	if g, ok := manager.GetGrading("never-requested"); !ok || !g.FeedbackReceived {
		t.Fatalf("unknown grading view = %+v, %v", g, ok)
	}

	before, _ := manager.GetUser(userID)
	if err := manager.RebuildAll(ctx, 0); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	after, _ := manager.GetUser(userID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rebuild changed user view: %+v vs %+v", before, after)
	}
}
