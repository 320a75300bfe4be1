package projection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
)

const rebuildPageSize = 500

// EventSource reads the log in global sequence order.
type EventSource interface {
	ListEventsAfterSeq(ctx context.Context, afterSeq uint64, limit int) ([]event.Event, error)
}

// Subscriber accepts event handlers.
type Subscriber interface {
	RegisterHandler(t event.Type, h eventstore.Handler) error
}

// views is one generation of read models plus the events folded into them.
type views struct {
	users          map[string]UserProjection
	gradings       map[string]GradingProjection
	userApplied    map[string]struct{}
	gradingApplied map[string]struct{}
	lastSeq        uint64
	loaded         int
}

func newViews() *views {
	return &views{
		users:          make(map[string]UserProjection),
		gradings:       make(map[string]GradingProjection),
		userApplied:    make(map[string]struct{}),
		gradingApplied: make(map[string]struct{}),
	}
}

func (v *views) applyUser(evt event.Event) error {
	if _, seen := v.userApplied[evt.ID]; seen && evt.ID != "" {
		return nil
	}
	key := userKey(evt)
	current, ok := v.users[key]
	if !ok {
		current = UserProjection{UserID: key}
	}
	next, err := ApplyUser(current, evt)
	if err != nil {
		return err
	}
	v.users[key] = next
	if evt.ID != "" {
		v.userApplied[evt.ID] = struct{}{}
	}
	return nil
}

func (v *views) applyGrading(evt event.Event) error {
	if _, seen := v.gradingApplied[evt.ID]; seen && evt.ID != "" {
		return nil
	}
	current, ok := v.gradings[evt.AggregateID]
	if !ok {
		current = newGradingProjection(evt)
	}
	next, err := ApplyGrading(current, evt)
	if err != nil {
		return err
	}
	v.gradings[evt.AggregateID] = next
	if evt.ID != "" {
		v.gradingApplied[evt.ID] = struct{}{}
	}
	return nil
}

// apply folds evt into every view it concerns.
func (v *views) apply(evt event.Event) error {
	var errs []error
	if isUserEvent(evt.Type) {
		errs = append(errs, v.applyUser(evt))
	}
	if isGradingEvent(evt.Type) {
		errs = append(errs, v.applyGrading(evt))
	}
	if evt.Seq > v.lastSeq {
		v.lastSeq = evt.Seq
	}
	return errors.Join(errs...)
}

// Manager owns the user and grading views.
type Manager struct {
	source EventSource

	rebuildMu sync.Mutex
	mu        sync.RWMutex
	current   *views
}

// NewManager creates an empty Manager reading history from source.
func NewManager(source EventSource) (*Manager, error) {
	if source == nil {
		return nil, errors.New("event source is required")
	}
	return &Manager{source: source, current: newViews()}, nil
}

// Register subscribes the manager's handlers to sub.
func (m *Manager) Register(sub Subscriber) error {
	if sub == nil {
		return errors.New("subscriber is required")
	}
	for _, t := range userEventTypes() {
		if err := sub.RegisterHandler(t, m.HandleUserEvent); err != nil {
			return fmt.Errorf("register user handler for %s: %w", t, err)
		}
	}
	for _, t := range gradingEventTypes() {
		if err := sub.RegisterHandler(t, m.HandleGradingEvent); err != nil {
			return fmt.Errorf("register grading handler for %s: %w", t, err)
		}
	}
	return nil
}

// HandleUserEvent updates the user view.
func (m *Manager) HandleUserEvent(_ context.Context, evt event.Event) error {
	if !isUserEvent(evt.Type) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.applyUser(evt)
}

// HandleGradingEvent updates the grading view.
func (m *Manager) HandleGradingEvent(_ context.Context, evt event.Event) error {
	if !isGradingEvent(evt.Type) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.applyGrading(evt)
}

// GetUser returns the user view for userID.
func (m *Manager) GetUser(userID string) (UserProjection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.current.users[strings.TrimSpace(userID)]
	return p, ok
}

// GetGrading returns the grading view for gradingID.
func (m *Manager) GetGrading(gradingID string) (GradingProjection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.current.gradings[strings.TrimSpace(gradingID)]
	if !ok {
		return GradingProjection{}, false
	}
	return cloneGrading(p), true
}

// Users returns every user view.
func (m *Manager) Users() []UserProjection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]UserProjection, 0, len(m.current.users))
	for _, p := range m.current.users {
		users = append(users, p)
	}
	return users
}

// UserStatistics aggregates the user views as of now.
func (m *Manager) UserStatistics(now time.Time) Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		stats    Statistics
		scoreSum float64
	)
	stats.TotalUsers = len(m.current.users)
	for _, p := range m.current.users {
		stats.TotalGradings += p.TotalGradings
		scoreSum += p.AverageScore
		if !p.LastActivity.IsZero() && now.Sub(p.LastActivity) < ActiveWindow {
			stats.ActiveUsers++
		}
	}
	if stats.TotalUsers > 0 {
		stats.AverageScore = scoreSum / float64(stats.TotalUsers)
	}
	return stats
}

// RebuildUser recomputes one user's view from the whole log and replaces
// the cached copy. It considers events whose data.user_id or aggregate id
// is userID.
func (m *Manager) RebuildUser(ctx context.Context, userID string) (UserProjection, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserProjection{}, errors.New("user id is required")
	}
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	scan := userScan{userID: userID, projection: UserProjection{UserID: userID}, applied: make(map[string]struct{})}
	if err := scan.run(ctx, m.source); err != nil {
		return UserProjection{}, err
	}

	// Events delivered while the log was read are already marked applied in
	// the live view, so fold the tail before replacing it.
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := scan.run(ctx, m.source); err != nil {
		return UserProjection{}, err
	}
	m.current.users[userID] = scan.projection
	for id := range scan.applied {
		m.current.userApplied[id] = struct{}{}
	}
	log.Printf("rebuilt user projection %s from %d events", userID, scan.count)
	return scan.projection, nil
}

// userScan folds one user's events from the log, resuming after the last
// seq it saw.
type userScan struct {
	userID     string
	projection UserProjection
	applied    map[string]struct{}
	after      uint64
	count      int
}

func (s *userScan) run(ctx context.Context, source EventSource) error {
	for {
		events, err := source.ListEventsAfterSeq(ctx, s.after, rebuildPageSize)
		if err != nil {
			return fmt.Errorf("load events after %d: %w", s.after, err)
		}
		for _, evt := range events {
			s.after = evt.Seq
			if !isUserEvent(evt.Type) || (evt.UserID() != s.userID && evt.AggregateID != s.userID) {
				continue
			}
			if s.projection, err = ApplyUser(s.projection, evt); err != nil {
				return fmt.Errorf("apply seq %d: %w", evt.Seq, err)
			}
			s.applied[evt.ID] = struct{}{}
			s.count++
		}
		if len(events) < rebuildPageSize {
			return nil
		}
	}
}

// RebuildAll discards every view and rebuilds them from the first limit
// events of the log, in sequence order. A limit of zero or less reads the
// whole log. Events appended while the rebuild runs are folded in before
// the new views replace the old ones.
func (m *Manager) RebuildAll(ctx context.Context, limit int) error {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	fresh := newViews()
	if err := m.load(ctx, fresh, limit); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(ctx, fresh, limit); err != nil {
		return err
	}
	m.current = fresh
	log.Printf("rebuilt %d user and %d grading projections from %d events", len(fresh.users), len(fresh.gradings), fresh.loaded)
	return nil
}

// load folds events after v.lastSeq into v until the log or limit runs out.
func (m *Manager) load(ctx context.Context, v *views, limit int) error {
	for {
		page := rebuildPageSize
		if limit > 0 {
			remaining := limit - v.loaded
			if remaining <= 0 {
				return nil
			}
			if remaining < page {
				page = remaining
			}
		}
		events, err := m.source.ListEventsAfterSeq(ctx, v.lastSeq, page)
		if err != nil {
			return fmt.Errorf("load events after %d: %w", v.lastSeq, err)
		}
		for _, evt := range events {
			if err := v.apply(evt); err != nil {
				return fmt.Errorf("apply seq %d: %w", evt.Seq, err)
			}
			v.loaded++
		}
		if len(events) < page {
			return nil
		}
	}
}
