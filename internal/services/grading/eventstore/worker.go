package eventstore

import (
	"context"
	"log"
	"time"

	"github.com/louisbranch/gradebook/internal/platform/telemetry/metrics"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
)

const (
	// DefaultOutboxInterval is the default pause between outbox passes.
	DefaultOutboxInterval = 2 * time.Second
	// DefaultOutboxBatch is the default number of rows claimed per pass.
	DefaultOutboxBatch = 64
)

// ProcessOutbox runs one outbox pass, delivering up to batch due events to
// the registered handlers.
func (s *Service) ProcessOutbox(ctx context.Context, now time.Time, batch int) (storage.OutboxPass, error) {
	if now.IsZero() {
		now = s.now().UTC()
	}
	pass, err := s.store.ProcessHandlerOutbox(ctx, now, batch, s.Deliver)
	for i := 0; i < pass.Delivered; i++ {
		s.metrics.ObserveDelivery(metrics.ResultDelivered)
	}
	for i := 0; i < pass.Retried; i++ {
		s.metrics.ObserveDelivery(metrics.ResultRetry)
	}
	for i := 0; i < pass.Dead; i++ {
		s.metrics.ObserveDelivery(metrics.ResultDead)
	}
	return pass, err
}

// RunOutboxWorker processes the outbox once immediately, then every interval
// until ctx is cancelled.
func (s *Service) RunOutboxWorker(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = DefaultOutboxInterval
	}
	if batch <= 0 {
		batch = DefaultOutboxBatch
	}
	s.runOutboxPass(ctx, batch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOutboxPass(ctx, batch)
		}
	}
}

func (s *Service) runOutboxPass(ctx context.Context, batch int) {
	pass, err := s.ProcessOutbox(ctx, time.Time{}, batch)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("handler outbox pass failed: %v", err)
		}
		return
	}
	if pass.Retried > 0 || pass.Dead > 0 {
		log.Printf("handler outbox pass: claimed=%d delivered=%d retried=%d dead=%d", pass.Claimed, pass.Delivered, pass.Retried, pass.Dead)
	}
}
