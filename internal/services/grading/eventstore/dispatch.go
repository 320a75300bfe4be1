package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
)

// Handler reacts to one committed event. Handlers must tolerate redelivery.
type Handler func(ctx context.Context, evt event.Event) error

// HandlerError reports a handler that failed or panicked on an event.
type HandlerError struct {
	EventType event.Type
	EventID   string
	Seq       uint64
	// Handler is the position of the handler in registration order.
	Handler int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %d for %s (event %s, seq %d): %v", e.Handler, e.EventType, e.EventID, e.Seq, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// RegisterHandler subscribes h to events of type t. Handlers of one type run
// in registration order.
func (s *Service) RegisterHandler(t event.Type, h Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	if t == "" {
		return errors.New("handler event type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = append(s.handlers[t], h)
	return nil
}

// Deliver runs every handler registered for evt.Type. All handlers run even
// when an earlier one fails; the failures are joined into the returned error.
func (s *Service) Deliver(ctx context.Context, evt event.Event) error {
	s.mu.RLock()
	handlers := append([]Handler(nil), s.handlers[evt.Type]...)
	s.mu.RUnlock()

	var errs []error
	for i, h := range handlers {
		if err := runHandler(ctx, h, evt); err != nil {
			herr := &HandlerError{EventType: evt.Type, EventID: evt.ID, Seq: evt.Seq, Handler: i, Err: err}
			log.Printf("event handler failed: %v", herr)
			s.metrics.ObserveHandlerFailure(string(evt.Type))
			errs = append(errs, herr)
		}
	}
	return errors.Join(errs...)
}

func runHandler(ctx context.Context, h Handler, evt event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// deliverInline runs handlers right after commit and settles the event's
// outbox row. Bookkeeping failures only delay the worker's retry, so they
// are logged rather than returned.
func (s *Service) deliverInline(ctx context.Context, evt event.Event) {
	if err := s.Deliver(ctx, evt); err != nil {
		if ferr := s.store.FailHandlerOutbox(ctx, evt.Seq, s.now().UTC(), err); ferr != nil {
			log.Printf("record failed delivery for seq %d: %v", evt.Seq, ferr)
		}
		return
	}
	if err := s.store.CompleteHandlerOutbox(ctx, evt.Seq); err != nil {
		log.Printf("complete delivery for seq %d: %v", evt.Seq, err)
	}
}
