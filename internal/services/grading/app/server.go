package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/gradebook/internal/platform/telemetry/metrics"
	"github.com/louisbranch/gradebook/internal/platform/timeouts"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/command"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/pipeline"
	"github.com/louisbranch/gradebook/internal/services/grading/projection"
	storagesqlite "github.com/louisbranch/gradebook/internal/services/grading/storage/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// inlineOutboxHold keeps freshly appended rows away from the outbox worker
// while the appending goroutine delivers them itself.
const inlineOutboxHold = 30 * time.Second

// Config describes one service instance.
type Config struct {
	DBPath         string
	DispatchMode   eventstore.DispatchMode
	OutboxInterval time.Duration
	OutboxBatch    int
	// GradingWorkers bounds background scoring. Zero scores synchronously.
	GradingWorkers int
	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr  string
	RebuildLimit int
	Scorer       pipeline.Scorer
}

// Server hosts the grading core.
type Server struct {
	store       *storagesqlite.Store
	events      *eventstore.Service
	projections *projection.Manager
	commands    *command.Handler
	runner      *pipeline.Runner
	registry    *prometheus.Registry

	metricsListener net.Listener
	metricsServer   *http.Server

	outboxInterval time.Duration
	outboxBatch    int
}

// New opens storage, wires the services and rebuilds projections.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	mode := cfg.DispatchMode
	if mode == "" {
		mode = eventstore.DispatchInline
	}
	if _, err := eventstore.ParseDispatchMode(string(mode)); err != nil {
		return nil, err
	}

	store, err := openEventStore(cfg.DBPath, mode)
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:          store,
		registry:       prometheus.NewRegistry(),
		outboxInterval: cfg.OutboxInterval,
		outboxBatch:    cfg.OutboxBatch,
	}

	m, err := metrics.New(s.registry)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if s.events, err = eventstore.New(store, eventstore.WithMetrics(m), eventstore.WithDispatchMode(mode)); err != nil {
		s.Close()
		return nil, fmt.Errorf("build event store: %w", err)
	}
	if s.projections, err = projection.NewManager(s.events); err != nil {
		s.Close()
		return nil, fmt.Errorf("build projections: %w", err)
	}
	if err := s.projections.Register(s.events); err != nil {
		s.Close()
		return nil, err
	}

	var opts []command.Option
	if cfg.GradingWorkers > 0 {
		s.runner = pipeline.NewRunner(cfg.GradingWorkers)
		opts = append(opts, command.WithRunner(s.runner))
	}
	if s.commands, err = command.NewHandler(s.events, cfg.Scorer, opts...); err != nil {
		s.Close()
		return nil, fmt.Errorf("build command handler: %w", err)
	}

	start := time.Now()
	if err := s.projections.RebuildAll(ctx, cfg.RebuildLimit); err != nil {
		s.Close()
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	log.Printf("projections ready in %s", time.Since(start).Round(time.Millisecond))

	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
		}
		s.metricsListener = listener
		s.metricsServer = &http.Server{
			Handler:           metrics.Handler(s.registry),
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
	}
	return s, nil
}

// Run creates a server and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Events returns the event store service.
func (s *Server) Events() *eventstore.Service { return s.events }

// Projections returns the projection manager.
func (s *Server) Projections() *projection.Manager { return s.projections }

// Commands returns the command handler.
func (s *Server) Commands() *command.Handler { return s.commands }

// Registry returns the Prometheus registry the server reports to.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// MetricsAddr returns the metrics listener address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	if s == nil || s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// Serve runs the outbox worker and metrics endpoint until ctx ends, then
// releases every resource.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.events.RunOutboxWorker(gctx, s.outboxInterval, s.outboxBatch)
		return nil
	})
	if s.metricsServer != nil {
		log.Printf("metrics listening at %v", s.metricsListener.Addr())
		g.Go(func() error {
			if err := s.metricsServer.Serve(s.metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			return s.metricsServer.Shutdown(shutdownCtx)
		})
	}
	log.Printf("gradebook serving with %s dispatch", s.events.Mode())
	return g.Wait()
}

// Close stops background grading and closes storage. It is safe to call
// more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.runner != nil {
		s.runner.Close()
	}
	if s.metricsListener != nil {
		_ = s.metricsListener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close event store: %v", err)
		}
		s.store = nil
	}
}

func openEventStore(path string, mode eventstore.DispatchMode) (*storagesqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("event store path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	var opts []storagesqlite.Option
	if mode == eventstore.DispatchInline {
		opts = append(opts, storagesqlite.WithOutboxHold(inlineOutboxHold))
	}
	store, err := storagesqlite.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return store, nil
}

// ensureDir creates parent paths for sqlite files so startup can create DB files.
func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}
