package server

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/command"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/pipeline"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DBPath:         filepath.Join(t.TempDir(), "nested", "events.db"),
		OutboxInterval: 10 * time.Millisecond,
		OutboxBatch:    16,
		Scorer:         pipeline.StaticScorer{},
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for missing db path")
	}
	cfg := testConfig(t)
	cfg.DispatchMode = "carrier-pigeon"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown dispatch mode")
	}
}

func TestStartupRebuildsProjections(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	userID, err := first.Commands().CreateUser(ctx, command.CreateUser{Username: "alice", Email: "a@x.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := first.Commands().GradeCode(ctx, command.GradeCode{UserID: userID, Code: "x = 1"}); err != nil {
		t.Fatalf("grade code: %v", err)
	}
	first.Close()

	second, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen server: %v", err)
	}
	defer second.Close()
	user, ok := second.Projections().GetUser(userID)
	if !ok {
		t.Fatal("expected user after startup rebuild")
	}
	if user.Username != "alice" || user.TotalGradings != 1 || user.AverageScore != pipeline.DefaultStaticScore {
		t.Fatalf("user = %+v", user)
	}
}

func TestServeDeliversOutboxAndServesMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.DispatchMode = eventstore.DispatchOutbox
	cfg.MetricsAddr = "127.0.0.1:0"

	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	userID, err := srv.Commands().CreateUser(ctx, command.CreateUser{Username: "bob", Email: "b@x.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := srv.Projections().GetUser(userID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outbox worker never delivered user.created")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + srv.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), `gradebook_events_appended_total{event_type="user.created"} 1`) {
		t.Fatalf("metrics missing append counter:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestAsyncGradingCompletesInBackground(t *testing.T) {
	cfg := testConfig(t)
	cfg.GradingWorkers = 2
	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	gradingID, err := srv.Commands().GradeCode(context.Background(), command.GradeCode{UserID: "u", Code: "x = 1"})
	if err != nil {
		t.Fatalf("grade code: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if g, ok := srv.Projections().GetGrading(gradingID); ok && g.Status == "completed" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("grading never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
