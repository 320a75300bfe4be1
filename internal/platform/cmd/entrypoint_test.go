package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

type testConfig struct {
	Address string `env:"CMD_TEST_ADDRESS" envDefault:"127.0.0.1:9090"`
	Mode    string `env:"CMD_TEST_MODE" envDefault:"inline"`
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("GRADEBOOK_CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("GRADEBOOK_CMD_TEST_MODE", "outbox")

	cfg := testConfig{}
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("load config defaults: %v", err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "mode")

	if err := ParseArgs(fs, []string{"-address", "flag:9001"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.Address != "flag:9001" {
		t.Fatalf("expected flag value for address, got %q", cfg.Address)
	}
	if cfg.Mode != "outbox" {
		t.Fatalf("expected env mode, got %q", cfg.Mode)
	}
}

func TestParseConfigRejectsNilTarget(t *testing.T) {
	var cfg *testConfig
	if err := ParseConfig(cfg); err == nil {
		t.Fatal("expected nil target error")
	}
}

func TestParseArgsRejectsNilParser(t *testing.T) {
	if err := ParseArgs(nil, []string{}); err == nil {
		t.Fatal("expected parse args to reject nil parser")
	}
}

func TestRunWithTelemetryRejectsMissingInputs(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), "", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := RunWithTelemetry(context.Background(), ServiceGradebook, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunWithTelemetryReturnsRunError(t *testing.T) {
	t.Setenv("GRADEBOOK_OTEL_ENABLED", "false")
	want := errors.New("boom")

	called := false
	err := RunWithTelemetry(context.Background(), ServiceGradebook, func(context.Context) error {
		called = true
		return want
	})
	if !called {
		t.Fatal("expected run to be called")
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected run error, got %v", err)
	}
}
