package storage

import (
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/louisbranch/gradebook/internal/platform/errors"
)

func TestVersionConflictErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("append: %w", &VersionConflictError{AggregateID: "g1", Expected: 1, Actual: 2})

	if !errors.Is(err, ErrVersionConflict) {
		t.Fatal("expected errors.Is to match ErrVersionConflict")
	}
	if errors.Is(err, ErrStorage) {
		t.Fatal("conflict must not match ErrStorage")
	}

	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatal("expected VersionConflictError in chain")
	}
	if conflict.Expected != 1 || conflict.Actual != 2 {
		t.Fatalf("unexpected versions: %+v", conflict)
	}

	var coded *apperrors.Error
	if !errors.As(err, &coded) {
		t.Fatal("expected coded error in chain")
	}
	if coded.Metadata["actual"] != "2" || coded.Metadata["aggregate_id"] != "g1" {
		t.Fatalf("unexpected metadata: %v", coded.Metadata)
	}
}

func TestFailure(t *testing.T) {
	if Failure("append event", nil) != nil {
		t.Fatal("expected nil for nil cause")
	}
	cause := errors.New("database is locked")
	err := Failure("append event", cause)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, cause) {
		t.Fatalf("expected storage failure wrapping cause, got %v", err)
	}
	if apperrors.GetCode(err) != apperrors.CodeStorageFailure {
		t.Fatalf("code = %s", apperrors.GetCode(err))
	}
}

func TestExactly(t *testing.T) {
	if AnyVersion.Set {
		t.Fatal("AnyVersion must not pin a version")
	}
	if got := Exactly(0); !got.Set || got.Version != 0 {
		t.Fatalf("Exactly(0) = %+v", got)
	}
}
