package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-recognition/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &RecognitionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &RecognitionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestExecuteWithRetryDoesNotRetryNotFound(t *testing.T) {
	repo := &RecognitionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.find", "req-3", func() error {
		attempts++
		return ErrNotFound
	})
	if !errors.Is(err, ErrNotFound) || attempts != 1 {
		t.Fatalf("expected a single ErrNotFound attempt, got %v after %d", err, attempts)
	}
}

func TestExecuteWithRetryStopsOnCancelledContext(t *testing.T) {
	repo := &RecognitionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  5,
		initialBackoff: time.Hour,
		maxBackoff:     time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.executeWithRetry(ctx, "test.cancel", "", func() error {
		return transientTestError{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if _, err := repo.FindByRequestID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	logs := []*RecognitionLog{
		{RequestID: "a", FaceCount: 3, RecognizedCount: 2, Recognized: []string{"x", "y"}, UnknownCount: 1, ProcessingLatencyMs: 100},
		{RequestID: "b", FaceCount: 1, UnknownCount: 0, FailedCount: 1, ProcessingLatencyMs: 50},
	}
	for _, log := range logs {
		if err := repo.SaveLog(ctx, log); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	logs[0].Recognized[0] = "mutated"

	found, err := repo.FindByRequestID(ctx, "a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Recognized[0] != "x" {
		t.Fatalf("stored log must not alias caller slices, got %v", found.Recognized)
	}

	agg, err := repo.AggregateMetrics(ctx)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalCount != 2 || agg.TotalFaces != 4 || agg.TotalRecognized != 2 || agg.TotalUnknown != 1 || agg.TotalFailed != 1 {
		t.Fatalf("unexpected aggregation %+v", agg)
	}
	if agg.AverageProcessingLatencyMs != 75 {
		t.Fatalf("average latency = %v, want 75", agg.AverageProcessingLatencyMs)
	}
}
