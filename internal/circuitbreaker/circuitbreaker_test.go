package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerTripsAfterThreshold(t *testing.T) {
	m := NewManager(nil)
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 50 * time.Millisecond}
	failing := func(ctx context.Context) error { return errors.New("boom") }

	if err := m.Execute(context.Background(), "host-a", cfg, failing); err == nil {
		t.Fatal("expected first failure to propagate")
	}
	if err := m.Execute(context.Background(), "host-a", cfg, failing); err == nil {
		t.Fatal("expected second failure to propagate")
	}

	err := m.Execute(context.Background(), "host-a", cfg, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen after threshold, got %v", err)
	}
}

func TestManagerHalfOpensAfterTimeout(t *testing.T) {
	m := NewManager(nil)
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond}
	failing := func(ctx context.Context) error { return errors.New("boom") }

	_ = m.Execute(context.Background(), "host-b", cfg, failing)
	if err := m.Execute(context.Background(), "host-b", cfg, failing); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := m.Execute(context.Background(), "host-b", cfg, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}

	status := m.Status()["host-b"]
	if status.State != Closed {
		t.Fatalf("expected breaker to close after a successful half-open probe, got %s", status.State)
	}
}

func TestManagerIndependentBreakersPerName(t *testing.T) {
	m := NewManager(nil)
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}
	_ = m.Execute(context.Background(), "host-c", cfg, func(ctx context.Context) error { return errors.New("boom") })

	err := m.Execute(context.Background(), "host-d", cfg, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("a failure on host-c should not trip host-d, got %v", err)
	}
}
