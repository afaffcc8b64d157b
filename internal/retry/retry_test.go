package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBackoff_Schedule(t *testing.T) {
	cfg := Config{Delay: time.Second, MaxDelay: 30 * time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.retry, cfg); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	cfg := Config{MaxRetries: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0

	err := Do(context.Background(), "open", cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("device busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_GivesUp(t *testing.T) {
	cfg := Config{MaxRetries: 2, Delay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	cause := errors.New("no such device")

	err := Do(context.Background(), "open", cfg, func(context.Context) error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("Do() error = %v, want wrapping %v", err, cause)
	}
	if !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Errorf("error = %q", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ZeroRetriesTriesOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), "open", Config{}, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	cfg := Config{MaxRetries: 5, Delay: time.Millisecond}
	calls := 0
	cause := errors.New("permission denied")

	err := Do(context.Background(), "open", cfg, func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("Do() error = %v, want wrapping %v", err, cause)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 5, Delay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Do(ctx, "open", cfg, func(context.Context) error {
		return errors.New("busy")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Do() ignored context during backoff")
	}
}
