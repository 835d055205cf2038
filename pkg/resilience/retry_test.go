package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestRetryFixedExhausts(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	p := Fixed(3, 5*time.Second).WithClock(clock)

	calls := 0
	out, err := Retry(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	if !errors.Is(err, errTransient) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if calls != 3 || out.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got calls=%d attempts=%d", calls, out.Attempts)
	}
	if !out.Exhausted {
		t.Error("Expected Exhausted=true")
	}

	waits := clock.Waits()
	if len(waits) != 2 {
		t.Fatalf("Expected 2 waits, got %v", waits)
	}
	for _, w := range waits {
		if w != 5*time.Second {
			t.Errorf("Expected fixed 5s wait, got %v", w)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	p := Fixed(3, time.Second).WithClock(clock)

	calls := 0
	out, err := Retry(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errTransient
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if out.Attempts != 2 || out.Exhausted {
		t.Errorf("Expected 2 attempts and not exhausted, got %+v", out)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	errBad := errors.New("bad request")
	p := Fixed(5, time.Second).
		WithClock(NewManualClock(time.Unix(0, 0))).
		WithRetryable(func(err error) bool { return !errors.Is(err, errBad) })

	out, err := Retry(context.Background(), p, func(ctx context.Context) error {
		return errBad
	})

	if !errors.Is(err, errBad) {
		t.Fatalf("Expected bad request error, got %v", err)
	}
	if out.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", out.Attempts)
	}
	if out.Exhausted {
		t.Error("Expected Exhausted=false for permanent failure")
	}
}

func TestRetryExponentialSchedule(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	p := Exponential(2*time.Second, 1.5, 10*time.Second, 300*time.Second).WithClock(clock)

	_, err := Retry(context.Background(), p, func(ctx context.Context) error {
		return errTransient
	})
	if err == nil {
		t.Fatal("Expected error after budget")
	}

	waits := clock.Waits()
	want := []time.Duration{2 * time.Second, 3 * time.Second, 4500 * time.Millisecond, 6750 * time.Millisecond, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if i >= len(waits) {
			t.Fatalf("Expected at least %d waits, got %v", len(want), waits)
		}
		if waits[i] != w {
			t.Errorf("wait[%d] = %v, want %v", i, waits[i], w)
		}
	}

	var total time.Duration
	for _, w := range waits {
		total += w
	}
	if total != 300*time.Second {
		t.Errorf("Expected the full 300s budget to be waited, got %v", total)
	}
	if last := waits[len(waits)-1]; last != 3750*time.Millisecond {
		t.Errorf("Expected the last wait clamped to the remaining 3.75s, got %v", last)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := Retry(ctx, Fixed(3, time.Hour), func(ctx context.Context) error {
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if out.Exhausted {
		t.Error("Expected Exhausted=false on cancellation")
	}
}
