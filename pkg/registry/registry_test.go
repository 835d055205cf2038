package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"

	"github.com/fleetflow/fleetflow/pkg/accounting"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig(mr.Addr())
	cfg.TTL = time.Hour
	b, err := NewRedisBackend(cfg)
	if err != nil {
		t.Fatalf("NewRedisBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	rb, _ := newRedisBackend(t)
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  rb,
	}
}

func TestRegistryLifecycle(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mClock := quartz.NewMock(t)
			start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
			mClock.Set(start)
			reg := New(backend, Options{Clock: mClock, Logger: slogtest.Make(t, nil)})

			op, err := reg.Start(ctx, "backfill", map[string]string{"category": "speeding"})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if op.ID == "" || op.Status != StatusRunning || !op.StartedAt.Equal(start) {
				t.Errorf("Unexpected started operation: %+v", op)
			}

			if err := reg.Progress(ctx, op.ID, 2, 5); err != nil {
				t.Fatalf("Progress: %v", err)
			}
			running, err := reg.Running(ctx)
			if err != nil {
				t.Fatalf("Running: %v", err)
			}
			if len(running) != 1 || running[0].Progress != (Progress{Done: 2, Total: 5}) {
				t.Errorf("Unexpected running operations: %+v", running)
			}

			mClock.Set(start.Add(time.Minute))
			acc := accounting.RunAccounting{WindowsTotal: 5, WindowsCompleted: 5}
			acc.Inserted = 42
			if err := reg.Complete(ctx, op.ID, acc); err != nil {
				t.Fatalf("Complete: %v", err)
			}

			got, err := reg.Get(ctx, op.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != StatusCompleted {
				t.Errorf("Expected completed, got %s", got.Status)
			}
			if got.Accounting == nil || got.Accounting.Inserted != 42 {
				t.Errorf("Expected accounting with 42 inserted, got %+v", got.Accounting)
			}
			if got.FinishedAt == nil || !got.FinishedAt.Equal(start.Add(time.Minute)) {
				t.Errorf("Unexpected finish time %v", got.FinishedAt)
			}
			if got.Labels["category"] != "speeding" {
				t.Errorf("Expected label to survive, got %v", got.Labels)
			}

			running, _ = reg.Running(ctx)
			if len(running) != 0 {
				t.Errorf("Expected no running operations, got %d", len(running))
			}
		})
	}
}

func TestRegistryFailAndList(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mClock := quartz.NewMock(t)
			base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
			mClock.Set(base)
			reg := New(backend, Options{Clock: mClock, Logger: slogtest.Make(t, nil)})

			first, _ := reg.Start(ctx, "ingest", nil)
			mClock.Set(base.Add(time.Second))
			second, _ := reg.Start(ctx, "ingest", nil)

			if err := reg.Fail(ctx, first.ID, errors.New("invalid category")); err != nil {
				t.Fatalf("Fail: %v", err)
			}

			ops, err := reg.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(ops) != 2 {
				t.Fatalf("Expected 2 operations, got %d", len(ops))
			}
			if ops[0].ID != second.ID {
				t.Errorf("Expected newest first")
			}
			if ops[1].Status != StatusFailed || ops[1].Error != "invalid category" {
				t.Errorf("Unexpected failed operation: %+v", ops[1])
			}
		})
	}
}

func TestRegistryUnknownID(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			reg := New(backend, Options{Logger: slogtest.Make(t, nil)})
			if _, err := reg.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
			if err := reg.Progress(context.Background(), "nope", 1, 1); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRedisBackendExpiry(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()
	reg := New(b, Options{Logger: slogtest.Make(t, nil)})

	op, err := reg.Start(ctx, "backfill", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !mr.Exists(b.key(op.ID)) {
		t.Fatalf("Expected key %s to exist", b.key(op.ID))
	}

	mr.FastForward(2 * time.Hour)

	if _, err := reg.Get(ctx, op.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
	running, err := reg.Running(ctx)
	if err != nil {
		t.Fatalf("Running: %v", err)
	}
	if len(running) != 0 {
		t.Errorf("Expected expired operation to be pruned, got %d", len(running))
	}
	if ok, _ := mr.SIsMember(b.runningSetKey(), op.ID); ok {
		t.Errorf("Expected running set entry to be removed")
	}
}

func TestNewRedisBackendUnreachable(t *testing.T) {
	cfg := DefaultRedisConfig("127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond
	if _, err := NewRedisBackend(cfg); err == nil {
		t.Error("Expected connection error")
	}
}
