// Package registry tracks in-flight ingestion operations so that a
// long-running backfill can be started in one place and observed from
// another.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/fleetflow/fleetflow/pkg/accounting"
)

// ErrNotFound is returned for an unknown operation id.
var ErrNotFound = errors.New("operation not found")

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress counts processed windows.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Operation is one tracked run.
type Operation struct {
	ID         string                    `json:"id"`
	Kind       string                    `json:"kind"`
	Labels     map[string]string         `json:"labels,omitempty"`
	Status     Status                    `json:"status"`
	Progress   Progress                  `json:"progress"`
	Accounting *accounting.RunAccounting `json:"accounting,omitempty"`
	Error      string                    `json:"error,omitempty"`
	StartedAt  time.Time                 `json:"started_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
}

// Done reports whether the operation has finished.
func (o *Operation) Done() bool {
	return o.Status != StatusRunning
}

// Backend persists operations.
type Backend interface {
	Save(ctx context.Context, op *Operation) error
	// Load returns ErrNotFound for an unknown id.
	Load(ctx context.Context, id string) (*Operation, error)
	List(ctx context.Context) ([]*Operation, error)
	ListRunning(ctx context.Context) ([]*Operation, error)
	Name() string
	Close() error
}

// Options configures a Registry.
type Options struct {
	Clock  quartz.Clock
	Logger slog.Logger
}

// Registry records operation state transitions.
type Registry struct {
	backend Backend
	clock   quartz.Clock
	logger  slog.Logger

	// mu serializes read-modify-write updates from this process.
	mu sync.Mutex
}

// New creates a Registry on backend.
func New(backend Backend, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Registry{
		backend: backend,
		clock:   opts.Clock,
		logger:  opts.Logger.Named("registry"),
	}
}

// Start records a new running operation.
func (r *Registry) Start(ctx context.Context, kind string, labels map[string]string) (*Operation, error) {
	now := r.clock.Now().UTC()
	op := &Operation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Labels:    labels,
		Status:    StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := r.backend.Save(ctx, op); err != nil {
		return nil, err
	}
	r.logger.Debug(ctx, "operation started", slog.F("op_id", op.ID), slog.F("kind", kind))
	return op, nil
}

// Progress updates the window counters of a running operation.
func (r *Registry) Progress(ctx context.Context, id string, done, total int) error {
	return r.update(ctx, id, func(op *Operation) {
		op.Progress = Progress{Done: done, Total: total}
	})
}

// Complete marks an operation completed with its accounting.
func (r *Registry) Complete(ctx context.Context, id string, acc accounting.RunAccounting) error {
	return r.update(ctx, id, func(op *Operation) {
		op.Status = StatusCompleted
		op.Accounting = &acc
		op.FinishedAt = &op.UpdatedAt
	})
}

// Fail marks an operation failed.
func (r *Registry) Fail(ctx context.Context, id string, cause error) error {
	return r.update(ctx, id, func(op *Operation) {
		op.Status = StatusFailed
		if cause != nil {
			op.Error = cause.Error()
		}
		op.FinishedAt = &op.UpdatedAt
	})
}

func (r *Registry) update(ctx context.Context, id string, fn func(*Operation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.backend.Load(ctx, id)
	if err != nil {
		return err
	}
	op.UpdatedAt = r.clock.Now().UTC()
	fn(op)
	return r.backend.Save(ctx, op)
}

// Get returns one operation.
func (r *Registry) Get(ctx context.Context, id string) (*Operation, error) {
	return r.backend.Load(ctx, id)
}

// List returns all known operations, newest first.
func (r *Registry) List(ctx context.Context) ([]*Operation, error) {
	ops, err := r.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(ops)
	return ops, nil
}

// Running returns the operations that have not finished, newest first.
func (r *Registry) Running(ctx context.Context) ([]*Operation, error) {
	ops, err := r.backend.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(ops)
	return ops, nil
}

func sortNewestFirst(ops []*Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].StartedAt.After(ops[j].StartedAt)
	})
}
