package registry

import (
	"context"
	"sync"
)

// MemoryBackend keeps operations in process memory.
type MemoryBackend struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{ops: make(map[string]*Operation)}
}

func clone(op *Operation) *Operation {
	c := *op
	if op.Labels != nil {
		c.Labels = make(map[string]string, len(op.Labels))
		for k, v := range op.Labels {
			c.Labels[k] = v
		}
	}
	if op.Accounting != nil {
		acc := *op.Accounting
		c.Accounting = &acc
	}
	if op.FinishedAt != nil {
		t := *op.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Save stores a copy of op.
func (b *MemoryBackend) Save(_ context.Context, op *Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[op.ID] = clone(op)
	return nil
}

// Load returns a copy of the stored operation.
func (b *MemoryBackend) Load(_ context.Context, id string) (*Operation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	op, ok := b.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(op), nil
}

// List returns copies of all operations.
func (b *MemoryBackend) List(_ context.Context) ([]*Operation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Operation, 0, len(b.ops))
	for _, op := range b.ops {
		out = append(out, clone(op))
	}
	return out, nil
}

// ListRunning returns copies of the running operations.
func (b *MemoryBackend) ListRunning(_ context.Context) ([]*Operation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Operation
	for _, op := range b.ops {
		if !op.Done() {
			out = append(out, clone(op))
		}
	}
	return out, nil
}

// Name returns "memory".
func (b *MemoryBackend) Name() string {
	return "memory"
}

// Close is a no-op.
func (b *MemoryBackend) Close() error {
	return nil
}
