package factstore

import (
	"context"
	"sync"

	"cdr.dev/slog/v3"
)

type memoryBackend struct {
	mu     sync.Mutex
	tables map[string]map[conflictKey]Record

	// failBatch and failRow inject storage failures.
	failBatch error
	failRow   func(Record) error
}

// NewMemoryStore creates a Store that keeps facts in process memory.
func NewMemoryStore(logger slog.Logger) *Store {
	return newStore(newMemoryBackend(), logger)
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{tables: make(map[string]map[conflictKey]Record)}
}

func (b *memoryBackend) migrate(_ context.Context, schemas []Schema) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range schemas {
		if _, ok := b.tables[s.Table]; !ok {
			b.tables[s.Table] = make(map[conflictKey]Record)
		}
	}
	return nil
}

func (b *memoryBackend) table(s Schema) map[conflictKey]Record {
	t, ok := b.tables[s.Table]
	if !ok {
		t = make(map[conflictKey]Record)
		b.tables[s.Table] = t
	}
	return t
}

func (b *memoryBackend) insertBatch(_ context.Context, s Schema, recs []Record) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failBatch != nil {
		return 0, b.failBatch
	}
	if b.failRow != nil {
		for _, rec := range recs {
			if err := b.failRow(rec); err != nil {
				return 0, err
			}
		}
	}

	t := b.table(s)
	n := 0
	for _, rec := range recs {
		k := rec.key()
		if _, ok := t[k]; ok {
			continue
		}
		t[k] = rec
		n++
	}
	return n, nil
}

func (b *memoryBackend) insertOne(_ context.Context, s Schema, rec Record) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failRow != nil {
		if err := b.failRow(rec); err != nil {
			return false, err
		}
	}
	t := b.table(s)
	k := rec.key()
	if _, ok := t[k]; ok {
		return false, nil
	}
	t[k] = rec
	return true, nil
}

func (b *memoryBackend) count(_ context.Context, s Schema) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tables[s.Table]), nil
}
