// Package lifecycle releases process resources in order on shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdr.dev/slog/v3"
)

// DefaultTimeout bounds a whole shutdown.
const DefaultTimeout = 10 * time.Second

// CloseFunc releases one resource.
type CloseFunc func(ctx context.Context) error

type closer struct {
	name string
	fn   CloseFunc
}

// ShutdownManager closes registered resources newest first, so a resource is
// closed before anything it was built on.
type ShutdownManager struct {
	mu      sync.Mutex
	timeout time.Duration
	logger  slog.Logger
	closers []closer
	done    bool
}

// NewShutdownManager creates a manager. A zero timeout uses DefaultTimeout.
func NewShutdownManager(timeout time.Duration, logger slog.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ShutdownManager{timeout: timeout, logger: logger.Named("shutdown")}
}

// Register adds a resource to close.
func (m *ShutdownManager) Register(name string, fn CloseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, closer{name: name, fn: fn})
}

// Shutdown closes every registered resource. Failures do not stop the
// remaining closers; all of them are returned. Later calls do nothing.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		start := time.Now()
		if err := c.fn(ctx); err != nil {
			m.logger.Warn(ctx, "close failed", slog.F("resource", c.name), slog.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		m.logger.Debug(ctx, "closed", slog.F("resource", c.name), slog.F("took", time.Since(start)))
	}
	return errors.Join(errs...)
}
