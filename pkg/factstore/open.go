package factstore

import (
	"context"
	"fmt"

	"cdr.dev/slog/v3"

	"github.com/fleetflow/fleetflow/pkg/storage"
)

// Open returns a migrated Store on db.
func Open(ctx context.Context, db *storage.DB, logger slog.Logger) (*Store, error) {
	var s *Store
	switch db.Driver {
	case storage.DriverMemory:
		s = NewMemoryStore(logger)
	case storage.DriverDuckDB:
		s = NewDuckDBStore(db.SQL, logger)
	case storage.DriverPostgres:
		s = NewPostgresStore(db.Pool, db.Schema, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", db.Driver)
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
