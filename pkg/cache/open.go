package cache

import (
	"context"
	"fmt"

	"github.com/fleetflow/fleetflow/pkg/storage"
)

// Open returns the Store for db's driver, migrated and ready to use.
func Open(ctx context.Context, db *storage.DB) (Store, error) {
	var s Store
	switch db.Driver {
	case storage.DriverMemory:
		s = NewMemoryStore()
	case storage.DriverDuckDB:
		s = NewDuckDBStore(db.SQL)
	case storage.DriverPostgres:
		s = NewPostgresStore(db.Pool, db.Schema)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", db.Driver)
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
