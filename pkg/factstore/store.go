// Package factstore writes typed event facts into one table per category.
// Writes are idempotent: a row whose natural key is already stored is
// dropped, so ingesting the same window twice inserts nothing the second
// time.
package factstore

import (
	"context"

	"cdr.dev/slog/v3"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/normalize"
)

// Result is the per-row outcome of an Upsert. The three counts always add
// up to the number of input rows.
type Result struct {
	Inserted           int `json:"inserted"`
	SkippedAsDuplicate int `json:"skipped_as_duplicate"`
	Failed             int `json:"failed"`
}

// Total is the number of rows accounted for.
func (r Result) Total() int {
	return r.Inserted + r.SkippedAsDuplicate + r.Failed
}

// backend is a storage engine.
type backend interface {
	migrate(ctx context.Context, schemas []Schema) error
	// insertBatch inserts recs atomically, ignoring conflicts, and returns
	// how many were written.
	insertBatch(ctx context.Context, s Schema, recs []Record) (int, error)
	// insertOne inserts rec, ignoring a conflict, and reports whether it
	// was written.
	insertOne(ctx context.Context, s Schema, rec Record) (bool, error)
	count(ctx context.Context, s Schema) (int, error)
}

// Store is a fact store over one backend.
type Store struct {
	backend backend
	logger  slog.Logger
}

func newStore(b backend, logger slog.Logger) *Store {
	return &Store{backend: b, logger: logger.Named("factstore")}
}

// Migrate creates the fact tables.
func (s *Store) Migrate(ctx context.Context) error {
	all := make([]Schema, 0, len(schemas))
	for _, c := range Categories() {
		all = append(all, schemas[c])
	}
	return s.backend.migrate(ctx, all)
}

// Count returns the number of stored facts for category.
func (s *Store) Count(ctx context.Context, category Category) (int, error) {
	schema, err := category.Schema()
	if err != nil {
		return 0, err
	}
	return s.backend.count(ctx, schema)
}

// Upsert writes rows for category. Rows that cannot be placed in time, or
// that repeat a natural key already in this batch, are skipped before
// storage. The rest go in one atomic bulk insert; if that fails they are
// retried one by one and errors are counted as Failed.
//
// The only error returned is ErrInvalidCategory.
func (s *Store) Upsert(ctx context.Context, category Category, rows []normalize.Row, tenantID, groupTagID string) (Result, error) {
	schema, err := category.Schema()
	if err != nil {
		return Result{}, err
	}

	var res Result
	recs := make([]Record, 0, len(rows))
	seen := make(map[conflictKey]struct{}, len(rows))
	for _, row := range rows {
		rec, err := schema.Map(row, tenantID, groupTagID)
		if err != nil {
			res.SkippedAsDuplicate++
			continue
		}
		k := rec.key()
		if _, dup := seen[k]; dup {
			res.SkippedAsDuplicate++
			continue
		}
		seen[k] = struct{}{}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return res, nil
	}

	inserted, err := s.backend.insertBatch(ctx, schema, recs)
	if err == nil {
		res.Inserted += inserted
		res.SkippedAsDuplicate += len(recs) - inserted
		return res, nil
	}

	s.logger.Warn(ctx, "bulk insert failed, falling back to row-by-row",
		slog.F("table", schema.Table),
		slog.F("rows", len(recs)),
		slog.Error(err))

	var firstErr error
	for _, rec := range recs {
		ok, err := s.backend.insertOne(ctx, schema, rec)
		switch {
		case err != nil:
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
		case ok:
			res.Inserted++
		default:
			res.SkippedAsDuplicate++
		}
	}
	if firstErr != nil {
		s.logger.Error(ctx, "rows failed to insert",
			slog.F("table", schema.Table),
			slog.F("failed", res.Failed),
			slog.Error(fferrors.Wrap(firstErr, fferrors.CodeStorageFailure, "insert fact row")))
	}
	return res, nil
}
