package factstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cdr.dev/slog/v3"
)

// rowsPerStatement bounds a single multi-row INSERT.
const rowsPerStatement = 500

type duckdbBackend struct {
	db *sql.DB
}

// NewDuckDBStore creates a Store on an open DuckDB handle.
func NewDuckDBStore(db *sql.DB, logger slog.Logger) *Store {
	return newStore(&duckdbBackend{db: db}, logger)
}

func (b *duckdbBackend) migrate(ctx context.Context, schemas []Schema) error {
	for _, s := range schemas {
		if _, err := b.db.ExecContext(ctx, duckdbDialect.createTable(s, s.Table)); err != nil {
			return fmt.Errorf("migration failed for %s: %w", s.Table, err)
		}
	}
	return nil
}

func (b *duckdbBackend) insertBatch(ctx context.Context, s Schema, recs []Record) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cols := insertColumns(s)
	prefix := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES ", s.Table, strings.Join(cols, ", "))
	row := placeholders(len(cols), false, 0)

	total := 0
	for i := 0; i < len(recs); i += rowsPerStatement {
		j := i + rowsPerStatement
		if j > len(recs) {
			j = len(recs)
		}

		var q strings.Builder
		q.WriteString(prefix)
		args := make([]interface{}, 0, (j-i)*len(cols))
		for k, rec := range recs[i:j] {
			if k > 0 {
				q.WriteString(", ")
			}
			q.WriteString(row)
			args = append(args, insertArgs(s, rec)...)
		}

		res, err := tx.ExecContext(ctx, q.String(), args...)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

func (b *duckdbBackend) insertOne(ctx context.Context, s Schema, rec Record) (bool, error) {
	cols := insertColumns(s)
	q := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES %s",
		s.Table, strings.Join(cols, ", "), placeholders(len(cols), false, 0))
	res, err := b.db.ExecContext(ctx, q, insertArgs(s, rec)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *duckdbBackend) count(ctx context.Context, s Schema) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, "SELECT count(*) FROM "+s.Table).Scan(&n)
	return n, err
}
