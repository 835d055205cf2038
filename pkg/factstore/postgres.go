package factstore

import (
	"context"
	"fmt"
	"strings"

	"cdr.dev/slog/v3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetflow/fleetflow/pkg/storage"
)

type postgresBackend struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore creates a Store whose tables live in schema.
func NewPostgresStore(pool *pgxpool.Pool, schema string, logger slog.Logger) *Store {
	if schema == "" {
		schema = "public"
	}
	return newStore(&postgresBackend{pool: pool, schema: schema}, logger)
}

func (b *postgresBackend) table(s Schema) string {
	return storage.Qualify(b.schema, s.Table)
}

func (b *postgresBackend) insertSQL(s Schema) string {
	cols := insertColumns(s)
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s
		ON CONFLICT (tenant_id, group_tag_id, event_date, primary_ts, vehicle_id) DO NOTHING`,
		b.table(s), strings.Join(cols, ", "), placeholders(len(cols), true, 1))
}

func (b *postgresBackend) migrate(ctx context.Context, schemas []Schema) error {
	if _, err := b.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+storage.QuoteIdent(b.schema)); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	for _, s := range schemas {
		if _, err := b.pool.Exec(ctx, postgresDialect.createTable(s, b.table(s))); err != nil {
			return fmt.Errorf("migration failed for %s: %w", s.Table, err)
		}
	}
	return nil
}

// insertBatch queues one ON CONFLICT DO NOTHING insert per record in a single
// pgx.Batch inside a transaction.
func (b *postgresBackend) insertBatch(ctx context.Context, s Schema, recs []Record) (int, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	q := b.insertSQL(s)
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(q, insertArgs(s, rec)...)
	}

	br := tx.SendBatch(ctx, batch)
	total := 0
	for range recs {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, err
		}
		total += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

func (b *postgresBackend) insertOne(ctx context.Context, s Schema, rec Record) (bool, error) {
	tag, err := b.pool.Exec(ctx, b.insertSQL(s), insertArgs(s, rec)...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (b *postgresBackend) count(ctx context.Context, s Schema) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, "SELECT count(*) FROM "+b.table(s)).Scan(&n)
	return n, err
}
