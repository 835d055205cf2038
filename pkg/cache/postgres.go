package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetflow/fleetflow/pkg/render"
	"github.com/fleetflow/fleetflow/pkg/storage"
)

// PostgresStore keeps the caches in the live Postgres database.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	jobs    string
	results string
}

// NewPostgresStore wraps a pool; tables live in schema.
func NewPostgresStore(pool *pgxpool.Pool, schema string) *PostgresStore {
	if schema == "" {
		schema = "public"
	}
	return &PostgresStore{
		pool:    pool,
		schema:  schema,
		jobs:    storage.Qualify(schema, "render_jobs"),
		results: storage.Qualify(schema, "render_results"),
	}
}

// Migrate creates the schema and cache tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + storage.QuoteIdent(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + s.jobs + ` (
			tenant_id TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			group_tag_id TEXT NOT NULL,
			report_id TEXT NOT NULL,
			event_rule_id TEXT NOT NULL DEFAULT '',
			report_kind TEXT NOT NULL,
			job_id TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, window_start, window_end, group_tag_id, report_id, event_rule_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.results + ` (
			job_id TEXT PRIMARY KEY,
			export_location TEXT NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, scope render.Scope) (*RenderJob, error) {
	job := RenderJob{Scope: scope}
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, created_at FROM `+s.jobs+`
		WHERE tenant_id = $1 AND window_start = $2 AND window_end = $3
		  AND group_tag_id = $4 AND report_id = $5 AND event_rule_id = $6`,
		scope.TenantID, scope.Window.Start.UTC(), scope.Window.End.UTC(),
		scope.GroupTagID, scope.ReportID, scope.EventRuleID,
	).Scan(&job.JobID, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *PostgresStore) InsertJob(ctx context.Context, job RenderJob) (RenderJob, error) {
	sc := job.Scope
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.jobs+`
			(tenant_id, window_start, window_end, group_tag_id, report_id, event_rule_id, report_kind, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		sc.TenantID, sc.Window.Start.UTC(), sc.Window.End.UTC(), sc.GroupTagID, sc.ReportID,
		sc.EventRuleID, sc.Kind.String(), job.JobID, job.CreatedAt.UTC(),
	)
	if err != nil {
		return RenderJob{}, err
	}
	return persistedJob(ctx, s, job)
}

func (s *PostgresStore) GetResult(ctx context.Context, jobID string) (*RenderResult, error) {
	res := RenderResult{JobID: jobID}
	err := s.pool.QueryRow(ctx,
		`SELECT export_location, fetched_at FROM `+s.results+` WHERE job_id = $1`, jobID,
	).Scan(&res.ExportLocation, &res.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *PostgresStore) InsertResult(ctx context.Context, result RenderResult) (RenderResult, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.results+` (job_id, export_location, fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING`,
		result.JobID, result.ExportLocation, result.FetchedAt.UTC(),
	)
	if err != nil {
		return RenderResult{}, err
	}
	return persistedResult(ctx, s, result)
}
