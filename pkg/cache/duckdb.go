package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/render"
)

// DuckDBStore keeps the caches in a local DuckDB database.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore wraps an open DuckDB handle. Call Migrate before use.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// Migrate creates the cache tables.
func (s *DuckDBStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS render_jobs (
			tenant_id TEXT NOT NULL,
			window_start TIMESTAMP NOT NULL,
			window_end TIMESTAMP NOT NULL,
			group_tag_id TEXT NOT NULL,
			report_id TEXT NOT NULL,
			event_rule_id TEXT NOT NULL DEFAULT '',
			report_kind TEXT NOT NULL,
			job_id TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, window_start, window_end, group_tag_id, report_id, event_rule_id)
		)`,
		`CREATE TABLE IF NOT EXISTS render_results (
			job_id TEXT PRIMARY KEY,
			export_location TEXT NOT NULL,
			fetched_at TIMESTAMP NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *DuckDBStore) GetJob(ctx context.Context, scope render.Scope) (*RenderJob, error) {
	job := RenderJob{Scope: scope}
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, created_at FROM render_jobs
		WHERE tenant_id = ? AND window_start = ? AND window_end = ?
		  AND group_tag_id = ? AND report_id = ? AND event_rule_id = ?`,
		scope.TenantID, scope.Window.Start.UTC(), scope.Window.End.UTC(),
		scope.GroupTagID, scope.ReportID, scope.EventRuleID,
	).Scan(&job.JobID, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *DuckDBStore) InsertJob(ctx context.Context, job RenderJob) (RenderJob, error) {
	sc := job.Scope
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO render_jobs
			(tenant_id, window_start, window_end, group_tag_id, report_id, event_rule_id, report_kind, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.TenantID, sc.Window.Start.UTC(), sc.Window.End.UTC(), sc.GroupTagID, sc.ReportID,
		sc.EventRuleID, sc.Kind.String(), job.JobID, job.CreatedAt.UTC(),
	)
	if err != nil {
		return RenderJob{}, err
	}
	return persistedJob(ctx, s, job)
}

func (s *DuckDBStore) GetResult(ctx context.Context, jobID string) (*RenderResult, error) {
	res := RenderResult{JobID: jobID}
	err := s.db.QueryRowContext(ctx,
		`SELECT export_location, fetched_at FROM render_results WHERE job_id = ?`, jobID,
	).Scan(&res.ExportLocation, &res.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *DuckDBStore) InsertResult(ctx context.Context, result RenderResult) (RenderResult, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO render_results (job_id, export_location, fetched_at)
		VALUES (?, ?, ?)`,
		result.JobID, result.ExportLocation, result.FetchedAt.UTC(),
	)
	if err != nil {
		return RenderResult{}, err
	}
	return persistedResult(ctx, s, result)
}

// persistedJob re-reads the row for job's scope after an insert-or-ignore.
// No row means the job id itself collided with another scope.
func persistedJob(ctx context.Context, s Store, job RenderJob) (RenderJob, error) {
	stored, err := s.GetJob(ctx, job.Scope)
	if err != nil {
		return RenderJob{}, err
	}
	if stored == nil {
		return RenderJob{}, fferrors.New(fferrors.CodeStorageConflict, "job id already stored for another scope").
			WithContext("job_id", job.JobID).
			WithContext("scope", job.Scope.String())
	}
	return *stored, nil
}

func persistedResult(ctx context.Context, s Store, result RenderResult) (RenderResult, error) {
	stored, err := s.GetResult(ctx, result.JobID)
	if err != nil {
		return RenderResult{}, err
	}
	if stored == nil {
		return RenderResult{}, fferrors.New(fferrors.CodeStorageConflict, "render result vanished after insert").
			WithContext("job_id", result.JobID)
	}
	return *stored, nil
}
