// Package cache remembers which render job was submitted for a scope and
// where its finished export lives, so that no window is rendered twice.
package cache

import (
	"context"
	"errors"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/render"
	"github.com/fleetflow/fleetflow/pkg/telemetry"
)

// RenderJob is the persisted mapping from a scope to an upstream job id.
// It is written once and never updated.
type RenderJob struct {
	Scope     render.Scope
	JobID     string
	CreatedAt time.Time
}

// RenderResult is the persisted export location of a finished job.
type RenderResult struct {
	JobID          string
	ExportLocation string
	FetchedAt      time.Time
}

// Store persists render jobs and results. Get methods return (nil, nil) when
// nothing is stored. Insert methods never overwrite: they return whatever
// row is persisted after the insert, which may belong to a concurrent writer.
type Store interface {
	GetJob(ctx context.Context, scope render.Scope) (*RenderJob, error)
	InsertJob(ctx context.Context, job RenderJob) (RenderJob, error)
	GetResult(ctx context.Context, jobID string) (*RenderResult, error)
	InsertResult(ctx context.Context, result RenderResult) (RenderResult, error)
	Migrate(ctx context.Context) error
}

// Submitter submits a render job upstream.
type Submitter interface {
	Submit(ctx context.Context, scope render.Scope) (string, error)
}

// Awaiter waits for a render job to finish.
type Awaiter interface {
	AwaitResult(ctx context.Context, jobID string) (string, error)
}

// Options are shared by JobCache and ResultCache.
type Options struct {
	Clock   quartz.Clock
	Logger  slog.Logger
	Metrics *telemetry.Metrics
}

func (o Options) clock() quartz.Clock {
	if o.Clock == nil {
		return quartz.NewReal()
	}
	return o.Clock
}

// JobCache maps scopes to upstream render jobs.
type JobCache struct {
	store     Store
	submitter Submitter
	clock     quartz.Clock
	logger    slog.Logger
	m         *telemetry.Metrics
}

// NewJobCache creates a JobCache.
func NewJobCache(store Store, submitter Submitter, opts Options) *JobCache {
	return &JobCache{
		store:     store,
		submitter: submitter,
		clock:     opts.clock(),
		logger:    opts.Logger.Named("job_cache"),
		m:         opts.Metrics,
	}
}

// GetOrCreate returns the job id for scope, submitting a new job only when
// none is stored. wasCached reports whether the id came from the store.
func (c *JobCache) GetOrCreate(ctx context.Context, scope render.Scope) (jobID string, wasCached bool, err error) {
	scope = scope.Normalize()
	if err := scope.Validate(); err != nil {
		return "", false, err
	}

	job, err := c.store.GetJob(ctx, scope)
	if err != nil {
		return "", false, storageErr(err, "read render job")
	}
	if job != nil {
		c.m.ObserveCache("job", true)
		return job.JobID, true, nil
	}
	c.m.ObserveCache("job", false)

	jobID, err = c.submitter.Submit(ctx, scope)
	if err != nil {
		if fferrors.GetCode(err) == fferrors.CodeUnknown {
			return "", false, fferrors.Wrap(err, fferrors.CodeRenderSubmission, "submit render job").
				WithContext("scope", scope.String())
		}
		return "", false, err
	}

	persisted, err := c.store.InsertJob(ctx, RenderJob{
		Scope:     scope,
		JobID:     jobID,
		CreatedAt: c.clock.Now().UTC(),
	})
	if err != nil {
		return "", false, storageErr(err, "persist render job")
	}
	if persisted.JobID != jobID {
		c.logger.Info(ctx, "concurrent submission won, using stored job",
			slog.F("scope", scope.String()),
			slog.F("submitted_job_id", jobID),
			slog.F("stored_job_id", persisted.JobID))
		return persisted.JobID, true, nil
	}
	return jobID, false, nil
}

// ResultCache maps finished job ids to export locations.
type ResultCache struct {
	store   Store
	awaiter Awaiter
	clock   quartz.Clock
	logger  slog.Logger
	m       *telemetry.Metrics
}

// NewResultCache creates a ResultCache.
func NewResultCache(store Store, awaiter Awaiter, opts Options) *ResultCache {
	return &ResultCache{
		store:   store,
		awaiter: awaiter,
		clock:   opts.clock(),
		logger:  opts.Logger.Named("result_cache"),
		m:       opts.Metrics,
	}
}

// GetOrFetch returns the export location for jobID, polling upstream only
// when no result is stored.
func (c *ResultCache) GetOrFetch(ctx context.Context, jobID string) (location string, wasCached bool, err error) {
	res, err := c.store.GetResult(ctx, jobID)
	if err != nil {
		return "", false, storageErr(err, "read render result")
	}
	if res != nil {
		c.m.ObserveCache("result", true)
		return res.ExportLocation, true, nil
	}
	c.m.ObserveCache("result", false)

	location, err = c.awaiter.AwaitResult(ctx, jobID)
	if err != nil {
		return "", false, err
	}

	persisted, err := c.store.InsertResult(ctx, RenderResult{
		JobID:          jobID,
		ExportLocation: location,
		FetchedAt:      c.clock.Now().UTC(),
	})
	if err != nil {
		return "", false, storageErr(err, "persist render result")
	}
	return persisted.ExportLocation, false, nil
}

func storageErr(err error, msg string) error {
	if errors.Is(err, fferrors.ErrStorageConflict) || errors.Is(err, fferrors.ErrStorageFailure) {
		return err
	}
	return fferrors.Wrap(err, fferrors.CodeStorageFailure, msg)
}
