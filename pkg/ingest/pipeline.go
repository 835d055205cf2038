// Package ingest runs report ingestion: for every window of a request it
// reuses or submits a render job, waits for its export, downloads and parses
// it, and writes the rows to the fact store with full accounting.
package ingest

import (
	"context"
	"errors"
	"sort"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetflow/fleetflow/pkg/accounting"
	"github.com/fleetflow/fleetflow/pkg/cache"
	"github.com/fleetflow/fleetflow/pkg/dedup"
	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/export"
	"github.com/fleetflow/fleetflow/pkg/factstore"
	"github.com/fleetflow/fleetflow/pkg/normalize"
	"github.com/fleetflow/fleetflow/pkg/render"
	"github.com/fleetflow/fleetflow/pkg/telemetry"
	"github.com/fleetflow/fleetflow/pkg/window"
)

// DefaultBudget is the wall-clock ceiling of one Run.
const DefaultBudget = 10 * time.Minute

// Stages of a window, used in logs and skip records.
const (
	StageSubmit   = "submit"
	StagePoll     = "poll"
	StageDownload = "download"
	StageStore    = "store"
)

// Upstream is the rendering API for one request's credentials.
type Upstream interface {
	cache.Submitter
	cache.Awaiter
}

// UpstreamFactory builds the Upstream for a request.
type UpstreamFactory func(req Request) (Upstream, error)

// Downloader retrieves raw exports.
type Downloader interface {
	Fetch(ctx context.Context, location, credential string) ([]byte, error)
}

// WindowFunc is called after each window with the number of windows done so
// far and the total.
type WindowFunc func(stats accounting.WindowStats, done, total int)

// Options wires a Pipeline.
type Options struct {
	Cache    cache.Store
	Facts    *factstore.Store
	Upstream UpstreamFactory
	Fetcher  Downloader

	// Archiver is optional.
	Archiver   *export.Archiver
	Normalizer *normalize.Normalizer
	Planner    window.Planner

	// Budget defaults to DefaultBudget.
	Budget time.Duration

	OnWindow WindowFunc
	Clock    quartz.Clock
	Logger   slog.Logger
	Metrics  *telemetry.Metrics
}

// Pipeline processes ingestion requests.
type Pipeline struct {
	cache      cache.Store
	facts      *factstore.Store
	upstream   UpstreamFactory
	fetcher    Downloader
	archiver   *export.Archiver
	normalizer *normalize.Normalizer
	planner    window.Planner
	budget     time.Duration
	onWindow   WindowFunc
	clock      quartz.Clock
	logger     slog.Logger
	m          *telemetry.Metrics
}

// Result is the outcome of one Run.
type Result struct {
	Category   factstore.Category       `json:"category"`
	Windows    []accounting.WindowStats `json:"windows"`
	Accounting accounting.RunAccounting `json:"accounting"`
	Took       time.Duration            `json:"took"`
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.New(normalize.Options{})
	}
	return &Pipeline{
		cache:      opts.Cache,
		facts:      opts.Facts,
		upstream:   opts.Upstream,
		fetcher:    opts.Fetcher,
		archiver:   opts.Archiver,
		normalizer: opts.Normalizer,
		planner:    opts.Planner,
		budget:     opts.Budget,
		onWindow:   opts.OnWindow,
		clock:      opts.Clock,
		logger:     opts.Logger.Named("ingest"),
		m:          opts.Metrics,
	}
}

// RenderUpstream builds render clients for each request's base URL and
// token, sharing the remaining options.
func RenderUpstream(base render.Options) UpstreamFactory {
	return func(req Request) (Upstream, error) {
		opts := base
		opts.BaseURL = req.APIBaseURL
		opts.Token = req.CredentialToken
		c, err := render.NewClient(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Plan validates req and returns the windows a Run would process.
func (p *Pipeline) Plan(req Request) ([]window.Window, error) {
	if _, err := req.Validate(); err != nil {
		return nil, err
	}
	return p.planner.Plan(req.PeriodStart, req.PeriodEnd, p.clock.Now().UTC())
}

// Run ingests every window of req. Per-window failures are recorded as
// skipped windows; the returned error is non-nil only for invalid requests.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	return p.run(ctx, req, p.onWindow)
}

func (p *Pipeline) run(ctx context.Context, req Request, onWindow WindowFunc) (res *Result, err error) {
	category, err := req.Validate()
	if err != nil {
		return nil, err
	}
	up, err := p.upstream(req)
	if err != nil {
		return nil, err
	}
	started := p.clock.Now()
	windows, err := p.planner.Plan(req.PeriodStart, req.PeriodEnd, started.UTC())
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "ingest.run", trace.WithAttributes(
		telemetry.Attr("tenant", req.TenantID),
		telemetry.Attr("category", category.String()),
		telemetry.Attr("report", req.ReportID),
		telemetry.Attr("windows", len(windows)),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	copts := cache.Options{Clock: p.clock, Logger: p.logger, Metrics: p.m}
	w := &windowRunner{
		p:        p,
		req:      req,
		category: category,
		jobs:     cache.NewJobCache(p.cache, up, copts),
		results:  cache.NewResultCache(p.cache, up, copts),
	}

	p.logger.Info(ctx, "ingest started",
		slog.F("tenant", req.TenantID),
		slog.F("category", category),
		slog.F("windows", len(windows)))

	stats := make([]accounting.WindowStats, 0, len(windows))
	for i, win := range windows {
		var ws accounting.WindowStats
		switch {
		case p.clock.Since(started) >= p.budget:
			ws = p.skip(category, win, accounting.ReasonBudgetExceeded)
		case ctx.Err() != nil:
			ws = p.skip(category, win, accounting.ReasonCancelled)
		default:
			ws, err = w.run(ctx, win)
			if err != nil {
				return nil, err
			}
		}
		stats = append(stats, ws)
		if onWindow != nil {
			onWindow(ws, i+1, len(windows))
		}
	}

	run := accounting.Fold(stats...)
	if err := run.Check(); err != nil {
		p.logger.Error(ctx, "run accounting does not balance", slog.Error(err))
	}
	res = &Result{
		Category:   category,
		Windows:    stats,
		Accounting: run,
		Took:       p.clock.Since(started),
	}

	span.SetAttributes(
		telemetry.Attr("inserted", run.Inserted),
		telemetry.Attr("windows_skipped", run.WindowsSkipped),
	)
	p.logger.Info(ctx, "ingest finished",
		slog.F("tenant", req.TenantID),
		slog.F("category", category),
		slog.F("windows_completed", run.WindowsCompleted),
		slog.F("windows_skipped", run.WindowsSkipped),
		slog.F("raw_fetched", run.RawFetched),
		slog.F("inserted", run.Inserted),
		slog.F("persisted_duplicates_skipped", run.PersistedDuplicatesSkipped),
		slog.F("failed", run.Failed),
		slog.F("took", res.Took))
	return res, nil
}

// skip records a window that was not attempted.
func (p *Pipeline) skip(category factstore.Category, w window.Window, reason string) accounting.WindowStats {
	p.m.ObserveWindow(category.String(), string(accounting.Skipped), 0)
	return accounting.WindowStats{Start: w.Start, End: w.End, Outcome: accounting.Skipped, Reason: reason}
}

// windowRunner holds the per-request state shared by its windows.
type windowRunner struct {
	p        *Pipeline
	req      Request
	category factstore.Category
	jobs     *cache.JobCache
	results  *cache.ResultCache
}

// run processes one window. Only fatal errors are returned; anything else
// ends the window as skipped.
func (w *windowRunner) run(ctx context.Context, win window.Window) (stats accounting.WindowStats, fatal error) {
	p := w.p
	scope := w.req.scope(w.category)
	scope.Window = win
	start := p.clock.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "ingest.window", trace.WithAttributes(
		telemetry.Attr("window", win.String()),
		telemetry.Attr("category", w.category.String()),
	))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	stats = accounting.WindowStats{Start: win.Start, End: win.End}
	fail := func(stage string, err error) (accounting.WindowStats, error) {
		spanErr = err
		stats.Outcome = accounting.Skipped
		stats.Stage = stage
		stats.Reason = reason(err)
		stats.Took = p.clock.Since(start)
		p.logger.Error(ctx, "window skipped", failureFields(scope, stage, err)...)
		p.m.ObserveWindow(w.category.String(), string(stats.Outcome), stats.Took)
		if fferrors.IsFatal(err) {
			return stats, err
		}
		return stats, nil
	}

	jobID, cached, err := w.jobs.GetOrCreate(ctx, scope)
	if err != nil {
		return fail(StageSubmit, err)
	}
	stats.JobID = jobID
	stats.Cached = cached
	span.SetAttributes(telemetry.Attr("job_id", jobID), telemetry.Attr("cached", cached))

	location, _, err := w.results.GetOrFetch(ctx, jobID)
	if err != nil {
		return fail(StagePoll, err)
	}

	raw, err := p.fetcher.Fetch(ctx, location, w.req.CredentialToken)
	if err != nil {
		return fail(StageDownload, err)
	}
	if p.archiver != nil {
		// Archive logs its own failures; the window carries on without a copy.
		_ = p.archiver.Archive(ctx, p.archiver.Key(scope, jobID, raw), raw)
	}

	rows, report := p.normalizer.Normalize(raw)
	if err := report.Err(); err != nil {
		p.logger.Info(ctx, "export has no data",
			append(report.Fields(), slog.F("scope", scope.String()), slog.F("job_id", jobID))...)
	} else if report.Malformed+report.ControlChars > 0 {
		p.logger.Warn(ctx, "export lines skipped",
			append(report.Fields(), slog.F("scope", scope.String()), slog.F("job_id", jobID))...)
	}

	stats.RawFetched = len(rows)
	kept, removed := dedup.Dedupe(rows)
	stats.InternalDuplicatesRemoved = removed
	stats.RowsAfterDedup = len(kept)

	up, err := p.facts.Upsert(ctx, w.category, kept, w.req.TenantID, w.req.GroupTagID)
	if err != nil {
		return fail(StageStore, err)
	}
	stats.Inserted = up.Inserted
	stats.PersistedDuplicatesSkipped = up.SkippedAsDuplicate
	stats.Failed = up.Failed
	stats.Outcome = accounting.Completed
	stats.Took = p.clock.Since(start)

	if err := stats.Check(); err != nil {
		p.logger.Error(ctx, "window accounting does not balance", slog.F("scope", scope.String()), slog.Error(err))
	}

	c := w.category.String()
	p.m.AddRows(c, "fetched", stats.RawFetched)
	p.m.AddRows(c, "internal_duplicate", stats.InternalDuplicatesRemoved)
	p.m.AddRows(c, "inserted", stats.Inserted)
	p.m.AddRows(c, "persisted_duplicate", stats.PersistedDuplicatesSkipped)
	p.m.AddRows(c, "failed", stats.Failed)
	p.m.ObserveWindow(c, string(stats.Outcome), stats.Took)

	p.logger.Debug(ctx, "window completed",
		slog.F("scope", scope.String()),
		slog.F("job_id", jobID),
		slog.F("cached", cached),
		slog.F("raw_fetched", stats.RawFetched),
		slog.F("inserted", stats.Inserted),
		slog.F("persisted_duplicates_skipped", stats.PersistedDuplicatesSkipped),
		slog.F("failed", stats.Failed))
	return stats, nil
}

var reasons = map[fferrors.Code]string{
	fferrors.CodeInvalidRequest:   "invalid request",
	fferrors.CodeInvalidCategory:  "invalid category",
	fferrors.CodeRenderSubmission: "render submission failed",
	fferrors.CodeResultNotReady:   "result not ready",
	fferrors.CodeResultTimeout:    "result timeout",
	fferrors.CodeDownloadFailed:   "download failed",
	fferrors.CodeStorageFailure:   "storage failure",
}

func reason(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return accounting.ReasonCancelled
	}
	if r, ok := reasons[fferrors.GetCode(err)]; ok {
		return r
	}
	return "error"
}

// failureFields are the log fields of a failed window: the scope, the stage,
// and whatever diagnostic context (attempts, status, state) the error carries.
func failureFields(scope render.Scope, stage string, err error) []slog.Field {
	fields := []slog.Field{
		slog.F("scope", scope.String()),
		slog.F("stage", stage),
		slog.F("code", fferrors.GetCode(err)),
	}
	var e *fferrors.Error
	if errors.As(err, &e) {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, slog.F(k, e.Context[k]))
		}
	}
	return append(fields, slog.Error(err))
}
