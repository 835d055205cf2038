package ingest

import (
	"context"
	"fmt"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/errgroup"

	"github.com/fleetflow/fleetflow/pkg/accounting"
	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/factstore"
	"github.com/fleetflow/fleetflow/pkg/registry"
	"github.com/fleetflow/fleetflow/pkg/render"
)

// DefaultConcurrency bounds concurrent requests in a Backfill.
const DefaultConcurrency = 4

// OperationKind is the registry kind of backfill operations.
const OperationKind = "backfill"

// BackfillOptions configures a Backfill.
type BackfillOptions struct {
	Concurrency int
	Logger      slog.Logger
}

// Backfill runs independent requests, typically one per category, each as
// its own registry operation.
type Backfill struct {
	pipeline    *Pipeline
	registry    *registry.Registry
	concurrency int
	logger      slog.Logger
}

// NewBackfill creates a Backfill.
func NewBackfill(p *Pipeline, reg *registry.Registry, opts BackfillOptions) *Backfill {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Backfill{
		pipeline:    p,
		registry:    reg,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.Named("backfill"),
	}
}

// Outcome is the result of one backfilled request.
type Outcome struct {
	OperationID string  `json:"operation_id"`
	Request     Request `json:"request"`
	Result      *Result `json:"result,omitempty"`
	Err         error   `json:"-"`
}

// Run executes reqs concurrently and waits for all of them. Every request is
// validated first; an invalid one aborts before anything starts. A request
// failing later does not stop the others, and its error is in its Outcome.
//
// Two event categories cannot share a report, rule and period: the same
// export would land in both category tables. Trip and idle may, since both
// are read from the trip/idle report.
func (b *Backfill) Run(ctx context.Context, reqs []Request) ([]Outcome, error) {
	seen := make(map[string]factstore.Category, len(reqs))
	for i, req := range reqs {
		category, err := req.Validate()
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		key := req.exportKey(category)
		if prev, ok := seen[key]; ok && prev != category && category.ReportKind() != render.ReportTripIdle {
			return nil, fmt.Errorf("request %d: %w", i, fferrors.InvalidRequest("category",
				fmt.Sprintf("%s and %s requests share report %s, event rule %s and period", prev, category, req.ReportID, req.EventRuleID)))
		}
		seen[key] = category
	}

	outcomes := make([]Outcome, len(reqs))
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			op, err := b.registry.Start(ctx, OperationKind, req.Labels())
			if err != nil {
				outcomes[i] = Outcome{Request: req, Err: err}
				return nil
			}
			res, err := b.track(ctx, op.ID, req)
			outcomes[i] = Outcome{OperationID: op.ID, Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// Start validates req, registers it and runs it in the background. The
// returned id can be polled through the registry.
func (b *Backfill) Start(ctx context.Context, req Request) (string, error) {
	if _, err := req.Validate(); err != nil {
		return "", err
	}
	op, err := b.registry.Start(ctx, OperationKind, req.Labels())
	if err != nil {
		return "", err
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := b.track(runCtx, op.ID, req); err != nil {
			b.logger.Error(runCtx, "background backfill failed", slog.F("op_id", op.ID), slog.Error(err))
		}
	}()
	return op.ID, nil
}

// track runs req, mirroring progress and the final state into the registry.
func (b *Backfill) track(ctx context.Context, opID string, req Request) (*Result, error) {
	onWindow := func(stats accounting.WindowStats, done, total int) {
		if err := b.registry.Progress(ctx, opID, done, total); err != nil {
			b.logger.Warn(ctx, "progress update failed", slog.F("op_id", opID), slog.Error(err))
		}
		if b.pipeline.onWindow != nil {
			b.pipeline.onWindow(stats, done, total)
		}
	}

	res, err := b.pipeline.run(ctx, req, onWindow)
	if err != nil {
		if ferr := b.registry.Fail(ctx, opID, err); ferr != nil {
			b.logger.Warn(ctx, "failed to record failure", slog.F("op_id", opID), slog.Error(ferr))
		}
		return nil, err
	}
	if err := b.registry.Complete(ctx, opID, res.Accounting); err != nil {
		b.logger.Warn(ctx, "failed to record completion", slog.F("op_id", opID), slog.Error(err))
	}
	return res, nil
}

// Totals merges the accounting of every successful outcome.
func Totals(outcomes []Outcome) accounting.RunAccounting {
	runs := make([]accounting.RunAccounting, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result != nil {
			runs = append(runs, o.Result.Accounting)
		}
	}
	return accounting.Merge(runs...)
}
