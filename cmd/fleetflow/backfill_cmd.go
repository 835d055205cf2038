package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fleetflow/fleetflow/pkg/accounting"
	"github.com/fleetflow/fleetflow/pkg/ingest"
	"github.com/fleetflow/fleetflow/pkg/registry"
	"github.com/fleetflow/fleetflow/pkg/tui"
)

var (
	backfillFlags       requestFlags
	backfillPlanFile    string
	backfillConcurrency int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest several categories or tenants concurrently",
	Long: `Run several ingestion requests at once, each tracked as an operation in
the registry.

Requests come either from flags, which describe a single request for exactly
one --category, or from a plan file listing one request per category:

  defaults:
    tenant_id: acme
    api_base_url: https://api.example.com
    report_id: "42"
    group_tag_id: "7"
  requests:
    - category: trip
    - category: speeding
      event_rule_id: "9"

Event categories read different reports, so give each its own report_id or
event_rule_id; requests sharing an export across event categories are
rejected. Fields missing from a request are taken from defaults. The
credential is read from $` + tokenEnv + ` unless a request sets credential_token.

Every request is validated before any starts. A request that fails later does
not stop the others.`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

func init() {
	backfillFlags.bind(backfillCmd, true)
	backfillCmd.Flags().StringVarP(&backfillPlanFile, "plan", "p", "", "YAML plan file of requests")
	backfillCmd.Flags().IntVar(&backfillConcurrency, "concurrency", 0, "Concurrent requests (default from config)")
}

// backfillPlan is the plan file format.
type backfillPlan struct {
	Defaults ingest.Request   `yaml:"defaults"`
	Requests []ingest.Request `yaml:"requests"`
}

func loadBackfillPlan(path string) ([]ingest.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan backfillPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(plan.Requests) == 0 {
		return nil, fmt.Errorf("plan %s has no requests", path)
	}

	reqs := make([]ingest.Request, len(plan.Requests))
	for i, r := range plan.Requests {
		reqs[i] = withDefaults(r, plan.Defaults)
	}
	return reqs, nil
}

// withDefaults fills the empty fields of r from d.
func withDefaults(r, d ingest.Request) ingest.Request {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&r.TenantID, d.TenantID)
	fill(&r.CredentialToken, d.CredentialToken)
	fill(&r.APIBaseURL, d.APIBaseURL)
	fill(&r.ReportID, d.ReportID)
	fill(&r.GroupTagID, d.GroupTagID)
	fill(&r.EventRuleID, d.EventRuleID)
	fill(&r.Category, d.Category)
	if r.PeriodStart == nil && r.PeriodEnd == nil {
		r.PeriodStart, r.PeriodEnd = d.PeriodStart, d.PeriodEnd
	}
	fill(&r.CredentialToken, os.Getenv(tokenEnv))
	return r
}

func backfillRequests() ([]ingest.Request, error) {
	if backfillPlanFile != "" {
		return loadBackfillPlan(backfillPlanFile)
	}

	base, err := backfillFlags.request()
	if err != nil {
		return nil, err
	}
	if base.Category == "" {
		return nil, fmt.Errorf("--category is required without --plan; list several categories in a plan file")
	}
	return []ingest.Request{base}, nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reqs, err := backfillRequests()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	total := 0
	planner := a.pipeline(nil)
	for _, req := range reqs {
		windows, err := planner.Plan(req)
		if err != nil {
			return fmt.Errorf("request %s/%s: %w", req.TenantID, req.Category, err)
		}
		total += len(windows)
	}

	var onWindow func(accounting.WindowStats, int, int)
	if !jsonOutput {
		bar := tui.ShowProgress(os.Stderr, total, fmt.Sprintf("Backfilling %d requests", len(reqs)))
		defer bar.Finish()
		onWindow = func(accounting.WindowStats, int, int) {
			_ = bar.Add(1)
		}
	}

	concurrency := a.cfg.Run.Concurrency
	if backfillConcurrency > 0 {
		concurrency = backfillConcurrency
	}
	bf := ingest.NewBackfill(a.pipeline(onWindow), a.registry, ingest.BackfillOptions{
		Concurrency: concurrency,
		Logger:      a.logger,
	})

	started := time.Now()
	outcomes, err := bf.Run(ctx, reqs)
	if err != nil {
		return err
	}

	totals := ingest.Totals(outcomes)
	if jsonOutput {
		if err := printJSON(backfillReport(outcomes, totals)); err != nil {
			return err
		}
	} else {
		tui.PrintOperations(os.Stdout, operations(ctx, a.registry, outcomes))
		tui.PrintRunSummary(os.Stdout, "backfill", totals, time.Since(started))
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(outcomes))
	}
	return nil
}

type outcomeReport struct {
	ingest.Outcome
	Error string `json:"error,omitempty"`
}

func backfillReport(outcomes []ingest.Outcome, totals accounting.RunAccounting) interface{} {
	out := make([]outcomeReport, len(outcomes))
	for i, o := range outcomes {
		out[i] = outcomeReport{Outcome: o}
		if o.Err != nil {
			out[i].Error = o.Err.Error()
		}
	}
	return map[string]interface{}{
		"requests": out,
		"totals":   totals,
	}
}

// operations loads the registry record of each outcome.
func operations(ctx context.Context, reg *registry.Registry, outcomes []ingest.Outcome) []*registry.Operation {
	ops := make([]*registry.Operation, 0, len(outcomes))
	for _, o := range outcomes {
		if op, err := reg.Get(ctx, o.OperationID); err == nil {
			ops = append(ops, op)
		}
	}
	return ops
}
