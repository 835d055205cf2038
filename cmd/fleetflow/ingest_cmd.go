package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetflow/fleetflow/pkg/accounting"
	"github.com/fleetflow/fleetflow/pkg/tui"
)

var ingestFlags requestFlags

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest one category of a fleet report",
	Long: `Ingest one event category for a tenant.

Without --start/--end every scheduled weekly window from the configured epoch
up to now is processed. Render jobs are reused across runs, so re-running
only downloads and upserts; rows already stored are skipped.

The tenant credential is read from $` + tokenEnv + `.

Examples:
  fleetflow ingest --tenant acme --api-url https://api.example.com \
    --report 42 --group-tag 7 --category trip

  fleetflow ingest --tenant acme --api-url https://api.example.com \
    --report 42 --group-tag 7 --category speeding --event-rule 9 \
    --start 2025-03-03 --end 2025-03-10 --json`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	ingestFlags.bind(ingestCmd, true)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	req, err := ingestFlags.request()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	windows, err := a.pipeline(nil).Plan(req)
	if err != nil {
		return err
	}

	var onWindow func(accounting.WindowStats, int, int)
	if !jsonOutput {
		bar := tui.ShowProgress(os.Stderr, len(windows), "Ingesting "+req.Category)
		defer bar.Finish()
		onWindow = func(_ accounting.WindowStats, done, _ int) {
			_ = bar.Set(done)
		}
	}

	res, err := a.pipeline(onWindow).Run(ctx, req)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(res)
	}
	tui.PrintRunSummary(os.Stdout, fmt.Sprintf("ingest %s", res.Category), res.Accounting, res.Took)
	return nil
}
