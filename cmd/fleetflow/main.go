// fleetflow - fleet telemetry report ingestion
// Renders fleet reports upstream, downloads the exports and stores the rows
// as idempotent facts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile    string
	logLevel      string
	logFormat     string
	storageDriver string
	storagePath   string
	storageDSN    string
	jsonOutput    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetflow",
	Short: "fleetflow - Ingest fleet telemetry reports",
	Long: `fleetflow ingests fleet telemetry reports (trips, idling, speeding and
harsh-driving events) from a report-rendering API into a fact store.

Each request is split into weekly windows. For every window a render job is
submitted (or reused), its export downloaded, normalized, deduplicated and
upserted. Re-running a request never duplicates rows.

Configuration is read from /etc/fleetflow/config.yaml, ~/.fleetflow/config.yaml,
./.fleetflow.yaml, then --config, then FLEETFLOW_* environment variables,
then flags.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Config file (overrides search paths)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: human, json")
	pf.StringVar(&storageDriver, "storage-driver", "", "Storage driver: memory, duckdb, postgres")
	pf.StringVar(&storagePath, "storage-path", "", "DuckDB database file")
	pf.StringVar(&storageDSN, "storage-dsn", "", "Postgres connection string")
	pf.BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
}
