package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fleetflow/fleetflow/pkg/config"
	"github.com/fleetflow/fleetflow/pkg/factstore"
	"github.com/fleetflow/fleetflow/pkg/registry"
	"github.com/fleetflow/fleetflow/pkg/tui"
	"github.com/fleetflow/fleetflow/pkg/window"
)

var planFlags requestFlags

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the windows a request would process",
	Long: `Validate a request and print its windows without contacting upstream.

Examples:
  fleetflow plan --tenant acme --api-url https://api.example.com \
    --report 42 --group-tag 7 --category trip`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

var statusRunning bool

var statusCmd = &cobra.Command{
	Use:   "status [operation-id]",
	Short: "Show backfill operations",
	Long: `List operations in the registry, newest first, or show one by ID.

The memory registry only lives as long as the process; use the redis backend
to inspect operations from another invocation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the cache and fact tables",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Long:  `Write the default configuration to path (default ~/.fleetflow/config.yaml).`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

func init() {
	planFlags.bind(planCmd, true)
	statusCmd.Flags().BoolVar(&statusRunning, "running", false, "Only show running operations")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	req, err := planFlags.request()
	if err != nil {
		return err
	}
	// Planning never calls upstream, so the credential may be absent.
	if req.CredentialToken == "" {
		req.CredentialToken = "-"
	}

	mgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	if _, err := req.Validate(); err != nil {
		return err
	}
	windows, err := cfg.Planner.Planner().Plan(req.PeriodStart, req.PeriodEnd, time.Now())
	if err != nil {
		return err
	}

	if jsonOutput {
		if windows == nil {
			windows = []window.Window{}
		}
		return printJSON(windows)
	}
	for i, w := range windows {
		fmt.Printf("%3d  %s\n", i+1, w)
	}
	fmt.Printf("%d windows\n", len(windows))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var ops []*registry.Operation
	switch {
	case len(args) == 1:
		op, err := a.registry.Get(ctx, args[0])
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("operation %s not found", args[0])
		}
		if err != nil {
			return err
		}
		ops = []*registry.Operation{op}
	case statusRunning:
		ops, err = a.registry.Running(ctx)
	default:
		ops, err = a.registry.List(ctx)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		if ops == nil {
			ops = []*registry.Operation{}
		}
		return printJSON(ops)
	}
	tui.PrintOperations(os.Stdout, ops)
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Opening the app migrates every table.
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	counts := make(map[string]int)
	for _, c := range factstore.Categories() {
		n, err := a.facts.Count(ctx, c)
		if err != nil {
			return fmt.Errorf("count %s: %w", c, err)
		}
		counts[c.String()] = n
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"driver": a.db.Driver,
			"rows":   counts,
		})
	}
	fmt.Printf("Schema is up to date (%s)\n", a.db.Driver)
	for _, c := range factstore.Categories() {
		fmt.Printf("  %-15s %d rows\n", c, counts[c.String()])
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	mgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := *mgr.Get()
	redact(&cfg.Storage.DSN)
	redact(&cfg.Registry.Redis.Password)
	redact(&cfg.Export.S3.SecretAccessKey)

	for _, p := range mgr.GetPaths() {
		fmt.Fprintf(os.Stderr, "# loaded %s\n", p)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".fleetflow", "config.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := config.NewManagerWithPaths().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func redact(s *string) {
	if *s != "" {
		*s = "********"
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
