// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config file < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetflow/fleetflow/pkg/ingest"
	"github.com/fleetflow/fleetflow/pkg/normalize"
	"github.com/fleetflow/fleetflow/pkg/registry"
	"github.com/fleetflow/fleetflow/pkg/resilience"
	"github.com/fleetflow/fleetflow/pkg/storage"
	"github.com/fleetflow/fleetflow/pkg/window"
)

// Config holds all fleetflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Upstream  UpstreamConfig  `yaml:"upstream"`
	Export    ExportConfig    `yaml:"export"`
	Normalize NormalizeConfig `yaml:"normalize"`
	Planner   PlannerConfig   `yaml:"planner"`
	Storage   storage.Config  `yaml:"storage"`
	Registry  RegistryConfig  `yaml:"registry"`
	Run       RunConfig       `yaml:"run"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// UpstreamConfig controls calls to the rendering API.
type UpstreamConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	SubmitAttempts int           `yaml:"submit_attempts"`
	SubmitDelay    time.Duration `yaml:"submit_delay"`

	PollInitial    time.Duration `yaml:"poll_initial"`
	PollMultiplier float64       `yaml:"poll_multiplier"`
	PollMaxDelay   time.Duration `yaml:"poll_max_delay"`
	PollBudget     time.Duration `yaml:"poll_budget"`
}

// SubmitPolicy is the retry policy for render submissions.
func (u UpstreamConfig) SubmitPolicy() resilience.Policy {
	return resilience.Fixed(u.SubmitAttempts, u.SubmitDelay)
}

// PollPolicy is the backoff policy for result polling.
func (u UpstreamConfig) PollPolicy() resilience.Policy {
	return resilience.Exponential(u.PollInitial, u.PollMultiplier, u.PollMaxDelay, u.PollBudget)
}

// ExportConfig controls export downloads and archiving.
type ExportConfig struct {
	// PrivateHost receives the tenant credential; other hosts do not.
	PrivateHost string        `yaml:"private_host"`
	ChunkSize   int           `yaml:"chunk_size"`
	MaxSize     int64         `yaml:"max_size"`
	Attempts    int           `yaml:"attempts"`
	Delay       time.Duration `yaml:"delay"`
	Timeout     time.Duration `yaml:"timeout"`

	S3      S3Config      `yaml:"s3"`
	Archive ArchiveConfig `yaml:"archive"`
}

// Policy is the retry policy for downloads.
func (e ExportConfig) Policy() resilience.Policy {
	return resilience.Fixed(e.Attempts, e.Delay)
}

// S3Config configures access to S3-compatible storage, used for s3://
// export locations and the raw export archive.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ArchiveConfig controls the raw export archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// NormalizeConfig controls export parsing.
type NormalizeConfig struct {
	PreambleLines int    `yaml:"preamble_lines"`
	VehicleColumn string `yaml:"vehicle_column"`
}

// Options returns the normalizer options.
func (n NormalizeConfig) Options() normalize.Options {
	return normalize.Options{PreambleLines: n.PreambleLines, VehicleColumn: n.VehicleColumn}
}

// PlannerConfig controls the default window schedule.
type PlannerConfig struct {
	Epoch        time.Time     `yaml:"epoch"`
	WindowLength time.Duration `yaml:"window_length"`
}

// Planner returns the configured window planner.
func (p PlannerConfig) Planner() window.Planner {
	return window.NewPlanner(p.Epoch, p.WindowLength)
}

// RegistryConfig selects the operation registry backend.
type RegistryConfig struct {
	Backend string               `yaml:"backend"` // memory | redis
	Redis   registry.RedisConfig `yaml:"redis"`
}

// RunConfig controls a single invocation.
type RunConfig struct {
	Budget      time.Duration `yaml:"budget"`
	Concurrency int           `yaml:"concurrency"`
}

// TelemetryConfig controls tracing and metrics.
type TelemetryConfig struct {
	Tracing       bool    `yaml:"tracing"`
	Endpoint      string  `yaml:"endpoint"`
	Insecure      bool    `yaml:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
	Environment   string  `yaml:"environment"`

	// MetricsAddr serves Prometheus metrics when set (e.g., ":9464").
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Format string `yaml:"format"` // human | json
	Level  string `yaml:"level"`  // debug | info | warn | error
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Version: 1,
		Upstream: UpstreamConfig{
			Timeout:        30 * time.Second,
			SubmitAttempts: 3,
			SubmitDelay:    5 * time.Second,
			PollInitial:    2 * time.Second,
			PollMultiplier: 1.5,
			PollMaxDelay:   10 * time.Second,
			PollBudget:     300 * time.Second,
		},
		Export: ExportConfig{
			ChunkSize: 256 << 10,
			MaxSize:   256 << 20,
			Attempts:  3,
			Delay:     5 * time.Second,
			Timeout:   2 * time.Minute,
			Archive: ArchiveConfig{
				Prefix: "raw-exports",
			},
		},
		Normalize: NormalizeConfig{
			PreambleLines: normalize.DefaultPreambleLines,
			VehicleColumn: normalize.DefaultVehicleColumn,
		},
		Planner: PlannerConfig{
			Epoch:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			WindowLength: window.DefaultLength,
		},
		Storage: storage.Config{
			Driver: storage.DriverDuckDB,
			Path:   filepath.Join(homeDir, ".fleetflow", "fleetflow.db"),
			Schema: "public",
		},
		Registry: RegistryConfig{
			Backend: "memory",
			Redis:   registry.DefaultRedisConfig("localhost:6379"),
		},
		Run: RunConfig{
			Budget:      ingest.DefaultBudget,
			Concurrency: ingest.DefaultConcurrency,
		},
		Telemetry: TelemetryConfig{
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 1.0,
			Environment:   "development",
		},
		Log: LogConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverDuckDB:
	case storage.DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Registry.Backend {
	case "memory":
	case "redis":
		if c.Registry.Redis.Address == "" {
			return fmt.Errorf("registry.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown registry.backend %q", c.Registry.Backend)
	}
	if c.Export.Archive.Enabled && c.Export.Archive.Bucket == "" {
		return fmt.Errorf("export.archive.bucket is required when archiving is enabled")
	}
	if c.Upstream.SubmitAttempts < 1 || c.Export.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.Upstream.PollInitial <= 0 || c.Upstream.PollBudget <= 0 {
		return fmt.Errorf("upstream.poll_initial and upstream.poll_budget must be positive")
	}
	if c.Run.Budget <= 0 {
		return fmt.Errorf("run.budget must be positive")
	}
	return nil
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	search []string // Candidate paths, lowest priority first
	paths  []string // Paths that were loaded
}

// NewManager creates a configuration manager using the standard search
// paths.
func NewManager() *Manager {
	return NewManagerWithPaths(defaultSearchPaths()...)
}

// NewManagerWithPaths creates a manager that searches only paths.
func NewManagerWithPaths(paths ...string) *Manager {
	return &Manager{
		config: Default(),
		search: paths,
	}
}

// defaultSearchPaths returns config file paths in priority order.
func defaultSearchPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/fleetflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".fleetflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".fleetflow.yaml"))
	}

	return paths
}

// Load loads configuration from all sources in priority order. explicit is
// an optional file given with --config; unlike the search paths it must
// exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.search {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but fail on broken ones
			if !os.IsNotExist(err) {
				return fmt.Errorf("config %s: %w", path, err)
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			return fmt.Errorf("config %s: %w", explicit, err)
		}
		m.paths = append(m.paths, explicit)
	}

	if err := m.loadEnv(); err != nil {
		return err
	}
	return nil
}

// loadFile overlays a single config file. Keys absent from the file keep
// their current value.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m.config)
}

// loadEnv loads configuration from FLEETFLOW_* environment variables.
func (m *Manager) loadEnv() error {
	c := m.config
	str := map[string]*string{
		"FLEETFLOW_STORAGE_DRIVER":      (*string)(&c.Storage.Driver),
		"FLEETFLOW_STORAGE_PATH":        &c.Storage.Path,
		"FLEETFLOW_STORAGE_DSN":         &c.Storage.DSN,
		"FLEETFLOW_STORAGE_SCHEMA":      &c.Storage.Schema,
		"FLEETFLOW_REGISTRY_BACKEND":    &c.Registry.Backend,
		"FLEETFLOW_REDIS_ADDR":          &c.Registry.Redis.Address,
		"FLEETFLOW_REDIS_PASSWORD":      &c.Registry.Redis.Password,
		"FLEETFLOW_EXPORT_PRIVATE_HOST": &c.Export.PrivateHost,
		"FLEETFLOW_S3_REGION":           &c.Export.S3.Region,
		"FLEETFLOW_S3_ENDPOINT":         &c.Export.S3.Endpoint,
		"FLEETFLOW_ARCHIVE_BUCKET":      &c.Export.Archive.Bucket,
		"FLEETFLOW_OTLP_ENDPOINT":       &c.Telemetry.Endpoint,
		"FLEETFLOW_METRICS_ADDR":        &c.Telemetry.MetricsAddr,
		"FLEETFLOW_LOG_FORMAT":          &c.Log.Format,
		"FLEETFLOW_LOG_LEVEL":           &c.Log.Level,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("FLEETFLOW_RUN_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLEETFLOW_RUN_BUDGET: %w", err)
		}
		c.Run.Budget = d
	}
	if v := os.Getenv("FLEETFLOW_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEETFLOW_CONCURRENCY: %w", err)
		}
		c.Run.Concurrency = n
	}
	if v := os.Getenv("FLEETFLOW_TRACING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FLEETFLOW_TRACING: %w", err)
		}
		c.Telemetry.Tracing = b
	}
	if v := os.Getenv("FLEETFLOW_ARCHIVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FLEETFLOW_ARCHIVE: %w", err)
		}
		c.Export.Archive.Enabled = b
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
