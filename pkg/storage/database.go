// Package storage opens the database shared by the render caches and the
// fact store.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/marcboeker/go-duckdb"
)

// Driver selects a storage backend.
type Driver string

const (
	// DriverMemory keeps everything in process. Used for tests and dry runs.
	DriverMemory Driver = "memory"
	// DriverDuckDB is the local embedded store.
	DriverDuckDB Driver = "duckdb"
	// DriverPostgres is the live store.
	DriverPostgres Driver = "postgres"
)

// Config selects and configures the backend.
type Config struct {
	Driver Driver `yaml:"driver" json:"driver"`

	// Path is the DuckDB database file. Empty opens an in-memory database.
	Path string `yaml:"path" json:"path"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"-"`

	// Schema qualifies Postgres table names.
	Schema string `yaml:"schema" json:"schema"`

	MaxConns int `yaml:"max_conns" json:"max_conns"`

	// SimpleProtocol disables prepared statements, for PgBouncer.
	SimpleProtocol bool `yaml:"simple_protocol" json:"simple_protocol"`
}

// DB is an open backend. Exactly one of SQL and Pool is set for the duckdb
// and postgres drivers; both are nil for memory.
type DB struct {
	Driver Driver
	SQL    *sql.DB
	Pool   *pgxpool.Pool
	Schema string
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return &DB{Driver: DriverMemory}, nil

	case DriverDuckDB:
		db, err := sql.Open("duckdb", cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return &DB{Driver: DriverDuckDB, SQL: db}, nil

	case DriverPostgres:
		pcfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.MaxConns > 0 {
			pcfg.MaxConns = int32(cfg.MaxConns)
		}
		if cfg.SimpleProtocol {
			pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
		}
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		schema := cfg.Schema
		if schema == "" {
			schema = "public"
		}
		return &DB{Driver: DriverPostgres, Pool: pool, Schema: schema}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Close releases the connection.
func (d *DB) Close() error {
	switch {
	case d.SQL != nil:
		return d.SQL.Close()
	case d.Pool != nil:
		d.Pool.Close()
	}
	return nil
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Qualify returns table inside the quoted schema. An empty schema leaves the
// name unqualified.
func Qualify(schema, table string) string {
	if schema == "" {
		return table
	}
	return QuoteIdent(schema) + "." + table
}
