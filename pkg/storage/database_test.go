package storage

import (
	"context"
	"testing"
)

func TestQualify(t *testing.T) {
	tests := []struct {
		schema string
		table  string
		want   string
	}{
		{"public", "render_jobs", `"public".render_jobs`},
		{"fleet ops", "trips", `"fleet ops".trips`},
		{`we"ird`, "trips", `"we""ird".trips`},
		{"", "trips", "trips"},
	}
	for _, tt := range tests {
		if got := Qualify(tt.schema, tt.table); got != tt.want {
			t.Errorf("Qualify(%q, %q): expected %s, got %s", tt.schema, tt.table, tt.want, got)
		}
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	db, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if db.SQL != nil || db.Pool != nil {
		t.Error("Expected no connections for the memory driver")
	}

	db, err = Open(ctx, Config{Driver: DriverDuckDB})
	if err != nil {
		t.Fatalf("Open duckdb: %v", err)
	}
	defer db.Close()
	if db.SQL == nil {
		t.Error("Expected a database handle for duckdb")
	}

	if _, err := Open(ctx, Config{Driver: "sqlite"}); err == nil {
		t.Error("Expected error for unknown driver")
	}
}
