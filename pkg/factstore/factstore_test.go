package factstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/marcboeker/go-duckdb"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/normalize"
	"github.com/fleetflow/fleetflow/pkg/render"
)

func speedingRows() []normalize.Row {
	return []normalize.Row{
		{"Date": "2025-01-02", "Time": "08:15:00", "Vehicle": "TRK-1", "Location": "Main St", "Duration": "00:01:30", "Speed": "92 km/h", "Speed Limit": "80", "Driver": "Ann"},
		{"Date": "2025-01-02", "Time": "09:00:00", "Vehicle": "TRK-2", "Location": "", "Duration": "45", "Speed": "101", "Speed Limit": "90", "Driver": ""},
		{"Date": "2025-01-03", "Time": "17:45", "Vehicle": "TRK-1", "Location": "Ring Rd", "Duration": "", "Speed": "n/a", "Speed Limit": "", "Driver": "Bo"},
	}
}

// stores returns every Store that runs without external services.
func stores(t *testing.T) map[string]*Store {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	all := map[string]*Store{
		"memory": NewMemoryStore(logger),
		"duckdb": NewDuckDBStore(db, logger),
	}
	for name, s := range all {
		if err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate %s: %v", name, err)
		}
	}
	return all
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"trip", Trip},
		{"SPEEDING", Speeding},
		{"harsh_brake", HarshBrake},
		{" after-hours ", AfterHours},
		{"Weekend_Usage", WeekendUsage},
	}
	for _, tt := range tests {
		got, err := ParseCategory(tt.in)
		if err != nil {
			t.Errorf("ParseCategory(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Expected %s for %q, got %s", tt.want, tt.in, got)
		}
	}

	_, err := ParseCategory("parking")
	if !errors.Is(err, fferrors.ErrInvalidCategory) {
		t.Errorf("Expected ErrInvalidCategory, got %v", err)
	}
}

func TestCategoryReportKind(t *testing.T) {
	for _, c := range Categories() {
		want := render.ReportEvent
		if c == Trip || c == Idle {
			want = render.ReportTripIdle
		}
		if got := c.ReportKind(); got != want {
			t.Errorf("Expected %s for %s, got %s", want, c, got)
		}
		if _, err := c.Schema(); err != nil {
			t.Errorf("Schema(%s): %v", c, err)
		}
	}
}

func TestMapSpeedingRow(t *testing.T) {
	s, _ := Speeding.Schema()
	rec, err := s.Map(speedingRows()[0], "acme", "tag-1")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	wantTS := time.Date(2025, 1, 2, 8, 15, 0, 0, time.UTC)
	if !rec.PrimaryTimestamp.Equal(wantTS) {
		t.Errorf("Expected timestamp %v, got %v", wantTS, rec.PrimaryTimestamp)
	}
	if !rec.EventDate.Equal(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected event date 2025-01-02, got %v", rec.EventDate)
	}
	if rec.DurationSeconds == nil || *rec.DurationSeconds != 90 {
		t.Errorf("Expected duration 90, got %v", rec.DurationSeconds)
	}
	if rec.Extra["speed"] != 92.0 {
		t.Errorf("Expected speed 92, got %v", rec.Extra["speed"])
	}
	if rec.Extra["driver"] != "Ann" {
		t.Errorf("Expected driver Ann, got %v", rec.Extra["driver"])
	}
	if rec.IsDuplicate {
		t.Error("Expected IsDuplicate false")
	}
}

func TestMapOptionalValuesBecomeNull(t *testing.T) {
	s, _ := Speeding.Schema()
	rec, err := s.Map(speedingRows()[2], "acme", "tag-1")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if rec.DurationSeconds != nil {
		t.Errorf("Expected nil duration, got %d", *rec.DurationSeconds)
	}
	if rec.Extra["speed"] != nil {
		t.Errorf("Expected nil speed, got %v", rec.Extra["speed"])
	}
	if rec.Extra["speed_limit"] != nil {
		t.Errorf("Expected nil speed limit, got %v", rec.Extra["speed_limit"])
	}
}

func TestMapTripEndTimeRollsOver(t *testing.T) {
	s, _ := Trip.Schema()
	rec, err := s.Map(normalize.Row{
		"Date":       "2025-01-02",
		"Start Time": "23:30:00",
		"End Time":   "00:20:00",
		"Vehicle":    "TRK-1",
	}, "acme", "tag-1")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	want := time.Date(2025, 1, 3, 0, 20, 0, 0, time.UTC)
	end, ok := rec.Extra["end_ts"].(time.Time)
	if !ok || !end.Equal(want) {
		t.Errorf("Expected end %v, got %v", want, rec.Extra["end_ts"])
	}
}

func TestMapDateTimeInTimeColumn(t *testing.T) {
	s, _ := Idle.Schema()
	rec, err := s.Map(normalize.Row{"Start Time": "2025-01-04 06:00:00", "Vehicle": "VAN-3"}, "acme", "tag-1")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !rec.PrimaryTimestamp.Equal(time.Date(2025, 1, 4, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected timestamp %v", rec.PrimaryTimestamp)
	}
}

func TestMapUnplaceable(t *testing.T) {
	s, _ := Speeding.Schema()
	tests := []struct {
		name string
		row  normalize.Row
	}{
		{"no vehicle", normalize.Row{"Date": "2025-01-02", "Time": "08:00"}},
		{"bad date", normalize.Row{"Date": "soon", "Time": "08:00", "Vehicle": "A"}},
		{"bad time", normalize.Row{"Date": "2025-01-02", "Time": "morning", "Vehicle": "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Map(tt.row, "acme", "tag-1"); !errors.Is(err, errUnplaceable) {
				t.Errorf("Expected errUnplaceable, got %v", err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"01:02:03", 3723, true},
		{"02:30", 150, true},
		{"45", 45, true},
		{"12.6", 13, true},
		{"", 0, false},
		{"-5", 0, false},
		{"1:2:3:4", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseDuration(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseDuration(%q): expected (%d, %v), got (%d, %v)", tt.in, tt.want, tt.ok, got, ok)
		}
	}
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"92 km/h", 92, true},
		{"1,5", 1.5, true},
		{"1,234.5", 1234.5, true},
		{"-0.4g", -0.4, true},
		{"n/a", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseFloat(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseFloat(%q): expected (%v, %v), got (%v, %v)", tt.in, tt.want, tt.ok, got, ok)
		}
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rows := speedingRows()

			first, err := s.Upsert(ctx, Speeding, rows, "acme", "tag-1")
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if first.Inserted != 3 || first.SkippedAsDuplicate != 0 || first.Failed != 0 {
				t.Errorf("Expected 3 inserted, got %+v", first)
			}

			second, err := s.Upsert(ctx, Speeding, rows, "acme", "tag-1")
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if second.Inserted != 0 || second.SkippedAsDuplicate != 3 {
				t.Errorf("Expected 3 skipped on re-ingest, got %+v", second)
			}

			n, err := s.Count(ctx, Speeding)
			if err != nil {
				t.Fatalf("Count: %v", err)
			}
			if n != 3 {
				t.Errorf("Expected 3 stored rows, got %d", n)
			}

			// Another tenant has its own key space.
			other, _ := s.Upsert(ctx, Speeding, rows, "globex", "tag-1")
			if other.Inserted != 3 {
				t.Errorf("Expected 3 inserted for second tenant, got %+v", other)
			}
		})
	}
}

func TestUpsertCollapsesBatchDuplicates(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rows := speedingRows()
			dup := normalize.Row{}
			for k, v := range rows[0] {
				dup[k] = v
			}
			dup["Driver"] = "Someone Else"
			rows = append(rows, dup, normalize.Row{"Vehicle": "TRK-9"})

			res, err := s.Upsert(context.Background(), Speeding, rows, "acme", "tag-1")
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if res.Inserted != 3 || res.SkippedAsDuplicate != 2 {
				t.Errorf("Expected 3 inserted and 2 skipped, got %+v", res)
			}
			if res.Total() != len(rows) {
				t.Errorf("Expected total %d, got %d", len(rows), res.Total())
			}
		})
	}
}

func TestUpsertFallsBackRowByRow(t *testing.T) {
	b := newMemoryBackend()
	b.failBatch = errors.New("connection reset")
	b.failRow = func(rec Record) error {
		if rec.VehicleID == "TRK-2" {
			return errors.New("value too long")
		}
		return nil
	}
	s := newStore(b, slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	res, err := s.Upsert(ctx, Speeding, speedingRows(), "acme", "tag-1")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Inserted != 2 || res.Failed != 1 || res.SkippedAsDuplicate != 0 {
		t.Errorf("Expected 2 inserted and 1 failed, got %+v", res)
	}
}

func TestDuckDBUpsertFallsBackRowByRow(t *testing.T) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	// A CHECK on one vehicle fails the multi-row insert as a whole while the
	// other rows stay insertable on their own.
	ddl := duckdbDialect.createTable(schemas[Speeding], schemas[Speeding].Table)
	ddl = strings.TrimSuffix(ddl, "\n)") + ",\n\tCHECK (vehicle_id <> 'TRK-2')\n)"
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		t.Fatalf("create table: %v", err)
	}

	s := NewDuckDBStore(db, slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	res, err := s.Upsert(ctx, Speeding, speedingRows(), "acme", "tag-1")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Inserted != 2 || res.Failed != 1 || res.SkippedAsDuplicate != 0 {
		t.Errorf("Expected 2 inserted and 1 failed, got %+v", res)
	}

	n, err := s.Count(ctx, Speeding)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 stored rows, got %d", n)
	}

	res, err = s.Upsert(ctx, Speeding, speedingRows(), "acme", "tag-1")
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if res.Inserted != 0 || res.SkippedAsDuplicate != 2 || res.Failed != 1 {
		t.Errorf("Expected 2 skipped and 1 failed on rerun, got %+v", res)
	}
}

func TestUpsertInvalidCategory(t *testing.T) {
	s := NewMemoryStore(slogtest.Make(t, nil))
	_, err := s.Upsert(context.Background(), Category("parking"), speedingRows(), "acme", "tag-1")
	if !errors.Is(err, fferrors.ErrInvalidCategory) {
		t.Errorf("Expected ErrInvalidCategory, got %v", err)
	}
}

func TestPostgresUpsert(t *testing.T) {
	dsn := os.Getenv("FLEETFLOW_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("FLEETFLOW_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	schema := "fleetflow_test_" + time.Now().UTC().Format("20060102150405")
	defer pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")

	s := NewPostgresStore(pool, schema, slogtest.Make(t, nil))
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for i, want := range []int{3, 0} {
		res, err := s.Upsert(ctx, Speeding, speedingRows(), "acme", "tag-1")
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if res.Inserted != want || res.Total() != 3 {
			t.Errorf("run %d: expected %d inserted, got %+v", i, want, res)
		}
	}
}
