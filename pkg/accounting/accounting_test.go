package accounting

import (
	"testing"
	"time"
)

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestCountsCheck(t *testing.T) {
	tests := []struct {
		name    string
		c       Counts
		wantErr bool
	}{
		{"empty", Counts{}, false},
		{"balanced", Counts{RawFetched: 10, InternalDuplicatesRemoved: 2, RowsAfterDedup: 8, Inserted: 5, PersistedDuplicatesSkipped: 2, Failed: 1}, false},
		{"lost in dedup", Counts{RawFetched: 10, InternalDuplicatesRemoved: 1, RowsAfterDedup: 8, Inserted: 8}, true},
		{"lost in store", Counts{RawFetched: 8, RowsAfterDedup: 8, Inserted: 6, Failed: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Check()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFold(t *testing.T) {
	run := Fold(
		WindowStats{Start: day(1), End: day(8), Outcome: Completed, Cached: true,
			Counts: Counts{RawFetched: 5, InternalDuplicatesRemoved: 1, RowsAfterDedup: 4, Inserted: 4}},
		WindowStats{Start: day(8), End: day(15), Outcome: Skipped, Reason: "result timeout"},
		WindowStats{Start: day(15), End: day(22), Outcome: Completed,
			Counts: Counts{RawFetched: 3, RowsAfterDedup: 3, PersistedDuplicatesSkipped: 2, Failed: 1}},
		WindowStats{Start: day(22), End: day(29), Outcome: Skipped, Reason: ReasonBudgetExceeded},
	)

	if run.WindowsTotal != 4 || run.WindowsCompleted != 2 || run.WindowsSkipped != 2 {
		t.Errorf("Unexpected window counts: %+v", run)
	}
	if run.CachedJobs != 1 {
		t.Errorf("Expected 1 cached job, got %d", run.CachedJobs)
	}
	want := Counts{RawFetched: 8, InternalDuplicatesRemoved: 1, RowsAfterDedup: 7, Inserted: 4, PersistedDuplicatesSkipped: 2, Failed: 1}
	if run.Counts != want {
		t.Errorf("Expected %+v, got %+v", want, run.Counts)
	}
	if err := run.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
	if len(run.Skipped) != 2 || run.Skipped[1].Reason != ReasonBudgetExceeded || !run.Skipped[0].Start.Equal(day(8)) {
		t.Errorf("Unexpected skipped windows: %+v", run.Skipped)
	}
}

func TestMerge(t *testing.T) {
	a := Fold(WindowStats{Outcome: Completed, Counts: Counts{RawFetched: 2, RowsAfterDedup: 2, Inserted: 2}})
	b := Fold(WindowStats{Outcome: Skipped, Reason: "download failed"})

	m := Merge(a, b)
	if m.WindowsTotal != 2 || m.Inserted != 2 || len(m.Skipped) != 1 {
		t.Errorf("Unexpected merge: %+v", m)
	}
}
