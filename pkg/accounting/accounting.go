// Package accounting tallies what happened to every row and window of an
// ingestion run.
package accounting

import (
	"fmt"
	"time"
)

// Counts are the row totals for one window or a whole run.
type Counts struct {
	RawFetched                 int `json:"raw_fetched" yaml:"raw_fetched"`
	InternalDuplicatesRemoved  int `json:"internal_duplicates_removed" yaml:"internal_duplicates_removed"`
	RowsAfterDedup             int `json:"rows_after_dedup" yaml:"rows_after_dedup"`
	PersistedDuplicatesSkipped int `json:"persisted_duplicates_skipped" yaml:"persisted_duplicates_skipped"`
	Failed                     int `json:"failed" yaml:"failed"`
	Inserted                   int `json:"inserted" yaml:"inserted"`
}

// Add returns the sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		RawFetched:                 c.RawFetched + o.RawFetched,
		InternalDuplicatesRemoved:  c.InternalDuplicatesRemoved + o.InternalDuplicatesRemoved,
		RowsAfterDedup:             c.RowsAfterDedup + o.RowsAfterDedup,
		PersistedDuplicatesSkipped: c.PersistedDuplicatesSkipped + o.PersistedDuplicatesSkipped,
		Failed:                     c.Failed + o.Failed,
		Inserted:                   c.Inserted + o.Inserted,
	}
}

// Check verifies that every row is accounted for exactly once.
func (c Counts) Check() error {
	if c.RawFetched != c.InternalDuplicatesRemoved+c.RowsAfterDedup {
		return fmt.Errorf("raw_fetched %d != internal_duplicates_removed %d + rows_after_dedup %d",
			c.RawFetched, c.InternalDuplicatesRemoved, c.RowsAfterDedup)
	}
	if c.RowsAfterDedup != c.Inserted+c.PersistedDuplicatesSkipped+c.Failed {
		return fmt.Errorf("rows_after_dedup %d != inserted %d + persisted_duplicates_skipped %d + failed %d",
			c.RowsAfterDedup, c.Inserted, c.PersistedDuplicatesSkipped, c.Failed)
	}
	return nil
}

// Outcome is how a window ended.
type Outcome string

const (
	Completed Outcome = "completed"
	Skipped   Outcome = "skipped"
)

// Skip reasons recorded by the pipeline.
const (
	ReasonBudgetExceeded = "budget exceeded"
	ReasonCancelled      = "cancelled"
)

// WindowStats is the result of one window.
type WindowStats struct {
	Start   time.Time     `json:"start" yaml:"start"`
	End     time.Time     `json:"end" yaml:"end"`
	Outcome Outcome       `json:"outcome" yaml:"outcome"`
	Reason  string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Stage   string        `json:"stage,omitempty" yaml:"stage,omitempty"`
	JobID   string        `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Cached  bool          `json:"cached" yaml:"cached"`
	Took    time.Duration `json:"took" yaml:"took"`
	Counts  `yaml:",inline"`
}

// SkippedWindow is a window that did not complete.
type SkippedWindow struct {
	Start  time.Time `json:"start" yaml:"start"`
	End    time.Time `json:"end" yaml:"end"`
	Reason string    `json:"reason" yaml:"reason"`
}

// RunAccounting is the aggregate of a run.
type RunAccounting struct {
	Counts `yaml:",inline"`

	WindowsTotal     int             `json:"windows_total" yaml:"windows_total"`
	WindowsCompleted int             `json:"windows_completed" yaml:"windows_completed"`
	WindowsSkipped   int             `json:"windows_skipped" yaml:"windows_skipped"`
	CachedJobs       int             `json:"cached_jobs" yaml:"cached_jobs"`
	Skipped          []SkippedWindow `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// Fold aggregates window results in order.
func Fold(stats ...WindowStats) RunAccounting {
	var run RunAccounting
	for _, w := range stats {
		run.WindowsTotal++
		run.Counts = run.Counts.Add(w.Counts)
		if w.Cached {
			run.CachedJobs++
		}
		switch w.Outcome {
		case Completed:
			run.WindowsCompleted++
		default:
			run.WindowsSkipped++
			run.Skipped = append(run.Skipped, SkippedWindow{Start: w.Start, End: w.End, Reason: w.Reason})
		}
	}
	return run
}

// Merge combines the accounting of independent runs.
func Merge(runs ...RunAccounting) RunAccounting {
	var out RunAccounting
	for _, r := range runs {
		out.Counts = out.Counts.Add(r.Counts)
		out.WindowsTotal += r.WindowsTotal
		out.WindowsCompleted += r.WindowsCompleted
		out.WindowsSkipped += r.WindowsSkipped
		out.CachedJobs += r.CachedJobs
		out.Skipped = append(out.Skipped, r.Skipped...)
	}
	return out
}
