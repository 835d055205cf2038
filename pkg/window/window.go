// Package window plans the time windows a report is rendered for.
package window

import (
	"fmt"
	"time"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
)

// DefaultLength is the length of a scheduled window.
const DefaultLength = 7 * 24 * time.Hour

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Validate checks Start < End.
func (w Window) Validate() error {
	if !w.Start.Before(w.End) {
		return fferrors.InvalidRequest("period", fmt.Sprintf("window start %s is not before end %s",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339)))
	}
	return nil
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// String formats the window for logs.
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Planner turns a request period, or the default schedule, into windows.
type Planner struct {
	// Epoch is the start of the default schedule.
	Epoch time.Time

	// Length is the scheduled window length (DefaultLength when zero).
	Length time.Duration
}

// NewPlanner creates a planner for a schedule starting at epoch.
func NewPlanner(epoch time.Time, length time.Duration) Planner {
	return Planner{Epoch: epoch, Length: length}
}

// Plan returns the ordered windows to process.
//
// An explicit period yields exactly one window covering it. Without one, the
// schedule emits consecutive fixed-length windows from Epoch and stops before
// the first window that would end after now; an empty result is not an error.
func (p Planner) Plan(start, end *time.Time, now time.Time) ([]Window, error) {
	switch {
	case start != nil && end != nil:
		w := Window{Start: *start, End: *end}
		if err := w.Validate(); err != nil {
			return nil, err
		}
		return []Window{w}, nil
	case start != nil || end != nil:
		return nil, fferrors.InvalidRequest("period", "periodStart and periodEnd must be supplied together")
	}

	length := p.Length
	if length <= 0 {
		length = DefaultLength
	}

	var windows []Window
	for cur := p.Epoch; !cur.Add(length).After(now); cur = cur.Add(length) {
		windows = append(windows, Window{Start: cur, End: cur.Add(length)})
	}
	return windows, nil
}
