// Package tui renders run summaries and progress for the terminal.
// Plain progress bars and summaries, no interactive screens.
package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/fleetflow/fleetflow/pkg/accounting"
	"github.com/fleetflow/fleetflow/pkg/registry"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	labelStyle   = mutedStyle.Width(30)
)

const rule = "  ─────────────────────────────────────"

// ShowProgress creates a progress bar counting windows.
func ShowProgress(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// PrintRunSummary prints the accounting of a run.
func PrintRunSummary(w io.Writer, title string, acc accounting.RunAccounting, took time.Duration) {
	fmt.Fprintln(w)
	if acc.WindowsSkipped == 0 {
		fmt.Fprintln(w, successStyle.Render("  ✓ "+strings.ToUpper(title)))
	} else {
		fmt.Fprintln(w, accentStyle.Render(fmt.Sprintf("  ! %s (%d windows skipped)", strings.ToUpper(title), acc.WindowsSkipped)))
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))

	rows := []struct {
		label string
		value int
	}{
		{"Windows completed", acc.WindowsCompleted},
		{"Render jobs reused", acc.CachedJobs},
		{"Rows fetched", acc.RawFetched},
		{"Duplicates in export", acc.InternalDuplicatesRemoved},
		{"Rows after dedup", acc.RowsAfterDedup},
		{"Inserted", acc.Inserted},
		{"Already stored", acc.PersistedDuplicatesSkipped},
		{"Failed", acc.Failed},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(r.label+":"), titleStyle.Render(formatNumber(int64(r.value))))
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Time:"), titleStyle.Render(formatDuration(took)))

	if len(acc.Skipped) > 0 {
		fmt.Fprintln(w, mutedStyle.Render(rule))
		for _, s := range acc.Skipped {
			fmt.Fprintf(w, "  %s %s\n",
				mutedStyle.Render(fmt.Sprintf("[%s, %s)", s.Start.UTC().Format("2006-01-02"), s.End.UTC().Format("2006-01-02"))),
				accentStyle.Render(s.Reason))
		}
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))
}

// PrintOperations prints registry operations, one per line.
func PrintOperations(w io.Writer, ops []*registry.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  No operations."))
		return
	}
	for _, op := range ops {
		status := string(op.Status)
		switch op.Status {
		case registry.StatusCompleted:
			status = successStyle.Render(status)
		case registry.StatusFailed:
			status = accentStyle.Render(status)
		default:
			status = titleStyle.Render(status)
		}
		line := fmt.Sprintf("  %s  %-9s %s %d/%d",
			op.ID, op.Kind, status, op.Progress.Done, op.Progress.Total)
		if op.Accounting != nil {
			line += mutedStyle.Render(fmt.Sprintf("  inserted=%d skipped=%d failed=%d",
				op.Accounting.Inserted, op.Accounting.PersistedDuplicatesSkipped, op.Accounting.Failed))
		}
		if op.Error != "" {
			line += "  " + accentStyle.Render(op.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
