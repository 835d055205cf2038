// Package normalize turns raw report exports into rows of trimmed string
// values. It is deliberately tolerant: bad lines are skipped and counted,
// never fatal.
package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"cdr.dev/slog/v3"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
)

const (
	// DefaultPreambleLines is the number of title lines before the header.
	DefaultPreambleLines = 8
	// DefaultVehicleColumn anchors every dedup and storage key.
	DefaultVehicleColumn = "Vehicle"
)

// Row maps column name to trimmed value.
type Row map[string]string

// Options configures a Normalizer.
type Options struct {
	// PreambleLines is skipped before the header. Zero means
	// DefaultPreambleLines; negative means none.
	PreambleLines int    `yaml:"preamble_lines"`
	VehicleColumn string `yaml:"vehicle_column"`
}

// Report describes what Normalize did with each line of an export.
type Report struct {
	Format    string
	Delimiter string
	Columns   []string

	Preamble       int
	Blank          int
	Malformed      int
	ControlChars   int
	MissingVehicle int
	Emitted        int

	// Cause is set when the export could not be opened at all.
	Cause error
}

// Err returns ErrMalformedExport when the export produced no usable rows.
func (r Report) Err() error {
	if r.Emitted > 0 {
		return nil
	}
	e := fferrors.New(fferrors.CodeMalformedExport, "export has no usable rows").
		WithContext("format", r.Format).
		WithContext("malformed", r.Malformed).
		WithContext("missing_vehicle", r.MissingVehicle)
	if r.Cause != nil {
		e.Cause = r.Cause
	}
	return e
}

// Fields returns the report as log fields.
func (r Report) Fields() []slog.Field {
	return []slog.Field{
		slog.F("format", r.Format),
		slog.F("delimiter", r.Delimiter),
		slog.F("columns", len(r.Columns)),
		slog.F("preamble", r.Preamble),
		slog.F("blank", r.Blank),
		slog.F("malformed", r.Malformed),
		slog.F("control_chars", r.ControlChars),
		slog.F("missing_vehicle", r.MissingVehicle),
		slog.F("emitted", r.Emitted),
	}
}

// Normalizer parses exports.
type Normalizer struct {
	preamble int
	vehicle  string
}

// New creates a Normalizer. Zero options take the defaults.
func New(opts Options) *Normalizer {
	n := &Normalizer{preamble: opts.PreambleLines, vehicle: opts.VehicleColumn}
	if n.preamble < 0 {
		n.preamble = 0
	}
	if opts.PreambleLines == 0 {
		n.preamble = DefaultPreambleLines
	}
	if n.vehicle == "" {
		n.vehicle = DefaultVehicleColumn
	}
	return n
}

var (
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
	zipMagic = []byte("PK\x03\x04")
)

// IsXLSX reports whether raw looks like an XLSX workbook.
func IsXLSX(raw []byte) bool {
	return bytes.HasPrefix(raw, zipMagic)
}

// Normalize parses raw. It never fails; the report explains what was kept.
func (n *Normalizer) Normalize(raw []byte) ([]Row, Report) {
	if IsXLSX(raw) {
		return n.normalizeXLSX(raw)
	}
	return n.normalizeDelimited(raw)
}

func (n *Normalizer) normalizeDelimited(raw []byte) ([]Row, Report) {
	rep := Report{Format: "csv"}

	raw = bytes.TrimPrefix(raw, utf8BOM)
	lines := splitLines(raw)

	if len(lines) <= n.preamble {
		rep.Preamble = len(lines)
		return nil, rep
	}
	rep.Preamble = n.preamble
	lines = lines[n.preamble:]

	headerLine := bytes.TrimPrefix(lines[0], utf8BOM)
	delim := detectDelimiter(headerLine)
	rep.Delimiter = string(delim)

	sc := newLineScanner(delim)
	header := headerNames(sc.scan(headerLine))
	rep.Columns = header
	if len(header) == 0 {
		return nil, rep
	}

	var rows []Row
	for _, line := range lines[1:] {
		if len(bytes.TrimSpace(line)) == 0 {
			rep.Blank++
			continue
		}
		if hasControlChars(line) {
			rep.ControlChars++
			continue
		}

		fields := sc.scan(line)
		if !fitsHeader(fields, len(header)) {
			rep.Malformed++
			continue
		}

		row, ok := n.buildRow(header, fields)
		if !ok {
			rep.MissingVehicle++
			continue
		}
		rows = append(rows, row)
	}

	rep.Emitted = len(rows)
	return rows, rep
}

// buildRow zips header and fields into a Row. It reports false when the
// vehicle column is empty.
func (n *Normalizer) buildRow(header, fields []string) (Row, bool) {
	row := make(Row, len(header))
	for i, name := range header {
		v := ""
		if i < len(fields) {
			v = strings.TrimSpace(strings.ToValidUTF8(fields[i], "\uFFFD"))
		}
		row[name] = v
	}
	return row, row[n.vehicle] != ""
}

// fitsHeader accepts exactly want fields, or more when the extras are empty
// (trailing delimiters).
func fitsHeader(fields []string, want int) bool {
	if len(fields) < want {
		return false
	}
	for _, f := range fields[want:] {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func headerNames(fields []string) []string {
	// Trailing empty header cells come from trailing delimiters.
	for len(fields) > 0 && strings.TrimSpace(fields[len(fields)-1]) == "" {
		fields = fields[:len(fields)-1]
	}
	names := make([]string, len(fields))
	seen := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimSpace(strings.ToValidUTF8(f, "\uFFFD"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if k := seen[name]; k > 0 {
			seen[name]++
			name = fmt.Sprintf("%s_%d", name, k+1)
		} else {
			seen[name] = 1
		}
		names[i] = name
	}
	return names
}

var delimiters = []byte{',', ';', '\t', '|'}

// detectDelimiter picks the candidate that occurs most often outside quotes
// in the header line. Ties go to the earlier candidate; no match means comma.
func detectDelimiter(header []byte) byte {
	best, bestCount := byte(','), 0
	for _, d := range delimiters {
		if c := countOutsideQuotes(header, d); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

// hasControlChars reports ASCII control characters other than tab.
func hasControlChars(line []byte) bool {
	for _, b := range line {
		if (b < 0x20 && b != '\t') || b == 0x7f {
			return true
		}
	}
	return false
}

// splitLines splits on \n, \r\n and lone \r.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			lines = append(lines, data[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, data[start:i])
			if i+1 < len(data) && data[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
