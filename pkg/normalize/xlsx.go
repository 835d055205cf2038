package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// normalizeXLSX applies the same rules as the delimited path to the first
// sheet of a workbook, one sheet row per line.
func (n *Normalizer) normalizeXLSX(raw []byte) ([]Row, Report) {
	rep := Report{Format: "xlsx"}

	records, err := readFirstSheet(raw)
	if err != nil {
		rep.Cause = err
		return nil, rep
	}

	if len(records) <= n.preamble {
		rep.Preamble = len(records)
		return nil, rep
	}
	rep.Preamble = n.preamble
	records = records[n.preamble:]

	header := headerNames(records[0])
	rep.Columns = header
	if len(header) == 0 {
		return nil, rep
	}

	var rows []Row
	for _, cells := range records[1:] {
		if blankCells(cells) {
			rep.Blank++
			continue
		}
		if cellsHaveControlChars(cells) {
			rep.ControlChars++
			continue
		}
		// The sheet reader drops trailing empty cells, so short rows are
		// padded rather than rejected.
		if !fitsHeader(padCells(cells, len(header)), len(header)) {
			rep.Malformed++
			continue
		}

		row, ok := n.buildRow(header, cells)
		if !ok {
			rep.MissingVehicle++
			continue
		}
		rows = append(rows, row)
	}

	rep.Emitted = len(rows)
	return rows, rep
}

func readFirstSheet(raw []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return nil, fmt.Errorf("no sheets found in xlsx file")
		}
		sheet = list[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			// Keep the line count stable so the preamble skip still lines up.
			out = append(out, nil)
			continue
		}
		out = append(out, cols)
	}
	return out, rows.Error()
}

func blankCells(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// cellsHaveControlChars is hasControlChars for cells, where wrapped text
// legitimately contains line breaks.
func cellsHaveControlChars(cells []string) bool {
	for _, c := range cells {
		for i := 0; i < len(c); i++ {
			b := c[i]
			if b == '\n' || b == '\r' {
				continue
			}
			if (b < 0x20 && b != '\t') || b == 0x7f {
				return true
			}
		}
	}
	return false
}

func padCells(cells []string, n int) []string {
	if len(cells) >= n {
		return cells
	}
	out := make([]string, n)
	copy(out, cells)
	return out
}
