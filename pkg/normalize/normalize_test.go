package normalize

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
)

const preamble = "Report: Speeding\nTenant: acme\nGroup: All vehicles\nFrom: 2025-01-01\nTo: 2025-01-08\nGenerated: 2025-01-08 00:01\n\n---\n"

func TestNormalizeSkipsPreambleAndMissingVehicle(t *testing.T) {
	raw := preamble +
		"Date,Vehicle,Time,Speed\n" +
		"2025-01-02,TRK-1,08:15:00,92\n" +
		"2025-01-02,,09:00:00,88\n" +
		"2025-01-03,TRK-2,10:30:00,101\n"

	rows, rep := New(Options{}).Normalize([]byte(raw))
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d: %v", len(rows), rows)
	}
	if rows[0]["Vehicle"] != "TRK-1" || rows[1]["Vehicle"] != "TRK-2" {
		t.Errorf("unexpected rows %v", rows)
	}
	if rows[1]["Speed"] != "101" {
		t.Errorf("Expected Speed 101, got %q", rows[1]["Speed"])
	}
	if rep.Preamble != 8 || rep.MissingVehicle != 1 || rep.Emitted != 2 {
		t.Errorf("unexpected report %+v", rep)
	}
	if rep.Err() != nil {
		t.Errorf("Expected no error, got %v", rep.Err())
	}
}

func TestNormalizeDelimiters(t *testing.T) {
	tests := []struct {
		name  string
		delim string
	}{
		{"comma", ","},
		{"semicolon", ";"},
		{"tab", "\t"},
		{"pipe", "|"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.delim
			raw := preamble +
				strings.Join([]string{"Date", "Vehicle", "Location"}, d) + "\n" +
				strings.Join([]string{"2025-01-02", "TRK-1", `"Main St, 4"`}, d) + "\n"

			rows, rep := New(Options{}).Normalize([]byte(raw))
			if rep.Delimiter != d {
				t.Errorf("Expected delimiter %q, got %q", d, rep.Delimiter)
			}
			if len(rows) != 1 || rows[0]["Location"] != "Main St, 4" {
				t.Errorf("unexpected rows %v", rows)
			}
		})
	}
}

func TestNormalizeToleratesBadLines(t *testing.T) {
	raw := "\xEF\xBB\xBF" + preamble +
		"Date,Vehicle,Driver,\r\n" +
		"2025-01-02,TRK-1,\"O\"\"Brien\",\r\n" +
		"2025-01-02,TRK-2\r\n" +
		"2025-01-02,TRK-3,Ann,extra\r\n" +
		"2025-01-02,TRK-4,B\x00b\r\n" +
		"\r\n" +
		"  2025-01-03 , TRK-5 , Cy \r\n"

	rows, rep := New(Options{}).Normalize([]byte(raw))
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d: %v", len(rows), rows)
	}
	if rows[0]["Driver"] != `O"Brien` {
		t.Errorf("Expected unescaped quote, got %q", rows[0]["Driver"])
	}
	if rows[1]["Vehicle"] != "TRK-5" || rows[1]["Date"] != "2025-01-03" {
		t.Errorf("Expected trimmed values, got %v", rows[1])
	}
	if rep.Malformed != 2 || rep.ControlChars != 1 || rep.Blank != 1 {
		t.Errorf("unexpected report %+v", rep)
	}
	if len(rep.Columns) != 3 {
		t.Errorf("Expected trailing empty header cell dropped, got %v", rep.Columns)
	}
}

func TestNormalizeEmptyExports(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"nothing", ""},
		{"only preamble", preamble},
		{"header only", preamble + "Date,Vehicle\n"},
		{"garbage", "\x00\x01\x02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, rep := New(Options{}).Normalize([]byte(tt.raw))
			if len(rows) != 0 {
				t.Errorf("Expected no rows, got %v", rows)
			}
			if !errors.Is(rep.Err(), fferrors.ErrMalformedExport) {
				t.Errorf("Expected ErrMalformedExport, got %v", rep.Err())
			}
		})
	}
}

func TestNormalizeCustomOptions(t *testing.T) {
	raw := "Title\nPlate;When\nAB-12;2025-01-02\n;2025-01-02\n"
	rows, rep := New(Options{PreambleLines: 1, VehicleColumn: "Plate"}).Normalize([]byte(raw))
	if len(rows) != 1 || rows[0]["Plate"] != "AB-12" {
		t.Errorf("unexpected rows %v", rows)
	}
	if rep.MissingVehicle != 1 {
		t.Errorf("Expected 1 missing vehicle, got %d", rep.MissingVehicle)
	}

	rows, _ = New(Options{PreambleLines: -1}).Normalize([]byte("Date,Vehicle\n2025-01-02,TRK-1\n"))
	if len(rows) != 1 {
		t.Errorf("Expected negative preamble to mean none, got %v", rows)
	}
}

func TestNormalizeXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for i := 1; i <= 8; i++ {
		cell, _ := excelize.CoordinatesToCellName(1, i)
		_ = f.SetCellValue(sheet, cell, fmt.Sprintf("preamble %d", i))
	}
	_ = f.SetSheetRow(sheet, "A9", &[]interface{}{"Date", "Vehicle", "Driver"})
	_ = f.SetSheetRow(sheet, "A10", &[]interface{}{"2025-01-02", "TRK-1", "Ann"})
	_ = f.SetSheetRow(sheet, "A11", &[]interface{}{"2025-01-02", "", "Bob"})
	_ = f.SetSheetRow(sheet, "A12", &[]interface{}{"2025-01-03", "TRK-2"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}
	raw := buf.Bytes()
	if !IsXLSX(raw) {
		t.Fatal("Expected workbook to be detected as xlsx")
	}

	rows, rep := New(Options{}).Normalize(raw)
	if rep.Format != "xlsx" {
		t.Errorf("Expected xlsx format, got %q", rep.Format)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d: %v", len(rows), rows)
	}
	if rows[1]["Vehicle"] != "TRK-2" || rows[1]["Driver"] != "" {
		t.Errorf("Expected short row padded, got %v", rows[1])
	}
	if rep.MissingVehicle != 1 {
		t.Errorf("Expected 1 missing vehicle, got %d", rep.MissingVehicle)
	}
}

func TestNormalizeCorruptXLSX(t *testing.T) {
	rows, rep := New(Options{}).Normalize([]byte("PK\x03\x04not really a zip"))
	if len(rows) != 0 || rep.Cause == nil {
		t.Errorf("Expected no rows and a cause, got %v / %+v", rows, rep)
	}
	if !errors.Is(rep.Err(), fferrors.ErrMalformedExport) {
		t.Errorf("Expected ErrMalformedExport, got %v", rep.Err())
	}
}

func TestLineScanner(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{`a,b,c`, []string{"a", "b", "c"}},
		{`a,,c,`, []string{"a", "", "c", ""}},
		{`"a,b",c`, []string{"a,b", "c"}},
		{`"a""b",c`, []string{`a"b`, "c"}},
		{`"unterminated,c`, []string{"unterminated,c"}},
	}
	for _, tt := range tests {
		got := newLineScanner(',').scan([]byte(tt.line))
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("scan(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}
