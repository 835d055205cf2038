package dedup

import (
	"testing"

	"github.com/fleetflow/fleetflow/pkg/normalize"
)

func TestDedupe(t *testing.T) {
	a := normalize.Row{"Date": "2025-01-02", "Vehicle": "TRK-1", "Speed": "92"}
	aCopy := normalize.Row{"Speed": "92", "Vehicle": "TRK-1", "Date": "2025-01-02"}
	b := normalize.Row{"Date": "2025-01-02", "Vehicle": "TRK-1", "Speed": "93"}
	c := normalize.Row{"Date": "2025-01-02", "Vehicle": "TRK-1"}

	tests := []struct {
		name        string
		rows        []normalize.Row
		wantKept    []normalize.Row
		wantRemoved int
	}{
		{name: "empty", rows: nil, wantKept: nil, wantRemoved: 0},
		{name: "no duplicates", rows: []normalize.Row{a, b, c}, wantKept: []normalize.Row{a, b, c}},
		{name: "exact duplicate removed", rows: []normalize.Row{a, b, aCopy}, wantKept: []normalize.Row{a, b}, wantRemoved: 1},
		{name: "one differing value keeps both", rows: []normalize.Row{a, b}, wantKept: []normalize.Row{a, b}},
		{name: "different column set keeps both", rows: []normalize.Row{c, a}, wantKept: []normalize.Row{c, a}},
		{name: "many copies", rows: []normalize.Row{b, a, b, b, aCopy}, wantKept: []normalize.Row{b, a}, wantRemoved: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, removed := Dedupe(tt.rows)
			if removed != tt.wantRemoved {
				t.Errorf("Expected %d removed, got %d", tt.wantRemoved, removed)
			}
			if len(kept) != len(tt.wantKept) {
				t.Fatalf("Expected %d kept, got %d", len(tt.wantKept), len(kept))
			}
			for i := range kept {
				if Key(kept[i]) != Key(tt.wantKept[i]) {
					t.Errorf("row %d: got %v, want %v", i, kept[i], tt.wantKept[i])
				}
			}
			if len(kept)+removed != len(tt.rows) {
				t.Errorf("kept + removed = %d, want %d", len(kept)+removed, len(tt.rows))
			}
		})
	}
}

func TestDedupeIsIdempotent(t *testing.T) {
	rows := []normalize.Row{
		{"Vehicle": "A", "Time": "1"},
		{"Vehicle": "A", "Time": "1"},
		{"Vehicle": "B", "Time": "1"},
	}
	once, _ := Dedupe(rows)
	twice, removed := Dedupe(once)
	if removed != 0 || len(twice) != len(once) {
		t.Errorf("Expected second pass to remove nothing, removed %d", removed)
	}
}

func TestKeyIsUnambiguous(t *testing.T) {
	x := normalize.Row{"a": "bc"}
	y := normalize.Row{"ab": "c"}
	if Key(x) == Key(y) {
		t.Error("Expected different keys for shifted column/value boundaries")
	}
}
