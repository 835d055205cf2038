// Package dedup removes rows repeated within one export before they reach
// the store's conflict check.
package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/fleetflow/fleetflow/pkg/normalize"
)

// Dedupe returns rows without exact duplicates and how many were removed.
// Two rows are duplicates when they have the same columns with the same
// values. The first occurrence is kept and order is preserved.
func Dedupe(rows []normalize.Row) (kept []normalize.Row, removed int) {
	seen := make(map[string]struct{}, len(rows))
	kept = make([]normalize.Row, 0, len(rows))
	for _, row := range rows {
		k := Key(row)
		if _, dup := seen[k]; dup {
			removed++
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, row)
	}
	return kept, removed
}

// Key hashes the full row. Columns are visited in sorted order and every
// name and value is length-prefixed, so ("ab","c") and ("a","bc") differ.
func Key(row normalize.Row) string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	h := sha256.New()
	var n [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	for _, c := range cols {
		write(c)
		write(row[c])
	}
	return hex.EncodeToString(h.Sum(nil))
}
