package factstore

import (
	"fmt"
	"strings"
)

// dialect names the column types of a SQL engine.
type dialect struct {
	text, float, timestamp, date, bigint string
}

var (
	duckdbDialect   = dialect{text: "TEXT", float: "DOUBLE", timestamp: "TIMESTAMP", date: "DATE", bigint: "BIGINT"}
	postgresDialect = dialect{text: "TEXT", float: "DOUBLE PRECISION", timestamp: "TIMESTAMPTZ", date: "DATE", bigint: "BIGINT"}
)

func (d dialect) typeOf(t ColumnType) string {
	switch t {
	case Float:
		return d.float
	case Timestamp:
		return d.timestamp
	default:
		return d.text
	}
}

// createTable returns the DDL for s's table named table.
func (d dialect) createTable(s Schema, table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	fmt.Fprintf(&b, "\ttenant_id %s NOT NULL,\n", d.text)
	fmt.Fprintf(&b, "\tgroup_tag_id %s NOT NULL,\n", d.text)
	fmt.Fprintf(&b, "\tevent_date %s NOT NULL,\n", d.date)
	fmt.Fprintf(&b, "\tprimary_ts %s NOT NULL,\n", d.timestamp)
	fmt.Fprintf(&b, "\tvehicle_id %s NOT NULL,\n", d.text)
	fmt.Fprintf(&b, "\taddress %s,\n", d.text)
	fmt.Fprintf(&b, "\tduration_seconds %s,\n", d.bigint)
	for _, x := range s.Extras {
		fmt.Fprintf(&b, "\t%s %s,\n", x.Column, d.typeOf(x.Type))
	}
	b.WriteString("\tis_duplicate BOOLEAN NOT NULL DEFAULT false,\n")
	fmt.Fprintf(&b, "\tingested_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,\n", d.timestamp)
	b.WriteString("\tUNIQUE (tenant_id, group_tag_id, event_date, primary_ts, vehicle_id)\n)")
	return b.String()
}

// insertColumns lists the columns written by an insert, in argument order.
func insertColumns(s Schema) []string {
	cols := []string{"tenant_id", "group_tag_id", "event_date", "primary_ts", "vehicle_id", "address", "duration_seconds"}
	for _, x := range s.Extras {
		cols = append(cols, x.Column)
	}
	return append(cols, "is_duplicate")
}

// insertArgs returns rec's values in insertColumns order.
func insertArgs(s Schema, rec Record) []interface{} {
	args := make([]interface{}, 0, 8+len(s.Extras))
	args = append(args,
		rec.TenantID,
		rec.GroupTagID,
		rec.EventDate,
		rec.PrimaryTimestamp,
		rec.VehicleID,
		nullString(rec.Address),
	)
	if rec.DurationSeconds != nil {
		args = append(args, *rec.DurationSeconds)
	} else {
		args = append(args, nil)
	}
	for _, x := range s.Extras {
		args = append(args, rec.Extra[x.Column])
	}
	return append(args, rec.IsDuplicate)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// placeholders returns "(?, ?, ?)" for n columns, or "($k, ...)" numbered
// from start when numbered is set.
func placeholders(n int, numbered bool, start int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		if numbered {
			fmt.Fprintf(&b, "$%d", start+i)
		} else {
			b.WriteByte('?')
		}
	}
	b.WriteByte(')')
	return b.String()
}
