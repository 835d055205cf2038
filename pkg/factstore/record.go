package factstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fleetflow/fleetflow/pkg/normalize"
)

// Record is one typed fact row.
type Record struct {
	TenantID         string
	GroupTagID       string
	EventDate        time.Time
	PrimaryTimestamp time.Time
	VehicleID        string
	Address          string
	DurationSeconds  *int64

	// Extra holds category-specific values by column name: nil, string,
	// float64 or time.Time.
	Extra map[string]interface{}

	// IsDuplicate is always false under the drop-on-conflict policy.
	IsDuplicate bool
}

// conflictKey is the natural key enforced unique in every fact table.
type conflictKey struct {
	tenantID, groupTagID string
	date, ts             int64
	vehicleID            string
}

func (r Record) key() conflictKey {
	return conflictKey{
		tenantID:   r.TenantID,
		groupTagID: r.GroupTagID,
		date:       r.EventDate.Unix(),
		ts:         r.PrimaryTimestamp.UnixNano(),
		vehicleID:  r.VehicleID,
	}
}

// errUnplaceable marks rows that cannot be keyed: no vehicle, or no usable
// date and time.
var errUnplaceable = errors.New("row cannot be placed")

// Map coerces an export row into a Record. Rows without a vehicle, date or
// time return errUnplaceable; unparseable optional values become NULL.
func (s Schema) Map(row normalize.Row, tenantID, groupTagID string) (Record, error) {
	rec := Record{
		TenantID:   tenantID,
		GroupTagID: groupTagID,
		VehicleID:  strings.TrimSpace(row[s.VehicleColumn]),
		Address:    strings.TrimSpace(row[s.AddressColumn]),
		Extra:      make(map[string]interface{}, len(s.Extras)),
	}
	if rec.VehicleID == "" {
		return Record{}, fmt.Errorf("%w: missing %s", errUnplaceable, s.VehicleColumn)
	}

	ts, date, err := placeInTime(row[s.DateColumn], row[s.TimeColumn])
	if err != nil {
		return Record{}, err
	}
	rec.PrimaryTimestamp = ts
	rec.EventDate = date

	if s.DurationColumn != "" {
		if d, ok := parseDuration(row[s.DurationColumn]); ok {
			rec.DurationSeconds = &d
		}
	}

	for _, x := range s.Extras {
		raw := strings.TrimSpace(row[x.Header])
		var v interface{}
		switch x.Type {
		case Text:
			if raw != "" {
				v = raw
			}
		case Float:
			if f, ok := parseFloat(raw); ok {
				v = f
			}
		case Timestamp:
			if t, ok := parseRelative(raw, rec.EventDate, rec.PrimaryTimestamp); ok {
				v = t
			}
		}
		rec.Extra[x.Column] = v
	}
	return rec, nil
}

var (
	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"02.01.2006",
		"01/02/2006",
		"2 Jan 2006",
		"Jan 2, 2006",
		"02-Jan-2006",
	}
	clockLayouts = []string{
		"15:04:05",
		"15:04",
		"3:04:05 PM",
		"3:04 PM",
		"3:04:05PM",
		"3:04PM",
	}
	dateTimeLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"02.01.2006 15:04:05",
		"01/02/2006 15:04:05",
		"01/02/2006 3:04:05 PM",
		"01/02/2006 3:04 PM",
		"01/02/2006 15:04",
	}
)

// placeInTime combines the date column and the time column. The time column
// may carry a full date-time, in which case the date column is optional.
// Times without a zone are UTC.
func placeInTime(dateVal, timeVal string) (ts, date time.Time, err error) {
	dateVal = strings.TrimSpace(dateVal)
	timeVal = strings.TrimSpace(timeVal)

	if t, ok := parseLayouts(timeVal, dateTimeLayouts); ok {
		t = t.UTC()
		return t, truncateDay(t), nil
	}

	d, ok := parseLayouts(dateVal, dateLayouts)
	if !ok {
		// Some exports put a date-time in the date column.
		if t, ok := parseLayouts(dateVal, dateTimeLayouts); ok {
			d = truncateDay(t.UTC())
		} else {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: unparseable date %q", errUnplaceable, dateVal)
		}
	}

	c, ok := parseLayouts(strings.ToUpper(timeVal), clockLayouts)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unparseable time %q", errUnplaceable, timeVal)
	}
	ts = time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, time.UTC)
	return ts, d, nil
}

// parseRelative parses a secondary timestamp. A bare clock time is placed on
// the event date, rolling to the next day when it falls before start.
func parseRelative(s string, date, start time.Time) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, ok := parseLayouts(s, dateTimeLayouts); ok {
		return t.UTC(), true
	}
	c, ok := parseLayouts(strings.ToUpper(s), clockLayouts)
	if !ok {
		return time.Time{}, false
	}
	t := time.Date(date.Year(), date.Month(), date.Day(), c.Hour(), c.Minute(), c.Second(), 0, time.UTC)
	if t.Before(start) {
		t = t.AddDate(0, 0, 1)
	}
	return t, true
}

func parseLayouts(s string, layouts []string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// parseDuration accepts HH:MM:SS, MM:SS or plain seconds.
func parseDuration(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false
	}
	var total int64
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || n < 0 {
			if len(parts) == 1 {
				if f, err := strconv.ParseFloat(p, 64); err == nil && f >= 0 {
					return int64(f + 0.5), true
				}
			}
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

// parseFloat reads a number, ignoring a trailing unit ("92 km/h") and
// accepting a decimal comma ("1,5").
func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.' || s[end] == ',' || s[end] == '-' || s[end] == '+') {
		end++
	}
	num := s[:end]
	if strings.Contains(num, ",") {
		if strings.Contains(num, ".") {
			num = strings.ReplaceAll(num, ",", "")
		} else {
			num = strings.ReplaceAll(num, ",", ".")
		}
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
