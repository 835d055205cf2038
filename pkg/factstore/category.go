package factstore

import (
	"strings"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/render"
)

// Category is an event type with its own fact table.
type Category string

const (
	Trip         Category = "trip"
	Speeding     Category = "speeding"
	Idle         Category = "idle"
	AfterHours   Category = "after-hours"
	WorkingHours Category = "working-hours"
	HarshAccel   Category = "harsh-accel"
	HarshBrake   Category = "harsh-brake"
	WeekendUsage Category = "weekend-usage"
)

// ColumnType is the storage type of a category-specific column.
type ColumnType int

const (
	Text ColumnType = iota
	Float
	Timestamp
)

// Extra is a category-specific column.
type Extra struct {
	// Header is the export column name.
	Header string
	// Column is the table column name.
	Column string
	Type   ColumnType
}

// Schema maps export columns of one category onto its fact table.
type Schema struct {
	Category Category
	Table    string

	DateColumn     string
	TimeColumn     string
	VehicleColumn  string
	AddressColumn  string
	DurationColumn string

	Extras []Extra
}

var (
	endTime     = Extra{Header: "End Time", Column: "end_ts", Type: Timestamp}
	endLocation = Extra{Header: "End Location", Column: "end_address", Type: Text}
	distance    = Extra{Header: "Distance (km)", Column: "distance_km", Type: Float}
	driver      = Extra{Header: "Driver", Column: "driver", Type: Text}
	speed       = Extra{Header: "Speed", Column: "speed", Type: Float}
	force       = Extra{Header: "Force (g)", Column: "force_g", Type: Float}
)

func journey(c Category, table string) Schema {
	return Schema{
		Category:       c,
		Table:          table,
		TimeColumn:     "Start Time",
		AddressColumn:  "Start Location",
		DurationColumn: "Duration",
		Extras:         []Extra{endTime, endLocation, distance},
	}
}

func harsh(c Category, table string) Schema {
	return Schema{
		Category:      c,
		Table:         table,
		TimeColumn:    "Time",
		AddressColumn: "Location",
		Extras:        []Extra{speed, force, driver},
	}
}

var schemas = map[Category]Schema{
	Trip: {
		Category:       Trip,
		Table:          "trips",
		TimeColumn:     "Start Time",
		AddressColumn:  "Start Location",
		DurationColumn: "Duration",
		Extras: []Extra{endTime, endLocation, distance,
			{Header: "Max Speed", Column: "max_speed", Type: Float},
			driver,
		},
	},
	Speeding: {
		Category:       Speeding,
		Table:          "speeding_events",
		TimeColumn:     "Time",
		AddressColumn:  "Location",
		DurationColumn: "Duration",
		Extras: []Extra{speed,
			{Header: "Speed Limit", Column: "speed_limit", Type: Float},
			driver,
		},
	},
	Idle: {
		Category:       Idle,
		Table:          "idle_events",
		TimeColumn:     "Start Time",
		AddressColumn:  "Location",
		DurationColumn: "Duration",
		Extras:         []Extra{endTime, driver},
	},
	AfterHours:   journey(AfterHours, "after_hours_events"),
	WorkingHours: journey(WorkingHours, "working_hours_events"),
	HarshAccel:   harsh(HarshAccel, "harsh_acceleration_events"),
	HarshBrake:   harsh(HarshBrake, "harsh_braking_events"),
	WeekendUsage: journey(WeekendUsage, "weekend_usage_events"),
}

func init() {
	for c, s := range schemas {
		s.DateColumn = "Date"
		s.VehicleColumn = "Vehicle"
		schemas[c] = s
	}
}

// Categories returns every category in a stable order.
func Categories() []Category {
	return []Category{Trip, Speeding, Idle, AfterHours, WorkingHours, HarshAccel, HarshBrake, WeekendUsage}
}

// ParseCategory accepts a category name; underscores and case are ignored.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if _, ok := schemas[c]; !ok {
		return "", fferrors.Newf(fferrors.CodeInvalidCategory, "unknown event category %q", s)
	}
	return c, nil
}

// Schema returns the category's schema.
func (c Category) Schema() (Schema, error) {
	s, ok := schemas[c]
	if !ok {
		return Schema{}, fferrors.Newf(fferrors.CodeInvalidCategory, "unknown event category %q", string(c))
	}
	return s, nil
}

// ReportKind is the upstream report a category is rendered from. Trips and
// idling come from the trip/idle report, which takes no event rule.
func (c Category) ReportKind() render.ReportKind {
	if c == Trip || c == Idle {
		return render.ReportTripIdle
	}
	return render.ReportEvent
}

func (c Category) String() string {
	return string(c)
}
