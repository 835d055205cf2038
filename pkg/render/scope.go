// Package render talks to the upstream asynchronous report rendering API.
package render

import (
	"fmt"
	"strings"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/window"
)

// ReportKind distinguishes the trip/idle report from event reports.
type ReportKind int

const (
	// ReportEvent reports are filtered by an event rule.
	ReportEvent ReportKind = iota
	// ReportTripIdle is the trip/idle report. It must never carry an event
	// rule filter; upstream returns wrong results when it does.
	ReportTripIdle
)

func (k ReportKind) String() string {
	switch k {
	case ReportEvent:
		return "event"
	case ReportTripIdle:
		return "trip_idle"
	default:
		return "unknown"
	}
}

// Scope identifies a unique unit of report work and is the job cache key.
type Scope struct {
	TenantID    string
	Window      window.Window
	GroupTagID  string
	ReportID    string
	EventRuleID string
	Kind        ReportKind
}

// Normalize returns the scope in canonical form: the event rule is cleared
// for the trip/idle report so cache keys never depend on it.
func (s Scope) Normalize() Scope {
	s.TenantID = strings.TrimSpace(s.TenantID)
	s.GroupTagID = strings.TrimSpace(s.GroupTagID)
	s.ReportID = strings.TrimSpace(s.ReportID)
	s.EventRuleID = strings.TrimSpace(s.EventRuleID)
	if s.Kind == ReportTripIdle {
		s.EventRuleID = ""
	}
	return s
}

// Validate checks the scope is complete. An event report without an event
// rule is rejected here, before any upstream call.
func (s Scope) Validate() error {
	switch {
	case s.TenantID == "":
		return fferrors.InvalidRequest("tenantId", "tenant id is required")
	case s.GroupTagID == "":
		return fferrors.InvalidRequest("groupTagId", "group tag id is required")
	case s.ReportID == "":
		return fferrors.InvalidRequest("reportId", "report id is required")
	case s.Kind == ReportEvent && s.EventRuleID == "":
		return fferrors.InvalidRequest("eventRuleId", "event rule id is required for event reports")
	}
	return s.Window.Validate()
}

// String formats the scope for logs.
func (s Scope) String() string {
	rule := s.EventRuleID
	if rule == "" {
		rule = "-"
	}
	return fmt.Sprintf("tenant=%s tag=%s report=%s rule=%s window=%s", s.TenantID, s.GroupTagID, s.ReportID, rule, s.Window)
}
