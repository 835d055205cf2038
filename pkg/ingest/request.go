package ingest

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/factstore"
	"github.com/fleetflow/fleetflow/pkg/render"
)

// Request is one ingestion invocation: a tenant, a report and an optional
// explicit period.
type Request struct {
	TenantID        string     `json:"tenant_id" yaml:"tenant_id"`
	CredentialToken string     `json:"-" yaml:"credential_token"`
	APIBaseURL      string     `json:"api_base_url" yaml:"api_base_url"`
	ReportID        string     `json:"report_id" yaml:"report_id"`
	GroupTagID      string     `json:"group_tag_id" yaml:"group_tag_id"`
	EventRuleID     string     `json:"event_rule_id,omitempty" yaml:"event_rule_id,omitempty"`
	Category        string     `json:"category" yaml:"category"`
	PeriodStart     *time.Time `json:"period_start,omitempty" yaml:"period_start,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty" yaml:"period_end,omitempty"`
}

// Validate checks the request and resolves its category. Every error it
// returns is fatal.
func (r Request) Validate() (factstore.Category, error) {
	required := []struct{ field, value string }{
		{"tenant_id", r.TenantID},
		{"credential_token", r.CredentialToken},
		{"api_base_url", r.APIBaseURL},
		{"report_id", r.ReportID},
		{"group_tag_id", r.GroupTagID},
		{"category", r.Category},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return "", fferrors.InvalidRequest(f.field, f.field+" is required")
		}
	}

	u, err := url.Parse(r.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fferrors.InvalidRequest("api_base_url", "api_base_url must be an absolute http(s) URL")
	}

	category, err := factstore.ParseCategory(r.Category)
	if err != nil {
		return "", err
	}
	if category.ReportKind() == render.ReportEvent && strings.TrimSpace(r.EventRuleID) == "" {
		return "", fferrors.InvalidRequest("event_rule_id", "event_rule_id is required for "+category.String()+" reports")
	}
	if (r.PeriodStart == nil) != (r.PeriodEnd == nil) {
		return "", fferrors.InvalidRequest("period", "period_start and period_end must be supplied together")
	}
	if r.PeriodStart != nil && !r.PeriodStart.Before(*r.PeriodEnd) {
		return "", fferrors.InvalidRequest("period", "period_start must be before period_end")
	}
	return category, nil
}

// Labels describe the request for the operation registry.
func (r Request) Labels() map[string]string {
	l := map[string]string{
		"tenant":   r.TenantID,
		"category": r.Category,
		"report":   r.ReportID,
		"tag":      r.GroupTagID,
	}
	if r.PeriodStart != nil && r.PeriodEnd != nil {
		l["period"] = r.PeriodStart.UTC().Format(time.RFC3339) + "/" + r.PeriodEnd.UTC().Format(time.RFC3339)
	}
	return l
}

// scope builds the render scope of one window.
func (r Request) scope(category factstore.Category) render.Scope {
	return render.Scope{
		TenantID:    r.TenantID,
		GroupTagID:  r.GroupTagID,
		ReportID:    r.ReportID,
		EventRuleID: r.EventRuleID,
		Kind:        category.ReportKind(),
	}
}

// exportKey identifies the upstream export a request reads: its normalized
// render scope plus the explicit period, if any.
func (r Request) exportKey(category factstore.Category) string {
	s := r.scope(category).Normalize()
	period := ""
	if r.PeriodStart != nil && r.PeriodEnd != nil {
		period = r.PeriodStart.UTC().Format(time.RFC3339) + "/" + r.PeriodEnd.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{s.TenantID, s.GroupTagID, s.ReportID, s.EventRuleID, strconv.Itoa(int(s.Kind)), period}, "\x00")
}
