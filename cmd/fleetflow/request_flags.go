package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetflow/fleetflow/pkg/factstore"
	"github.com/fleetflow/fleetflow/pkg/ingest"
)

// tokenEnv holds the tenant credential. It is never accepted as a flag so it
// stays out of shell history and process listings.
const tokenEnv = "FLEETFLOW_TOKEN"

// requestFlags are the flags describing one ingestion request.
type requestFlags struct {
	tenant    string
	apiURL    string
	report    string
	groupTag  string
	eventRule string
	category  string
	start     string
	end       string
}

func (f *requestFlags) bind(cmd *cobra.Command, withCategory bool) {
	fl := cmd.Flags()
	fl.StringVar(&f.tenant, "tenant", "", "Tenant ID")
	fl.StringVar(&f.apiURL, "api-url", "", "Report API base URL")
	fl.StringVar(&f.report, "report", "", "Report ID")
	fl.StringVar(&f.groupTag, "group-tag", "", "Group tag ID")
	fl.StringVar(&f.eventRule, "event-rule", "", "Event rule ID (event reports only)")
	if withCategory {
		fl.StringVar(&f.category, "category", "", "Event category ("+categoryNames()+")")
	}
	fl.StringVar(&f.start, "start", "", "Period start (RFC3339 or YYYY-MM-DD, UTC)")
	fl.StringVar(&f.end, "end", "", "Period end, exclusive (RFC3339 or YYYY-MM-DD, UTC)")
}

// request builds the request. Validation is left to the pipeline.
func (f *requestFlags) request() (ingest.Request, error) {
	req := ingest.Request{
		TenantID:        f.tenant,
		CredentialToken: os.Getenv(tokenEnv),
		APIBaseURL:      f.apiURL,
		ReportID:        f.report,
		GroupTagID:      f.groupTag,
		EventRuleID:     f.eventRule,
		Category:        f.category,
	}
	var err error
	if req.PeriodStart, err = parseTimeFlag("start", f.start); err != nil {
		return req, err
	}
	if req.PeriodEnd, err = parseTimeFlag("end", f.end); err != nil {
		return req, err
	}
	return req, nil
}

func parseTimeFlag(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s %q: use RFC3339 or YYYY-MM-DD", name, s)
}

func categoryNames() string {
	var names []string
	for _, c := range factstore.Categories() {
		names = append(names, c.String())
	}
	return strings.Join(names, ", ")
}
