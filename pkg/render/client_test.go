package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/resilience"
	"github.com/fleetflow/fleetflow/pkg/window"
)

func testScope(kind ReportKind) Scope {
	return Scope{
		TenantID:    "acme",
		Window:      window.Window{Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)},
		GroupTagID:  "tag-1",
		ReportID:    "report-9",
		EventRuleID: "rule-3",
		Kind:        kind,
	}
}

func newTestClient(t *testing.T, url string) (*Client, *resilience.ManualClock) {
	t.Helper()
	clock := resilience.NewManualClock(time.Unix(0, 0))
	submit := DefaultSubmitPolicy().WithClock(clock)
	poll := DefaultPollPolicy().WithClock(clock)
	c, err := NewClient(Options{
		BaseURL:      url,
		Token:        "secret",
		SubmitPolicy: &submit,
		PollPolicy:   &poll,
		Logger:       slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, clock
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	var calls int32
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v1/tenants/acme/reports/report-9/render" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"jobId":"job-1"}`))
	}))
	defer srv.Close()

	c, clock := newTestClient(t, srv.URL)
	jobID, err := c.Submit(context.Background(), testScope(ReportTripIdle))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("Expected job-1, got %q", jobID)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if waits := clock.Waits(); len(waits) != 2 || waits[0] != 5*time.Second {
		t.Errorf("Expected two 5s waits, got %v", waits)
	}
	if _, ok := body["eventRuleId"]; ok {
		t.Errorf("trip/idle submission must not carry eventRuleId, got %v", body)
	}
	if body["from"] != "2025-01-01T00:00:00Z" || body["to"] != "2025-01-08T00:00:00Z" {
		t.Errorf("unexpected window in body: %v", body)
	}
}

func TestSubmitSendsEventRule(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"id":"job-2"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	jobID, err := c.Submit(context.Background(), testScope(ReportEvent))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if jobID != "job-2" {
		t.Errorf("Expected job-2, got %q", jobID)
	}
	if body["eventRuleId"] != "rule-3" {
		t.Errorf("Expected eventRuleId rule-3, got %v", body["eventRuleId"])
	}
}

func TestSubmitFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
	}{
		{name: "server errors exhaust attempts", status: http.StatusBadGateway, wantCalls: 3},
		{name: "rate limit is retried", status: http.StatusTooManyRequests, wantCalls: 3},
		{name: "missing job id is retried", status: http.StatusOK, body: `{}`, wantCalls: 3},
		{name: "client error fails immediately", status: http.StatusBadRequest, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL)
			_, err := c.Submit(context.Background(), testScope(ReportEvent))
			if !errors.Is(err, fferrors.ErrRenderSubmissionFailed) {
				t.Fatalf("Expected ErrRenderSubmissionFailed, got %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestSubmitEventReportWithoutRuleFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	scope := testScope(ReportEvent)
	scope.EventRuleID = "  "
	_, err := c.Submit(context.Background(), scope)
	if !errors.Is(err, fferrors.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no upstream calls, got %d", calls)
	}
}

func TestAwaitResult(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/render-jobs/job-7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			_, _ = w.Write([]byte(`{"status":"queued"}`))
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"status":"Completed","location":"https://exports.example.com/x.csv"}`))
		}
	}))
	defer srv.Close()

	c, clock := newTestClient(t, srv.URL)
	loc, err := c.AwaitResult(context.Background(), "job-7")
	if err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}
	if loc != "https://exports.example.com/x.csv" {
		t.Errorf("unexpected location %q", loc)
	}
	waits := clock.Waits()
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 3*time.Second {
		t.Errorf("Expected waits [2s 3s], got %v", waits)
	}
}

func TestAwaitResultTerminalState(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"status":"requires_attention"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.AwaitResult(context.Background(), "job-7")
	if !errors.Is(err, fferrors.ErrResultNotReady) {
		t.Fatalf("Expected ErrResultNotReady, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected terminal state to stop polling after 1 call, got %d", calls)
	}
}

func TestAwaitResultTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"running"}`))
	}))
	defer srv.Close()

	c, clock := newTestClient(t, srv.URL)
	_, err := c.AwaitResult(context.Background(), "job-7")
	if !errors.Is(err, fferrors.ErrResultTimeout) {
		t.Fatalf("Expected ErrResultTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "job_id=job-7") {
		t.Errorf("Expected job id in error context, got %q", err.Error())
	}

	var total time.Duration
	for _, w := range clock.Waits() {
		if w > 10*time.Second {
			t.Errorf("wait %v exceeds the 10s cap", w)
		}
		total += w
	}
	if total != 300*time.Second {
		t.Errorf("Expected polling to wait the whole 300s budget, got %v", total)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "not a url"} {
		if _, err := NewClient(Options{BaseURL: u}); !errors.Is(err, fferrors.ErrInvalidRequest) {
			t.Errorf("NewClient(%q): Expected ErrInvalidRequest, got %v", u, err)
		}
	}
}
