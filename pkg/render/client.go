package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cdr.dev/slog/v3"

	fferrors "github.com/fleetflow/fleetflow/pkg/errors"
	"github.com/fleetflow/fleetflow/pkg/resilience"
	"github.com/fleetflow/fleetflow/pkg/telemetry"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the upstream API root, e.g. "https://api.example.com".
	BaseURL string

	// Token is sent as a bearer credential on every call.
	Token string

	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client

	// SubmitPolicy governs job submission (default: 3 attempts, 5s apart).
	SubmitPolicy *resilience.Policy

	// PollPolicy governs result polling (default: 2s x1.5 capped at 10s, 300s budget).
	PollPolicy *resilience.Policy

	Logger  slog.Logger
	Metrics *telemetry.Metrics
}

// DefaultSubmitPolicy returns the submission retry policy.
func DefaultSubmitPolicy() resilience.Policy {
	return resilience.Fixed(3, 5*time.Second)
}

// DefaultPollPolicy returns the result polling policy. The last wait is
// shortened so the final poll lands on the 300s deadline.
func DefaultPollPolicy() resilience.Policy {
	return resilience.Exponential(2*time.Second, 1.5, 10*time.Second, 300*time.Second)
}

// Client submits render jobs and waits for their results.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	submit resilience.Policy
	poll   resilience.Policy
	logger slog.Logger
	m      *telemetry.Metrics
}

// NewClient creates a Client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fferrors.InvalidRequest("apiBaseUrl", fmt.Sprintf("invalid upstream base url %q", opts.BaseURL))
	}

	c := &Client{
		base:   base,
		token:  opts.Token,
		http:   opts.HTTPClient,
		submit: DefaultSubmitPolicy(),
		poll:   DefaultPollPolicy(),
		logger: opts.Logger.Named("render"),
		m:      opts.Metrics,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.SubmitPolicy != nil {
		c.submit = *opts.SubmitPolicy
	}
	if opts.PollPolicy != nil {
		c.poll = *opts.PollPolicy
	}
	c.submit = c.submit.WithRetryable(isTransient)
	c.poll = c.poll.WithRetryable(func(err error) bool {
		var t *terminalError
		return !errors.As(err, &t) && isTransient(err)
	})
	return c, nil
}

type submitRequest struct {
	GroupTagID  string `json:"groupTagId"`
	From        string `json:"from"`
	To          string `json:"to"`
	EventRuleID string `json:"eventRuleId,omitempty"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
	ID    string `json:"id"`
}

type statusResponse struct {
	Status   string `json:"status"`
	Location string `json:"location"`
}

// httpError is a non-2xx upstream response.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.StatusCode, e.Body)
}

// terminalError is a job state that polling will never get past.
type terminalError struct {
	State string
}

func (e *terminalError) Error() string {
	return fmt.Sprintf("render job in terminal state %q", e.State)
}

var (
	errMissingJobID = errors.New("upstream response has no job id")
	errPending      = errors.New("render job still pending")
)

// isTransient reports whether an upstream failure is worth retrying:
// transport errors, 429, 5xx, a missing job id or a pending job.
func isTransient(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	var te *terminalError
	return !errors.As(err, &te)
}

// Submit asks upstream to render the scope and returns the job id.
func (c *Client) Submit(ctx context.Context, scope Scope) (string, error) {
	scope = scope.Normalize()
	if err := scope.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(submitRequest{
		GroupTagID:  scope.GroupTagID,
		From:        scope.Window.Start.UTC().Format(time.RFC3339),
		To:          scope.Window.End.UTC().Format(time.RFC3339),
		EventRuleID: scope.EventRuleID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	endpoint := c.endpoint("v1", "tenants", scope.TenantID, "reports", scope.ReportID, "render")

	var (
		jobID      string
		lastStatus int
	)
	out, err := resilience.RetryNotify(ctx, c.submit, func(ctx context.Context) error {
		raw, status, err := c.do(ctx, http.MethodPost, endpoint, body)
		lastStatus = status
		c.m.ObserveUpstream("submit", err)
		if err != nil {
			return err
		}
		var resp submitResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode submit response: %w", err)
		}
		jobID = strings.TrimSpace(resp.JobID)
		if jobID == "" {
			jobID = strings.TrimSpace(resp.ID)
		}
		if jobID == "" {
			return errMissingJobID
		}
		return nil
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Warn(ctx, "render submit failed, retrying",
			slog.F("scope", scope.String()),
			slog.F("attempt", attempt),
			slog.F("status", lastStatus),
			slog.F("retry_in", next),
			slog.Error(err))
	})
	if err != nil {
		return "", fferrors.Wrap(err, fferrors.CodeRenderSubmission, "submit render job").
			WithContext("attempts", out.Attempts).
			WithContext("status", lastStatus).
			WithContext("scope", scope.String())
	}

	c.logger.Debug(ctx, "render job submitted",
		slog.F("scope", scope.String()),
		slog.F("job_id", jobID),
		slog.F("attempts", out.Attempts))
	return jobID, nil
}

// AwaitResult polls the job status until it is ready and returns the export
// location. A terminal job state yields ErrResultNotReady; running out of the
// poll budget yields ErrResultTimeout.
func (c *Client) AwaitResult(ctx context.Context, jobID string) (string, error) {
	endpoint := c.endpoint("v1", "render-jobs", jobID)

	var (
		location  string
		lastState string
	)
	out, err := resilience.RetryNotify(ctx, c.poll, func(ctx context.Context) error {
		raw, _, err := c.do(ctx, http.MethodGet, endpoint, nil)
		c.m.ObserveUpstream("status", err)
		if err != nil {
			return err
		}
		var resp statusResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}
		lastState = strings.ToLower(strings.TrimSpace(resp.Status))

		switch classifyState(lastState) {
		case stateReady:
			if resp.Location == "" {
				return errPending
			}
			location = resp.Location
			return nil
		case stateTerminal:
			return &terminalError{State: lastState}
		default:
			return errPending
		}
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Debug(ctx, "render job not ready",
			slog.F("job_id", jobID),
			slog.F("attempt", attempt),
			slog.F("state", lastState),
			slog.F("retry_in", next),
			slog.Error(err))
	})

	switch {
	case err == nil:
		return location, nil
	case out.Exhausted:
		return "", fferrors.Wrap(err, fferrors.CodeResultTimeout, "render job did not complete within poll budget").
			WithContext("job_id", jobID).
			WithContext("attempts", out.Attempts).
			WithContext("state", lastState)
	case ctx.Err() != nil:
		return "", err
	default:
		return "", fferrors.Wrap(err, fferrors.CodeResultNotReady, "render job needs manual handling").
			WithContext("job_id", jobID).
			WithContext("attempts", out.Attempts).
			WithContext("state", lastState)
	}
}

type jobState int

const (
	statePending jobState = iota
	stateReady
	stateTerminal
)

func classifyState(s string) jobState {
	switch s {
	case "ready", "complete", "completed", "done", "succeeded":
		return stateReady
	case "failed", "error", "cancelled", "canceled", "expired", "requires_attention", "manual":
		return stateTerminal
	default:
		return statePending
	}
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, int, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &httpError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 256)}
	}
	return raw, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
