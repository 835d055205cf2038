// Package export downloads finished report exports.
package export

import (
	"context"
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

const (
	// DefaultChunkSize is the read size used while downloading.
	DefaultChunkSize = 256 << 10
	// DefaultMaxSize bounds a single export.
	DefaultMaxSize = 256 << 20
)

// ObjectOpener reads objects from S3-compatible storage.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// Options configures a Fetcher.
type Options struct {
	// PrivateHost is the export host that requires the tenant credential.
	// Its subdomains match too. Every other host is fetched anonymously.
	PrivateHost string

	ChunkSize int
	MaxSize   int64

	// HTTPClient overrides the default client (2 minute timeout).
	HTTPClient *http.Client

	// Objects serves s3:// locations. Without it they fail.
	Objects ObjectOpener

	// Policy governs retries (default: 3 attempts, 5s apart).
	Policy *resilience.Policy

	Logger  slog.Logger
	Metrics *telemetry.Metrics
}

// DefaultPolicy returns the download retry policy.
func DefaultPolicy() resilience.Policy {
	return resilience.Fixed(3, 5*time.Second)
}

// Fetcher downloads exports over HTTP(S) or from S3.
type Fetcher struct {
	privateHost string
	chunkSize   int
	maxSize     int64
	http        *http.Client
	objects     ObjectOpener
	policy      resilience.Policy
	logger      slog.Logger
	m           *telemetry.Metrics
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts Options) *Fetcher {
	f := &Fetcher{
		privateHost: strings.ToLower(strings.TrimSpace(opts.PrivateHost)),
		chunkSize:   opts.ChunkSize,
		maxSize:     opts.MaxSize,
		http:        opts.HTTPClient,
		objects:     opts.Objects,
		policy:      DefaultPolicy(),
		logger:      opts.Logger.Named("export"),
		m:           opts.Metrics,
	}
	if f.chunkSize <= 0 {
		f.chunkSize = DefaultChunkSize
	}
	if f.maxSize <= 0 {
		f.maxSize = DefaultMaxSize
	}
	if f.http == nil {
		f.http = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.Policy != nil {
		f.policy = *opts.Policy
	}
	f.policy = f.policy.WithRetryable(func(err error) bool {
		var le *locationError
		return !errors.As(err, &le)
	})
	return f
}

type locationError struct {
	location string
	reason   string
}

func (e *locationError) Error() string {
	return fmt.Sprintf("unsupported export location %q: %s", e.location, e.reason)
}

// Fetch downloads the export at location. credential is sent as a bearer
// token only to the private export host. Every failed download is retried,
// except a location Fetch cannot serve at all (an unknown scheme, or s3://
// without an object store), which fails on the first attempt.
func (f *Fetcher) Fetch(ctx context.Context, location, credential string) ([]byte, error) {
	var raw []byte
	out, err := resilience.RetryNotify(ctx, f.policy, func(ctx context.Context) error {
		var err error
		raw, err = f.fetchOnce(ctx, location, credential)
		f.m.ObserveUpstream("export", err)
		return err
	}, func(attempt int, err error, next time.Duration) {
		f.logger.Warn(ctx, "export download failed, retrying",
			slog.F("location", redact(location)),
			slog.F("attempt", attempt),
			slog.F("retry_in", next),
			slog.Error(err))
	})
	if err != nil {
		return nil, fferrors.Wrap(err, fferrors.CodeDownloadFailed, "download export").
			WithContext("location", redact(location)).
			WithContext("attempts", out.Attempts)
	}

	f.logger.Debug(ctx, "export downloaded",
		slog.F("location", redact(location)),
		slog.F("bytes", len(raw)),
		slog.F("attempts", out.Attempts))
	return raw, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, location, credential string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return nil, &locationError{location: location, reason: err.Error()}
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		if f.objects == nil {
			return nil, &locationError{location: location, reason: "no object storage configured"}
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, &locationError{location: location, reason: "missing bucket or key"}
		}
		body, _, err := f.objects.Open(ctx, u.Host, key)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		return readChunked(body, f.chunkSize, f.maxSize)

	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if credential != "" && f.isPrivate(u) {
			req.Header.Set("Authorization", "Bearer "+credential)
		}

		resp, err := f.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		}
		return readChunked(resp.Body, f.chunkSize, f.maxSize)

	default:
		return nil, &locationError{location: location, reason: "scheme must be http, https or s3"}
	}
}

func (f *Fetcher) isPrivate(u *url.URL) bool {
	if f.privateHost == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == f.privateHost || strings.HasSuffix(host, "."+f.privateHost)
}

// readChunked reads r in chunkSize pieces, failing once more than limit bytes
// have been read.
func readChunked(r io.Reader, chunkSize int, limit int64) ([]byte, error) {
	var (
		out   []byte
		chunk = make([]byte, chunkSize)
	)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if int64(len(out)+n) > limit {
				return nil, fmt.Errorf("export exceeds %d bytes", limit)
			}
			out = append(out, chunk[:n]...)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read export: %w", err)
		}
	}
}

// redact drops the query string, which often carries signed credentials.
func redact(location string) string {
	if i := strings.IndexByte(location, '?'); i >= 0 {
		return location[:i] + "?..."
	}
	return location
}
