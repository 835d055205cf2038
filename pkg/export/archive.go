package export

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"cdr.dev/slog/v3"

	"github.com/fleetflow/fleetflow/pkg/render"
)

// ObjectPutter writes objects to S3-compatible storage.
type ObjectPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Archiver keeps a copy of every raw export so a window can be re-parsed
// without asking upstream to render it again.
type Archiver struct {
	objects ObjectPutter
	prefix  string
	logger  slog.Logger
}

// NewArchiver creates an Archiver writing under prefix.
func NewArchiver(objects ObjectPutter, prefix string, logger slog.Logger) *Archiver {
	return &Archiver{
		objects: objects,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger.Named("archive"),
	}
}

// Key returns the object key for a job's export:
// prefix/tenant/report/start_end/jobID.ext
func (a *Archiver) Key(scope render.Scope, jobID string, raw []byte) string {
	ext, _ := kindOf(raw)
	period := fmt.Sprintf("%s_%s",
		scope.Window.Start.UTC().Format("20060102T150405Z"),
		scope.Window.End.UTC().Format("20060102T150405Z"))
	return path.Join(a.prefix, scope.TenantID, scope.ReportID, period, jobID+ext)
}

// Archive uploads raw under key. Failures are logged and returned; callers
// must not fail a window because of them.
func (a *Archiver) Archive(ctx context.Context, key string, raw []byte) error {
	_, contentType := kindOf(raw)
	if err := a.objects.Put(ctx, key, raw, contentType); err != nil {
		a.logger.Warn(ctx, "raw export archive failed", slog.F("key", key), slog.Error(err))
		return err
	}
	a.logger.Debug(ctx, "raw export archived", slog.F("key", key), slog.F("bytes", len(raw)))
	return nil
}

var zipMagic = []byte("PK\x03\x04")

func kindOf(raw []byte) (ext, contentType string) {
	if bytes.HasPrefix(raw, zipMagic) {
		return ".xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return ".csv", "text/csv"
}
