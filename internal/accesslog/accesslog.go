// Package accesslog writes the per-request access log.
//
// One line per processed request, fixed field order:
//
//	timestamp client host upstream original-uri rewritten-uri status upstream-time total-time
//
// The log is append-only. Write failures are diagnostic-only: they are
// reported through slog once per failure but never fail the request.
package accesslog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"s3front-proxy-go/internal/model"
)

// Writer appends request records to the access log file. A nil *Writer is
// valid and discards all records, which is how a disabled access log is
// represented.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	logger *slog.Logger
}

// Open opens (creating if needed) the access log at path for appending.
// An empty path disables the access log and returns a nil Writer.
func Open(path string, logger *slog.Logger) (*Writer, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("accesslog: open %s: %w", path, err)
	}
	return &Writer{
		f:      f,
		logger: logger.With("component", "accesslog"),
	}, nil
}

// Record appends one line for the given request. Failures are logged, not
// returned; access logging must never affect request handling.
func (w *Writer) Record(r *model.RequestRecord) {
	if w == nil {
		return
	}
	line := formatRecord(r)

	w.mu.Lock()
	_, err := w.f.WriteString(line)
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("access log write failed", "err", err)
	}
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// formatRecord renders the fixed field order. Durations are seconds with
// millisecond precision, nginx-style. Empty string fields become "-" so the
// field count stays stable for log parsers.
func formatRecord(r *model.RequestRecord) string {
	return fmt.Sprintf("%s %s %s %s %s %s %d %.3f %.3f\n",
		r.Time.UTC().Format(time.RFC3339),
		orDash(r.ClientAddr),
		orDash(r.Host),
		orDash(r.UpstreamAddr),
		orDash(r.URI),
		orDash(r.RewrittenURI),
		r.Status,
		r.UpstreamTime.Seconds(),
		r.TotalTime.Seconds(),
	)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
