// Package journal maintains the append-only plaintext log artifacts: one line
// per record (a multi-line block for rejected images), UTF-8, never read back
// by the process. It is deliberately not a database.
package journal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mediacap/mediacap/internal/logctx"
)

const (
	ImageAccepted = "image_urls.txt"
	ImageAll      = "image_all_urls.txt"
	ImageUnparsed = "unparsed_debug.txt"
	VideoAccepted = "video_urls.txt"
	VideoAll      = "video_all_urls.txt"
	VideoErrors   = "video_errors.txt"
)

type logFile struct {
	mu sync.Mutex
	f  *os.File
}

// Journal appends records to the log artifacts under the base directory.
// Writes from concurrent exchanges never interleave within a record: each
// record is a single buffered write under that file's lock. Write failures are
// logged and swallowed; the journal is never allowed to fail an exchange.
type Journal struct {
	mu    sync.Mutex
	dir   string
	files map[string]*logFile
}

func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	return &Journal{dir: dir, files: make(map[string]*logFile)}, nil
}

// Close closes all open log files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for _, lf := range j.files {
		if err := lf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.files = make(map[string]*logFile)

	return firstErr
}

func (j *Journal) file(name string) (*logFile, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lf, ok := j.files[name]; ok {
		return lf, nil
	}

	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", name, err)
	}

	lf := &logFile{f: f}
	j.files[name] = lf

	return lf, nil
}

// Append writes one record to the named log. A trailing newline is added if
// missing.
func (j *Journal) Append(ctx context.Context, name, record string) {
	lf, err := j.file(name)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("journal append failed", "log", name, "err", err)

		return
	}

	if !strings.HasSuffix(record, "\n") {
		record += "\n"
	}

	lf.mu.Lock()
	defer lf.mu.Unlock()

	if _, err := lf.f.WriteString(record); err != nil {
		logctx.LoggerFromContext(ctx).Error("journal append failed", "log", name, "err", err)
	}
}

// CandidateLine formats the all-candidates record: full URL plus observed
// Content-Type.
func CandidateLine(url, contentType string) string {
	return fmt.Sprintf("%s    [ct=%s]", url, contentType)
}

// RejectedImage writes the block-structured diagnostic record for an image
// candidate that was dropped: reason code, optional extra context, URL, body
// length, Content-Type, vendor format hint and a full header dump.
func (j *Journal) RejectedImage(ctx context.Context, url string, header http.Header, bodyLen int, hintHeader, reason, extra string) {
	var b strings.Builder

	b.WriteString("\n================= UNPARSED IMAGE =================\n")
	fmt.Fprintf(&b, "REASON      : %s\n", reason)
	if extra != "" {
		fmt.Fprintf(&b, "EXTRA       : %s\n", extra)
	}
	fmt.Fprintf(&b, "URL         : %s\n", url)
	fmt.Fprintf(&b, "LENGTH      : %d\n", bodyLen)
	fmt.Fprintf(&b, "Content-Type: %s\n", header.Get("Content-Type"))
	fmt.Fprintf(&b, "%-12s: %s\n", hintHeader, header.Get(hintHeader))
	b.WriteString("HEADERS:\n")

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, strings.Join(header[k], ", "))
	}
	b.WriteString("==================================================\n")

	j.Append(ctx, ImageUnparsed, b.String())
}

// VideoError writes a tagged error line to the video error log.
func (j *Journal) VideoError(ctx context.Context, tag, detail, url string) {
	j.Append(ctx, VideoErrors, fmt.Sprintf("[%s] %s url=%s", tag, detail, url))
}
