// Package fetch implements the resumable, retrying streaming downloader used
// for direct-video resources. Transfers run detached from the exchange hot
// path; the in-flight registry guarantees at most one concurrent fetch per
// canonical key.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mediacap/mediacap/internal/capture"
	"github.com/mediacap/mediacap/internal/fetch/progress"
	"github.com/mediacap/mediacap/internal/logctx"
)

// PartSuffix marks the on-disk partial artifact of an unfinished fetch.
const PartSuffix = ".part"

const (
	copyBufSize      = 256 * 1024
	progressInterval = int64(8 * 1024 * 1024) // 8MB between progress lines
)

// Registry is the slice of capture.State the fetcher needs: atomic claim and
// unconditional release of a canonical key.
type Registry interface {
	BeginFetch(key string) bool
	EndFetch(key string)
}

// Event reports the terminal outcome of a download task.
type Event struct {
	URL      string
	Dest     string
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Fetcher performs range-resumable streaming fetches to disk with linear
// backoff between attempts and atomic completion.
type Fetcher struct {
	client      *http.Client
	registry    Registry
	maxAttempts int
	backoff     time.Duration

	// Events receives one record per terminated download, success or final
	// failure. Consumers must drain it.
	Events chan Event
}

func New(registry Registry, maxAttempts int, backoff, connectTimeout, readTimeout time.Duration) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: readTimeout,
			},
		},
		registry:    registry,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		Events:      make(chan Event, 16),
	}
}

func (f *Fetcher) Close() {
	close(f.Events)
}

// Enqueue claims the canonical key of url and, on success, launches the
// download on its own goroutine. It reports false when the key is already in
// flight or already accepted; the hot path returns immediately either way.
func (f *Fetcher) Enqueue(ctx context.Context, url string, header http.Header, dest string) bool {
	key := capture.CanonicalKey(url)
	if !f.registry.BeginFetch(key) {
		return false
	}

	go func() {
		logger := logctx.LoggerFromContext(ctx)

		// Release must happen on every exit path, including panics; a leaked
		// claim makes the key unfetchable for the rest of the process.
		defer f.registry.EndFetch(key)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("download panic", "url", url, "panic", r, "stack", string(debug.Stack()))
			}
		}()

		start := time.Now()

		written, err := f.fetch(ctx, url, header, dest)
		f.emit(Event{URL: url, Dest: dest, Bytes: written, Duration: time.Since(start), Err: err})

		if err != nil {
			logger.Error("download abandoned", "url", url, "err", err)

			return
		}

		logger.Info("download complete", "url", url, "dest", dest,
			"size", humanize.Bytes(uint64(written)), "took", time.Since(start).String())
	}()

	return true
}

func (f *Fetcher) emit(ev Event) {
	select {
	case f.Events <- ev:
	default:
	}
}

// fetch runs the attempt loop. Each attempt resumes from whatever the partial
// artifact already holds; on success the artifact is atomically moved to dest.
func (f *Fetcher) fetch(ctx context.Context, url string, header http.Header, dest string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		written, err := f.attempt(ctx, url, header, dest)
		if err == nil {
			return written, nil
		}

		lastErr = err
		logger.Warn("download attempt failed",
			"url", url, "attempt", attempt, "max_attempts", f.maxAttempts, "err", err)

		if attempt < f.maxAttempts {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(f.backoff * time.Duration(attempt)):
			}
		}
	}

	return 0, &ExhaustedError{URL: url, Attempts: f.maxAttempts, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, url string, header http.Header, dest string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)
	partPath := dest + PartSuffix

	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			// Server ignored the Range request; the partial artifact cannot
			// be appended to. Restart from zero.
			logger.Warn("server ignored range request, restarting", "url", url, "discarded", offset)

			if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
				return 0, fmt.Errorf("failed to discard partial artifact: %w", err)
			}
			offset = 0
		}
	case http.StatusPartialContent:
		// resuming from offset
	default:
		return 0, &StatusError{URL: url, Status: resp.StatusCode}
	}

	total := totalLength(resp, offset)

	part, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open partial artifact: %w", err)
	}

	resumed := offset > 0
	if resumed {
		logger.Info("resuming download", "url", url, "from", humanize.Bytes(uint64(offset)))
	}

	pr := progress.NewReader(resp.Body, offset, total, progressInterval, func(read, total int64) {
		if total > 0 {
			logger.Debug("download progress", "url", url,
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "url", url, "downloaded", humanize.Bytes(uint64(read)))
		}
	})

	n, copyErr := io.CopyBuffer(part, pr, make([]byte, copyBufSize))
	if err := part.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		// Bytes already written stay in place to seed the next attempt.
		return 0, fmt.Errorf("body copy failed after %d bytes: %w", n, copyErr)
	}

	// Atomic completion: the destination path never observably holds a
	// partially-written file.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to remove stale destination: %w", err)
	}
	if err := os.Rename(partPath, dest); err != nil {
		return 0, fmt.Errorf("failed to finalize download: %w", err)
	}

	return offset + n, nil
}

// totalLength derives the full resource size from Content-Range when present,
// else from Content-Length plus the resume offset. Returns 0 when neither is
// usable.
func totalLength(resp *http.Response, offset int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return total
			}
		}
	}

	if resp.ContentLength > 0 {
		return offset + resp.ContentLength
	}

	return 0
}
