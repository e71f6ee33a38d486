package fetch_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacap/mediacap/internal/capture"
	"github.com/mediacap/mediacap/internal/fetch"
)

func newFetcher(t *testing.T, maxAttempts int) (*fetch.Fetcher, *capture.State) {
	t.Helper()

	state := capture.NewState()
	f := fetch.New(state, maxAttempts, time.Millisecond, time.Second, time.Second)
	t.Cleanup(f.Close)

	return f, state
}

func waitEvent(t *testing.T, f *fetch.Fetcher) fetch.Event {
	t.Helper()

	select {
	case ev := <-f.Events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for download event")

		return fetch.Event{}
	}
}

// rangeHandler serves body with proper Range support, like a CDN would.
func rangeHandler(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)

			return
		}

		offsetStr := strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")
		offset, _ := strconv.ParseInt(offsetStr, 10, 64)

		w.Header().Set("Content-Range",
			"bytes "+offsetStr+"-"+strconv.Itoa(len(body)-1)+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[offset:])
	}
}

func TestEnqueue_Downloads(t *testing.T) {
	body := bytes.Repeat([]byte("mp4 payload "), 1024)

	var gotReferer atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer.Store(r.Header.Get("Referer"))
		rangeHandler(body)(w, r)
	}))
	defer srv.Close()

	f, state := newFetcher(t, 3)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	header := http.Header{"Referer": {"https://v.example.com/watch"}}
	require.True(t, f.Enqueue(context.Background(), srv.URL+"/a.mp4", header, dest))

	ev := waitEvent(t, f)
	require.NoError(t, ev.Err)
	assert.Equal(t, int64(len(body)), ev.Bytes)

	saved, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, saved)

	_, err = os.Stat(dest + fetch.PartSuffix)
	assert.True(t, os.IsNotExist(err), "partial artifact left behind")

	assert.Equal(t, "https://v.example.com/watch", gotReferer.Load())

	require.Eventually(t, func() bool {
		return state.Counts()["in_flight"] == 0
	}, time.Second, 10*time.Millisecond, "claim not released")
}

func TestEnqueue_SameKeyRefused(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	f, _ := newFetcher(t, 1)
	dir := t.TempDir()

	require.True(t, f.Enqueue(context.Background(), srv.URL+"/a.mp4?sig=1", nil, filepath.Join(dir, "a.mp4")))

	// Same canonical key, different query: the claim is already held.
	assert.False(t, f.Enqueue(context.Background(), srv.URL+"/a.mp4?sig=2", nil, filepath.Join(dir, "b.mp4")))

	close(release)
	ev := waitEvent(t, f)
	require.NoError(t, ev.Err)

	// The key stays accepted after completion; a re-fetch is still refused.
	assert.False(t, f.Enqueue(context.Background(), srv.URL+"/a.mp4", nil, filepath.Join(dir, "c.mp4")))
}

func TestFetch_ResumesFromPartialArtifact(t *testing.T) {
	body := bytes.Repeat([]byte("segmented video payload "), 512)
	cut := len(body) / 3

	var sawRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			sawRange.Store(rng)
		}
		rangeHandler(body)(w, r)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, 3)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	// A previous process died mid-transfer.
	require.NoError(t, os.WriteFile(dest+fetch.PartSuffix, body[:cut], 0o644))

	require.True(t, f.Enqueue(context.Background(), srv.URL+"/a.mp4", nil, dest))

	ev := waitEvent(t, f)
	require.NoError(t, ev.Err)
	assert.Equal(t, int64(len(body)), ev.Bytes)

	saved, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, saved, "resumed file differs from a fresh download")

	assert.Equal(t, "bytes="+strconv.Itoa(cut)+"-", sawRange.Load())
}

func TestFetch_RestartsWhenRangeIgnored(t *testing.T) {
	body := bytes.Repeat([]byte("full payload "), 256)

	// This origin always answers 200 with the whole entity.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, 3)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	// Stale partial content that must not survive into the result.
	require.NoError(t, os.WriteFile(dest+fetch.PartSuffix, []byte("stale bytes from an older attempt"), 0o644))

	require.True(t, f.Enqueue(context.Background(), srv.URL+"/a.mp4", nil, dest))

	ev := waitEvent(t, f)
	require.NoError(t, ev.Err)
	assert.Equal(t, int64(len(body)), ev.Bytes)

	saved, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, saved)
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	body := []byte("eventually served payload")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, 5)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	require.True(t, f.Enqueue(context.Background(), srv.URL+"/a.mp4", nil, dest))

	ev := waitEvent(t, f)
	require.NoError(t, ev.Err)
	assert.EqualValues(t, 3, calls.Load())

	saved, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, saved)
}

func TestFetch_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, state := newFetcher(t, 3)
	dest := filepath.Join(t.TempDir(), "out.mp4")

	require.True(t, f.Enqueue(context.Background(), srv.URL+"/a.mp4", nil, dest))

	ev := waitEvent(t, f)
	require.Error(t, ev.Err)
	assert.EqualValues(t, 3, calls.Load())

	var exhausted *fetch.ExhaustedError
	require.ErrorAs(t, ev.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	var status *fetch.StatusError
	require.ErrorAs(t, ev.Err, &status)
	assert.Equal(t, http.StatusNotFound, status.Status)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "destination must not exist after failure")

	require.Eventually(t, func() bool {
		return state.Counts()["in_flight"] == 0
	}, time.Second, 10*time.Millisecond, "claim not released")
}
