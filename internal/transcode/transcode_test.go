package transcode

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	name string
	args []string
}

type fakeRunner struct {
	mu   sync.Mutex
	err  error
	runs []recordedRun
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, recordedRun{name: name, args: args})

	return f.err
}

func (f *fakeRunner) recorded() []recordedRun {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]recordedRun(nil), f.runs...)
}

type fakeProber struct {
	frames int
	err    error
}

func (f *fakeProber) FrameCount(context.Context, string) (int, error) {
	return f.frames, f.err
}

func newTestDispatcher(runner *fakeRunner, prober *fakeProber) *Dispatcher {
	return NewDispatcher("ffmpeg", "ffprobe", time.Second, WithRunner(runner), WithProber(prober))
}

func drainResults(t *testing.T, d *Dispatcher, n int) []Result {
	t.Helper()

	results := make([]Result, 0, n)
	for len(results) < n {
		select {
		case res := <-d.Results:
			results = append(results, res)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d results", len(results), n)
		}
	}

	return results
}

func TestRewrapManifest(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDispatcher(runner, &fakeProber{frames: 1})
	defer d.Close()

	header := http.Header{
		"Referer":    {"https://v.example.com/watch"},
		"User-Agent": {"test-agent"},
	}
	d.RewrapManifest(context.Background(), "https://v.example.com/a.m3u8?t=1", header, "/out/a.mp4")

	results := drainResults(t, d, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, KindRewrap, results[0].Kind)
	assert.Equal(t, "https://v.example.com/a.m3u8?t=1", results[0].Source)
	assert.Equal(t, "/out/a.mp4", results[0].Output)

	runs := runner.recorded()
	require.Len(t, runs, 1)
	assert.Equal(t, "ffmpeg", runs[0].name)
	assert.Equal(t, []string{
		"-y",
		"-headers", "Referer: https://v.example.com/watch\r\n",
		"-headers", "User-Agent: test-agent\r\n",
		"-i", "https://v.example.com/a.m3u8?t=1",
		"-c", "copy",
		"/out/a.mp4",
	}, runs[0].args)
}

func TestRewrapManifest_NoHeaders(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDispatcher(runner, &fakeProber{})
	defer d.Close()

	d.RewrapManifest(context.Background(), "https://v.example.com/a.m3u8", http.Header{}, "/out/a.mp4")
	drainResults(t, d, 1)

	runs := runner.recorded()
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"-y", "-i", "https://v.example.com/a.m3u8", "-c", "copy", "/out/a.mp4"}, runs[0].args)
}

func TestRewrapManifest_ProcessFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1")}
	d := newTestDispatcher(runner, &fakeProber{})
	defer d.Close()

	d.RewrapManifest(context.Background(), "https://v.example.com/a.m3u8", http.Header{}, "/out/a.mp4")

	results := drainResults(t, d, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, KindRewrap, results[0].Kind)
}

func TestConvertAVIF_Static(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDispatcher(runner, &fakeProber{frames: 1})
	defer d.Close()

	d.ConvertAVIF(context.Background(), "/images/img_abc.avif", "img_abc", "/images/converted")

	results := drainResults(t, d, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, KindAVIFConvert, results[0].Kind)
	assert.Equal(t, filepath.Join("/images/converted", "img_abc.jpg"), results[0].Output)

	runs := runner.recorded()
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"-y", "-i", "/images/img_abc.avif", filepath.Join("/images/converted", "img_abc.jpg")}, runs[0].args)
}

func TestConvertAVIF_Animated(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDispatcher(runner, &fakeProber{frames: 24})
	defer d.Close()

	d.ConvertAVIF(context.Background(), "/images/sticker.avif", "sticker", "/images/converted")

	results := drainResults(t, d, 2)
	outputs := []string{results[0].Output, results[1].Output}
	assert.Contains(t, outputs, filepath.Join("/images/converted", "sticker.gif"))
	assert.Contains(t, outputs, filepath.Join("/images/converted", "sticker_first.jpg"))

	runs := runner.recorded()
	require.Len(t, runs, 2)
	// GIF conversion first, then the first-frame still.
	assert.Equal(t, []string{"-y", "-i", "/images/sticker.avif", filepath.Join("/images/converted", "sticker.gif")}, runs[0].args)
	assert.Equal(t, []string{"-y", "-i", "/images/sticker.avif", "-vframes", "1", filepath.Join("/images/converted", "sticker_first.jpg")}, runs[1].args)
}

func TestConvertAVIF_ProbeFailureAssumesStatic(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDispatcher(runner, &fakeProber{err: errors.New("ffprobe missing")})
	defer d.Close()

	d.ConvertAVIF(context.Background(), "/images/img.avif", "img", "/images/converted")

	results := drainResults(t, d, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, filepath.Join("/images/converted", "img.jpg"), results[0].Output)
}
