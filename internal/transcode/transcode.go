// Package transcode drives the external transcoder (ffmpeg) and prober
// (ffprobe) processes. Stdout is never parsed for control decisions; only exit
// status and side-effect files matter downstream.
package transcode

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/mediacap/mediacap/internal/logctx"
)

// Kind tags a dispatched transcode job.
type Kind string

const (
	KindRewrap      Kind = "rewrap"
	KindAVIFConvert Kind = "avif_convert"
)

// Result is the observable outcome of a background transcode. The hot path
// never waits on it; consumers drain the channel to log, count, or (in a
// future change) feed failures back into the ledgers.
type Result struct {
	Kind   Kind
	Source string
	Output string
	Err    error
}

// Runner executes the transcoder binary. Test doubles replace it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// Prober reports the frame count of a local media file. Test doubles replace it.
type Prober interface {
	FrameCount(ctx context.Context, path string) (int, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	// Diagnostic output stays off the hot path.
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Run()
}

// FFProbe probes frame counts via the ffprobe binary with a bounded timeout.
type FFProbe struct {
	Path    string
	Timeout time.Duration
}

// FrameCount runs ffprobe against a local file and parses the stream frame
// count. Any failure, including timeout, surfaces as an error; callers treat
// that as "not animated".
func (p *FFProbe) FrameCount(ctx context.Context, path string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.Path,
		"-v", "error",
		"-show_entries", "stream=nb_frames",
		"-of", "default=nk=1:nw=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	frames, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned non-numeric frame count for %s: %w", path, err)
	}

	return frames, nil
}

// Dispatcher launches transcodes as detached background work. Launch failures
// and process failures are reported on Results; nothing is retried.
type Dispatcher struct {
	ffmpeg  string
	runner  Runner
	prober  Prober
	Results chan Result
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRunner replaces the process runner, for tests.
func WithRunner(r Runner) Option {
	return func(d *Dispatcher) { d.runner = r }
}

// WithProber replaces the animation prober, for tests.
func WithProber(p Prober) Option {
	return func(d *Dispatcher) { d.prober = p }
}

func NewDispatcher(ffmpegPath, ffprobePath string, probeTimeout time.Duration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ffmpeg:  ffmpegPath,
		runner:  execRunner{},
		prober:  &FFProbe{Path: ffprobePath, Timeout: probeTimeout},
		Results: make(chan Result, 16),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Dispatcher) Close() {
	close(d.Results)
}

// emit publishes a result without ever blocking the producing goroutine.
func (d *Dispatcher) emit(res Result) {
	select {
	case d.Results <- res:
	default:
	}
}

// RewrapManifest launches the transcoder against the original manifest URL
// (not the saved file) with copy semantics to produce a playable MP4. Request
// headers worth replaying (auth, referrer, cookies) are injected. The call
// returns as soon as the process is launched.
func (d *Dispatcher) RewrapManifest(ctx context.Context, url string, reqHeader http.Header, outPath string) {
	args := []string{"-y"}
	for _, h := range []string{"Referer", "User-Agent", "Cookie"} {
		if v := reqHeader.Get(h); v != "" {
			args = append(args, "-headers", fmt.Sprintf("%s: %s\r\n", h, v))
		}
	}
	args = append(args, "-i", url, "-c", "copy", outPath)

	d.background(ctx, Result{Kind: KindRewrap, Source: url, Output: outPath}, args)
}

// ConvertAVIF converts a saved AVIF still. Animated sources become a GIF plus
// a first-frame JPEG; static sources become a single JPEG. Probe failures
// default to the static path.
func (d *Dispatcher) ConvertAVIF(ctx context.Context, srcPath, nameRoot, convertedDir string) {
	go func() {
		logger := logctx.LoggerFromContext(ctx)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("avif conversion panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		frames, err := d.prober.FrameCount(ctx, srcPath)
		if err != nil {
			logger.Debug("animation probe failed, assuming static", "path", srcPath, "err", err)
			frames = 1
		}

		if frames > 1 {
			gifOut := filepath.Join(convertedDir, nameRoot+".gif")
			d.run(ctx, Result{Kind: KindAVIFConvert, Source: srcPath, Output: gifOut},
				[]string{"-y", "-i", srcPath, gifOut})

			jpgOut := filepath.Join(convertedDir, nameRoot+"_first.jpg")
			d.run(ctx, Result{Kind: KindAVIFConvert, Source: srcPath, Output: jpgOut},
				[]string{"-y", "-i", srcPath, "-vframes", "1", jpgOut})

			return
		}

		jpgOut := filepath.Join(convertedDir, nameRoot+".jpg")
		d.run(ctx, Result{Kind: KindAVIFConvert, Source: srcPath, Output: jpgOut},
			[]string{"-y", "-i", srcPath, jpgOut})
	}()
}

// background runs one transcoder invocation on its own goroutine.
func (d *Dispatcher) background(ctx context.Context, res Result, args []string) {
	go func() {
		logger := logctx.LoggerFromContext(ctx)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("transcode panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		d.run(ctx, res, args)
	}()
}

func (d *Dispatcher) run(ctx context.Context, res Result, args []string) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("transcoder start", "kind", string(res.Kind), "source", res.Source, "output", res.Output)

	if err := d.runner.Run(ctx, d.ffmpeg, args...); err != nil {
		res.Err = fmt.Errorf("transcoder failed: %w", err)
		logger.Error("transcoder failed", "kind", string(res.Kind), "source", res.Source, "err", err)
	}

	d.emit(res)
}
