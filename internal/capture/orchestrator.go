package capture

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediacap/mediacap/internal/journal"
	"github.com/mediacap/mediacap/internal/logctx"
	"github.com/mediacap/mediacap/internal/storage"
	"github.com/mediacap/mediacap/internal/telemetry"
)

const (
	minImageBody = 5
	minVideoBody = 10
)

// cacheHeaders are deleted on request egress so origins answer with a full
// 200 entity instead of a 304.
var cacheHeaders = []string{
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"Cache-Control",
	"Pragma",
}

// Transcoder dispatches external transcoder work. Satisfied by
// transcode.Dispatcher.
type Transcoder interface {
	RewrapManifest(ctx context.Context, url string, reqHeader http.Header, outPath string)
	ConvertAVIF(ctx context.Context, srcPath, nameRoot, convertedDir string)
}

// Downloader launches detached direct-video fetches. Satisfied by
// fetch.Fetcher.
type Downloader interface {
	Enqueue(ctx context.Context, url string, header http.Header, dest string) bool
}

// Orchestrator is the per-exchange entry point: it classifies, journals and
// fans out to the format resolver, transcode dispatcher and resilient
// downloader. It must not block the interception host on network I/O; every
// transfer and subprocess runs detached.
type Orchestrator struct {
	rules      *Rules
	state      *State
	journal    *journal.Journal
	layout     *storage.Layout
	transcoder Transcoder
	downloader Downloader
	telemetry  *telemetry.Telemetry
}

func NewOrchestrator(
	rules *Rules,
	state *State,
	jrnl *journal.Journal,
	layout *storage.Layout,
	transcoder Transcoder,
	downloader Downloader,
	tel *telemetry.Telemetry,
) *Orchestrator {
	return &Orchestrator{
		rules:      rules,
		state:      state,
		journal:    jrnl,
		layout:     layout,
		transcoder: transcoder,
		downloader: downloader,
		telemetry:  tel,
	}
}

// HandleRequest is the request-egress hook. It strips cache-negotiation
// headers in place and never blocks.
func (o *Orchestrator) HandleRequest(header http.Header) {
	for _, h := range cacheHeaders {
		header.Del(h)
	}
}

// HandleResponse is the response-ingress hook, invoked once per exchange. Non
// candidates are ignored silently; everything else is journaled and, when it
// validates, persisted or handed to a background task. No error escalates to
// the host.
func (o *Orchestrator) HandleResponse(ctx context.Context, e *Exchange) {
	if o.rules.ClassifyImage(e) {
		if o.state.RecordIfNew(LedgerImageAll, CanonicalKey(e.URL)) {
			o.journal.Append(ctx, journal.ImageAll, journal.CandidateLine(e.URL, e.ContentType()))
		}
		o.telemetry.RecordExchange("image")

		o.saveImage(ctx, e)
	}

	if !o.rules.IsVideoCandidate(e) {
		return
	}

	if o.state.RecordIfNew(LedgerVideoAll, CanonicalKey(e.URL)) {
		o.journal.Append(ctx, journal.VideoAll, journal.CandidateLine(e.URL, e.ContentType()))
	}

	category := o.rules.ClassifyVideo(e)
	o.telemetry.RecordExchange(category.String())

	switch category {
	case CategoryDirectVideo:
		o.fetchDirectVideo(ctx, e)
	case CategoryHLSManifest:
		o.saveManifest(ctx, e, manifestHLS)
	case CategoryHLSSegment:
		o.saveSegment(ctx, e, o.layout.VideosTS, "segment.ts")
	case CategoryDASHManifest:
		o.saveManifest(ctx, e, manifestDASH)
	case CategoryDASHSegment:
		o.saveSegment(ctx, e, o.layout.VideosM4S, "segment.m4s")
	case CategoryGenericVideo:
		// Candidate-ledger entry only; there is nothing to persist for a bare
		// video/* response with no recognizable container.
	}
}

func (o *Orchestrator) reject(ctx context.Context, e *Exchange, reason RejectReason, extra string) {
	logctx.LoggerFromContext(ctx).Debug("image candidate rejected",
		"reason", string(reason), "extra", extra, "url", e.URL, "len", len(e.Body))
	o.journal.RejectedImage(ctx, e.URL, e.Header, len(e.Body), FormatHintHeader, string(reason), extra)
	o.telemetry.RecordRejection(string(reason))
}

func (o *Orchestrator) saveImage(ctx context.Context, e *Exchange) {
	logger := logctx.LoggerFromContext(ctx)

	if e.Status != http.StatusOK && e.Status != http.StatusPartialContent {
		o.reject(ctx, e, ReasonNon200Status, "status="+strconv.Itoa(e.Status))

		return
	}

	if len(e.Body) < minImageBody {
		o.reject(ctx, e, ReasonBodyTooSmall, "")

		return
	}

	if !o.state.RecordIfNew(LedgerImageAccepted, CanonicalKey(e.URL)) {
		o.reject(ctx, e, ReasonDuplicate, "")

		return
	}

	o.journal.Append(ctx, journal.ImageAccepted, e.URL)

	nameRoot := ResolveName(e.URL)

	ext := o.rules.ResolveExt(e, e.Body)
	if ext == ExtBin {
		o.reject(ctx, e, ReasonUnknownFormat, "")

		return
	}

	path := filepath.Join(o.layout.Images, SanitizeFilename(nameRoot+"."+ext))
	if err := o.layout.WriteFile(path, e.Body); err != nil {
		logger.Error("failed to save image", "url", e.URL, "err", err)

		return
	}

	logger.Info("image saved", "path", path, "format", ext, "len", len(e.Body))
	o.telemetry.RecordCapture("image")

	if ext == "avif" {
		o.transcoder.ConvertAVIF(ctx, path, nameRoot, o.layout.ImagesConv)
	}
}

type manifestKind struct {
	ext         string
	defaultName string
	dirOf       func(*storage.Layout) string
	errTag      string
	smallTag    string
}

var (
	manifestHLS = manifestKind{
		ext:         ".m3u8",
		defaultName: "index.m3u8",
		dirOf:       func(l *storage.Layout) string { return l.VideosM3U8 },
		errTag:      "NON_200_M3U8",
		smallTag:    "SMALL_M3U8",
	}
	manifestDASH = manifestKind{
		ext:         ".mpd",
		defaultName: "manifest.mpd",
		dirOf:       func(l *storage.Layout) string { return l.VideosMPD },
		errTag:      "NON_200_MPD",
		smallTag:    "SMALL_MPD",
	}
)

// saveManifest persists a validated manifest body and launches the rewrap
// against the original URL. The canonical key is marked accepted before the
// transcoder reports anything; a rewrap that later fails is not retried.
func (o *Orchestrator) saveManifest(ctx context.Context, e *Exchange, kind manifestKind) {
	logger := logctx.LoggerFromContext(ctx)

	if e.Status != http.StatusOK && e.Status != http.StatusPartialContent {
		o.journal.VideoError(ctx, kind.errTag, "status="+strconv.Itoa(e.Status), e.URL)

		return
	}

	if len(e.Body) < minVideoBody {
		o.journal.VideoError(ctx, kind.smallTag, "len="+strconv.Itoa(len(e.Body)), e.URL)

		return
	}

	if !o.state.RecordIfNew(LedgerVideoAccepted, CanonicalKey(e.URL)) {
		return
	}

	o.journal.Append(ctx, journal.VideoAccepted, e.URL)

	fname := lastPathSegment(e.URL)
	if fname == "" {
		fname = kind.defaultName
	}
	if !strings.HasSuffix(fname, kind.ext) {
		fname += kind.ext
	}
	fname = SanitizeFilename(fname)

	path := filepath.Join(kind.dirOf(o.layout), fname)
	if err := o.layout.WriteFile(path, e.Body); err != nil {
		logger.Error("failed to save manifest", "url", e.URL, "err", err)

		return
	}

	logger.Info("manifest saved", "path", path)
	o.telemetry.RecordCapture("manifest")

	mp4Path := filepath.Join(o.layout.VideosMP4, strings.TrimSuffix(fname, kind.ext)+".mp4")
	o.transcoder.RewrapManifest(ctx, e.URL, e.RequestHeader, mp4Path)
}

func (o *Orchestrator) saveSegment(ctx context.Context, e *Exchange, dir, defaultName string) {
	logger := logctx.LoggerFromContext(ctx)

	if len(e.Body) < minVideoBody {
		return
	}

	fname := lastPathSegment(e.URL)
	if fname == "" {
		fname = defaultName
	}
	fname = SanitizeFilename(fname)

	path := filepath.Join(dir, fname)
	if err := o.layout.WriteFile(path, e.Body); err != nil {
		logger.Error("failed to save segment", "url", e.URL, "err", err)

		return
	}

	logger.Info("segment saved", "path", path, "len", len(e.Body))
	o.telemetry.RecordCapture("segment")
}

// fetchDirectVideo hands a direct-video resource to the resilient downloader.
// The exchange body is not used; the downloader re-fetches the resource fully
// with resume support.
func (o *Orchestrator) fetchDirectVideo(ctx context.Context, e *Exchange) {
	logger := logctx.LoggerFromContext(ctx)

	if e.Status != http.StatusOK && e.Status != http.StatusPartialContent {
		o.journal.VideoError(ctx, "NON_200_MP4", "status="+strconv.Itoa(e.Status), e.URL)

		return
	}

	dest := filepath.Join(o.layout.VideosMP4Direct, DirectVideoName(e.URL))

	if !o.downloader.Enqueue(ctx, e.URL, replayHeaders(e.RequestHeader), dest) {
		logger.Debug("direct video already in flight or accepted", "url", e.URL)

		return
	}

	o.journal.Append(ctx, journal.VideoAccepted, e.URL)
	logger.Info("direct video download queued", "url", e.URL, "dest", dest)
}

// DirectVideoName builds the destination filename for a direct-video URL:
// basename plus a short hash of the full URL, so differently-queried URLs
// with the same basename do not collide.
func DirectVideoName(url string) string {
	base := lastPathSegment(url)
	base, _, _ = strings.Cut(base, ".")
	if base == "" {
		base = "video"
	}

	return SanitizeFilename(base) + "_" + URLHash(url) + ".mp4"
}

// replayHeaders copies the request headers worth replaying on the re-fetch.
func replayHeaders(reqHeader http.Header) http.Header {
	h := make(http.Header)
	for _, k := range []string{"Referer", "User-Agent", "Cookie", "Authorization"} {
		if v := reqHeader.Get(k); v != "" {
			h.Set(k, v)
		}
	}

	return h
}

func lastPathSegment(url string) string {
	clean := CanonicalKey(url)
	if i := strings.LastIndexByte(clean, '/'); i >= 0 {
		return clean[i+1:]
	}

	return clean
}
