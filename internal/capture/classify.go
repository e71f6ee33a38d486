package capture

import (
	"regexp"
	"strings"
)

// Category is the handling class assigned to a video-like exchange. The first
// matching rule wins and decides handling, not just candidacy.
type Category int

const (
	CategoryNone Category = iota
	CategoryDirectVideo
	CategoryHLSManifest
	CategoryHLSSegment
	CategoryDASHManifest
	CategoryDASHSegment
	CategoryGenericVideo
)

func (c Category) String() string {
	switch c {
	case CategoryDirectVideo:
		return "direct_video"
	case CategoryHLSManifest:
		return "hls_manifest"
	case CategoryHLSSegment:
		return "hls_segment"
	case CategoryDASHManifest:
		return "dash_manifest"
	case CategoryDASHSegment:
		return "dash_segment"
	case CategoryGenericVideo:
		return "generic_video"
	default:
		return "none"
	}
}

// Rules holds the signal tables the classifiers run on. One shared instance is
// built at startup; the zero value is not usable.
type Rules struct {
	ImageExts      []string
	ImageMarker    string
	ImageHostAllow []string
	ImageDeny      []string

	imageExtRe *regexp.Regexp
}

// DefaultRules returns the rule tables for the image pipelines and CDNs the
// capture targets.
func DefaultRules() *Rules {
	r := &Rules{
		ImageExts:      []string{"jpg", "jpeg", "png", "gif", "bmp", "webp", "avif", "heic", "svg"},
		ImageMarker:    "tplv",
		ImageHostAllow: []string{"mmbiz", "qlogo.cn", "mmbiz.qpic.cn", "pb.plusx.cn"},
		ImageDeny:      []string{"hm.baidu.com/hm.gif"},
	}
	r.imageExtRe = regexp.MustCompile(`\.(` + strings.Join(r.ImageExts, "|") + `)(\?|$)`)

	return r
}

// ClassifyImage reports whether the exchange looks like an image worth a save
// attempt. The denylist excludes unconditionally; after that any single signal
// is enough, checked in priority order: URL extension, vendor pipeline marker,
// Content-Type, CDN allowlist.
func (r *Rules) ClassifyImage(e *Exchange) bool {
	url := strings.ToLower(e.URL)
	ct := e.ContentType()

	for _, deny := range r.ImageDeny {
		if strings.Contains(url, deny) {
			return false
		}
	}

	if r.imageExtRe.MatchString(url) {
		return true
	}

	if strings.Contains(url, r.ImageMarker) {
		return true
	}

	if strings.HasPrefix(ct, "image/") {
		return true
	}

	for _, allow := range r.ImageHostAllow {
		if strings.Contains(url, allow) {
			return true
		}
	}

	return false
}

// hasExt reports whether the URL path ends in .ext, optionally followed by a
// query string.
func hasExt(url, ext string) bool {
	return strings.HasSuffix(url, "."+ext) || strings.Contains(url, "."+ext+"?")
}

// ClassifyVideo assigns the handling category for a video-like exchange.
// Evaluation order is fixed; the first match wins.
func (r *Rules) ClassifyVideo(e *Exchange) Category {
	url := strings.ToLower(e.URL)
	ct := e.ContentType()

	switch {
	case strings.HasPrefix(ct, "video/mp4") || hasExt(url, "mp4"):
		return CategoryDirectVideo
	case hasExt(url, "m3u8"),
		strings.Contains(url, "m3u8") && (strings.Contains(url, "api") || strings.Contains(url, "/m3u8/")),
		strings.HasPrefix(ct, "application/vnd.apple.mpegurl"),
		strings.HasPrefix(ct, "application/x-mpegurl"):
		return CategoryHLSManifest
	case hasExt(url, "ts") || ct == "video/mp2t":
		return CategoryHLSSegment
	case hasExt(url, "mpd") || strings.HasPrefix(ct, "application/dash+xml"):
		return CategoryDASHManifest
	case hasExt(url, "m4s"),
		strings.Contains(url, ".m4s") && (strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "application/octet-stream")):
		return CategoryDASHSegment
	case strings.HasPrefix(ct, "video/"):
		return CategoryGenericVideo
	default:
		return CategoryNone
	}
}

// IsVideoCandidate is the superset predicate behind the diagnostic all-video
// ledger. It is evaluated independently of ClassifyVideo; an exchange can be a
// candidate without getting a handling category.
func (r *Rules) IsVideoCandidate(e *Exchange) bool {
	return r.ClassifyVideo(e) != CategoryNone
}
