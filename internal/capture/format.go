package capture

import (
	"bytes"
	"strings"
)

// ExtBin marks a buffer whose format could not be resolved. Callers must treat
// it as "unknown, do not persist as an image", not as a literal binary format.
const ExtBin = "bin"

// hintTable maps vendor format hints to file extensions, covering native
// formats and their common transcode variants.
var hintTable = map[string]string{
	"jpg":  "jpg",
	"jpeg": "jpg",
	"png":  "png",
	"gif":  "gif",
	"webp": "webp",
	"avif": "avif",
	"heic": "heic",
	"heif": "heif",

	"avif2webp": "webp",
	"heic2webp": "webp",
	"jpeg2webp": "webp",
	"png2webp":  "webp",
	"avif2avif": "avif",
}

// extFromHint resolves a vendor format hint through the table, falling back to
// suffix patterns for transcode pairs the table does not list.
func extFromHint(hint string) string {
	hint = strings.ToLower(hint)
	if ext, ok := hintTable[hint]; ok {
		return ext
	}

	switch {
	case strings.HasSuffix(hint, "2avif"):
		return "avif"
	case strings.HasSuffix(hint, "2webp"):
		return "webp"
	case strings.HasSuffix(hint, "2jpg"), strings.HasSuffix(hint, "2jpeg"):
		return "jpg"
	case strings.HasSuffix(hint, "2png"):
		return "png"
	}

	return ExtBin
}

// extFromMagic sniffs the leading bytes of the buffer. It covers the formats
// image CDNs actually serve; Content-Type lies often enough that this tier
// outranks the URL.
func extFromMagic(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "jpg"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "gif"
	}

	if len(data) >= 12 {
		switch string(data[4:12]) {
		case "ftypavif":
			return "avif"
		case "ftypheic", "ftypheif":
			return "heic"
		}
	}

	return ""
}

// ResolveExt determines the true encoded format of an image body. Tiers, first
// applicable wins: vendor format hint, image/* Content-Type subtype, magic
// bytes, URL extension. Anything else resolves to ExtBin.
func (r *Rules) ResolveExt(e *Exchange, data []byte) string {
	if hint := e.FormatHint(); hint != "" {
		return extFromHint(hint)
	}

	if ct := e.ContentType(); strings.HasPrefix(ct, "image/") {
		sub := strings.TrimPrefix(ct, "image/")
		if i := strings.IndexByte(sub, ';'); i >= 0 {
			sub = sub[:i]
		}
		sub = strings.TrimSpace(sub)
		if ext, ok := hintTable[sub]; ok {
			return ext
		}

		return sub
	}

	if ext := extFromMagic(data); ext != "" {
		return ext
	}

	if m := r.imageExtRe.FindStringSubmatch(strings.ToLower(e.URL)); m != nil {
		return m[1]
	}

	return ExtBin
}
