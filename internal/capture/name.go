package capture

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	exportNameRe = regexp.MustCompile(`(?i)^(DSC|IMGS|IMG|PXL|photo|mmexport)[A-Za-z0-9_-]+\.`)
	identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,}`)
	markerSepRe  = regexp.MustCompile(`[\*~]tplv`)
	unsafeCharRe = regexp.MustCompile(`[\\/:*?"<>|]`)
)

// ResolveName derives a stable base filename (no extension) from a URL.
// Strategies in order: a camera/app export segment, the second-to-last path
// segment, the last segment with the vendor pipeline suffix stripped, and a
// hash of the query-stripped URL as the guaranteed fallback.
func ResolveName(url string) string {
	clean := CanonicalKey(url)
	parts := strings.Split(clean, "/")

	for _, p := range parts {
		if exportNameRe.MatchString(p) {
			stem, _, _ := strings.Cut(p, ".")

			return stem
		}
	}

	if len(parts) > 2 {
		cand := parts[len(parts)-2]
		if identifierRe.MatchString(cand) && !strings.Contains(cand, "tplv") {
			return cand
		}
	}

	last := markerSepRe.Split(parts[len(parts)-1], 2)[0]
	last, _, _ = strings.Cut(last, ".")
	if identifierRe.MatchString(last) {
		return last
	}

	sum := md5.Sum([]byte(clean))

	return "img_" + hex.EncodeToString(sum[:])[:10]
}

// URLHash returns the first 8 hex chars of the md5 of the full URL, used to
// keep differently-queried same-basename downloads from colliding.
func URLHash(url string) string {
	sum := md5.Sum([]byte(url))

	return hex.EncodeToString(sum[:])[:8]
}

// SanitizeFilename replaces filesystem-reserved characters so the result is
// safe as a single path component.
func SanitizeFilename(name string) string {
	return unsafeCharRe.ReplaceAllString(name, "_")
}
