package capture

import (
	"net/http"
	"strings"
)

// FormatHintHeader is the vendor header that names the actual encoded image
// format more reliably than Content-Type does.
const FormatHintHeader = "Imagex-Fmt"

// Exchange is one intercepted HTTP round-trip. The interception host owns the
// original request and response; an Exchange holds copies, so it stays valid
// after the hook call returns.
type Exchange struct {
	URL           string
	Status        int
	RequestHeader http.Header
	Header        http.Header
	Body          []byte
}

// ContentType returns the lowercased response Content-Type.
func (e *Exchange) ContentType() string {
	return strings.ToLower(e.Header.Get("Content-Type"))
}

// FormatHint returns the vendor format hint header, if any.
func (e *Exchange) FormatHint() string {
	return e.Header.Get(FormatHintHeader)
}

// CanonicalKey strips the query string from a URL. Two exchanges with the same
// canonical key are the same logical resource regardless of cache-busting
// parameters; every ledger and the in-flight registry key on it.
func CanonicalKey(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}

	return url
}
