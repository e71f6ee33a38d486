package capture

import "fmt"

// RejectReason codes why an image candidate was dropped before persisting.
// They appear verbatim in the diagnostic journal.
type RejectReason string

const (
	ReasonNon200Status  RejectReason = "NON_200_STATUS"
	ReasonBodyTooSmall  RejectReason = "EMPTY_OR_TOO_SMALL"
	ReasonDuplicate     RejectReason = "DUPLICATE_URL"
	ReasonUnknownFormat RejectReason = "UNKNOWN_FORMAT_BIN"
)

// RejectError reports that a candidate exchange failed validation. It is
// journaled, never escalated and never retried.
type RejectError struct {
	Reason RejectReason
	URL    string
	Extra  string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Extra != "" {
		return fmt.Sprintf("candidate rejected (%s, %s): %s", e.Reason, e.Extra, e.URL)
	}

	return fmt.Sprintf("candidate rejected (%s): %s", e.Reason, e.URL)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}
