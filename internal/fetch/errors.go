package fetch

import "fmt"

// StatusError reports a response status outside {200, 206}. It aborts the
// attempt as a retryable failure.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Status, e.URL)
}

// ExhaustedError reports that every attempt for a resource failed. The
// resource is abandoned: a later exchange with the same canonical key is
// treated as already seen, not retried.
type ExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("download abandoned after %d attempts: %s", e.Attempts, e.URL)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
