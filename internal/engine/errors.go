package engine

import "fmt"

// TransportError reports a failed engine call: a non-success response,
// malformed stream framing, or a connection-level failure.
type TransportError struct {
	// Op names the call that failed ("stream", "delete thread").
	Op string
	// Status is the upstream HTTP status, 0 if the request never
	// completed.
	Status int
	// Body is the truncated upstream error body, if any.
	Body string
	// Err is the underlying error for connection or framing failures.
	Err error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
