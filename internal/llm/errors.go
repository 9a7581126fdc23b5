package llm

import "fmt"

// Kind discriminates extractor failures.
type Kind string

const (
	// KindMalformedOutput means the model answered but the response failed
	// schema validation even after retries.
	KindMalformedOutput Kind = "malformed_output"
	// KindUnavailable means the model could not be reached (network, 5xx,
	// timeout) after retries.
	KindUnavailable Kind = "unavailable"
)

// Error is a failed extraction run. Both kinds are retryable at the pipeline
// level until the stage's retry budget runs out.
type Error struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm extraction failed (%s) after %d attempts: %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable marks both kinds for the pipeline's needs_retry routing.
func (e *Error) Retryable() bool { return true }
