package payment

import "fmt"

// Kind classifies a gateway failure for the retry decision.
type Kind string

const (
	// KindRejected is an explicit decline. Never retried.
	KindRejected Kind = "rejected"
	// KindUnavailable covers transport failures and 5xx responses.
	KindUnavailable Kind = "unavailable"
	// KindRateLimited is a 429 from the gateway.
	KindRateLimited Kind = "rate_limited"
)

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt could succeed. Explicit declines
// are final; availability and rate problems are not.
func (e *Error) Retryable() bool { return e.Kind != KindRejected }
