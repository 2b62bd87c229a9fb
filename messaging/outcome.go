package messaging

import (
	"errors"
	"fmt"
)

// Outcome is the result of processing one delivery. It is a closed set so
// the dispatch site can handle every case exhaustively.
type Outcome int

const (
	// Accepted: the processing function returned normally; the delivery
	// is acknowledged.
	Accepted Outcome = iota
	// Retryable: processing failed in a way expected to succeed on
	// redelivery; the delivery is nacked.
	Retryable
	// Quarantinable: processing failed in a way retrying as-is will not
	// fix; the delivery is routed to the quarantine sink.
	Quarantinable
	// Malformed: the delivery is structurally unusable (missing
	// correlation metadata); it is rejected without requeue and the
	// processing function is never invoked.
	Malformed
	// Unexpected: an uncategorized processing failure, treated
	// conservatively the same as Retryable.
	Unexpected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Retryable:
		return "retryable"
	case Quarantinable:
		return "quarantinable"
	case Malformed:
		return "malformed"
	case Unexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// RetryableError marks a processing failure expected to succeed on
// redelivery.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err so the dispatcher classifies it Retryable.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

// QuarantinableError marks a processing failure that must not be retried
// as-is; the delivery is sidelined to the quarantine queue instead.
type QuarantinableError struct {
	Err error
}

func (e *QuarantinableError) Error() string {
	return fmt.Sprintf("quarantinable: %v", e.Err)
}

func (e *QuarantinableError) Unwrap() error {
	return e.Err
}

// NewQuarantinableError wraps err so the dispatcher classifies it
// Quarantinable.
func NewQuarantinableError(err error) *QuarantinableError {
	return &QuarantinableError{Err: err}
}

// BadMessageError signals an unprocessable message. It quarantines like
// QuarantinableError.
type BadMessageError = QuarantinableError

// MalformedMessageError reports missing or invalid correlation metadata on
// a delivery.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// Classify maps the error returned by a processing function to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Accepted
	}

	var quarantinable *QuarantinableError
	if errors.As(err, &quarantinable) {
		return Quarantinable
	}

	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return Retryable
	}

	return Unexpected
}
