package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors, fatal at construction time
	ErrNoEndpoints = errors.New("rabbitmq: endpoint list is empty")

	// Connection errors
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrShuttingDown     = errors.New("rabbitmq: shutdown requested")

	// Channel errors
	ErrChannelClosed    = errors.New("rabbitmq: channel is closed")
	ErrChannelNotOpen   = errors.New("rabbitmq: channel is not open")
	ErrNotConsuming     = errors.New("rabbitmq: no active consumer")
	ErrAlreadyConsuming = errors.New("rabbitmq: consumer already started")
)

// ConnectionError represents a connection-level failure. Connection errors
// are transient: the manager retries them with backoff and never surfaces
// them as fatal.
type ConnectionError struct {
	Op        string    // Operation that failed
	Endpoint  string    // Broker endpoint (sanitized)
	Attempt   int       // Attempt number when the error occurred
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed on attempt %d: %v",
			e.Op, e.Endpoint, e.Attempt, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-level failure. Channel failures are
// fatal to the owning connection: a declare or bind rejection usually means
// a topology mismatch that reconnecting will not silently fix, so the
// connection is torn down and rebuilt where the problem stays observable.
type ChannelError struct {
	Op        string    // Setup step that failed (open, exchange-declare, queue-declare, bind)
	Name      string    // Exchange or queue name involved
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("rabbitmq channel error: %s %q failed: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("rabbitmq channel error: %s failed: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips credentials from an endpoint URL for logging.
func SanitizeURL(url string) string {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '@' {
			return schemePrefix(url) + url[i+1:]
		}
	}
	return url
}

func schemePrefix(url string) string {
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			return url[:i+3]
		}
	}
	return ""
}
