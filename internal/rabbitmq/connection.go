package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnectionState tracks the physical connection lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionManager owns the physical connection lifecycle: connect,
// detect unexpected close, reconnect with escalating delay across the
// configured endpoints, clean shutdown.
//
// The retry counter drives both the linear backoff delay and endpoint
// rotation. It starts at 1, increments on every failed attempt, and resets
// to 1 on every successful open. Backoff is backoff(n) = n seconds,
// unbounded unless a cap is configured; broker outages are expected to be
// short-lived operational events, and the caller controls overall process
// lifetime.
type ConnectionManager struct {
	rotator *EndpointRotator
	dialer  Dialer
	logger  *slog.Logger

	backoffUnit time.Duration // 1s; shortened in tests
	maxBackoff  time.Duration // 0 = uncapped

	mu       sync.Mutex
	state    ConnectionState
	conn     Connection
	attempt  int
	shutdown bool

	// sleep waits out a backoff delay; injectable so lifecycle tests do
	// not take real wall-clock time.
	sleep func(ctx context.Context, d time.Duration) error
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer sets the transport dialer. Defaults to real AMQP dialing.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithMaxBackoff caps the linear backoff delay. Zero leaves it uncapped.
func WithMaxBackoff(max time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxBackoff = max
	}
}

// NewConnectionManager creates a manager over the given endpoint list.
// An empty list is a configuration error.
func NewConnectionManager(endpoints []string, options ...ConnectionOption) (*ConnectionManager, error) {
	rotator, err := NewEndpointRotator(endpoints)
	if err != nil {
		return nil, err
	}

	cm := &ConnectionManager{
		rotator:     rotator,
		dialer:      &AMQPDialer{},
		logger:      slog.Default(),
		backoffUnit: time.Second,
		state:       StateDisconnected,
		attempt:     1,
	}
	cm.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm, nil
}

// Connect dials the next endpoint, retrying with escalating delay until a
// connection opens. The loop has no upper bound; it terminates only on
// success, context cancellation, or a requested shutdown.
func (cm *ConnectionManager) Connect(ctx context.Context) (Connection, error) {
	cm.setState(StateConnecting)

	for {
		cm.mu.Lock()
		if cm.shutdown {
			cm.mu.Unlock()
			return nil, ErrShuttingDown
		}
		attempt := cm.attempt
		cm.mu.Unlock()

		// The retry counter is 1-based; attempt 1 lands on the first
		// configured endpoint.
		endpoint := cm.rotator.Next(attempt - 1)

		cm.logger.Info("connecting to broker",
			"endpoint", SanitizeURL(endpoint),
			"attempt", attempt)

		conn, err := cm.dialer.Dial(endpoint)
		if err == nil {
			cm.onOpen(conn, endpoint)
			return conn, nil
		}

		connErr := &ConnectionError{
			Op:        "dial",
			Endpoint:  SanitizeURL(endpoint),
			Attempt:   attempt,
			Err:       err,
			Timestamp: time.Now(),
		}
		cm.logger.Error("connection attempt failed",
			"endpoint", connErr.Endpoint,
			"attempt", attempt,
			"error", err)

		if err := cm.delayBeforeReconnect(ctx); err != nil {
			return nil, err
		}
	}
}

// onOpen records a successful open and resets the retry counter.
func (cm *ConnectionManager) onOpen(conn Connection, endpoint string) {
	cm.mu.Lock()
	cm.conn = conn
	cm.state = StateOpen
	cm.attempt = 1
	cm.mu.Unlock()

	cm.logger.Info("connection opened", "endpoint", SanitizeURL(endpoint))
}

// delayBeforeReconnect waits out the linear backoff for the current retry
// counter, then escalates it.
func (cm *ConnectionManager) delayBeforeReconnect(ctx context.Context) error {
	cm.mu.Lock()
	delay := time.Duration(cm.attempt) * cm.backoffUnit
	if cm.maxBackoff > 0 && delay > cm.maxBackoff {
		delay = cm.maxBackoff
	}
	cm.attempt++
	cm.mu.Unlock()

	cm.logger.Info("waiting before reconnect", "delay", delay)
	return cm.sleep(ctx, delay)
}

// Teardown closes the current connection after a failure without marking a
// deliberate shutdown, leaving the manager ready for another Connect.
func (cm *ConnectionManager) Teardown() {
	cm.mu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			cm.logger.Warn("error closing connection during teardown", "error", err)
		}
	}
}

// RequestShutdown marks a deliberate shutdown without closing anything.
// In-flight handshakes complete or fail normally, but their completion
// routes to teardown instead of continuation.
func (cm *ConnectionManager) RequestShutdown() {
	cm.mu.Lock()
	cm.shutdown = true
	cm.mu.Unlock()
}

// Shutdown marks a deliberate shutdown, suppressing all future reconnect
// attempts, and closes the current connection.
func (cm *ConnectionManager) Shutdown() error {
	cm.mu.Lock()
	cm.shutdown = true
	conn := cm.conn
	cm.conn = nil
	cm.state = StateClosing
	cm.mu.Unlock()

	cm.logger.Info("closing connection")

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	cm.setState(StateClosed)
	return err
}

// ShuttingDown reports whether a deliberate shutdown was requested.
func (cm *ConnectionManager) ShuttingDown() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.shutdown
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Attempt returns the current retry counter.
func (cm *ConnectionManager) Attempt() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempt
}

func (cm *ConnectionManager) setState(s ConnectionState) {
	cm.mu.Lock()
	old := cm.state
	cm.state = s
	cm.mu.Unlock()

	if old != s {
		cm.logger.Debug("connection state changed", "from", old, "to", s)
	}
}
