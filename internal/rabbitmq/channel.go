package rabbitmq

import (
	"log/slog"
	"time"
)

// ChannelState tracks the logical channel lifecycle, nested under an open
// connection. A channel cannot exist without its owning connection and is
// invalidated whenever the connection closes.
type ChannelState int

const (
	ChannelUnopened ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUnopened:
		return "unopened"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ExchangeSpec describes the exchange to declare during channel setup.
type ExchangeSpec struct {
	Name    string
	Type    string
	Durable bool
}

// QueueSpec describes the queue to declare and bind during channel setup.
type QueueSpec struct {
	Name       string
	Durable    bool
	BindingKey string
}

// ChannelManager owns the logical channel lifecycle inside one open
// connection: open the channel, declare the exchange, declare the queue,
// bind the queue to the exchange. Each step runs only after the broker
// acknowledged the prior one; any failure at any step surfaces as a
// ChannelError, which the caller handles by tearing down the whole
// connection. Channel failures are never retried independently.
type ChannelManager struct {
	conn     Connection
	exchange ExchangeSpec
	queue    QueueSpec
	logger   *slog.Logger

	state ChannelState
	ch    Channel
}

// NewChannelManager creates a channel manager scoped to one open
// connection.
func NewChannelManager(conn Connection, exchange ExchangeSpec, queue QueueSpec, logger *slog.Logger) *ChannelManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelManager{
		conn:     conn,
		exchange: exchange,
		queue:    queue,
		logger:   logger,
		state:    ChannelUnopened,
	}
}

// Setup runs the full channel handshake and returns the open channel.
func (m *ChannelManager) Setup() (Channel, error) {
	m.transition(ChannelOpening)

	m.logger.Info("opening channel")
	ch, err := m.conn.Channel()
	if err != nil {
		return nil, m.fail("open", "", err)
	}
	m.ch = ch

	m.logger.Info("declaring exchange",
		"exchange", m.exchange.Name,
		"type", m.exchange.Type,
		"durable", m.exchange.Durable)
	err = ch.ExchangeDeclare(
		m.exchange.Name,
		m.exchange.Type,
		m.exchange.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, m.fail("exchange-declare", m.exchange.Name, err)
	}

	m.logger.Info("declaring queue",
		"queue", m.queue.Name,
		"durable", m.queue.Durable)
	_, err = ch.QueueDeclare(
		m.queue.Name,
		m.queue.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, m.fail("queue-declare", m.queue.Name, err)
	}

	m.logger.Info("binding queue",
		"queue", m.queue.Name,
		"exchange", m.exchange.Name,
		"bindingKey", m.queue.BindingKey)
	err = ch.QueueBind(
		m.queue.Name,
		m.queue.BindingKey,
		m.exchange.Name,
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, m.fail("bind", m.queue.Name, err)
	}

	m.transition(ChannelOpen)
	return ch, nil
}

// Channel returns the open channel.
func (m *ChannelManager) Channel() (Channel, error) {
	if m.state != ChannelOpen || m.ch == nil {
		return nil, ErrChannelNotOpen
	}
	return m.ch, nil
}

// Close closes the channel cleanly.
func (m *ChannelManager) Close() error {
	if m.ch == nil {
		m.transition(ChannelClosed)
		return nil
	}

	m.transition(ChannelClosing)
	m.logger.Info("closing channel")
	err := m.ch.Close()
	m.ch = nil
	m.transition(ChannelClosed)
	return err
}

// Invalidate marks the channel closed without issuing the close RPC, for
// when the owning connection is already gone.
func (m *ChannelManager) Invalidate() {
	m.ch = nil
	m.transition(ChannelClosed)
}

// State returns the current channel state.
func (m *ChannelManager) State() ChannelState {
	return m.state
}

func (m *ChannelManager) fail(op, name string, err error) error {
	m.ch = nil
	m.transition(ChannelClosed)
	chanErr := &ChannelError{
		Op:        op,
		Name:      name,
		Err:       err,
		Timestamp: time.Now(),
	}
	m.logger.Error("channel setup failed", "step", op, "name", name, "error", err)
	return chanErr
}

func (m *ChannelManager) transition(s ChannelState) {
	if m.state != s {
		m.logger.Debug("channel state changed", "from", m.state, "to", s)
		m.state = s
	}
}
