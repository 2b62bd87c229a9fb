// Package quarantine publishes unprocessable messages to a sideline queue
// so they can be inspected or replayed instead of retried forever.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/mqsuite/resq/internal/rabbitmq"
)

// PublishError reports that a message could not be delivered to the
// quarantine queue. The consumer reacts by rejecting the delivery with
// requeue, so the message survives a quarantine outage.
type PublishError struct {
	Queue     string
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("quarantine publish to %q failed: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// connection is the slice of an AMQP connection the publisher needs.
type connection interface {
	Channel() (channel, error)
	Close() error
}

// channel is the slice of an AMQP channel the publisher needs.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (connection, error)

func amqpDial(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// QueuePublisher publishes quarantined messages to a durable queue via the
// default exchange. It connects per publish, walking the endpoint list
// until one broker accepts the message, and persists messages with
// delivery confirmation so a quarantined message is never lost in flight.
//
// A circuit breaker guards the whole publish path: once the quarantine
// broker has failed repeatedly, further publishes fail fast with
// PublishError instead of stalling the consumer on dead connections. The
// consumer's reject-with-requeue fallback keeps the messages safe either
// way.
type QueuePublisher struct {
	endpoints      []string
	queue          string
	confirm        bool
	contentType    string
	confirmTimeout time.Duration
	dial           dialFunc
	breaker        *gobreaker.CircuitBreaker
	logger         *slog.Logger
}

// PublisherOption configures the QueuePublisher.
type PublisherOption func(*QueuePublisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *QueuePublisher) {
		p.logger = logger
	}
}

// WithConfirmDelivery toggles publisher confirms. Enabled by default.
func WithConfirmDelivery(enabled bool) PublisherOption {
	return func(p *QueuePublisher) {
		p.confirm = enabled
	}
}

// WithContentType sets the content type stamped on quarantined messages.
func WithContentType(contentType string) PublisherOption {
	return func(p *QueuePublisher) {
		p.contentType = contentType
	}
}

// WithConfirmTimeout bounds the wait for a delivery confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *QueuePublisher) {
		p.confirmTimeout = timeout
	}
}

// breakerSettings tunes the publish circuit breaker.
type breakerSettings struct {
	failureThreshold uint32
	resetTimeout     time.Duration
}

// WithBreaker overrides the circuit breaker thresholds: the number of
// consecutive publish failures that open the circuit, and how long it
// stays open before a probe is allowed through.
func WithBreaker(failureThreshold uint32, resetTimeout time.Duration) PublisherOption {
	return func(p *QueuePublisher) {
		p.breaker = p.newBreaker(breakerSettings{
			failureThreshold: failureThreshold,
			resetTimeout:     resetTimeout,
		})
	}
}

// NewQueuePublisher creates a publisher for the given quarantine queue.
func NewQueuePublisher(endpoints []string, queue string, options ...PublisherOption) (*QueuePublisher, error) {
	if len(endpoints) == 0 {
		return nil, rabbitmq.ErrNoEndpoints
	}
	if queue == "" {
		return nil, errors.New("quarantine: queue name is empty")
	}

	p := &QueuePublisher{
		endpoints:      endpoints,
		queue:          queue,
		confirm:        true,
		confirmTimeout: 5 * time.Second,
		dial:           amqpDial,
		logger:         slog.Default(),
	}
	p.breaker = p.newBreaker(breakerSettings{
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
	})

	for _, opt := range options {
		opt(p)
	}

	return p, nil
}

func (p *QueuePublisher) newBreaker(s breakerSettings) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quarantine-publisher",
		MaxRequests: 1,
		Timeout:     s.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("quarantine circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// Publish delivers a quarantined message with its correlation headers.
// Every failure mode, including an open circuit, comes back as a
// PublishError.
func (p *QueuePublisher) Publish(ctx context.Context, body []byte, headers amqp.Table) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publish(ctx, body, headers)
	})
	if err != nil {
		return &PublishError{
			Queue:     p.queue,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// publish walks the endpoint list until one broker accepts the message.
func (p *QueuePublisher) publish(ctx context.Context, body []byte, headers amqp.Table) error {
	var lastErr error
	for _, endpoint := range p.endpoints {
		err := p.publishTo(ctx, endpoint, body, headers)
		if err == nil {
			p.logger.Info("published message to quarantine queue", "queue", p.queue)
			return nil
		}

		p.logger.Error("quarantine publish attempt failed",
			"endpoint", rabbitmq.SanitizeURL(endpoint),
			"queue", p.queue,
			"error", err)
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return fmt.Errorf("all endpoints failed: %w", lastErr)
}

func (p *QueuePublisher) publishTo(ctx context.Context, endpoint string, body []byte, headers amqp.Table) error {
	conn, err := p.dial(endpoint)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.logger.Warn("error closing quarantine connection", "error", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	// The quarantine queue is always durable; losing sidelined messages
	// on broker restart would defeat its purpose.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	var confirms chan amqp.Confirmation
	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("enable confirms: %w", err)
		}
		confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	msg := amqp.Publishing{
		ContentType:  p.contentType,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if p.confirm {
		select {
		case confirmation, ok := <-confirms:
			if !ok {
				return errors.New("confirmation channel closed")
			}
			if !confirmation.Ack {
				return errors.New("broker nacked publish")
			}
		case <-time.After(p.confirmTimeout):
			return errors.New("confirmation timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
