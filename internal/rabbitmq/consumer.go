package rabbitmq

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerLoop issues the subscribe request on an open channel and tracks
// the subscription tag. Quality of service is capped at one unacknowledged
// delivery per consumer, so a slow processing callback can never be flooded
// with deliveries; the acknowledgment for delivery N is always issued
// before delivery N+1 arrives.
type ConsumerLoop struct {
	ch        Channel
	queue     string
	prefetch  int
	tagPrefix string
	logger    *slog.Logger

	tag       string
	cancelled chan string
}

// ConsumerLoopOption configures the ConsumerLoop.
type ConsumerLoopOption func(*ConsumerLoop)

// WithPrefetch overrides the prefetch count. The default of 1 is the
// primary backpressure mechanism; raise it only when the processing
// callback tolerates concurrent redelivery windows.
func WithPrefetch(count int) ConsumerLoopOption {
	return func(l *ConsumerLoop) {
		l.prefetch = count
	}
}

// WithTagPrefix sets the consumer tag prefix.
func WithTagPrefix(prefix string) ConsumerLoopOption {
	return func(l *ConsumerLoop) {
		l.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerLoopOption {
	return func(l *ConsumerLoop) {
		l.logger = logger
	}
}

// NewConsumerLoop creates a consumer loop over an open channel.
func NewConsumerLoop(ch Channel, queue string, options ...ConsumerLoopOption) *ConsumerLoop {
	l := &ConsumerLoop{
		ch:        ch,
		queue:     queue,
		prefetch:  1,
		tagPrefix: "resq",
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

// Start registers the cancellation callback, sets QoS, and issues the
// consume request. It returns the delivery stream.
func (l *ConsumerLoop) Start() (<-chan amqp.Delivery, error) {
	if l.tag != "" {
		return nil, ErrAlreadyConsuming
	}

	l.cancelled = l.ch.NotifyCancel(make(chan string, 1))

	if err := l.ch.Qos(l.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := fmt.Sprintf("%s-%s", l.tagPrefix, uuid.NewString())
	deliveries, err := l.ch.Consume(
		l.queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	l.tag = tag
	l.logger.Info("consuming from queue",
		"queue", l.queue,
		"consumerTag", tag,
		"prefetch", l.prefetch)

	return deliveries, nil
}

// Cancelled reports broker-side consumer cancellations (for example the
// queue being deleted). The caller reacts by closing the channel, which
// cascades to connection teardown and reconnect.
func (l *ConsumerLoop) Cancelled() <-chan string {
	return l.cancelled
}

// Tag returns the active subscription tag.
func (l *ConsumerLoop) Tag() string {
	return l.tag
}

// Stop issues the unsubscribe request. Used for deliberate shutdown only.
func (l *ConsumerLoop) Stop() error {
	if l.tag == "" {
		return ErrNotConsuming
	}

	l.logger.Info("cancelling consumer", "consumerTag", l.tag)
	start := time.Now()
	err := l.ch.Cancel(l.tag, false)
	l.tag = ""
	if err != nil {
		return fmt.Errorf("failed to cancel consumer: %w", err)
	}

	l.logger.Info("consumer cancelled", "elapsed", time.Since(start))
	return nil
}
