package resq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mqsuite/resq/config"
	"github.com/mqsuite/resq/internal/rabbitmq"
	"github.com/mqsuite/resq/messaging"
)

// Consumer is a resilient queue consumer. It maintains a connection and
// channel to a broker cluster, subscribes to the configured queue, and for
// each delivery runs the caller-supplied processing function, translating
// the outcome into exactly one acknowledgment action.
//
// Connection failures are never fatal: the consumer reconnects with
// escalating delay across the configured endpoints until Stop is called or
// the run context is cancelled. Channel failures tear down the whole
// connection and trigger a full reconnect.
type Consumer struct {
	conns      *rabbitmq.ConnectionManager
	dispatcher *messaging.Dispatcher
	exchange   rabbitmq.ExchangeSpec
	queue      rabbitmq.QueueSpec
	prefetch   int
	tagPrefix  string
	closeDelay time.Duration
	logger     *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

type consumerOptions struct {
	logger *slog.Logger
	dialer rabbitmq.Dialer
}

// Option configures the Consumer.
type Option func(*consumerOptions)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *consumerOptions) {
		o.logger = logger
	}
}

// withDialer swaps the broker transport, used by tests to inject a fake
// broker.
func withDialer(dialer rabbitmq.Dialer) Option {
	return func(o *consumerOptions) {
		o.dialer = dialer
	}
}

// New creates a consumer. The processing function and quarantine publisher
// are required collaborators; a nil value for either, or an invalid
// configuration such as an empty endpoint list, is a fatal construction
// error.
func New(cfg *config.Config, process messaging.ProcessFunc, quarantine messaging.QuarantinePublisher, options ...Option) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("resq: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &consumerOptions{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(opts)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(opts.logger),
		rabbitmq.WithMaxBackoff(cfg.Reconnect.MaxBackoff),
	}
	if opts.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(opts.dialer))
	}

	conns, err := rabbitmq.NewConnectionManager(cfg.Endpoints, connOpts...)
	if err != nil {
		return nil, err
	}

	dispatcher, err := messaging.NewDispatcher(process, quarantine,
		messaging.WithTxIDCheck(cfg.Consumer.CheckTxID),
		messaging.WithNackRequeue(cfg.Consumer.NackRequeue),
		messaging.WithDispatcherLogger(opts.logger),
	)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		conns:      conns,
		dispatcher: dispatcher,
		exchange: rabbitmq.ExchangeSpec{
			Name:    cfg.Exchange.Name,
			Type:    cfg.Exchange.Type,
			Durable: cfg.Exchange.Durable,
		},
		queue: rabbitmq.QueueSpec{
			Name:       cfg.Queue.Name,
			Durable:    cfg.Queue.Durable,
			BindingKey: cfg.Queue.BindingKey,
		},
		prefetch:   cfg.Consumer.Prefetch,
		tagPrefix:  cfg.Consumer.TagPrefix,
		closeDelay: cfg.Reconnect.CloseDelay,
		logger:     opts.logger,
		stop:       make(chan struct{}),
	}, nil
}

// Run connects and consumes until Stop is called or ctx is cancelled. It
// returns nil after a clean shutdown; connection and channel failures are
// handled internally and never surface here.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		conn, err := c.conns.Connect(ctx)
		if err != nil {
			// Only shutdown or context cancellation ends the connect
			// loop.
			c.logger.Info("consumer stopping", "reason", err)
			return nil
		}

		channels := rabbitmq.NewChannelManager(conn, c.exchange, c.queue, c.logger)
		ch, err := channels.Setup()
		if err != nil {
			c.conns.Teardown()
			if !c.pause(ctx) {
				return nil
			}
			continue
		}

		loop := rabbitmq.NewConsumerLoop(ch, c.queue.Name,
			rabbitmq.WithPrefetch(c.prefetch),
			rabbitmq.WithTagPrefix(c.tagPrefix),
			rabbitmq.WithConsumerLogger(c.logger),
		)
		deliveries, err := loop.Start()
		if err != nil {
			c.logger.Error("failed to start consuming", "error", err)
			channels.Invalidate()
			c.conns.Teardown()
			if !c.pause(ctx) {
				return nil
			}
			continue
		}

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

		if !c.consume(ctx, channels, loop, deliveries, connClosed, chanClosed) {
			return nil
		}
	}
}

// consume dispatches deliveries until the subscription dies or a shutdown
// is requested. It returns true when the caller should reconnect.
func (c *Consumer) consume(
	ctx context.Context,
	channels *rabbitmq.ChannelManager,
	loop *rabbitmq.ConsumerLoop,
	deliveries <-chan amqp.Delivery,
	connClosed, chanClosed chan *amqp.Error,
) bool {
	for {
		select {
		case <-ctx.Done():
			c.shutdown(channels, loop)
			return false

		case <-c.stop:
			c.shutdown(channels, loop)
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed, reconnect necessary")
				return c.teardownForReconnect(ctx, channels)
			}
			if err := c.dispatcher.Dispatch(ctx, delivery); err != nil {
				// The acknowledgment could not reach the broker, so the
				// channel is no longer trustworthy. The broker will
				// redeliver the unacked message after reconnect.
				c.logger.Error("acknowledgment failed, reconnect necessary", "error", err)
				return c.teardownForReconnect(ctx, channels)
			}

		case tag := <-loop.Cancelled():
			c.logger.Warn("consumer cancelled by broker", "consumerTag", tag)
			if err := channels.Close(); err != nil {
				c.logger.Warn("error closing channel", "error", err)
			}
			return c.teardownForReconnect(ctx, channels)

		case amqpErr := <-chanClosed:
			c.logger.Warn("channel closed", "error", amqpErr)
			return c.teardownForReconnect(ctx, channels)

		case amqpErr := <-connClosed:
			c.logger.Warn("connection closed, reconnect necessary", "error", amqpErr)
			return c.teardownForReconnect(ctx, channels)
		}
	}
}

// teardownForReconnect drops the dead connection and waits out the close
// delay so transient broker churn does not become a connect storm.
func (c *Consumer) teardownForReconnect(ctx context.Context, channels *rabbitmq.ChannelManager) bool {
	channels.Invalidate()
	c.conns.Teardown()
	return c.pause(ctx)
}

// shutdown performs the deliberate teardown sequence: cancel the
// subscription, close the channel, close the connection.
func (c *Consumer) shutdown(channels *rabbitmq.ChannelManager, loop *rabbitmq.ConsumerLoop) {
	c.conns.RequestShutdown()

	if err := loop.Stop(); err != nil && !errors.Is(err, rabbitmq.ErrNotConsuming) {
		c.logger.Warn("error cancelling consumer", "error", err)
	}
	if err := channels.Close(); err != nil {
		c.logger.Warn("error closing channel", "error", err)
	}
	if err := c.conns.Shutdown(); err != nil {
		c.logger.Warn("error closing connection", "error", err)
	}

	c.logger.Info("consumer stopped")
}

// pause waits the configured close delay. It returns false when the wait
// was interrupted by shutdown.
func (c *Consumer) pause(ctx context.Context) bool {
	if c.closeDelay <= 0 {
		return true
	}
	select {
	case <-time.After(c.closeDelay):
		return true
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	}
}

// Stop requests a clean shutdown: the subscription is cancelled, channel
// and connection are closed, and no further reconnect attempts are made.
// Safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.conns.RequestShutdown()
		close(c.stop)
	})
}
