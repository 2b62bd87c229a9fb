package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// txIDHeader is the correlation key carried in delivery headers.
const txIDHeader = "tx_id"

// ProcessFunc is the caller-supplied processing function. The payload is
// the delivery body decoded as UTF-8 text; txID is empty when correlation
// checking is disabled. Return nil on success, a RetryableError or
// QuarantinableError to signal a classified failure, or any other error to
// be treated conservatively as retryable.
type ProcessFunc func(ctx context.Context, payload string, txID string) error

// QuarantinePublisher sidelines unprocessable messages into a separate
// queue for manual or deferred handling.
type QuarantinePublisher interface {
	Publish(ctx context.Context, body []byte, headers amqp.Table) error
}

// Dispatcher receives each delivery, extracts correlation metadata,
// invokes the processing function, classifies the result, and issues
// exactly one terminal acknowledgment action against the broker. No
// delivery is ever silently dropped: every path acks, nacks, rejects, or
// rejects with requeue.
type Dispatcher struct {
	process     ProcessFunc
	quarantine  QuarantinePublisher
	checkTxID   bool
	nackRequeue bool
	logger      *slog.Logger
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTxIDCheck toggles correlation-id checking. Enabled by default.
func WithTxIDCheck(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.checkTxID = enabled
	}
}

// WithNackRequeue sets the requeue flag passed on nack for retryable and
// unexpected failures. Default true: failed messages are redelivered
// rather than left to broker-side queue policy.
func WithNackRequeue(requeue bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.nackRequeue = requeue
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher. A nil processing function or nil
// quarantine publisher is a configuration error.
func NewDispatcher(process ProcessFunc, quarantine QuarantinePublisher, options ...DispatcherOption) (*Dispatcher, error) {
	if process == nil {
		return nil, errors.New("messaging: process function is nil")
	}
	if quarantine == nil {
		return nil, errors.New("messaging: quarantine publisher is nil")
	}

	d := &Dispatcher{
		process:     process,
		quarantine:  quarantine,
		checkTxID:   true,
		nackRequeue: true,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d, nil
}

// Dispatch consumes one delivery and issues its terminal acknowledgment
// action. The returned error reports acknowledgment transport failures
// only; processing failures are classified, acted on, and never propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery amqp.Delivery) error {
	var txID string
	if d.checkTxID {
		var err error
		txID, err = extractTxID(delivery.Headers)
		if err != nil {
			d.logger.Error("bad message properties",
				"deliveryTag", delivery.DeliveryTag,
				"outcome", Malformed,
				"action", "rejected",
				"error", err)
			return d.reject(delivery, false, txID)
		}

		d.logger.Info("received message",
			"deliveryTag", delivery.DeliveryTag,
			"appId", delivery.AppId,
			"txId", txID)
	} else {
		d.logger.Debug("correlation checking disabled for message",
			"deliveryTag", delivery.DeliveryTag)
	}

	outcome, procErr := d.invoke(ctx, delivery, txID)

	switch outcome {
	case Accepted:
		d.logger.Info("message processed",
			"deliveryTag", delivery.DeliveryTag,
			"txId", txID,
			"outcome", outcome,
			"action", "ack")
		return d.ack(delivery, txID)

	case Retryable, Unexpected:
		d.logger.Error("failed to process message",
			"deliveryTag", delivery.DeliveryTag,
			"txId", txID,
			"outcome", outcome,
			"action", "nack",
			"requeue", d.nackRequeue,
			"error", procErr)
		return d.nack(delivery, txID)

	case Quarantinable:
		return d.quarantineMessage(ctx, delivery, txID, procErr)

	default:
		// Classify never returns Malformed for a processing error.
		return d.nack(delivery, txID)
	}
}

// invoke runs the processing function, converting a panic inside the
// callback into a quarantinable failure so a broken handler cannot crash
// the consumer or retry forever.
func (d *Dispatcher) invoke(ctx context.Context, delivery amqp.Delivery, txID string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &QuarantinableError{Err: fmt.Errorf("process function panicked: %v", r)}
			outcome = Quarantinable
		}
	}()

	err = d.process(ctx, string(delivery.Body), txID)
	return Classify(err), err
}

// quarantineMessage publishes the original raw payload plus correlation
// metadata to the quarantine sink, then rejects the delivery. If the
// quarantine publish itself fails, the delivery is rejected with requeue
// instead, so the message is not lost while the quarantine path is down.
func (d *Dispatcher) quarantineMessage(ctx context.Context, delivery amqp.Delivery, txID string, procErr error) error {
	headers := amqp.Table{txIDHeader: txID}

	if err := d.quarantine.Publish(ctx, delivery.Body, headers); err != nil {
		d.logger.Error("unable to publish message to quarantine queue, rejecting with requeue",
			"deliveryTag", delivery.DeliveryTag,
			"txId", txID,
			"outcome", Quarantinable,
			"action", "requeued",
			"error", err)
		return d.reject(delivery, true, txID)
	}

	d.logger.Error("quarantinable error occurred",
		"deliveryTag", delivery.DeliveryTag,
		"txId", txID,
		"outcome", Quarantinable,
		"action", "quarantined",
		"error", procErr)
	return d.reject(delivery, false, txID)
}

func (d *Dispatcher) ack(delivery amqp.Delivery, txID string) error {
	if err := delivery.Ack(false); err != nil {
		d.logger.Error("failed to ack message",
			"deliveryTag", delivery.DeliveryTag,
			"txId", txID,
			"error", err)
		return fmt.Errorf("ack failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) nack(delivery amqp.Delivery, txID string) error {
	if err := delivery.Nack(false, d.nackRequeue); err != nil {
		d.logger.Error("failed to nack message",
			"deliveryTag", delivery.DeliveryTag,
			"txId", txID,
			"error", err)
		return fmt.Errorf("nack failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) reject(delivery amqp.Delivery, requeue bool, txID string) error {
	if err := delivery.Reject(requeue); err != nil {
		d.logger.Error("failed to reject message",
			"deliveryTag", delivery.DeliveryTag,
			"txId", txID,
			"requeue", requeue,
			"error", err)
		return fmt.Errorf("reject failed: %w", err)
	}
	return nil
}

// extractTxID pulls the correlation id from delivery headers. Missing
// headers and a missing or non-string tx_id key are both malformed.
func extractTxID(headers amqp.Table) (string, error) {
	if headers == nil {
		return "", &MalformedMessageError{Reason: "no headers"}
	}

	raw, ok := headers[txIDHeader]
	if !ok {
		return "", &MalformedMessageError{Reason: "no tx_id"}
	}

	txID, ok := raw.(string)
	if !ok || txID == "" {
		return "", &MalformedMessageError{Reason: "tx_id is not a string"}
	}

	return txID, nil
}
