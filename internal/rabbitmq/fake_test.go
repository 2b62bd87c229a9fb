package rabbitmq

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeConnection implements Connection against an in-memory broker.
type fakeConnection struct {
	mu          sync.Mutex
	channel     *fakeChannel
	channelErr  error
	closed      bool
	closeNotify []chan *amqp.Error
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{channel: newFakeChannel()}
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeNotify = append(c.closeNotify, receiver)
	return receiver
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fireClose simulates an unexpected broker-side connection closure.
func (c *fakeConnection) fireClose(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, receiver := range c.closeNotify {
		receiver <- err
	}
}

// fakeChannel implements Channel, recording every topology step in order.
type fakeChannel struct {
	mu    sync.Mutex
	steps []string

	exchangeErr error
	queueErr    error
	bindErr     error
	qosErr      error
	consumeErr  error
	cancelErr   error

	qosPrefetch int
	consumerTag string
	deliveries  chan amqp.Delivery
	cancels     chan string
	closed      bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (ch *fakeChannel) record(step string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.steps = append(ch.steps, step)
}

func (ch *fakeChannel) recorded() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, len(ch.steps))
	copy(out, ch.steps)
	return out
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.record("exchange-declare:" + name + ":" + kind)
	return ch.exchangeErr
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.record("queue-declare:" + name)
	if ch.queueErr != nil {
		return amqp.Queue{}, ch.queueErr
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.record("bind:" + name + ":" + exchange + ":" + key)
	return ch.bindErr
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.record("qos")
	ch.mu.Lock()
	ch.qosPrefetch = prefetchCount
	ch.mu.Unlock()
	return ch.qosErr
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.record("consume:" + queue)
	if ch.consumeErr != nil {
		return nil, ch.consumeErr
	}
	ch.mu.Lock()
	ch.consumerTag = consumer
	ch.mu.Unlock()
	return ch.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	ch.record("cancel:" + consumer)
	return ch.cancelErr
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (ch *fakeChannel) NotifyCancel(receiver chan string) chan string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancels = receiver
	return receiver
}

func (ch *fakeChannel) Close() error {
	ch.record("close")
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	return nil
}
