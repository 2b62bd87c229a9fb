package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens a physical connection to a broker endpoint.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(url string) (Connection, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(url string) (Connection, error) {
	return f(url)
}

// Connection is the subset of an AMQP connection the lifecycle state
// machines depend on. Fakes implement it in tests.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Channel is the subset of an AMQP channel used for topology declaration
// and consumption.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyCancel(receiver chan string) chan string
	Close() error
}

// AMQPDialer dials real AMQP brokers via amqp091-go.
type AMQPDialer struct {
	Config *amqp.Config
}

// Dial implements Dialer.
func (d *AMQPDialer) Dial(url string) (Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if d.Config != nil {
		conn, err = amqp.DialConfig(url, *d.Config)
	} else {
		conn, err = amqp.Dial(url)
	}
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

// amqpConnection adapts *amqp.Connection to the Connection interface. The
// only impedance mismatch is Channel(), which returns a concrete type.
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}
