// Package rabbitmq implements the broker lifecycle state machines: endpoint
// rotation, connection management with linear backoff, the channel setup
// handshake (open, exchange declare, queue declare, bind), and the consume
// subscription. The transport is an interface so every state machine is
// testable against a fake broker.
package rabbitmq
