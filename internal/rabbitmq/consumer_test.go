package rabbitmq

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerLoopStart(t *testing.T) {
	t.Run("sets QoS of one before subscribing", func(t *testing.T) {
		ch := newFakeChannel()
		loop := NewConsumerLoop(ch, "responses")

		deliveries, err := loop.Start()
		require.NoError(t, err)
		require.NotNil(t, deliveries)

		assert.Equal(t, []string{"qos", "consume:responses"}, ch.recorded())
		assert.Equal(t, 1, ch.qosPrefetch)
	})

	t.Run("consumer tag carries the prefix", func(t *testing.T) {
		ch := newFakeChannel()
		loop := NewConsumerLoop(ch, "responses", WithTagPrefix("survey-svc"))

		_, err := loop.Start()
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(loop.Tag(), "survey-svc-"))
		assert.Equal(t, loop.Tag(), ch.consumerTag)
	})

	t.Run("prefetch override", func(t *testing.T) {
		ch := newFakeChannel()
		loop := NewConsumerLoop(ch, "responses", WithPrefetch(8))

		_, err := loop.Start()
		require.NoError(t, err)
		assert.Equal(t, 8, ch.qosPrefetch)
	})

	t.Run("cancellation callback registered before subscribing", func(t *testing.T) {
		ch := newFakeChannel()
		loop := NewConsumerLoop(ch, "responses")

		_, err := loop.Start()
		require.NoError(t, err)
		require.NotNil(t, loop.Cancelled())

		// Broker-side cancellation reaches the caller.
		ch.cancels <- loop.Tag()
		assert.Equal(t, loop.Tag(), <-loop.Cancelled())
	})

	t.Run("QoS failure aborts the subscribe", func(t *testing.T) {
		ch := newFakeChannel()
		ch.qosErr = errors.New("channel gone")
		loop := NewConsumerLoop(ch, "responses")

		_, err := loop.Start()
		assert.ErrorContains(t, err, "failed to set QoS")
		assert.Empty(t, loop.Tag())
	})

	t.Run("consume failure surfaces", func(t *testing.T) {
		ch := newFakeChannel()
		ch.consumeErr = errors.New("NOT_FOUND - no queue")
		loop := NewConsumerLoop(ch, "responses")

		_, err := loop.Start()
		assert.ErrorContains(t, err, "failed to start consuming")
		assert.Empty(t, loop.Tag())
	})

	t.Run("starting twice is an error", func(t *testing.T) {
		ch := newFakeChannel()
		loop := NewConsumerLoop(ch, "responses")

		_, err := loop.Start()
		require.NoError(t, err)

		_, err = loop.Start()
		assert.ErrorIs(t, err, ErrAlreadyConsuming)
	})
}

func TestConsumerLoopStop(t *testing.T) {
	t.Run("stop cancels the subscription", func(t *testing.T) {
		ch := newFakeChannel()
		loop := NewConsumerLoop(ch, "responses")

		_, err := loop.Start()
		require.NoError(t, err)
		tag := loop.Tag()

		require.NoError(t, loop.Stop())
		assert.Empty(t, loop.Tag())
		assert.Contains(t, ch.recorded(), "cancel:"+tag)
	})

	t.Run("stop without an active subscription", func(t *testing.T) {
		loop := NewConsumerLoop(newFakeChannel(), "responses")
		assert.ErrorIs(t, loop.Stop(), ErrNotConsuming)
	})

	t.Run("cancel failure surfaces", func(t *testing.T) {
		ch := newFakeChannel()
		ch.cancelErr = errors.New("channel gone")
		loop := NewConsumerLoop(ch, "responses")

		_, err := loop.Start()
		require.NoError(t, err)

		assert.ErrorContains(t, loop.Stop(), "failed to cancel consumer")
	})
}
