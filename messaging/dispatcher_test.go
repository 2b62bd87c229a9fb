package messaging

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockAcknowledger asserts terminal acknowledgment actions.
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// fakeQuarantine records publish calls.
type fakeQuarantine struct {
	err    error
	bodies [][]byte
	heads  []amqp.Table
}

func (f *fakeQuarantine) Publish(ctx context.Context, body []byte, headers amqp.Table) error {
	f.bodies = append(f.bodies, body)
	f.heads = append(f.heads, headers)
	return f.err
}

func newDelivery(ack *mockAcknowledger, tag uint64, body string, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		AppId:        "svc",
		Headers:      headers,
		Body:         []byte(body),
	}
}

func validHeaders() amqp.Table {
	return amqp.Table{"tx_id": "abc123"}
}

func TestNewDispatcher(t *testing.T) {
	t.Run("nil process function is a configuration error", func(t *testing.T) {
		d, err := NewDispatcher(nil, &fakeQuarantine{})
		assert.Nil(t, d)
		assert.Error(t, err)
	})

	t.Run("nil quarantine publisher is a configuration error", func(t *testing.T) {
		process := func(ctx context.Context, payload, txID string) error { return nil }
		d, err := NewDispatcher(process, nil)
		assert.Nil(t, d)
		assert.Error(t, err)
	})
}

func TestDispatchAccepted(t *testing.T) {
	var gotPayload, gotTxID string
	process := func(ctx context.Context, payload, txID string) error {
		gotPayload = payload
		gotTxID = txID
		return nil
	}
	sink := &fakeQuarantine{}
	d, err := NewDispatcher(process, sink)
	require.NoError(t, err)

	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(7), false).Return(nil)

	err = d.Dispatch(context.Background(), newDelivery(ack, 7, "valid", validHeaders()))
	require.NoError(t, err)

	assert.Equal(t, "valid", gotPayload)
	assert.Equal(t, "abc123", gotTxID)
	assert.Empty(t, sink.bodies)
	ack.AssertExpectations(t)
	ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	ack.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything)
}

func TestDispatchRetryable(t *testing.T) {
	t.Run("retryable failure nacks without quarantine", func(t *testing.T) {
		process := func(ctx context.Context, payload, txID string) error {
			return NewRetryableError(errors.New("downstream unavailable"))
		}
		sink := &fakeQuarantine{}
		d, err := NewDispatcher(process, sink)
		require.NoError(t, err)

		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil)

		err = d.Dispatch(context.Background(), newDelivery(ack, 7, "valid", validHeaders()))
		require.NoError(t, err)

		assert.Empty(t, sink.bodies)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("nack requeue flag is configurable", func(t *testing.T) {
		process := func(ctx context.Context, payload, txID string) error {
			return NewRetryableError(errors.New("downstream unavailable"))
		}
		d, err := NewDispatcher(process, &fakeQuarantine{}, WithNackRequeue(false))
		require.NoError(t, err)

		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, false).Return(nil)

		require.NoError(t, d.Dispatch(context.Background(), newDelivery(ack, 7, "valid", validHeaders())))
		ack.AssertExpectations(t)
	})

	t.Run("uncategorized failure is treated as retryable", func(t *testing.T) {
		process := func(ctx context.Context, payload, txID string) error {
			return errors.New("something else entirely")
		}
		sink := &fakeQuarantine{}
		d, err := NewDispatcher(process, sink)
		require.NoError(t, err)

		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil)

		require.NoError(t, d.Dispatch(context.Background(), newDelivery(ack, 7, "valid", validHeaders())))
		assert.Empty(t, sink.bodies)
		ack.AssertExpectations(t)
	})
}

func TestDispatchQuarantinable(t *testing.T) {
	process := func(ctx context.Context, payload, txID string) error {
		return NewQuarantinableError(errors.New("cannot decrypt"))
	}

	t.Run("publishes original payload then rejects without requeue", func(t *testing.T) {
		sink := &fakeQuarantine{}
		d, err := NewDispatcher(process, sink)
		require.NoError(t, err)

		ack := &mockAcknowledger{}
		ack.On("Reject", uint64(7), false).Return(nil)

		err = d.Dispatch(context.Background(), newDelivery(ack, 7, "valid", validHeaders()))
		require.NoError(t, err)

		require.Len(t, sink.bodies, 1)
		assert.Equal(t, []byte("valid"), sink.bodies[0])
		assert.Equal(t, amqp.Table{"tx_id": "abc123"}, sink.heads[0])
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("quarantine publish failure falls back to reject with requeue", func(t *testing.T) {
		sink := &fakeQuarantine{err: errors.New("quarantine broker down")}
		d, err := NewDispatcher(process, sink)
		require.NoError(t, err)

		ack := &mockAcknowledger{}
		ack.On("Reject", uint64(7), true).Return(nil)

		err = d.Dispatch(context.Background(), newDelivery(ack, 7, "valid", validHeaders()))
		require.NoError(t, err)

		// Exactly one publish attempt, no ack or nack.
		assert.Len(t, sink.bodies, 1)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("panicking process function is quarantined", func(t *testing.T) {
		panicking := func(ctx context.Context, payload, txID string) error {
			panic("boom")
		}
		sink := &fakeQuarantine{}
		d, err := NewDispatcher(panicking, sink)
		require.NoError(t, err)

		ack := &mockAcknowledger{}
		ack.On("Reject", uint64(7), false).Return(nil)

		require.NoError(t, d.Dispatch(context.Background(), newDelivery(ack, 7, "valid", validHeaders())))
		assert.Len(t, sink.bodies, 1)
		ack.AssertExpectations(t)
	})
}

func TestDispatchMalformed(t *testing.T) {
	var processCalls int
	process := func(ctx context.Context, payload, txID string) error {
		processCalls++
		return nil
	}

	cases := []struct {
		name    string
		headers amqp.Table
	}{
		{name: "missing headers entirely", headers: nil},
		{name: "missing tx_id key", headers: amqp.Table{"other": "x"}},
		{name: "tx_id is not a string", headers: amqp.Table{"tx_id": int32(42)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			processCalls = 0
			sink := &fakeQuarantine{}
			d, err := NewDispatcher(process, sink)
			require.NoError(t, err)

			ack := &mockAcknowledger{}
			ack.On("Reject", uint64(3), false).Return(nil)

			err = d.Dispatch(context.Background(), newDelivery(ack, 3, "valid", tc.headers))
			require.NoError(t, err)

			assert.Zero(t, processCalls, "processing callback must not be invoked")
			assert.Empty(t, sink.bodies)
			ack.AssertExpectations(t)
		})
	}
}

func TestDispatchWithoutTxIDCheck(t *testing.T) {
	var gotTxID string
	process := func(ctx context.Context, payload, txID string) error {
		gotTxID = txID
		return nil
	}
	d, err := NewDispatcher(process, &fakeQuarantine{}, WithTxIDCheck(false))
	require.NoError(t, err)

	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(9), false).Return(nil)

	// No headers at all, but checking is off.
	require.NoError(t, d.Dispatch(context.Background(), newDelivery(ack, 9, "valid", nil)))
	assert.Empty(t, gotTxID)
	ack.AssertExpectations(t)
}

func TestDispatchAckFailure(t *testing.T) {
	process := func(ctx context.Context, payload, txID string) error { return nil }
	d, err := NewDispatcher(process, &fakeQuarantine{})
	require.NoError(t, err)

	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(7), false).Return(errors.New("channel closed"))

	err = d.Dispatch(context.Background(), newDelivery(ack, 7, "valid", validHeaders()))
	assert.ErrorContains(t, err, "ack failed")
}
