package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByEntity(t *testing.T) {
	w := &fakeWriter{}
	pub := NewKafkaPublisher(newProducer(w, nil))

	committed := NewTransactionCommitted()
	committed.TransactionID = "trx-1"
	committed.Kind = "sale"
	require.NoError(t, pub.PublishTransactionCommitted(context.Background(), committed))

	negative := NewStockNegative()
	negative.ProductID = "prd-1"
	negative.Stock = -2
	require.NoError(t, pub.PublishStockNegative(context.Background(), negative))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "trx-1", string(w.msgs[0].Key))
	assert.Equal(t, "prd-1", string(w.msgs[1].Key))

	var decoded TransactionCommittedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, EventTypeTransactionCommitted, decoded.EventType)
	assert.NotEmpty(t, decoded.EventID)
	assert.Equal(t, "sale", decoded.Kind)
}

func TestProducerWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := newProducer(&fakeWriter{err: boom}, nil)

	err := p.PublishEvent(context.Background(), "k", map[string]string{"a": "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRecorderKeepsOrder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	require.NoError(t, r.PublishReturnProcessed(ctx, NewReturnProcessed()))
	require.NoError(t, r.PublishCustomersLapsed(ctx, NewCustomersLapsed()))

	got := r.Events()
	require.Len(t, got, 2)
	assert.IsType(t, ReturnProcessedEvent{}, got[0])
	assert.IsType(t, CustomersLapsedEvent{}, got[1])
}
