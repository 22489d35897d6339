package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) EventPublished(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[eventType]++
}

func (r *countingRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[eventType]
}

func newEvent(t *testing.T) *events.Event {
	evt, err := events.NewEvent("inv-1", events.AggregateInvoice, events.InvoiceFinalized, events.InvoicePayload{
		InvoiceID:  "inv-1",
		Number:     "INV-2025-0001",
		TotalCents: 4340,
	})
	require.NoError(t, err)
	return evt
}

func TestPublishMessageShape(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, SaramaConfig())

	var captured *sarama.ProducerMessage
	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		captured = msg
		return nil
	})

	rec := &countingRecorder{}
	pub := NewEventPublisherWithProducer(producer, "billing-events", nil, rec)

	ctx := requestctx.WithRequestID(context.Background(), "req-42")
	evt := newEvent(t)
	require.NoError(t, pub.Publish(ctx, evt))
	require.NoError(t, pub.Close())

	require.NotNil(t, captured)
	assert.Equal(t, "billing-events", captured.Topic)

	key, err := captured.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "inv-1", string(key))

	headers := make(map[string]string)
	for _, h := range captured.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"eventType":     events.InvoiceFinalized,
		"aggregateType": events.AggregateInvoice,
		"correlationId": "req-42",
	}, headers)

	value, err := captured.Value.Encode()
	require.NoError(t, err)
	var decoded events.Event
	require.NoError(t, json.Unmarshal(value, &decoded))
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, "req-42", decoded.CorrelationID)

	assert.Equal(t, 1, rec.count(events.InvoiceFinalized))
}

func TestPublishDeliveryFailure(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, SaramaConfig())
	producer.ExpectInputAndFail(errors.New("broker unavailable"))

	rec := &countingRecorder{}
	pub := NewEventPublisherWithProducer(producer, "", nil, rec)

	require.NoError(t, pub.Publish(context.Background(), newEvent(t)))
	require.NoError(t, pub.Close())

	assert.Zero(t, rec.count(events.InvoiceFinalized))
}

func TestPublishAfterClose(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, SaramaConfig())
	pub := NewEventPublisherWithProducer(producer, "billing-events", nil, nil)
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	err := pub.Publish(context.Background(), newEvent(t))
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestPublishFillsMetadata(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, SaramaConfig())
	producer.ExpectInputAndSucceed()
	pub := NewEventPublisherWithProducer(producer, "billing-events", nil, nil)

	evt := &events.Event{AggregateID: "sub-1", AggregateType: events.AggregateSubscription, EventType: events.SubscriptionRenewed}
	before := time.Now().UTC()
	require.NoError(t, pub.Publish(context.Background(), evt))
	require.NoError(t, pub.Close())

	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.Before(before))
}

func TestNewPublisherFallsBackToLog(t *testing.T) {
	rec := &countingRecorder{}
	pub, err := NewPublisher(Config{Topic: "billing-events"}, nil, rec)
	require.NoError(t, err)
	require.IsType(t, &LogPublisher{}, pub)

	require.NoError(t, pub.Publish(context.Background(), newEvent(t)))
	assert.Equal(t, 1, rec.count(events.InvoiceFinalized))
	assert.NoError(t, pub.Close())
}
