package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

// ErrPublisherClosed is returned when publishing after Close
var ErrPublisherClosed = errors.New("publisher is closed")

// Recorder receives publish metrics
type Recorder interface {
	EventPublished(eventType string)
}

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	Topic   string
}

// EventPublisher publishes billing events to Kafka
type EventPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   logger.Logger
	recorder Recorder

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// SaramaConfig returns the producer settings used by the publisher
func SaramaConfig() *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Version = sarama.V3_3_1_0
	return saramaConfig
}

// NewEventPublisher creates a new Kafka event publisher
func NewEventPublisher(config Config, log logger.Logger, rec Recorder) (*EventPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	producer, err := sarama.NewAsyncProducer(config.Brokers, SaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewEventPublisherWithProducer(producer, config.Topic, log, rec), nil
}

// NewEventPublisherWithProducer wraps an existing producer. The producer must
// return both successes and errors.
func NewEventPublisherWithProducer(producer sarama.AsyncProducer, topic string, log logger.Logger, rec Recorder) *EventPublisher {
	if log == nil {
		log = logger.NewNop()
	}
	if topic == "" {
		topic = "billing-events"
	}
	p := &EventPublisher{
		producer: producer,
		topic:    topic,
		logger:   log.WithFields(map[string]interface{}{"component": "kafka_publisher", "topic": topic}),
		recorder: rec,
	}

	p.wg.Add(2)
	go p.handleErrors()
	go p.handleSuccesses()
	return p
}

// Publish queues event for delivery. Events of one aggregate share a
// partition so consumers see them in order.
func (p *EventPublisher) Publish(ctx context.Context, event *events.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = requestctx.RequestID(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.AggregateID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(event.EventType)},
			{Key: []byte("aggregateType"), Value: []byte(event.AggregateType)},
			{Key: []byte("correlationId"), Value: []byte(event.CorrelationID)},
		},
		Timestamp: event.Timestamp,
		Metadata:  event.EventType,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes buffered messages and closes the producer
func (p *EventPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.producer.AsyncClose()
	p.wg.Wait()
	return nil
}

func (p *EventPublisher) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		eventType, _ := err.Msg.Metadata.(string)
		p.logger.Error("Failed to deliver event",
			"event_type", eventType,
			"error", err.Err,
		)
	}
}

func (p *EventPublisher) handleSuccesses() {
	defer p.wg.Done()
	for msg := range p.producer.Successes() {
		eventType, _ := msg.Metadata.(string)
		if p.recorder != nil {
			p.recorder.EventPublished(eventType)
		}
		p.logger.Debug("Event delivered",
			"event_type", eventType,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
	}
}

// LogPublisher writes events to the log. It stands in for Kafka when no
// brokers are configured.
type LogPublisher struct {
	logger   logger.Logger
	recorder Recorder
}

// NewLogPublisher creates a log-only publisher
func NewLogPublisher(log logger.Logger, rec Recorder) *LogPublisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogPublisher{logger: log, recorder: rec}
}

// Publish logs the event
func (p *LogPublisher) Publish(ctx context.Context, event *events.Event) error {
	p.logger.WithContext(ctx).Info("Domain event",
		"event_id", event.ID,
		"event_type", event.EventType,
		"aggregate_type", event.AggregateType,
		"aggregate_id", event.AggregateID,
	)
	if p.recorder != nil {
		p.recorder.EventPublished(event.EventType)
	}
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error { return nil }

// NewPublisher returns a Kafka publisher when brokers are set and a log
// publisher otherwise
func NewPublisher(config Config, log logger.Logger, rec Recorder) (events.Publisher, error) {
	if len(config.Brokers) == 0 {
		return NewLogPublisher(log, rec), nil
	}
	return NewEventPublisher(config, log, rec)
}
