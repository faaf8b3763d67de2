package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	// Topics get a writer each; publishing to any other topic fails
	Topics []string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, topics ...string) Config {
	var brokerList []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokerList = append(brokerList, b)
		}
	}

	return Config{
		Brokers: brokerList,
		Topics:  topics,
	}
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Message is a value published to a topic
type Message struct {
	Topic   string
	Key     string
	Value   any
	Headers map[string]string
}

// Producer publishes JSON messages with W3C trace headers. One writer is kept per topic.
type Producer struct {
	brokers []string
	writers map[string]*kafka.Writer
	logger  ectologger.Logger
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// dev brokers may not have the topics yet
		AllowAutoTopicCreation: true,
	}
}

// NewProducer creates a producer with writers for the configured topics
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writers := make(map[string]*kafka.Writer, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		if topic == "" {
			continue
		}
		if _, ok := writers[topic]; !ok {
			writers[topic] = newWriter(cfg.Brokers, topic)
		}
	}

	return &Producer{
		brokers: cfg.Brokers,
		writers: writers,
		logger:  logger,
	}
}

// Close closes every writer
func (p *Producer) Close() error {
	var firstErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping dials the brokers until one answers
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		return errors.New("no kafka brokers configured")
	}
	return lastErr
}

// Publish marshals msg.Value and writes it to msg.Topic
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.String("messaging.operation", "publish"),
	)

	writer, ok := p.writers[msg.Topic]
	if !ok {
		err := fmt.Errorf("no writer configured for topic %q", msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown topic")
		return err
	}

	data, err := json.Marshal(msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		if v != "" {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	// W3C trace context for downstream consumers
	tracing.Inject(ctx, func(key, value string) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	})

	if err := writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Key),
		Value:   data,
		Headers: headers,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", msg.Topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published message to Kafka topic %s key=%s", msg.Topic, msg.Key)
	return nil
}

// Stats returns statistics for the writer of topic
func (p *Producer) Stats(topic string) kafka.WriterStats {
	if w, ok := p.writers[topic]; ok {
		return w.Stats()
	}
	return kafka.WriterStats{}
}
