// Package events publishes audit events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerOptions Kafka 生产者参数
type ProducerOptions struct {
	Brokers []string
	Topic   string
	// Async hands messages to the writer's background batcher; delivery errors are only logged.
	Async bool
}

// Producer sends JSON-encoded events keyed for per-ticket ordering.
type Producer struct {
	writer messageWriter
	topic  string
	logger *logrus.Logger
}

func NewProducer(opts ProducerOptions, logger *logrus.Logger) (*Producer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}
	if logger == nil {
		logger = logrus.New()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        opts.Async,
	}
	if opts.Async {
		w.Completion = func(messages []kafka.Message, err error) {
			if err != nil {
				logger.WithError(err).Warnf("Kafka delivery failed for %d message(s)", len(messages))
			}
		}
	}
	return newProducer(w, opts.Topic, logger), nil
}

func newProducer(w messageWriter, topic string, logger *logrus.Logger) *Producer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Producer{writer: w, topic: topic, logger: logger}
}

// Send 序列化并发送一条事件
func (p *Producer) Send(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", p.topic, err)
	}
	p.logger.Debugf("Sent event to Kafka: %s", key)
	return nil
}

// Close flushes pending messages.
func (p *Producer) Close() error {
	return p.writer.Close()
}
