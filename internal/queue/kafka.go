package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaDialTimeout = 10 * time.Second

type kafkaConsumer struct {
	*stream
	reader *kafka.Reader
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	rc, err := kafkaReaderConfig(cfg)
	if err != nil {
		return nil, err
	}
	s, ctx := newStream(parent)
	c := &kafkaConsumer{stream: s, reader: kafka.NewReader(rc)}
	s.pump(ctx, c.fetch)
	return c, nil
}

func kafkaReaderConfig(cfg ConsumerConfig) (kafka.ReaderConfig, error) {
	rc := kafka.ReaderConfig{
		Brokers:     normalizeList(cfg.Brokers),
		GroupID:     strings.TrimSpace(cfg.Group),
		GroupTopics: normalizeList(cfg.Topics),
		MinBytes:    cfg.KafkaMinBytes,
		MaxBytes:    cfg.KafkaMaxBytes,
		// A new group starts from the oldest retained event; replays are deduplicated downstream.
		StartOffset: kafka.FirstOffset,
	}
	if rc.MinBytes <= 0 {
		rc.MinBytes = defaultKafkaMinBytes
	}
	if rc.MaxBytes <= 0 {
		rc.MaxBytes = defaultKafkaMaxBytes
	}
	switch {
	case len(rc.Brokers) == 0:
		return rc, fmt.Errorf("%w: kafka consumer requires at least one broker", ErrInvalidConfig)
	case rc.GroupID == "":
		return rc, fmt.Errorf("%w: kafka consumer requires group", ErrInvalidConfig)
	case len(rc.GroupTopics) == 0:
		return rc, fmt.Errorf("%w: kafka consumer requires at least one topic", ErrInvalidConfig)
	case rc.MaxBytes < rc.MinBytes:
		return rc, fmt.Errorf("%w: kafka consumer max bytes must be >= min bytes", ErrInvalidConfig)
	}
	if cfg.TLS {
		rc.Dialer = &kafka.Dialer{Timeout: kafkaDialTimeout, TLS: tlsConfig()}
	}
	return rc, nil
}

// fetch forwards group messages without committing them; a message's Ack
// commits its offset, and with it every earlier offset of the partition.
func (c *kafkaConsumer) fetch(ctx context.Context) error {
	for {
		km, err := c.reader.FetchMessage(ctx)
		if stopOnFetchError(err) {
			return nil
		}
		if err != nil {
			if !c.fail(ctx, err) {
				return nil
			}
			continue
		}
		if !c.deliver(ctx, fromKafka(km, c.reader)) {
			return nil
		}
	}
}

func fromKafka(km kafka.Message, r *kafka.Reader) Message {
	return Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       append([]byte(nil), km.Key...),
		Value:     append([]byte(nil), km.Value...),
		Timestamp: km.Time,
		ackFn: func(ctx context.Context) error {
			return r.CommitMessages(ctx, km)
		},
	}
}

func stopOnFetchError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

func (c *kafkaConsumer) Close() error {
	return c.stop(c.reader.Close)
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr: kafka.TCP(brokers...),
		// Hashing the key keeps one chain's events on one partition, in order.
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.TLS {
		w.Transport = &kafka.Transport{TLS: tlsConfig()}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

func tlsConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
