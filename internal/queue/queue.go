// Package queue moves encoded chain events between publishers and the indexer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is a queue record delivered to a consumer. Offsets increase within a
// partition; acknowledging a message implies every earlier message of its
// partition is done.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	// Timestamp is the producer timestamp (Kafka) or local receive time (stdio).
	Timestamp time.Time

	ackFn func(context.Context) error
}

// WithAck returns m acknowledged through ack. Drivers outside this package and
// tests use it to build deliverable messages.
func WithAck(m Message, ack func(context.Context) error) Message {
	m.ackFn = ack
	return m
}

func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

type Producer interface {
	// Publish writes payload to topic. Messages sharing a key keep their order.
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers []string
	Group   string
	Topics  []string
	TLS     bool

	KafkaMinBytes int
	KafkaMaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration
	TLS          bool

	// Stdio fields.
	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

// stream is the delivery side shared by the consumers: a buffered message
// channel, an error channel, and a cancel that stops the pump goroutine.
type stream struct {
	msgs chan Message
	errs chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newStream(parent context.Context) (*stream, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &stream{
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

// pump runs fill until it returns and then closes both channels.
func (s *stream) pump(ctx context.Context, fill func(context.Context) error) {
	go func() {
		defer close(s.done)
		defer close(s.msgs)
		defer close(s.errs)
		if err := fill(ctx); err != nil {
			s.fail(ctx, err)
		}
	}()
}

// deliver reports false once ctx is done.
func (s *stream) deliver(ctx context.Context, m Message) bool {
	select {
	case s.msgs <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) fail(ctx context.Context, err error) bool {
	select {
	case s.errs <- err:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) Messages() <-chan Message { return s.msgs }
func (s *stream) Errors() <-chan error     { return s.errs }

// stop cancels the pump, runs closeFn once, and waits for the pump to exit.
func (s *stream) stop(closeFn func() error) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if closeFn != nil {
			err = closeFn()
		}
		<-s.done
	})
	return err
}
