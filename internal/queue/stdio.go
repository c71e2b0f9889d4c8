package queue

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

// stdioConsumer reads one message per line. Every line lands in partition 0 and
// its offset is the zero-based line number, blank lines included.
type stdioConsumer struct {
	*stream
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) Consumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLineBytes := cfg.MaxLineBytes
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}
	s, ctx := newStream(parent)
	s.pump(ctx, func(ctx context.Context) error {
		return scanLines(ctx, s, r, maxLineBytes)
	})
	return &stdioConsumer{stream: s}
}

func scanLines(ctx context.Context, s *stream, r io.Reader, maxLineBytes int) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for line := int64(0); sc.Scan(); line++ {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		m := Message{
			Offset:    line,
			Value:     append([]byte(nil), b...),
			Timestamp: time.Now().UTC(),
		}
		if !s.deliver(ctx, m) {
			return nil
		}
	}
	return sc.Err()
}

// Close stops delivery. The pump may stay blocked in a read on r until it
// returns.
func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

// Publish writes payload as one line; topic and key have no meaning here.
func (p *stdioProducer) Publish(_ context.Context, _ string, _, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error {
	return nil
}
