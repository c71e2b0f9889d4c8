package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/chains"
	"github.com/compactlabs/compact-indexer/internal/config"
	"github.com/compactlabs/compact-indexer/internal/ingest"
	"github.com/compactlabs/compact-indexer/internal/logdecode"
	"github.com/compactlabs/compact-indexer/internal/queue"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain publishes newline-delimited compact.event.v1 or compact.log.v1
// envelopes, keyed by chain id so one chain stays on one partition.
func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	env, err := config.LoadPublisher()
	if err != nil {
		return err
	}

	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("compact-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", env.QueueDriver, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", config.JoinList(env.QueueBrokers), "comma-separated queue brokers (required for kafka)")
	queueTLS := fs.Bool("queue-tls", env.QueueTLS, "connect to kafka over TLS")
	topic := fs.String("topic", env.Topic, "queue topic")
	payload := fs.String("payload", "", "inline envelope")
	fs.Var(&payloadFiles, "payload-file", "file of newline-delimited envelopes (repeatable)")
	maxLineBytes := fs.Int("max-line-bytes", env.MaxLineBytes, "maximum envelope size (bytes)")
	chainList := fs.String("chains", "", "optional comma-separated chains; envelopes for other chains are rejected")
	logLevel := fs.String("log-level", env.LogLevel, "log level: debug|info|warn|error")
	logFormat := fs.String("log-format", env.LogFormat, "log format: text|json")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}
	if *maxLineBytes <= 0 {
		return errors.New("--max-line-bytes must be > 0")
	}
	log, err := config.NewLogger(stderr, *logLevel, *logFormat)
	if err != nil {
		return err
	}

	var allowed chains.Set
	if strings.TrimSpace(*chainList) != "" {
		ds, err := chains.ParseCSV(*chainList)
		if err != nil {
			return fmt.Errorf("parse --chains: %w", err)
		}
		allowed = chains.NewSet(ds)
	}
	decoder, err := logdecode.New(chains.CompactAddress)
	if err != nil {
		return err
	}

	lines, err := loadLines(strings.TrimSpace(*payload), payloadFiles, stdin, *maxLineBytes)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     *queueTLS,
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	published := 0
	for i, line := range lines {
		ev, err := validate(decoder, allowed, line)
		if err != nil {
			return fmt.Errorf("envelope %d: %w", i+1, err)
		}
		key := []byte(strconv.FormatUint(ev.ChainID, 10))
		if err := producer.Publish(ctx, *topic, key, line); err != nil {
			return fmt.Errorf("publish envelope %d: %w", i+1, err)
		}
		published++
	}
	log.Info("published", "topic", *topic, "count", published)
	return nil
}

// validate rejects envelopes the indexer would halt on or could not route.
// Unknown kinds and foreign or removed logs pass; the indexer skips them.
func validate(d *logdecode.Decoder, allowed chains.Set, line []byte) (chainevent.Event, error) {
	ev, err := ingest.DecodeMessage(d, line)
	if ev.ChainID == 0 {
		if err == nil {
			err = errors.New("missing chain id")
		}
		return ev, err
	}
	if err != nil &&
		!errors.Is(err, chainevent.ErrUnknownKind) &&
		!errors.Is(err, logdecode.ErrForeignLog) &&
		!errors.Is(err, logdecode.ErrRemovedLog) {
		return ev, err
	}
	if allowed != nil && !allowed.Contains(ev.ChainID) {
		return ev, fmt.Errorf("chain %d is not enabled", ev.ChainID)
	}
	return ev, nil
}

func loadLines(payloadInline string, payloadFiles []string, stdin io.Reader, maxLineBytes int) ([][]byte, error) {
	var out [][]byte
	if payloadInline != "" {
		out = append(out, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		lines, err := scanLines(f, maxLineBytes)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		out = append(out, lines...)
	}
	if len(out) > 0 || len(payloadFiles) > 0 {
		if len(out) == 0 {
			return nil, errors.New("payload files are empty")
		}
		return out, nil
	}
	if stdin == nil {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	lines, err := scanLines(stdin, maxLineBytes)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(lines) == 0 {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	return lines, nil
}

func scanLines(r io.Reader, maxLineBytes int) ([][]byte, error) {
	var out [][]byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLineBytes)), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
