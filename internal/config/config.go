// Package config sources command defaults from COMPACT_* environment
// variables. Flags still win; the environment only changes what a flag
// defaults to.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// Indexer holds the compact-indexer defaults.
type Indexer struct {
	Chains              []string `env:"COMPACT_CHAINS" envSeparator:"," envDefault:"mainnet,base,optimism"`
	AllocatorResolution string   `env:"COMPACT_ALLOCATOR_RESOLUTION" envDefault:"lock-id"`
	Workers             int      `env:"COMPACT_WORKERS" envDefault:"4"`

	StoreDriver string `env:"COMPACT_STORE_DRIVER" envDefault:"postgres"`
	// PostgresDSNKey names the secret holding the DSN, not the DSN itself.
	PostgresDSNKey string `env:"COMPACT_POSTGRES_DSN_KEY" envDefault:"COMPACT_POSTGRES_DSN"`
	SecretsDriver  string `env:"COMPACT_SECRETS_DRIVER" envDefault:"env"`

	QueueDriver   string        `env:"COMPACT_QUEUE_DRIVER" envDefault:"kafka"`
	QueueBrokers  []string      `env:"COMPACT_QUEUE_BROKERS" envSeparator:","`
	QueueGroup    string        `env:"COMPACT_QUEUE_GROUP" envDefault:"compact-indexer"`
	QueueTopics   []string      `env:"COMPACT_QUEUE_TOPICS" envSeparator:"," envDefault:"compact.events"`
	QueueTLS      bool          `env:"COMPACT_QUEUE_KAFKA_TLS"`
	QueueMaxBytes int           `env:"COMPACT_QUEUE_MAX_BYTES" envDefault:"10485760"`
	AckTimeout    time.Duration `env:"COMPACT_ACK_TIMEOUT" envDefault:"5s"`
	// MaxPending caps uncommitted messages per partition; 0 derives it from Workers.
	MaxPending int `env:"COMPACT_QUEUE_MAX_PENDING" envDefault:"0"`

	LeaseDriver string        `env:"COMPACT_LEASE_DRIVER" envDefault:"none"`
	LeaseOwner  string        `env:"COMPACT_LEASE_OWNER"`
	LeaseTTL    time.Duration `env:"COMPACT_LEASE_TTL" envDefault:"30s"`

	ArchiveDriver string `env:"COMPACT_ARCHIVE_DRIVER" envDefault:"none"`
	ArchiveBucket string `env:"COMPACT_ARCHIVE_BUCKET"`
	ArchivePrefix string `env:"COMPACT_ARCHIVE_PREFIX"`

	ListenAddr string `env:"COMPACT_LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	LogLevel   string `env:"COMPACT_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"COMPACT_LOG_FORMAT" envDefault:"text"`
}

// Publisher holds the compact-publish defaults.
type Publisher struct {
	QueueDriver  string   `env:"COMPACT_QUEUE_DRIVER" envDefault:"kafka"`
	QueueBrokers []string `env:"COMPACT_QUEUE_BROKERS" envSeparator:","`
	QueueTLS     bool     `env:"COMPACT_QUEUE_KAFKA_TLS"`
	Topic        string   `env:"COMPACT_PUBLISH_TOPIC" envDefault:"compact.events"`
	MaxLineBytes int      `env:"COMPACT_PUBLISH_MAX_LINE_BYTES" envDefault:"1048576"`
	LogLevel     string   `env:"COMPACT_LOG_LEVEL" envDefault:"info"`
	LogFormat    string   `env:"COMPACT_LOG_FORMAT" envDefault:"text"`
}

func LoadIndexer() (Indexer, error) {
	var cfg Indexer
	if err := env.Parse(&cfg); err != nil {
		return Indexer{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

func LoadPublisher() (Publisher, error) {
	var cfg Publisher
	if err := env.Parse(&cfg); err != nil {
		return Publisher{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return lvl, nil
}

// NewLogger builds the process logger. format is "text" or "json".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, format)
	}
}

// JoinList renders a list default for a comma separated flag.
func JoinList(v []string) string {
	return strings.Join(v, ",")
}
