package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/compactlabs/compact-indexer/internal/archive"
	"github.com/compactlabs/compact-indexer/internal/balanceapi"
	"github.com/compactlabs/compact-indexer/internal/chains"
	"github.com/compactlabs/compact-indexer/internal/config"
	"github.com/compactlabs/compact-indexer/internal/ingest"
	"github.com/compactlabs/compact-indexer/internal/leases"
	leasespg "github.com/compactlabs/compact-indexer/internal/leases/postgres"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	ledgerpg "github.com/compactlabs/compact-indexer/internal/ledger/postgres"
	"github.com/compactlabs/compact-indexer/internal/queue"
	"github.com/compactlabs/compact-indexer/internal/reducer"
	"github.com/compactlabs/compact-indexer/internal/secrets"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	env, err := config.LoadIndexer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	var (
		chainList  = flag.String("chains", config.JoinList(env.Chains), "comma-separated chain names or ids to index")
		resolution = flag.String("allocator-resolution", env.AllocatorResolution, "allocator source for new locks: lock-id|operator")
		workers    = flag.Int("workers", env.Workers, "number of chain shards applied in parallel")

		storeDriver    = flag.String("store-driver", env.StoreDriver, "ledger store driver: postgres|memory")
		postgresDSNKey = flag.String("postgres-dsn-key", env.PostgresDSNKey, "secret key holding the Postgres DSN (required when --store-driver=postgres)")
		secretsDriver  = flag.String("secrets-driver", env.SecretsDriver, "secret provider: env|aws")

		queueDriver   = flag.String("queue-driver", env.QueueDriver, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", config.JoinList(env.QueueBrokers), "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", env.QueueGroup, "queue consumer group (required for kafka)")
		queueTopics   = flag.String("queue-topics", config.JoinList(env.QueueTopics), "comma-separated queue topics")
		queueTLS      = flag.Bool("queue-tls", env.QueueTLS, "connect to kafka over TLS")
		queueMaxBytes = flag.Int("queue-max-bytes", env.QueueMaxBytes, "maximum kafka message size for consumer reads (bytes)")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		ackTimeout    = flag.Duration("queue-ack-timeout", env.AckTimeout, "timeout for queue message acknowledgements")
		maxPending    = flag.Int("queue-max-pending", env.MaxPending, "uncommitted messages held per partition before delivery pauses (0 = workers*64)")

		leaseDriver = flag.String("lease-driver", env.LeaseDriver, "chain writer lease driver: none|memory|postgres")
		leaseOwner  = flag.String("lease-owner", env.LeaseOwner, "unique writer identity for chain leases (default: hostname-pid)")
		leaseTTL    = flag.Duration("lease-ttl", env.LeaseTTL, "chain lease ttl")

		archiveDriver = flag.String("archive-driver", env.ArchiveDriver, "fault report archive driver: none|memory|s3")
		archiveBucket = flag.String("archive-bucket", env.ArchiveBucket, "S3 bucket for fault reports (required for s3)")
		archivePrefix = flag.String("archive-prefix", env.ArchivePrefix, "key prefix for fault reports")

		listenAddr = flag.String("listen", env.ListenAddr, "listen address for the read API and /metrics; empty disables")
		logLevel   = flag.String("log-level", env.LogLevel, "log level: debug|info|warn|error")
		logFormat  = flag.String("log-format", env.LogFormat, "log format: text|json")
	)
	flag.Parse()

	log, err := config.NewLogger(os.Stderr, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	chainSet, err := parseChains(*chainList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --chains: %v\n", err)
		os.Exit(2)
	}
	allocatorResolution, err := reducer.ParseAllocatorResolution(*resolution)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --allocator-resolution: %v\n", err)
		os.Exit(2)
	}
	if *workers <= 0 || *queueMaxBytes <= 0 || *maxLineBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --workers, --queue-max-bytes, and --max-line-bytes must be > 0")
		os.Exit(2)
	}
	if *maxPending < 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-max-pending must be >= 0")
		os.Exit(2)
	}
	if *ackTimeout <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-ack-timeout and --lease-ttl must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		pool  *pgxpool.Pool
		store ledger.Store
	)
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSNKey) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn-key is required when --store-driver=postgres")
			os.Exit(2)
		}
		provider, err := secrets.New(ctx, *secretsDriver)
		if err != nil {
			log.Error("init secrets provider", "err", err)
			os.Exit(2)
		}
		dsn, err := provider.Get(ctx, *postgresDSNKey)
		if err != nil {
			log.Error("resolve postgres dsn", "key", *postgresDSNKey, "err", err)
			os.Exit(2)
		}
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := ledgerpg.New(pool)
		if err != nil {
			log.Error("init ledger store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure ledger schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "memory":
		store = ledger.NewMemoryStore()
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	var leaseStore leases.Store
	switch strings.ToLower(strings.TrimSpace(*leaseDriver)) {
	case "none", "":
	case "memory":
		leaseStore = leases.NewMemoryStore(time.Now)
	case "postgres":
		if pool == nil {
			fmt.Fprintln(os.Stderr, "error: --lease-driver=postgres requires --store-driver=postgres")
			os.Exit(2)
		}
		pgLeases, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := pgLeases.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		leaseStore = pgLeases
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --lease-driver %q\n", *leaseDriver)
		os.Exit(2)
	}

	var faults archive.Store
	switch strings.ToLower(strings.TrimSpace(*archiveDriver)) {
	case "none", "":
	case archive.DriverMemory:
		faults, err = archive.New(archive.Config{Driver: archive.DriverMemory, Prefix: *archivePrefix})
	case archive.DriverS3:
		awsCfg, cfgErr := awsconfig.LoadDefaultConfig(ctx)
		if cfgErr != nil {
			log.Error("load aws config", "err", cfgErr)
			os.Exit(2)
		}
		faults, err = archive.New(archive.Config{
			Driver:   archive.DriverS3,
			Bucket:   *archiveBucket,
			Prefix:   *archivePrefix,
			S3Client: awss3.NewFromConfig(awsCfg),
		})
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --archive-driver %q\n", *archiveDriver)
		os.Exit(2)
	}
	if err != nil {
		log.Error("init fault archive", "err", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := ingest.NewMetrics(reg)
	if err != nil {
		log.Error("init metrics", "err", err)
		os.Exit(2)
	}

	red, err := reducer.New(reducer.Config{AllocatorResolution: allocatorResolution}, store, log)
	if err != nil {
		log.Error("init reducer", "err", err)
		os.Exit(2)
	}

	cfg := ingest.Config{
		Workers:                *workers,
		MaxPendingPerPartition: *maxPending,
		Chains:                 chainSet,
		Archive:                faults,
		AckTimeout:             *ackTimeout,
		Metrics:                metrics,
	}
	if leaseStore != nil {
		cfg.Leases = leaseStore
		cfg.Owner = ownerOrDefault(*leaseOwner)
		cfg.LeaseTTL = *leaseTTL
	}
	runner, err := ingest.New(cfg, red, log)
	if err != nil {
		log.Error("init runner", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        queue.SplitCommaList(*queueTopics),
		TLS:           *queueTLS,
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	var srv *http.Server
	srvErr := make(chan error, 1)
	if strings.TrimSpace(*listenAddr) != "" {
		api, err := balanceapi.NewHandler(balanceapi.Config{Chains: chainSet, Leases: leaseStore}, store, runner, faults, log)
		if err != nil {
			log.Error("init read api", "err", err)
			os.Exit(2)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.Handle("/", api)
		srv = &http.Server{
			Addr:              *listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}
		go func() {
			log.Info("read api listening", "addr", *listenAddr)
			srvErr <- srv.ListenAndServe()
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- runner.Run(ctx, consumer)
	}()

	log.Info("compact-indexer started",
		"chains", chainSet.IDs(),
		"workers", *workers,
		"storeDriver", *storeDriver,
		"queueDriver", *queueDriver,
		"leaseDriver", *leaseDriver,
		"archiveDriver", *archiveDriver,
	)

	exitCode := 0
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("runner stopped", "err", err)
			exitCode = 1
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			exitCode = 1
		}
		stop()
		<-runErr
	}

	if halted := runner.HaltedChains(); len(halted) > 0 {
		log.Error("chains halted on fault", "chains", halted)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// parseChains accepts chain names or numeric ids.
func parseChains(csv string) (chains.Set, error) {
	ds, err := chains.ParseCSV(csv)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, errors.New("no chains configured")
	}
	return chains.NewSet(ds), nil
}

func ownerOrDefault(owner string) string {
	owner = strings.TrimSpace(owner)
	if owner != "" {
		return owner
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "compact-indexer"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
