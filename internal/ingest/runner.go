// Package ingest drives the reducer from a queue. Events are sharded by chain so
// each chain is applied strictly in delivery order while different chains run
// in parallel. A fault halts only the chain that raised it.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/compactlabs/compact-indexer/internal/archive"
	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/chains"
	"github.com/compactlabs/compact-indexer/internal/idempotency"
	"github.com/compactlabs/compact-indexer/internal/leases"
	"github.com/compactlabs/compact-indexer/internal/logdecode"
	"github.com/compactlabs/compact-indexer/internal/queue"
	"github.com/compactlabs/compact-indexer/internal/reducer"
)

var (
	ErrInvalidConfig = errors.New("ingest: invalid config")
	// ErrPartitionStalled ends Run when a halted chain pins a queue partition
	// that keeps receiving events for other chains.
	ErrPartitionStalled = errors.New("ingest: partition stalled behind halted chain")
)

const (
	defaultWorkers         = 4
	defaultShardBuffer     = 64
	defaultLeaseTTL        = 30 * time.Second
	defaultAckTimeout      = 5 * time.Second
	defaultArchiveTimeout  = 10 * time.Second
	defaultRetryMinBackoff = 250 * time.Millisecond
	defaultRetryMaxBackoff = 30 * time.Second
)

// Applier is the reducer as seen by the runner.
type Applier interface {
	Apply(ctx context.Context, ev chainevent.Event) (reducer.Result, error)
}

type Config struct {
	// Workers is the number of chain shards. Chain c runs on shard c % Workers.
	Workers     int
	ShardBuffer int

	// MaxPendingPerPartition caps the uncommitted messages held for one queue
	// partition. Delivery pauses at the cap. Defaults to Workers*ShardBuffer.
	MaxPendingPerPartition int

	// Chains restricts which chains are indexed. Empty means every known
	// deployment.
	Chains chains.Set

	// Decoder handles compact.log.v1 envelopes. Defaults to the canonical
	// contract address.
	Decoder *logdecode.Decoder

	// Archive receives a report for every fault. Optional.
	Archive        archive.Store
	ArchiveTimeout time.Duration

	// Leases fences chains to one process. Optional; Owner is required with it.
	Leases   leases.Store
	Owner    string
	LeaseTTL time.Duration

	AckTimeout      time.Duration
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration

	Metrics *Metrics
	Now     func() time.Time
}

type Runner struct {
	cfg     Config
	applier Applier
	log     *slog.Logger

	acks   *ackTracker
	leases *chainLeases

	mu     sync.Mutex
	halted map[uint64]*reducer.FaultError
}

// item is one decoded message on its way to a shard.
type item struct {
	entry *ackEntry
	ev    chainevent.Event
	err   error
}

func New(cfg Config, applier Applier, log *slog.Logger) (*Runner, error) {
	if applier == nil {
		return nil, fmt.Errorf("%w: nil applier", ErrInvalidConfig)
	}
	if cfg.Workers < 0 || cfg.ShardBuffer < 0 || cfg.MaxPendingPerPartition < 0 {
		return nil, fmt.Errorf("%w: workers, shard buffer and max pending must be >= 0", ErrInvalidConfig)
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ShardBuffer == 0 {
		cfg.ShardBuffer = defaultShardBuffer
	}
	if cfg.MaxPendingPerPartition == 0 {
		cfg.MaxPendingPerPartition = cfg.Workers * cfg.ShardBuffer
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = chains.NewSet(chains.All())
	}
	if cfg.Decoder == nil {
		d, err := logdecode.New(chains.CompactAddress)
		if err != nil {
			return nil, err
		}
		cfg.Decoder = d
	}
	cfg.Owner = strings.TrimSpace(cfg.Owner)
	if cfg.Leases != nil && cfg.Owner == "" {
		return nil, fmt.Errorf("%w: lease owner is required with a lease store", ErrInvalidConfig)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaultArchiveTimeout
	}
	if cfg.RetryMinBackoff <= 0 {
		cfg.RetryMinBackoff = defaultRetryMinBackoff
	}
	if cfg.RetryMaxBackoff < cfg.RetryMinBackoff {
		cfg.RetryMaxBackoff = max(defaultRetryMaxBackoff, cfg.RetryMinBackoff)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	return &Runner{
		cfg:     cfg,
		applier: applier,
		log:     log,
		acks:    newAckTracker(cfg.AckTimeout, log),
		leases:  newChainLeases(cfg.Leases, cfg.Owner, cfg.LeaseTTL, cfg.Now, log),
		halted:  make(map[uint64]*reducer.FaultError),
	}, nil
}

// Run consumes until the input ends or ctx is canceled. Events already queued
// on a shard are finished when the input ends; on cancellation they are left
// unacknowledged for redelivery.
func (r *Runner) Run(ctx context.Context, c queue.Consumer) error {
	if c == nil {
		return fmt.Errorf("%w: nil consumer", ErrInvalidConfig)
	}

	shards := make([]chan item, r.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan item, r.cfg.ShardBuffer)
		wg.Add(1)
		go func(in <-chan item) {
			defer wg.Done()
			r.runShard(ctx, in)
		}(shards[i])
	}
	stop := func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.AckTimeout)
		defer cancel()
		r.leases.releaseAll(rctx)
	}

	r.log.Info("ingest started", "workers", r.cfg.Workers, "chains", r.cfg.Chains.IDs(), "leases", r.cfg.Leases != nil)

	msgCh := c.Messages()
	errCh := c.Errors()
	for {
		select {
		case <-ctx.Done():
			stop()
			r.log.Info("ingest stopped", "reason", ctx.Err())
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				r.log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				stop()
				r.log.Info("ingest input closed")
				return nil
			}
			if err := r.dispatch(ctx, shards, msg); err != nil {
				stop()
				if errors.Is(err, ErrPartitionStalled) {
					r.log.Error("ingest stopped", "halted", r.HaltedChains(), "err", err)
				} else {
					r.log.Info("ingest stopped", "reason", err)
				}
				return err
			}
		}
	}
}

// HaltedChains lists the chains stopped by a fault, in ascending order.
func (r *Runner) HaltedChains() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.halted))
	for id := range r.halted {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fault returns the fault that halted chainID, if any.
func (r *Runner) Fault(chainID uint64) (*reducer.FaultError, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fe, ok := r.halted[chainID]
	return fe, ok
}

func (r *Runner) dispatch(ctx context.Context, shards []chan item, msg queue.Message) error {
	if err := r.acks.wait(ctx, msg, r.cfg.MaxPendingPerPartition); err != nil {
		return err
	}
	entry := r.acks.track(msg)
	ev, err := r.decode(msg.Value)

	if ev.ChainID == 0 {
		r.log.Error("drop unreadable message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		r.acks.complete(entry)
		return nil
	}
	if !r.cfg.Chains.Contains(ev.ChainID) {
		r.log.Info("skip event for unindexed chain", "chainID", ev.ChainID, "blockNumber", ev.BlockNumber, "logIndex", ev.LogIndex)
		r.cfg.Metrics.event(ev.ChainID, string(ev.Kind), "skipped")
		r.acks.complete(entry)
		return nil
	}

	select {
	case shards[ev.ChainID%uint64(len(shards))] <- item{entry: entry, ev: ev, err: err}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) decode(b []byte) (chainevent.Event, error) {
	return DecodeMessage(r.cfg.Decoder, b)
}

// DecodeMessage picks the envelope by its version field. Errors from a
// readable envelope come with the event coordinates.
func DecodeMessage(d *logdecode.Decoder, b []byte) (chainevent.Event, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return chainevent.Event{}, fmt.Errorf("ingest: parse envelope: %w", err)
	}
	switch probe.Version {
	case chainevent.EnvelopeVersionV1:
		return chainevent.Unmarshal(b)
	case logdecode.EnvelopeVersionV1:
		return d.DecodeEnvelope(b)
	default:
		return chainevent.Event{}, fmt.Errorf("%w: %q", chainevent.ErrUnsupportedVersion, probe.Version)
	}
}

func (r *Runner) runShard(ctx context.Context, in <-chan item) {
	for it := range in {
		if ctx.Err() != nil {
			continue
		}
		r.handle(ctx, it)
	}
}

func (r *Runner) handle(ctx context.Context, it item) {
	ev := it.ev
	if _, halted := r.Fault(ev.ChainID); halted {
		r.log.Debug("chain halted; leaving event unacknowledged", "chainID", ev.ChainID, "blockNumber", ev.BlockNumber, "logIndex", ev.LogIndex)
		r.acks.stall(it.entry)
		return
	}

	if it.err != nil {
		if skip := r.skippable(ev, it.err); skip {
			r.acks.complete(it.entry)
			return
		}
		r.halt(ctx, decodeFault(ev, it.err), it.entry)
		return
	}

	if err := r.leases.hold(ctx, ev.ChainID); err != nil {
		return
	}

	res, err := r.applyWithRetry(ctx, ev)
	if err != nil {
		var fe *reducer.FaultError
		if errors.As(err, &fe) {
			r.halt(ctx, fe, it.entry)
		}
		return
	}
	r.cfg.Metrics.event(ev.ChainID, string(ev.Kind), res.String())
	if res == reducer.ResultApplied || res == reducer.ResultObserved {
		r.cfg.Metrics.setCursor(ev.ChainID, ev.BlockNumber)
	}
	r.acks.complete(it.entry)
}

// skippable reports decode outcomes that are dropped rather than halting.
func (r *Runner) skippable(ev chainevent.Event, err error) bool {
	attrs := []any{"chainID", ev.ChainID, "blockNumber", ev.BlockNumber, "logIndex", ev.LogIndex, "txHash", ev.TxHash.Hex(), "err", err}
	switch {
	case errors.Is(err, chainevent.ErrUnknownKind):
		r.log.Info("skip event of unknown kind", attrs...)
	case errors.Is(err, logdecode.ErrForeignLog), errors.Is(err, logdecode.ErrRemovedLog):
		r.log.Warn("skip log", attrs...)
	default:
		return false
	}
	r.cfg.Metrics.event(ev.ChainID, string(ev.Kind), "skipped")
	return true
}

func decodeFault(ev chainevent.Event, err error) *reducer.FaultError {
	class := reducer.ErrMalformed
	if errors.Is(err, logdecode.ErrDecode) {
		class = reducer.ErrDecode
	}
	return &reducer.FaultError{
		Class:       class,
		ChainID:     ev.ChainID,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		TxHash:      ev.TxHash,
		Kind:        ev.Kind,
		Err:         err,
	}
}

// applyWithRetry retries store failures with exponential backoff. Faults and
// cancellation end the loop.
func (r *Runner) applyWithRetry(ctx context.Context, ev chainevent.Event) (reducer.Result, error) {
	backoff := r.cfg.RetryMinBackoff
	for attempt := 1; ; attempt++ {
		start := r.cfg.Now()
		res, err := r.applier.Apply(ctx, ev)
		r.cfg.Metrics.observeApply(string(ev.Kind), r.cfg.Now().Sub(start))
		if err == nil || reducer.IsFault(err) {
			return res, err
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		r.log.Warn("apply failed; retrying", "chainID", ev.ChainID, "blockNumber", ev.BlockNumber, "logIndex", ev.LogIndex, "attempt", attempt, "backoff", backoff.String(), "err", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, r.cfg.RetryMaxBackoff)
	}
}

// halt stops the chain for good. Its message stays unacknowledged, which also
// pins the partition's committed offset below it.
func (r *Runner) halt(ctx context.Context, fe *reducer.FaultError, entry *ackEntry) {
	r.mu.Lock()
	r.halted[fe.ChainID] = fe
	r.mu.Unlock()
	r.acks.stall(entry)
	msg := entry.msg

	class := reducer.FaultClass(fe)
	r.cfg.Metrics.fault(fe.ChainID, class)
	r.log.Error("chain halted on fault",
		"chainID", fe.ChainID,
		"blockNumber", fe.BlockNumber,
		"logIndex", fe.LogIndex,
		"txHash", fe.TxHash.Hex(),
		"kind", fe.Kind,
		"class", class,
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"err", fe.Err,
	)

	if r.cfg.Archive == nil {
		return
	}
	report := archive.FaultReport{
		ChainID:     fe.ChainID,
		BlockNumber: fe.BlockNumber,
		LogIndex:    fe.LogIndex,
		TxHash:      fe.TxHash,
		EventID:     idempotency.EventIDV1(fe.ChainID, fe.TxHash, fe.LogIndex),
		Kind:        string(fe.Kind),
		Class:       class,
		Error:       fe.Err.Error(),
		DetectedAt:  r.cfg.Now().UTC(),
	}
	if json.Valid(msg.Value) {
		report.Message = append(json.RawMessage(nil), msg.Value...)
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ArchiveTimeout)
	defer cancel()
	key, err := archive.RecordFault(actx, r.cfg.Archive, report)
	if err != nil {
		r.log.Error("archive fault report", "chainID", fe.ChainID, "err", err)
		return
	}
	r.log.Info("fault report archived", "chainID", fe.ChainID, "key", key)
}
