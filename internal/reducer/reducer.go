// Package reducer derives the ledger view from ordered contract events.
//
// Each event is applied through ledger.Store.Apply, which records the event
// identity in the same atomic unit as the handler's writes. Redelivered events
// are recognized there and never applied twice.
package reducer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
)

var ErrInvalidConfig = errors.New("reducer: invalid config")

// AllocatorResolution selects where a new lock's allocator address comes from.
type AllocatorResolution string

const (
	// ResolveByLockID looks up the numeric id embedded in the lock id.
	ResolveByLockID AllocatorResolution = "lock-id"
	// ResolveByOperator takes the Transfer's by field.
	ResolveByOperator AllocatorResolution = "operator"
)

func ParseAllocatorResolution(s string) (AllocatorResolution, error) {
	switch AllocatorResolution(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResolveByLockID:
		return ResolveByLockID, nil
	case ResolveByOperator:
		return ResolveByOperator, nil
	default:
		return "", fmt.Errorf("%w: unknown allocator resolution %q", ErrInvalidConfig, s)
	}
}

type Config struct {
	AllocatorResolution AllocatorResolution
}

// Result describes what Apply did with an event.
type Result int

const (
	ResultApplied Result = iota + 1
	// ResultDuplicate means the event was already applied.
	ResultDuplicate
	// ResultObserved means the event was recorded but carries no state change.
	ResultObserved
	// ResultSkipped means the event kind is not handled.
	ResultSkipped
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultDuplicate:
		return "duplicate"
	case ResultObserved:
		return "observed"
	case ResultSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

type Reducer struct {
	cfg   Config
	store ledger.Store
	log   *slog.Logger
}

func New(cfg Config, store ledger.Store, log *slog.Logger) (*Reducer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	res, err := ParseAllocatorResolution(string(cfg.AllocatorResolution))
	if err != nil {
		return nil, err
	}
	cfg.AllocatorResolution = res
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Reducer{cfg: cfg, store: store, log: log}, nil
}

// Apply applies one event. Fatal faults are returned as *FaultError; any other
// error leaves the event unapplied and may be retried.
func (r *Reducer) Apply(ctx context.Context, ev chainevent.Event) (Result, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !ev.Kind.Known() {
		r.log.Info("skipping unhandled event kind", "chainID", ev.ChainID, "blockNumber", ev.BlockNumber, "logIndex", ev.LogIndex, "kind", string(ev.Kind))
		return ResultSkipped, nil
	}
	if err := ev.Validate(); err != nil {
		return 0, newFault(ev, ErrMalformed, err)
	}

	handle, result := r.handler(ev)
	key := ledger.EventKey{ChainID: ev.ChainID, TxHash: ev.TxHash, LogIndex: ev.LogIndex}
	applied, err := r.store.Apply(ctx, key, ev.Position(), func(tx ledger.Tx) error {
		return handle(ctx, tx, ev)
	})
	if err != nil {
		if class := classify(err); class != nil {
			return 0, newFault(ev, class, err)
		}
		return 0, fmt.Errorf("reducer: apply %s: %w", ev, err)
	}
	if !applied {
		r.log.Debug("event already applied", "chainID", ev.ChainID, "blockNumber", ev.BlockNumber, "logIndex", ev.LogIndex, "txHash", ev.TxHash.Hex())
		return ResultDuplicate, nil
	}
	return result, nil
}

type handlerFunc func(ctx context.Context, tx ledger.Tx, ev chainevent.Event) error

func (r *Reducer) handler(ev chainevent.Event) (handlerFunc, Result) {
	switch p := ev.Payload.(type) {
	case chainevent.AllocatorRegistered:
		return func(ctx context.Context, tx ledger.Tx, ev chainevent.Event) error {
			return r.allocatorRegistered(ctx, tx, ev, p)
		}, ResultApplied
	case chainevent.Transfer:
		return func(ctx context.Context, tx ledger.Tx, ev chainevent.Event) error {
			return r.transfer(ctx, tx, ev, p)
		}, ResultApplied
	case chainevent.ForcedWithdrawalStatusUpdated:
		return func(ctx context.Context, tx ledger.Tx, ev chainevent.Event) error {
			return r.forcedWithdrawalStatusUpdated(ctx, tx, ev, p)
		}, ResultApplied
	case chainevent.Claim:
		return func(ctx context.Context, tx ledger.Tx, ev chainevent.Event) error {
			return r.claim(ctx, tx, ev, p)
		}, ResultApplied
	case chainevent.CompactRegistered:
		return func(ctx context.Context, tx ledger.Tx, ev chainevent.Event) error {
			return r.compactRegistered(ctx, tx, ev, p)
		}, ResultApplied
	default:
		// Approval and OperatorSet only advance the cursor.
		return func(context.Context, ledger.Tx, chainevent.Event) error { return nil }, ResultObserved
	}
}
