package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/compactlabs/compact-indexer/internal/leases"
)

// chainLeases fences each chain to one writer. A nil store grants every chain.
type chainLeases struct {
	store leases.Store
	owner string
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	mu      sync.Mutex
	renewed map[uint64]time.Time
}

func newChainLeases(store leases.Store, owner string, ttl time.Duration, now func() time.Time, log *slog.Logger) *chainLeases {
	return &chainLeases{
		store:   store,
		owner:   owner,
		ttl:     ttl,
		now:     now,
		log:     log,
		renewed: make(map[uint64]time.Time),
	}
}

// hold blocks until this process owns the chain lease or ctx ends. A fresh
// lease is reused without a store round trip for a third of its TTL.
func (l *chainLeases) hold(ctx context.Context, chainID uint64) error {
	if l.store == nil {
		return nil
	}
	name := leases.ChainLeaseName(chainID)
	for {
		l.mu.Lock()
		at, ok := l.renewed[chainID]
		l.mu.Unlock()
		if ok && l.now().Sub(at) < l.ttl/3 {
			return nil
		}

		held, err := l.tick(ctx, name)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("chain lease", "chainID", chainID, "lease", name, "err", err)
		case held:
			l.mu.Lock()
			l.renewed[chainID] = l.now()
			l.mu.Unlock()
			return nil
		default:
			l.mu.Lock()
			delete(l.renewed, chainID)
			l.mu.Unlock()
			holder := ""
			if cur, err := l.store.Get(ctx, name); err == nil {
				holder = cur.Owner
			}
			l.log.Info("chain lease held elsewhere; waiting", "chainID", chainID, "lease", name, "holder", holder, "retryIn", l.ttl.String())
		}

		t := time.NewTimer(l.ttl)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *chainLeases) tick(ctx context.Context, name string) (bool, error) {
	if _, ok, err := l.store.Renew(ctx, name, l.owner, l.ttl); err == nil && ok {
		return true, nil
	} else if err != nil && !errors.Is(err, leases.ErrNotFound) && !errors.Is(err, leases.ErrNotOwner) {
		return false, err
	}
	_, ok, err := l.store.TryAcquire(ctx, name, l.owner, l.ttl)
	return ok, err
}

// releaseAll gives up every lease taken by this process.
func (l *chainLeases) releaseAll(ctx context.Context) {
	if l.store == nil {
		return
	}
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.renewed))
	for id := range l.renewed {
		ids = append(ids, id)
	}
	l.renewed = make(map[uint64]time.Time)
	l.mu.Unlock()

	for _, id := range ids {
		if err := l.store.Release(ctx, leases.ChainLeaseName(id), l.owner); err != nil {
			l.log.Warn("release chain lease", "chainID", id, "err", err)
		}
	}
}
