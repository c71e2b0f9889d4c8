package reducer

import (
	"context"
	"fmt"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	"github.com/compactlabs/compact-indexer/internal/lockid"
)

func (r *Reducer) allocatorRegistered(ctx context.Context, tx ledger.Tx, ev chainevent.Event, p chainevent.AllocatorRegistered) error {
	// Transfers can only reference ids that fit in a lock id.
	if !p.AllocatorID.Packable() {
		return fmt.Errorf("%w: allocator id %s exceeds %d bits", ErrDecode, p.AllocatorID, lockid.AllocatorIDBits)
	}

	if err := tx.EnsureAccount(ctx, p.Allocator, ev.Timestamp); err != nil {
		return err
	}
	if err := tx.EnsureAllocator(ctx, p.Allocator, ev.Timestamp); err != nil {
		return err
	}
	if err := tx.AppendAllocatorRegistration(ctx, ledger.AllocatorRegistration{
		Allocator:    p.Allocator,
		ChainID:      ev.ChainID,
		AllocatorID:  p.AllocatorID,
		RegisteredAt: ev.Timestamp,
		BlockNumber:  ev.BlockNumber,
		TxHash:       ev.TxHash,
		LogIndex:     ev.LogIndex,
	}); err != nil {
		return err
	}

	key := lockid.AllocatorKey{ChainID: ev.ChainID, AllocatorID: p.AllocatorID}
	if err := tx.BindAllocatorID(ctx, key, p.Allocator); err != nil {
		return fmt.Errorf("bind allocator id %s to %s: %w", key, p.Allocator.Hex(), err)
	}

	r.log.Debug("allocator registered", "chainID", ev.ChainID, "allocator", p.Allocator.Hex(), "allocatorID", p.AllocatorID.String())
	return nil
}
