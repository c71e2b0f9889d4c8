package reducer

import (
	"context"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
)

func (r *Reducer) claim(ctx context.Context, tx ledger.Tx, ev chainevent.Event, p chainevent.Claim) error {
	if err := tx.EnsureAccount(ctx, p.Sponsor, ev.Timestamp); err != nil {
		return err
	}
	if err := tx.EnsureAccount(ctx, p.Allocator, ev.Timestamp); err != nil {
		return err
	}
	inserted, err := tx.AppendClaim(ctx, ledger.Claim{
		ClaimHash:   p.ClaimHash,
		ChainID:     ev.ChainID,
		Sponsor:     p.Sponsor,
		Allocator:   p.Allocator,
		Arbiter:     p.Arbiter,
		Timestamp:   ev.Timestamp,
		BlockNumber: ev.BlockNumber,
	})
	if err != nil {
		return err
	}
	if !inserted {
		r.log.Debug("claim already recorded", "chainID", ev.ChainID, "claimHash", p.ClaimHash.Hex())
	}
	return nil
}

func (r *Reducer) compactRegistered(ctx context.Context, tx ledger.Tx, ev chainevent.Event, p chainevent.CompactRegistered) error {
	if err := tx.EnsureAccount(ctx, p.Sponsor, ev.Timestamp); err != nil {
		return err
	}
	inserted, err := tx.AppendRegisteredCompact(ctx, ledger.RegisteredCompact{
		ClaimHash:    p.ClaimHash,
		ChainID:      ev.ChainID,
		Sponsor:      p.Sponsor,
		Typehash:     p.Typehash,
		Expires:      p.Expires,
		RegisteredAt: ev.Timestamp,
		BlockNumber:  ev.BlockNumber,
	})
	if err != nil {
		return err
	}
	if !inserted {
		r.log.Debug("compact already registered", "chainID", ev.ChainID, "claimHash", p.ClaimHash.Hex())
	}
	return nil
}
