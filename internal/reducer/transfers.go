package reducer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

// transfer is the mint/burn/move primitive for lock shares. Supplies are
// adjusted first, then the sender is debited, then the receiver is credited.
func (r *Reducer) transfer(ctx context.Context, tx ledger.Tx, ev chainevent.Event, p chainevent.Transfer) error {
	f, err := lockid.Decode(p.ID)
	if err != nil {
		return fmt.Errorf("%w: lock id %s: %v", ErrDecode, p.ID, err)
	}
	t := transferCtx{
		ev:     ev,
		p:      p,
		fields: f,
		lock:   lockid.KeyOf(ev.ChainID, p.ID),
		token:  f.TokenKey(ev.ChainID),
	}

	if p.IsMint() {
		if err := r.mint(ctx, tx, t); err != nil {
			return err
		}
	}
	if p.IsBurn() {
		if err := burn(ctx, tx, t); err != nil {
			return err
		}
	}
	if !p.IsMint() {
		if err := debit(ctx, tx, t); err != nil {
			return err
		}
	}
	if !p.IsBurn() {
		if err := credit(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

type transferCtx struct {
	ev     chainevent.Event
	p      chainevent.Transfer
	fields lockid.Fields
	lock   lockid.LockKey
	token  lockid.TokenKey
}

func (r *Reducer) mint(ctx context.Context, tx ledger.Tx, t transferCtx) error {
	amount := t.p.Amount
	if err := tx.UpsertDepositedToken(ctx, t.token, func(row *ledger.DepositedToken, exists bool) error {
		if !exists {
			row.FirstSeenAt = t.ev.Timestamp
		}
		row.TotalSupply.Add(row.TotalSupply, amount)
		return nil
	}); err != nil {
		return err
	}

	_, exists, err := tx.ResourceLock(ctx, t.lock)
	if err != nil {
		return err
	}
	var allocator common.Address
	if !exists {
		allocator, err = r.resolveAllocator(ctx, tx, t)
		if err != nil {
			return err
		}
	}

	return tx.UpsertResourceLock(ctx, t.lock, func(row *ledger.ResourceLock, exists bool) error {
		// Metadata is fixed by the first mint.
		if !exists {
			row.Token = t.fields.Token
			row.Allocator = allocator
			row.AllocatorID = t.fields.AllocatorID
			row.ResetPeriod = t.fields.ResetPeriod
			row.IsMultichain = t.fields.IsMultichain()
			row.MintedAt = t.ev.Timestamp
		}
		row.TotalSupply.Add(row.TotalSupply, amount)
		return nil
	})
}

func (r *Reducer) resolveAllocator(ctx context.Context, tx ledger.Tx, t transferCtx) (common.Address, error) {
	if r.cfg.AllocatorResolution == ResolveByOperator {
		return t.p.By, nil
	}
	key := t.fields.AllocatorKey(t.ev.ChainID)
	addr, ok, err := tx.AllocatorAddress(ctx, key)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, fmt.Errorf("%w: lock %s references unregistered allocator id %s", ErrConsistency, t.lock, key)
	}
	return addr, nil
}

func burn(ctx context.Context, tx ledger.Tx, t transferCtx) error {
	amount := t.p.Amount
	err := tx.UpdateDepositedToken(ctx, t.token, func(row *ledger.DepositedToken) error {
		return subtract(row.TotalSupply, amount, "deposited token "+t.token.String())
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: burn from unknown deposited token %s", ErrConsistency, t.token)
	}
	if err != nil {
		return err
	}

	err = tx.UpdateResourceLock(ctx, t.lock, func(row *ledger.ResourceLock) error {
		return subtract(row.TotalSupply, amount, "resource lock "+t.lock.String())
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: burn from unknown resource lock %s", ErrConsistency, t.lock)
	}
	return err
}

func debit(ctx context.Context, tx ledger.Tx, t transferCtx) error {
	from, amount, ts := t.p.From, t.p.Amount, t.ev.Timestamp
	if err := tx.EnsureAccount(ctx, from, ts); err != nil {
		return err
	}

	tokenKey := lockid.AccountTokenKey{Account: from, Token: t.token}
	err := tx.UpdateAccountTokenBalance(ctx, tokenKey, func(row *ledger.AccountTokenBalance) error {
		row.LastUpdatedAt = ts
		return subtract(row.Balance, amount, "token balance of "+from.Hex())
	})
	if err := missingBalance(err, amount, from, t.token.String()); err != nil {
		return err
	}

	lockKey := lockid.AccountLockKey{Account: from, Lock: t.lock}
	err = tx.UpdateAccountLockBalance(ctx, lockKey, func(row *ledger.AccountLockBalance) error {
		row.LastUpdatedAt = ts
		return subtract(row.Balance, amount, "lock balance of "+from.Hex())
	})
	if err := missingBalance(err, amount, from, t.lock.String()); err != nil {
		return err
	}

	return tx.AppendDelta(ctx, delta(t, from, t.p.To, new(big.Int).Neg(amount)))
}

func credit(ctx context.Context, tx ledger.Tx, t transferCtx) error {
	to, amount, ts := t.p.To, t.p.Amount, t.ev.Timestamp
	if err := tx.EnsureAccount(ctx, to, ts); err != nil {
		return err
	}

	tokenKey := lockid.AccountTokenKey{Account: to, Token: t.token}
	if err := tx.UpsertAccountTokenBalance(ctx, tokenKey, func(row *ledger.AccountTokenBalance, _ bool) error {
		row.Balance.Add(row.Balance, amount)
		row.LastUpdatedAt = ts
		return nil
	}); err != nil {
		return err
	}

	lockKey := lockid.AccountLockKey{Account: to, Lock: t.lock}
	if err := tx.UpsertAccountLockBalance(ctx, lockKey, func(row *ledger.AccountLockBalance, exists bool) error {
		if !exists {
			row.Token = t.fields.Token
			row.WithdrawalStatus = ledger.WithdrawalDisabled
			row.WithdrawableAt = 0
		}
		row.Balance.Add(row.Balance, amount)
		row.LastUpdatedAt = ts
		return nil
	}); err != nil {
		return err
	}

	return tx.AppendDelta(ctx, delta(t, to, t.p.From, new(big.Int).Set(amount)))
}

func delta(t transferCtx, account, counterparty common.Address, v *big.Int) ledger.Delta {
	return ledger.Delta{
		Account:        account,
		Counterparty:   counterparty,
		Token:          t.fields.Token,
		ID:             t.lock.ID,
		ChainID:        t.ev.ChainID,
		Delta:          v,
		BlockNumber:    t.ev.BlockNumber,
		BlockTimestamp: t.ev.Timestamp,
		TxHash:         t.ev.TxHash,
		LogIndex:       t.ev.LogIndex,
	}
}

// subtract decrements v in place, refusing to go below zero.
func subtract(v, amount *big.Int, what string) error {
	if v.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s: %w: have %s, need %s", ErrConsistency, what, ledger.ErrInsufficientBalance, v, amount)
	}
	v.Sub(v, amount)
	return nil
}

// missingBalance lets a zero-amount debit pass when the sender has no row yet.
func missingBalance(err error, amount *big.Int, account common.Address, what string) error {
	if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	return fmt.Errorf("%w: debit of %s from %s without a balance row for %s", ErrConsistency, amount, account.Hex(), what)
}
