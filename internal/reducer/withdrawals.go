package reducer

import (
	"context"
	"errors"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	"github.com/compactlabs/compact-indexer/internal/lockid"
)

// nextWithdrawalStatus is the forced-withdrawal transition. Deactivation always
// returns to Disabled; activation is Pending until withdrawableAt has passed.
func nextWithdrawalStatus(activating bool, withdrawableAt, now uint64) (ledger.WithdrawalStatus, uint64) {
	if !activating {
		return ledger.WithdrawalDisabled, 0
	}
	if withdrawableAt > now {
		return ledger.WithdrawalPending, withdrawableAt
	}
	return ledger.WithdrawalEnabled, withdrawableAt
}

func (r *Reducer) forcedWithdrawalStatusUpdated(ctx context.Context, tx ledger.Tx, ev chainevent.Event, p chainevent.ForcedWithdrawalStatusUpdated) error {
	key := lockid.AccountLockKey{Account: p.Account, Lock: lockid.KeyOf(ev.ChainID, p.ID)}
	status, at := nextWithdrawalStatus(p.Activating, p.WithdrawableAt, ev.Timestamp)

	err := tx.UpdateAccountLockBalance(ctx, key, func(row *ledger.AccountLockBalance) error {
		row.WithdrawalStatus = status
		row.WithdrawableAt = at
		row.LastUpdatedAt = ev.Timestamp
		return nil
	})
	if errors.Is(err, ledger.ErrNotFound) {
		r.log.Debug("forced withdrawal update for absent balance", "chainID", ev.ChainID, "blockNumber", ev.BlockNumber, "logIndex", ev.LogIndex, "account", p.Account.Hex(), "lockID", p.ID.String())
		return nil
	}
	if err != nil {
		return err
	}

	r.log.Debug("withdrawal status updated", "chainID", ev.ChainID, "account", p.Account.Hex(), "lockID", p.ID.String(), "status", status.String(), "withdrawableAt", at)
	return nil
}
