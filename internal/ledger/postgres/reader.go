package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
)

func (s *Store) Account(ctx context.Context, addr common.Address) (ledger.Account, error) {
	seen, err := s.firstSeen(ctx, "ledger_accounts", addr)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{Address: addr, FirstSeenAt: seen}, nil
}

func (s *Store) Allocator(ctx context.Context, addr common.Address) (ledger.Allocator, error) {
	seen, err := s.firstSeen(ctx, "ledger_allocators", addr)
	if err != nil {
		return ledger.Allocator{}, err
	}
	return ledger.Allocator{Address: addr, FirstSeenAt: seen}, nil
}

func (s *Store) firstSeen(ctx context.Context, table string, addr common.Address) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var seen int64
	err := s.pool.QueryRow(ctx, `SELECT first_seen_at FROM `+table+` WHERE address = $1`, addr[:]).Scan(&seen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ledger.ErrNotFound
		}
		return 0, fmt.Errorf("ledger/postgres: get %s: %w", table, err)
	}
	return uint64(seen), nil
}

func (s *Store) AllocatorRegistrations(ctx context.Context, addr common.Address) ([]ledger.AllocatorRegistration, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT chain_id, allocator_id, registered_at, block_number, tx_hash, log_index
		FROM ledger_allocator_registrations
		WHERE allocator = $1
		ORDER BY id ASC
	`, addr[:])
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list allocator registrations: %w", err)
	}
	defer rows.Close()

	var out []ledger.AllocatorRegistration
	for rows.Next() {
		var (
			chainID, registeredAt, block, logIndex int64
			idRaw, txRaw                           []byte
		)
		if err := rows.Scan(&chainID, &idRaw, &registeredAt, &block, &txRaw, &logIndex); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan allocator registration: %w", err)
		}
		allocatorID, err := toAllocatorID(idRaw)
		if err != nil {
			return nil, err
		}
		txHash, err := toHash(txRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.AllocatorRegistration{
			Allocator:    addr,
			ChainID:      uint64(chainID),
			AllocatorID:  allocatorID,
			RegisteredAt: uint64(registeredAt),
			BlockNumber:  uint64(block),
			TxHash:       txHash,
			LogIndex:     uint32(logIndex),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: allocator registration rows: %w", err)
	}
	return out, nil
}

func (s *Store) AllocatorByID(ctx context.Context, key lockid.AllocatorKey) (common.Address, error) {
	if s == nil || s.pool == nil {
		return common.Address{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return allocatorByID(ctx, s.pool, key, false)
}

func (s *Store) DepositedToken(ctx context.Context, key lockid.TokenKey) (ledger.DepositedToken, error) {
	if s == nil || s.pool == nil {
		return ledger.DepositedToken{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return getDepositedToken(ctx, s.pool, key, false)
}

func (s *Store) ResourceLock(ctx context.Context, key lockid.LockKey) (ledger.ResourceLock, error) {
	if s == nil || s.pool == nil {
		return ledger.ResourceLock{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return getResourceLock(ctx, s.pool, key, false)
}

func (s *Store) TokenLocks(ctx context.Context, key lockid.TokenKey) ([]ledger.ResourceLock, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceLockColumns+` FROM ledger_resource_locks
		WHERE token = $1 AND chain_id = $2
		ORDER BY lock_id ASC
	`, key.Token[:], chainID)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list token locks: %w", err)
	}
	defer rows.Close()

	var out []ledger.ResourceLock
	for rows.Next() {
		l, err := scanResourceLock(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan resource lock: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: token lock rows: %w", err)
	}
	return out, nil
}

func (s *Store) AccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey) (ledger.AccountTokenBalance, error) {
	if s == nil || s.pool == nil {
		return ledger.AccountTokenBalance{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return getAccountTokenBalance(ctx, s.pool, key, false)
}

func (s *Store) AccountLockBalance(ctx context.Context, key lockid.AccountLockKey) (ledger.AccountLockBalance, error) {
	if s == nil || s.pool == nil {
		return ledger.AccountLockBalance{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return getAccountLockBalance(ctx, s.pool, key, false)
}

func (s *Store) LockBalances(ctx context.Context, key lockid.LockKey) ([]ledger.AccountLockBalance, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+lockBalanceColumns+` FROM ledger_account_lock_balances
		WHERE lock_id = $1 AND chain_id = $2
		ORDER BY account ASC
	`, key.ID[:], chainID)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list lock balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.AccountLockBalance
	for rows.Next() {
		b, err := scanAccountLockBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan lock balance: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: lock balance rows: %w", err)
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, key lockid.ClaimKey) (ledger.Claim, error) {
	if s == nil || s.pool == nil {
		return ledger.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return ledger.Claim{}, err
	}
	var (
		sponsorRaw, allocatorRaw, arbiterRaw []byte
		claimedAt, block                     int64
	)
	err = s.pool.QueryRow(ctx, `
		SELECT sponsor, allocator, arbiter, claimed_at, block_number
		FROM ledger_claims
		WHERE claim_hash = $1 AND chain_id = $2
	`, key.ClaimHash[:], chainID).Scan(&sponsorRaw, &allocatorRaw, &arbiterRaw, &claimedAt, &block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Claim{}, ledger.ErrNotFound
		}
		return ledger.Claim{}, fmt.Errorf("ledger/postgres: get claim: %w", err)
	}
	sponsor, err := toAddress(sponsorRaw)
	if err != nil {
		return ledger.Claim{}, err
	}
	allocator, err := toAddress(allocatorRaw)
	if err != nil {
		return ledger.Claim{}, err
	}
	arbiter, err := toAddress(arbiterRaw)
	if err != nil {
		return ledger.Claim{}, err
	}
	return ledger.Claim{
		ClaimHash:   key.ClaimHash,
		ChainID:     key.ChainID,
		Sponsor:     sponsor,
		Allocator:   allocator,
		Arbiter:     arbiter,
		Timestamp:   uint64(claimedAt),
		BlockNumber: uint64(block),
	}, nil
}

func (s *Store) RegisteredCompact(ctx context.Context, key lockid.ClaimKey) (ledger.RegisteredCompact, error) {
	if s == nil || s.pool == nil {
		return ledger.RegisteredCompact{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return ledger.RegisteredCompact{}, err
	}
	var (
		sponsorRaw, typehashRaw       []byte
		expires, registeredAt, block int64
	)
	err = s.pool.QueryRow(ctx, `
		SELECT sponsor, typehash, expires, registered_at, block_number
		FROM ledger_registered_compacts
		WHERE claim_hash = $1 AND chain_id = $2
	`, key.ClaimHash[:], chainID).Scan(&sponsorRaw, &typehashRaw, &expires, &registeredAt, &block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.RegisteredCompact{}, ledger.ErrNotFound
		}
		return ledger.RegisteredCompact{}, fmt.Errorf("ledger/postgres: get registered compact: %w", err)
	}
	sponsor, err := toAddress(sponsorRaw)
	if err != nil {
		return ledger.RegisteredCompact{}, err
	}
	typehash, err := toHash(typehashRaw)
	if err != nil {
		return ledger.RegisteredCompact{}, err
	}
	return ledger.RegisteredCompact{
		ClaimHash:    key.ClaimHash,
		ChainID:      key.ChainID,
		Sponsor:      sponsor,
		Typehash:     typehash,
		Expires:      uint64(expires),
		RegisteredAt: uint64(registeredAt),
		BlockNumber:  uint64(block),
	}, nil
}

func (s *Store) Deltas(ctx context.Context, account common.Address, chainID uint64) ([]ledger.Delta, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	chain, err := toInt64("chain id", chainID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT counterparty, token, lock_id, delta::text, block_number, block_timestamp, tx_hash, log_index
		FROM ledger_account_deltas
		WHERE account = $1 AND chain_id = $2
		ORDER BY id ASC
	`, account[:], chain)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list deltas: %w", err)
	}
	defer rows.Close()

	var out []ledger.Delta
	for rows.Next() {
		var (
			counterpartyRaw, tokenRaw, idRaw, txRaw []byte
			delta                                   string
			block, ts, logIndex                     int64
		)
		if err := rows.Scan(&counterpartyRaw, &tokenRaw, &idRaw, &delta, &block, &ts, &txRaw, &logIndex); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan delta: %w", err)
		}
		counterparty, err := toAddress(counterpartyRaw)
		if err != nil {
			return nil, err
		}
		token, err := toAddress(tokenRaw)
		if err != nil {
			return nil, err
		}
		id, err := toLockID(idRaw)
		if err != nil {
			return nil, err
		}
		txHash, err := toHash(txRaw)
		if err != nil {
			return nil, err
		}
		amount, err := parseNumeric(delta)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Delta{
			Account:        account,
			Counterparty:   counterparty,
			Token:          token,
			ID:             id,
			ChainID:        chainID,
			Delta:          amount,
			BlockNumber:    uint64(block),
			BlockTimestamp: uint64(ts),
			TxHash:         txHash,
			LogIndex:       uint32(logIndex),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: delta rows: %w", err)
	}
	return out, nil
}

func (s *Store) NetLockBalances(ctx context.Context, account common.Address, queries []ledger.LockBalanceQuery) ([]ledger.NetLockBalance, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(queries) == 0 {
		return nil, nil
	}

	args := []any{account[:]}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	conds := make([]string, 0, len(queries))
	for _, q := range queries {
		chainID, err := toInt64("chain id", q.ChainID)
		if err != nil {
			return nil, err
		}
		ids := make([][]byte, 0, len(q.IDs))
		for _, id := range q.IDs {
			id := id
			ids = append(ids, id[:])
		}
		credit := "d.delta > 0"
		if q.FinalizedBlockNumber != nil {
			n, err := toInt64("finalized block number", *q.FinalizedBlockNumber)
			if err != nil {
				return nil, err
			}
			credit += " AND d.block_number > " + arg(n)
		}
		if q.FinalizedBlockTimestamp != nil {
			n, err := toInt64("finalized block timestamp", *q.FinalizedBlockTimestamp)
			if err != nil {
				return nil, err
			}
			credit += " AND d.block_timestamp > " + arg(n)
		}
		conds = append(conds, fmt.Sprintf(
			"(d.chain_id = %s AND d.lock_id = ANY(%s) AND ((%s) OR d.delta < 0))",
			arg(chainID), arg(ids), credit,
		))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT d.chain_id, d.lock_id, SUM(d.delta)::text, b.withdrawal_status
		FROM ledger_account_deltas d
		JOIN ledger_account_lock_balances b
			ON b.account = d.account AND b.lock_id = d.lock_id AND b.chain_id = d.chain_id
		WHERE d.account = $1 AND (`+strings.Join(conds, " OR ")+`)
		GROUP BY d.chain_id, d.lock_id, b.withdrawal_status
		ORDER BY d.chain_id ASC, d.lock_id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: net lock balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.NetLockBalance
	for rows.Next() {
		var (
			chainID int64
			idRaw   []byte
			sum     string
			status  int16
		)
		if err := rows.Scan(&chainID, &idRaw, &sum, &status); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan net lock balance: %w", err)
		}
		id, err := toLockID(idRaw)
		if err != nil {
			return nil, err
		}
		bal, err := parseNumeric(sum)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.NetLockBalance{
			ChainID:          uint64(chainID),
			ID:               id,
			Balance:          bal,
			WithdrawalStatus: ledger.WithdrawalStatus(status),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: net lock balance rows: %w", err)
	}
	return out, nil
}

func (s *Store) Cursor(ctx context.Context, chainID uint64) (chainevent.Position, bool, error) {
	if s == nil || s.pool == nil {
		return chainevent.Position{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	chain, err := toInt64("chain id", chainID)
	if err != nil {
		return chainevent.Position{}, false, err
	}
	var block, logIndex int64
	err = s.pool.QueryRow(ctx, `
		SELECT block_number, log_index FROM ledger_cursors WHERE chain_id = $1
	`, chain).Scan(&block, &logIndex)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chainevent.Position{}, false, nil
		}
		return chainevent.Position{}, false, fmt.Errorf("ledger/postgres: get cursor: %w", err)
	}
	return chainevent.Position{BlockNumber: uint64(block), LogIndex: uint32(logIndex)}, true, nil
}
