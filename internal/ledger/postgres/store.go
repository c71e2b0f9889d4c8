package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

// Store is a ledger.Store backed by Postgres. Each Apply runs in one database
// transaction; rows read for modification are locked with FOR UPDATE.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) Apply(ctx context.Context, key ledger.EventKey, pos chainevent.Position, fn func(ledger.Tx) error) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if fn == nil {
		return false, fmt.Errorf("%w: nil apply func", ledger.ErrInvalidArgument)
	}
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return false, err
	}
	block, err := toInt64("block number", pos.BlockNumber)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("ledger/postgres: begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_processed_events (chain_id, tx_hash, log_index, block_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, chainID, key.TxHash[:], int64(key.LogIndex), block)
	if err != nil {
		return false, fmt.Errorf("ledger/postgres: record event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_cursors (chain_id, block_number, log_index, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain_id) DO UPDATE
		SET block_number = EXCLUDED.block_number, log_index = EXCLUDED.log_index, updated_at = now()
		WHERE (ledger_cursors.block_number, ledger_cursors.log_index) < (EXCLUDED.block_number, EXCLUDED.log_index)
	`, chainID, block, int64(pos.LogIndex))
	if err != nil {
		return false, fmt.Errorf("ledger/postgres: advance cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("ledger/postgres: commit apply tx: %w", err)
	}
	return true, nil
}

// pgTx implements ledger.Tx on an open transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) EnsureAccount(ctx context.Context, addr common.Address, seenAt uint64) error {
	return ensureFirstSeen(ctx, t.q, "ledger_accounts", addr, seenAt)
}

func (t *pgTx) EnsureAllocator(ctx context.Context, addr common.Address, seenAt uint64) error {
	return ensureFirstSeen(ctx, t.q, "ledger_allocators", addr, seenAt)
}

func ensureFirstSeen(ctx context.Context, q querier, table string, addr common.Address, seenAt uint64) error {
	seen, err := toInt64("first seen at", seenAt)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO `+table+` (address, first_seen_at)
		VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING
	`, addr[:], seen)
	if err != nil {
		return fmt.Errorf("ledger/postgres: ensure %s: %w", table, err)
	}
	return nil
}

func (t *pgTx) AppendAllocatorRegistration(ctx context.Context, r ledger.AllocatorRegistration) error {
	nums, err := toInt64s(
		"chain id", r.ChainID,
		"registered at", r.RegisteredAt,
		"block number", r.BlockNumber,
	)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO ledger_allocator_registrations (
			allocator, chain_id, allocator_id, registered_at, block_number, tx_hash, log_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.Allocator[:], nums[0], r.AllocatorID[:], nums[1], nums[2], r.TxHash[:], int64(r.LogIndex))
	if err != nil {
		return fmt.Errorf("ledger/postgres: append allocator registration: %w", err)
	}
	return nil
}

func (t *pgTx) AllocatorAddress(ctx context.Context, key lockid.AllocatorKey) (common.Address, bool, error) {
	addr, err := allocatorByID(ctx, t.q, key, true)
	if errors.Is(err, ledger.ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	return addr, true, nil
}

func (t *pgTx) BindAllocatorID(ctx context.Context, key lockid.AllocatorKey, addr common.Address) error {
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO ledger_allocator_ids (chain_id, allocator_id, allocator)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain_id, allocator_id) DO NOTHING
	`, chainID, key.AllocatorID[:], addr[:])
	if err != nil {
		return fmt.Errorf("ledger/postgres: bind allocator id: %w", err)
	}

	cur, err := allocatorByID(ctx, t.q, key, false)
	if err != nil {
		return err
	}
	if cur != addr {
		return fmt.Errorf("%w: %s bound to %s, got %s", ledger.ErrAllocatorIDConflict, key, cur.Hex(), addr.Hex())
	}
	return nil
}

func allocatorByID(ctx context.Context, q querier, key lockid.AllocatorKey, forUpdate bool) (common.Address, error) {
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return common.Address{}, err
	}
	var raw []byte
	err = q.QueryRow(ctx, `
		SELECT allocator FROM ledger_allocator_ids
		WHERE chain_id = $1 AND allocator_id = $2
	`+lockClause(forUpdate), chainID, key.AllocatorID[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Address{}, ledger.ErrNotFound
		}
		return common.Address{}, fmt.Errorf("ledger/postgres: get allocator id: %w", err)
	}
	return toAddress(raw)
}

// Deposited tokens.

const depositedTokenColumns = `token, chain_id, first_seen_at, total_supply::text`

func getDepositedToken(ctx context.Context, q querier, key lockid.TokenKey, forUpdate bool) (ledger.DepositedToken, error) {
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return ledger.DepositedToken{}, err
	}
	row := q.QueryRow(ctx, `
		SELECT `+depositedTokenColumns+` FROM ledger_deposited_tokens
		WHERE token = $1 AND chain_id = $2
	`+lockClause(forUpdate), key.Token[:], chainID)
	out, err := scanDepositedToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.DepositedToken{}, ledger.ErrNotFound
		}
		return ledger.DepositedToken{}, fmt.Errorf("ledger/postgres: get deposited token: %w", err)
	}
	return out, nil
}

func scanDepositedToken(row scanner) (ledger.DepositedToken, error) {
	var (
		tokenRaw  []byte
		chainID   int64
		firstSeen int64
		supply    string
	)
	if err := row.Scan(&tokenRaw, &chainID, &firstSeen, &supply); err != nil {
		return ledger.DepositedToken{}, err
	}
	token, err := toAddress(tokenRaw)
	if err != nil {
		return ledger.DepositedToken{}, err
	}
	total, err := parseNumeric(supply)
	if err != nil {
		return ledger.DepositedToken{}, err
	}
	return ledger.DepositedToken{
		Token:       token,
		ChainID:     uint64(chainID),
		FirstSeenAt: uint64(firstSeen),
		TotalSupply: total,
	}, nil
}

func (t *pgTx) DepositedToken(ctx context.Context, key lockid.TokenKey) (ledger.DepositedToken, bool, error) {
	return found[ledger.DepositedToken](getDepositedToken(ctx, t.q, key, true))
}

func (t *pgTx) UpsertDepositedToken(ctx context.Context, key lockid.TokenKey, merge func(row *ledger.DepositedToken, exists bool) error) error {
	row, exists, err := found[ledger.DepositedToken](getDepositedToken(ctx, t.q, key, true))
	if err != nil {
		return err
	}
	if !exists {
		row = ledger.DepositedToken{Token: key.Token, ChainID: key.ChainID, TotalSupply: new(big.Int)}
	}
	if err := merge(&row, exists); err != nil {
		return err
	}
	row.Token, row.ChainID = key.Token, key.ChainID
	if err := requireNonNegative("deposited token total supply", row.TotalSupply); err != nil {
		return err
	}
	nums, err := toInt64s("chain id", row.ChainID, "first seen at", row.FirstSeenAt)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO ledger_deposited_tokens (token, chain_id, first_seen_at, total_supply)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (token, chain_id) DO UPDATE
		SET first_seen_at = EXCLUDED.first_seen_at, total_supply = EXCLUDED.total_supply
	`, row.Token[:], nums[0], nums[1], row.TotalSupply.String())
	if err != nil {
		return fmt.Errorf("ledger/postgres: upsert deposited token: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateDepositedToken(ctx context.Context, key lockid.TokenKey, fn func(row *ledger.DepositedToken) error) error {
	return t.UpsertDepositedToken(ctx, key, func(row *ledger.DepositedToken, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: deposited token %s", ledger.ErrNotFound, key)
		}
		return fn(row)
	})
}

// Resource locks.

const resourceLockColumns = `lock_id, chain_id, token, allocator, allocator_id, reset_period, is_multichain, minted_at, total_supply::text`

func getResourceLock(ctx context.Context, q querier, key lockid.LockKey, forUpdate bool) (ledger.ResourceLock, error) {
	chainID, err := toInt64("chain id", key.ChainID)
	if err != nil {
		return ledger.ResourceLock{}, err
	}
	row := q.QueryRow(ctx, `
		SELECT `+resourceLockColumns+` FROM ledger_resource_locks
		WHERE lock_id = $1 AND chain_id = $2
	`+lockClause(forUpdate), key.ID[:], chainID)
	out, err := scanResourceLock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ResourceLock{}, ledger.ErrNotFound
		}
		return ledger.ResourceLock{}, fmt.Errorf("ledger/postgres: get resource lock: %w", err)
	}
	return out, nil
}

func scanResourceLock(row scanner) (ledger.ResourceLock, error) {
	var (
		idRaw, tokenRaw, allocatorRaw, allocatorIDRaw []byte
		chainID, mintedAt                             int64
		resetPeriod                                   int16
		multichain                                    bool
		supply                                        string
	)
	if err := row.Scan(&idRaw, &chainID, &tokenRaw, &allocatorRaw, &allocatorIDRaw, &resetPeriod, &multichain, &mintedAt, &supply); err != nil {
		return ledger.ResourceLock{}, err
	}
	id, err := toLockID(idRaw)
	if err != nil {
		return ledger.ResourceLock{}, err
	}
	token, err := toAddress(tokenRaw)
	if err != nil {
		return ledger.ResourceLock{}, err
	}
	allocator, err := toAddress(allocatorRaw)
	if err != nil {
		return ledger.ResourceLock{}, err
	}
	allocatorID, err := toAllocatorID(allocatorIDRaw)
	if err != nil {
		return ledger.ResourceLock{}, err
	}
	period, err := lockid.ResetPeriodFromIndex(uint8(resetPeriod))
	if err != nil {
		return ledger.ResourceLock{}, err
	}
	total, err := parseNumeric(supply)
	if err != nil {
		return ledger.ResourceLock{}, err
	}
	return ledger.ResourceLock{
		ID:           id,
		ChainID:      uint64(chainID),
		Token:        token,
		Allocator:    allocator,
		AllocatorID:  allocatorID,
		ResetPeriod:  period,
		IsMultichain: multichain,
		MintedAt:     uint64(mintedAt),
		TotalSupply:  total,
	}, nil
}

func (t *pgTx) ResourceLock(ctx context.Context, key lockid.LockKey) (ledger.ResourceLock, bool, error) {
	return found[ledger.ResourceLock](getResourceLock(ctx, t.q, key, true))
}

func (t *pgTx) UpsertResourceLock(ctx context.Context, key lockid.LockKey, merge func(row *ledger.ResourceLock, exists bool) error) error {
	row, exists, err := found[ledger.ResourceLock](getResourceLock(ctx, t.q, key, true))
	if err != nil {
		return err
	}
	if !exists {
		row = ledger.ResourceLock{ID: key.ID, ChainID: key.ChainID, TotalSupply: new(big.Int)}
	}
	if err := merge(&row, exists); err != nil {
		return err
	}
	row.ID, row.ChainID = key.ID, key.ChainID
	if err := requireNonNegative("resource lock total supply", row.TotalSupply); err != nil {
		return err
	}
	nums, err := toInt64s("chain id", row.ChainID, "minted at", row.MintedAt)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO ledger_resource_locks (
			lock_id, chain_id, token, allocator, allocator_id, reset_period, is_multichain, minted_at, total_supply
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric)
		ON CONFLICT (lock_id, chain_id) DO UPDATE
		SET total_supply = EXCLUDED.total_supply
	`, row.ID[:], nums[0], row.Token[:], row.Allocator[:], row.AllocatorID[:], int16(row.ResetPeriod), row.IsMultichain, nums[1], row.TotalSupply.String())
	if err != nil {
		return fmt.Errorf("ledger/postgres: upsert resource lock: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateResourceLock(ctx context.Context, key lockid.LockKey, fn func(row *ledger.ResourceLock) error) error {
	return t.UpsertResourceLock(ctx, key, func(row *ledger.ResourceLock, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: resource lock %s", ledger.ErrNotFound, key)
		}
		return fn(row)
	})
}

// Account token balances.

const tokenBalanceColumns = `account, token, chain_id, balance::text, last_updated_at`

func getAccountTokenBalance(ctx context.Context, q querier, key lockid.AccountTokenKey, forUpdate bool) (ledger.AccountTokenBalance, error) {
	chainID, err := toInt64("chain id", key.Token.ChainID)
	if err != nil {
		return ledger.AccountTokenBalance{}, err
	}
	row := q.QueryRow(ctx, `
		SELECT `+tokenBalanceColumns+` FROM ledger_account_token_balances
		WHERE account = $1 AND token = $2 AND chain_id = $3
	`+lockClause(forUpdate), key.Account[:], key.Token.Token[:], chainID)
	out, err := scanAccountTokenBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.AccountTokenBalance{}, ledger.ErrNotFound
		}
		return ledger.AccountTokenBalance{}, fmt.Errorf("ledger/postgres: get account token balance: %w", err)
	}
	return out, nil
}

func scanAccountTokenBalance(row scanner) (ledger.AccountTokenBalance, error) {
	var (
		accountRaw, tokenRaw []byte
		chainID, updated     int64
		balance              string
	)
	if err := row.Scan(&accountRaw, &tokenRaw, &chainID, &balance, &updated); err != nil {
		return ledger.AccountTokenBalance{}, err
	}
	account, err := toAddress(accountRaw)
	if err != nil {
		return ledger.AccountTokenBalance{}, err
	}
	token, err := toAddress(tokenRaw)
	if err != nil {
		return ledger.AccountTokenBalance{}, err
	}
	bal, err := parseNumeric(balance)
	if err != nil {
		return ledger.AccountTokenBalance{}, err
	}
	return ledger.AccountTokenBalance{
		Account:       account,
		Token:         token,
		ChainID:       uint64(chainID),
		Balance:       bal,
		LastUpdatedAt: uint64(updated),
	}, nil
}

func (t *pgTx) AccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey) (ledger.AccountTokenBalance, bool, error) {
	return found[ledger.AccountTokenBalance](getAccountTokenBalance(ctx, t.q, key, true))
}

func (t *pgTx) UpsertAccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey, merge func(row *ledger.AccountTokenBalance, exists bool) error) error {
	row, exists, err := found[ledger.AccountTokenBalance](getAccountTokenBalance(ctx, t.q, key, true))
	if err != nil {
		return err
	}
	if !exists {
		row = ledger.AccountTokenBalance{Account: key.Account, Token: key.Token.Token, ChainID: key.Token.ChainID, Balance: new(big.Int)}
	}
	if err := merge(&row, exists); err != nil {
		return err
	}
	row.Account, row.Token, row.ChainID = key.Account, key.Token.Token, key.Token.ChainID
	if err := requireNonNegative("account token balance", row.Balance); err != nil {
		return err
	}
	nums, err := toInt64s("chain id", row.ChainID, "last updated at", row.LastUpdatedAt)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO ledger_account_token_balances (account, token, chain_id, balance, last_updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (account, token, chain_id) DO UPDATE
		SET balance = EXCLUDED.balance, last_updated_at = EXCLUDED.last_updated_at
	`, row.Account[:], row.Token[:], nums[0], row.Balance.String(), nums[1])
	if err != nil {
		return fmt.Errorf("ledger/postgres: upsert account token balance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey, fn func(row *ledger.AccountTokenBalance) error) error {
	return t.UpsertAccountTokenBalance(ctx, key, func(row *ledger.AccountTokenBalance, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: account token balance %s/%s", ledger.ErrNotFound, key.Account.Hex(), key.Token)
		}
		return fn(row)
	})
}

// Account lock balances.

const lockBalanceColumns = `account, lock_id, chain_id, token, balance::text, withdrawal_status, withdrawable_at, last_updated_at`

func getAccountLockBalance(ctx context.Context, q querier, key lockid.AccountLockKey, forUpdate bool) (ledger.AccountLockBalance, error) {
	chainID, err := toInt64("chain id", key.Lock.ChainID)
	if err != nil {
		return ledger.AccountLockBalance{}, err
	}
	row := q.QueryRow(ctx, `
		SELECT `+lockBalanceColumns+` FROM ledger_account_lock_balances
		WHERE account = $1 AND lock_id = $2 AND chain_id = $3
	`+lockClause(forUpdate), key.Account[:], key.Lock.ID[:], chainID)
	out, err := scanAccountLockBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.AccountLockBalance{}, ledger.ErrNotFound
		}
		return ledger.AccountLockBalance{}, fmt.Errorf("ledger/postgres: get account lock balance: %w", err)
	}
	return out, nil
}

func scanAccountLockBalance(row scanner) (ledger.AccountLockBalance, error) {
	var (
		accountRaw, idRaw, tokenRaw          []byte
		chainID, withdrawableAt, lastUpdated int64
		status                               int16
		balance                              string
	)
	if err := row.Scan(&accountRaw, &idRaw, &chainID, &tokenRaw, &balance, &status, &withdrawableAt, &lastUpdated); err != nil {
		return ledger.AccountLockBalance{}, err
	}
	account, err := toAddress(accountRaw)
	if err != nil {
		return ledger.AccountLockBalance{}, err
	}
	id, err := toLockID(idRaw)
	if err != nil {
		return ledger.AccountLockBalance{}, err
	}
	token, err := toAddress(tokenRaw)
	if err != nil {
		return ledger.AccountLockBalance{}, err
	}
	bal, err := parseNumeric(balance)
	if err != nil {
		return ledger.AccountLockBalance{}, err
	}
	return ledger.AccountLockBalance{
		Account:          account,
		ID:               id,
		ChainID:          uint64(chainID),
		Token:            token,
		Balance:          bal,
		WithdrawalStatus: ledger.WithdrawalStatus(status),
		WithdrawableAt:   uint64(withdrawableAt),
		LastUpdatedAt:    uint64(lastUpdated),
	}, nil
}

func (t *pgTx) AccountLockBalance(ctx context.Context, key lockid.AccountLockKey) (ledger.AccountLockBalance, bool, error) {
	return found[ledger.AccountLockBalance](getAccountLockBalance(ctx, t.q, key, true))
}

func (t *pgTx) UpsertAccountLockBalance(ctx context.Context, key lockid.AccountLockKey, merge func(row *ledger.AccountLockBalance, exists bool) error) error {
	row, exists, err := found[ledger.AccountLockBalance](getAccountLockBalance(ctx, t.q, key, true))
	if err != nil {
		return err
	}
	if !exists {
		row = ledger.AccountLockBalance{Account: key.Account, ID: key.Lock.ID, ChainID: key.Lock.ChainID, Balance: new(big.Int)}
	}
	if err := merge(&row, exists); err != nil {
		return err
	}
	row.Account, row.ID, row.ChainID = key.Account, key.Lock.ID, key.Lock.ChainID
	if err := requireNonNegative("account lock balance", row.Balance); err != nil {
		return err
	}
	nums, err := toInt64s(
		"chain id", row.ChainID,
		"withdrawable at", row.WithdrawableAt,
		"last updated at", row.LastUpdatedAt,
	)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO ledger_account_lock_balances (
			account, lock_id, chain_id, token, balance, withdrawal_status, withdrawable_at, last_updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
		ON CONFLICT (account, lock_id, chain_id) DO UPDATE
		SET
			token = EXCLUDED.token,
			balance = EXCLUDED.balance,
			withdrawal_status = EXCLUDED.withdrawal_status,
			withdrawable_at = EXCLUDED.withdrawable_at,
			last_updated_at = EXCLUDED.last_updated_at
	`, row.Account[:], row.ID[:], nums[0], row.Token[:], row.Balance.String(), int16(row.WithdrawalStatus), nums[1], nums[2])
	if err != nil {
		return fmt.Errorf("ledger/postgres: upsert account lock balance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAccountLockBalance(ctx context.Context, key lockid.AccountLockKey, fn func(row *ledger.AccountLockBalance) error) error {
	return t.UpsertAccountLockBalance(ctx, key, func(row *ledger.AccountLockBalance, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: account lock balance %s/%s", ledger.ErrNotFound, key.Account.Hex(), key.Lock)
		}
		return fn(row)
	})
}

// Append-only records.

func (t *pgTx) AppendClaim(ctx context.Context, c ledger.Claim) (bool, error) {
	nums, err := toInt64s("chain id", c.ChainID, "timestamp", c.Timestamp, "block number", c.BlockNumber)
	if err != nil {
		return false, err
	}
	tag, err := t.q.Exec(ctx, `
		INSERT INTO ledger_claims (claim_hash, chain_id, sponsor, allocator, arbiter, claimed_at, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (claim_hash, chain_id) DO NOTHING
	`, c.ClaimHash[:], nums[0], c.Sponsor[:], c.Allocator[:], c.Arbiter[:], nums[1], nums[2])
	if err != nil {
		return false, fmt.Errorf("ledger/postgres: append claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AppendRegisteredCompact(ctx context.Context, c ledger.RegisteredCompact) (bool, error) {
	nums, err := toInt64s(
		"chain id", c.ChainID,
		"expires", c.Expires,
		"registered at", c.RegisteredAt,
		"block number", c.BlockNumber,
	)
	if err != nil {
		return false, err
	}
	tag, err := t.q.Exec(ctx, `
		INSERT INTO ledger_registered_compacts (claim_hash, chain_id, sponsor, typehash, expires, registered_at, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (claim_hash, chain_id) DO NOTHING
	`, c.ClaimHash[:], nums[0], c.Sponsor[:], c.Typehash[:], nums[1], nums[2], nums[3])
	if err != nil {
		return false, fmt.Errorf("ledger/postgres: append registered compact: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AppendDelta(ctx context.Context, d ledger.Delta) error {
	if d.Delta == nil {
		return fmt.Errorf("%w: nil delta", ledger.ErrInvalidArgument)
	}
	nums, err := toInt64s(
		"chain id", d.ChainID,
		"block number", d.BlockNumber,
		"block timestamp", d.BlockTimestamp,
	)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO ledger_account_deltas (
			account, counterparty, token, lock_id, chain_id, delta, block_number, block_timestamp, tx_hash, log_index
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
	`, d.Account[:], d.Counterparty[:], d.Token[:], d.ID[:], nums[0], d.Delta.String(), nums[1], nums[2], d.TxHash[:], int64(d.LogIndex))
	if err != nil {
		return fmt.Errorf("ledger/postgres: append delta: %w", err)
	}
	return nil
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// found turns ErrNotFound into exists=false.
func found[T any](v T, err error) (T, bool, error) {
	if errors.Is(err, ledger.ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

func requireNonNegative(what string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: %s is nil", ledger.ErrInvalidArgument, what)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s would be %s", ledger.ErrInsufficientBalance, what, v)
	}
	return nil
}

func toInt64(name string, v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s too large", ledger.ErrInvalidArgument, name)
	}
	return int64(v), nil
}

// toInt64s converts name/value pairs in order.
func toInt64s(pairs ...any) ([]int64, error) {
	out := make([]int64, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		v, ok := pairs[i+1].(uint64)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not uint64", ledger.ErrInvalidArgument, name)
		}
		n, err := toInt64(name, v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("ledger/postgres: invalid numeric %q", s)
	}
	return v, nil
}

func toAddress(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("ledger/postgres: expected 20 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b), nil
}

func toHash(b []byte) (common.Hash, error) {
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("ledger/postgres: expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func toLockID(b []byte) (lockid.ID, error) {
	h, err := toHash(b)
	if err != nil {
		return lockid.ID{}, err
	}
	return lockid.ID(h), nil
}

func toAllocatorID(b []byte) (lockid.AllocatorID, error) {
	var out lockid.AllocatorID
	if len(b) != len(out) {
		return lockid.AllocatorID{}, fmt.Errorf("ledger/postgres: expected 12 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*pgTx)(nil)
)
