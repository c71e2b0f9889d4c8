package ledger

import (
	"context"
	"errors"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound            = errors.New("ledger: not found")
	ErrAllocatorIDConflict = errors.New("ledger: allocator id already bound to a different address")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidArgument     = errors.New("ledger: invalid argument")
)

// EventKey is the identity of one contract log. Applying the same key twice is a no-op.
type EventKey struct {
	ChainID  uint64
	TxHash   common.Hash
	LogIndex uint32
}

// Store persists the materialized view.
type Store interface {
	Reader

	// Apply runs fn inside one atomic unit together with recording key as processed
	// and advancing the chain cursor to pos. If key was already recorded fn is not
	// called and applied is false. An error from fn discards every write it made.
	Apply(ctx context.Context, key EventKey, pos chainevent.Position, fn func(Tx) error) (applied bool, err error)
}

// Tx is the write surface available to one event's handler.
//
// Upsert merge functions receive the current row, or a zero row carrying only the
// key fields when exists is false, and mutate it in place. Update functions
// return ErrNotFound when the row is absent.
type Tx interface {
	// EnsureAccount creates the account if absent. FirstSeenAt is never overwritten.
	EnsureAccount(ctx context.Context, addr common.Address, seenAt uint64) error
	EnsureAllocator(ctx context.Context, addr common.Address, seenAt uint64) error
	AppendAllocatorRegistration(ctx context.Context, r AllocatorRegistration) error

	// AllocatorAddress reads the chain-scoped numeric id table.
	AllocatorAddress(ctx context.Context, key lockid.AllocatorKey) (common.Address, bool, error)
	// BindAllocatorID records key -> addr. Rebinding to the same address is a no-op;
	// rebinding to a different one returns ErrAllocatorIDConflict.
	BindAllocatorID(ctx context.Context, key lockid.AllocatorKey, addr common.Address) error

	DepositedToken(ctx context.Context, key lockid.TokenKey) (DepositedToken, bool, error)
	UpsertDepositedToken(ctx context.Context, key lockid.TokenKey, merge func(row *DepositedToken, exists bool) error) error
	UpdateDepositedToken(ctx context.Context, key lockid.TokenKey, fn func(row *DepositedToken) error) error

	ResourceLock(ctx context.Context, key lockid.LockKey) (ResourceLock, bool, error)
	UpsertResourceLock(ctx context.Context, key lockid.LockKey, merge func(row *ResourceLock, exists bool) error) error
	UpdateResourceLock(ctx context.Context, key lockid.LockKey, fn func(row *ResourceLock) error) error

	AccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey) (AccountTokenBalance, bool, error)
	UpsertAccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey, merge func(row *AccountTokenBalance, exists bool) error) error
	UpdateAccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey, fn func(row *AccountTokenBalance) error) error

	AccountLockBalance(ctx context.Context, key lockid.AccountLockKey) (AccountLockBalance, bool, error)
	UpsertAccountLockBalance(ctx context.Context, key lockid.AccountLockKey, merge func(row *AccountLockBalance, exists bool) error) error
	UpdateAccountLockBalance(ctx context.Context, key lockid.AccountLockKey, fn func(row *AccountLockBalance) error) error

	// AppendClaim and AppendRegisteredCompact ignore rows whose key already exists
	// and report whether the row was inserted.
	AppendClaim(ctx context.Context, c Claim) (bool, error)
	AppendRegisteredCompact(ctx context.Context, c RegisteredCompact) (bool, error)

	AppendDelta(ctx context.Context, d Delta) error
}

// Reader is the query surface over committed state.
type Reader interface {
	Account(ctx context.Context, addr common.Address) (Account, error)
	Allocator(ctx context.Context, addr common.Address) (Allocator, error)
	AllocatorRegistrations(ctx context.Context, addr common.Address) ([]AllocatorRegistration, error)
	AllocatorByID(ctx context.Context, key lockid.AllocatorKey) (common.Address, error)

	DepositedToken(ctx context.Context, key lockid.TokenKey) (DepositedToken, error)
	ResourceLock(ctx context.Context, key lockid.LockKey) (ResourceLock, error)
	// TokenLocks lists every lock of one token on one chain ordered by id.
	TokenLocks(ctx context.Context, key lockid.TokenKey) ([]ResourceLock, error)

	AccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey) (AccountTokenBalance, error)
	AccountLockBalance(ctx context.Context, key lockid.AccountLockKey) (AccountLockBalance, error)
	// LockBalances lists every account balance row of one lock ordered by account.
	LockBalances(ctx context.Context, key lockid.LockKey) ([]AccountLockBalance, error)

	Claim(ctx context.Context, key lockid.ClaimKey) (Claim, error)
	RegisteredCompact(ctx context.Context, key lockid.ClaimKey) (RegisteredCompact, error)

	// Deltas lists an account's deltas on one chain in event order.
	Deltas(ctx context.Context, account common.Address, chainID uint64) ([]Delta, error)
	// NetLockBalances sums an account's deltas per (chain, lock) under the query rules,
	// joined with the account's current withdrawal status. Locks where the account has
	// no balance row, or no counted delta, are omitted. Rows are ordered by chain then lock id.
	NetLockBalances(ctx context.Context, account common.Address, queries []LockBalanceQuery) ([]NetLockBalance, error)

	// Cursor returns the position of the last applied event on chainID.
	Cursor(ctx context.Context, chainID uint64) (chainevent.Position, bool, error)
}
