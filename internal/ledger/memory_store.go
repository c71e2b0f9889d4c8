package ledger

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps the view in process memory. Apply calls are serialized and
// hold the store lock while fn runs, so fn must only use the Tx it is given.
type MemoryStore struct {
	mu sync.Mutex

	processed     map[EventKey]struct{}
	cursors       map[uint64]chainevent.Position
	accounts      map[common.Address]Account
	allocators    map[common.Address]Allocator
	registrations []AllocatorRegistration
	allocatorIDs  map[lockid.AllocatorKey]common.Address
	tokens        map[lockid.TokenKey]DepositedToken
	locks         map[lockid.LockKey]ResourceLock
	tokenBals     map[lockid.AccountTokenKey]AccountTokenBalance
	lockBals      map[lockid.AccountLockKey]AccountLockBalance
	claims        map[lockid.ClaimKey]Claim
	compacts      map[lockid.ClaimKey]RegisteredCompact
	deltas        []Delta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed:    make(map[EventKey]struct{}),
		cursors:      make(map[uint64]chainevent.Position),
		accounts:     make(map[common.Address]Account),
		allocators:   make(map[common.Address]Allocator),
		allocatorIDs: make(map[lockid.AllocatorKey]common.Address),
		tokens:       make(map[lockid.TokenKey]DepositedToken),
		locks:        make(map[lockid.LockKey]ResourceLock),
		tokenBals:    make(map[lockid.AccountTokenKey]AccountTokenBalance),
		lockBals:     make(map[lockid.AccountLockKey]AccountLockBalance),
		claims:       make(map[lockid.ClaimKey]Claim),
		compacts:     make(map[lockid.ClaimKey]RegisteredCompact),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Apply(ctx context.Context, key EventKey, pos chainevent.Position, fn func(Tx) error) (bool, error) {
	if fn == nil {
		return false, fmt.Errorf("%w: nil apply func", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[key]; ok {
		return false, nil
	}

	tx := newMemoryTx(s)
	if err := fn(tx); err != nil {
		return false, err
	}
	tx.commit()

	s.processed[key] = struct{}{}
	if cur, ok := s.cursors[key.ChainID]; !ok || cur.Less(pos) {
		s.cursors[key.ChainID] = pos
	}
	return true, nil
}

// overlay stages writes over a committed map until the owning tx commits.
type overlay[K comparable, V any] struct {
	base   map[K]V
	staged map[K]V
	clone  func(V) V
}

func newOverlay[K comparable, V any](base map[K]V, clone func(V) V) *overlay[K, V] {
	return &overlay[K, V]{base: base, staged: make(map[K]V), clone: clone}
}

func (o *overlay[K, V]) get(k K) (V, bool) {
	if v, ok := o.staged[k]; ok {
		return o.clone(v), true
	}
	if v, ok := o.base[k]; ok {
		return o.clone(v), true
	}
	var zero V
	return zero, false
}

func (o *overlay[K, V]) put(k K, v V) {
	o.staged[k] = o.clone(v)
}

func (o *overlay[K, V]) commit() {
	for k, v := range o.staged {
		o.base[k] = v
	}
}

type memoryTx struct {
	s *MemoryStore

	accounts      *overlay[common.Address, Account]
	allocators    *overlay[common.Address, Allocator]
	allocatorIDs  *overlay[lockid.AllocatorKey, common.Address]
	tokens        *overlay[lockid.TokenKey, DepositedToken]
	locks         *overlay[lockid.LockKey, ResourceLock]
	tokenBals     *overlay[lockid.AccountTokenKey, AccountTokenBalance]
	lockBals      *overlay[lockid.AccountLockKey, AccountLockBalance]
	claims        *overlay[lockid.ClaimKey, Claim]
	compacts      *overlay[lockid.ClaimKey, RegisteredCompact]
	registrations []AllocatorRegistration
	deltas        []Delta
}

func identity[V any](v V) V { return v }

func newMemoryTx(s *MemoryStore) *memoryTx {
	return &memoryTx{
		s:            s,
		accounts:     newOverlay(s.accounts, identity[Account]),
		allocators:   newOverlay(s.allocators, identity[Allocator]),
		allocatorIDs: newOverlay(s.allocatorIDs, identity[common.Address]),
		tokens:       newOverlay(s.tokens, cloneDepositedToken),
		locks:        newOverlay(s.locks, cloneResourceLock),
		tokenBals:    newOverlay(s.tokenBals, cloneAccountTokenBalance),
		lockBals:     newOverlay(s.lockBals, cloneAccountLockBalance),
		claims:       newOverlay(s.claims, identity[Claim]),
		compacts:     newOverlay(s.compacts, identity[RegisteredCompact]),
	}
}

func (tx *memoryTx) commit() {
	tx.accounts.commit()
	tx.allocators.commit()
	tx.allocatorIDs.commit()
	tx.tokens.commit()
	tx.locks.commit()
	tx.tokenBals.commit()
	tx.lockBals.commit()
	tx.claims.commit()
	tx.compacts.commit()
	tx.s.registrations = append(tx.s.registrations, tx.registrations...)
	tx.s.deltas = append(tx.s.deltas, tx.deltas...)
}

func (tx *memoryTx) EnsureAccount(_ context.Context, addr common.Address, seenAt uint64) error {
	if _, ok := tx.accounts.get(addr); !ok {
		tx.accounts.put(addr, Account{Address: addr, FirstSeenAt: seenAt})
	}
	return nil
}

func (tx *memoryTx) EnsureAllocator(_ context.Context, addr common.Address, seenAt uint64) error {
	if _, ok := tx.allocators.get(addr); !ok {
		tx.allocators.put(addr, Allocator{Address: addr, FirstSeenAt: seenAt})
	}
	return nil
}

func (tx *memoryTx) AppendAllocatorRegistration(_ context.Context, r AllocatorRegistration) error {
	tx.registrations = append(tx.registrations, r)
	return nil
}

func (tx *memoryTx) AllocatorAddress(_ context.Context, key lockid.AllocatorKey) (common.Address, bool, error) {
	addr, ok := tx.allocatorIDs.get(key)
	return addr, ok, nil
}

func (tx *memoryTx) BindAllocatorID(_ context.Context, key lockid.AllocatorKey, addr common.Address) error {
	if cur, ok := tx.allocatorIDs.get(key); ok {
		if cur != addr {
			return fmt.Errorf("%w: %s bound to %s, got %s", ErrAllocatorIDConflict, key, cur.Hex(), addr.Hex())
		}
		return nil
	}
	tx.allocatorIDs.put(key, addr)
	return nil
}

func (tx *memoryTx) DepositedToken(_ context.Context, key lockid.TokenKey) (DepositedToken, bool, error) {
	row, ok := tx.tokens.get(key)
	return row, ok, nil
}

func (tx *memoryTx) UpsertDepositedToken(_ context.Context, key lockid.TokenKey, merge func(row *DepositedToken, exists bool) error) error {
	row, ok := tx.tokens.get(key)
	if !ok {
		row = DepositedToken{Token: key.Token, ChainID: key.ChainID, TotalSupply: new(big.Int)}
	}
	if err := merge(&row, ok); err != nil {
		return err
	}
	row.Token, row.ChainID = key.Token, key.ChainID
	if err := requireNonNegative("deposited token total supply", row.TotalSupply); err != nil {
		return err
	}
	tx.tokens.put(key, row)
	return nil
}

func (tx *memoryTx) UpdateDepositedToken(ctx context.Context, key lockid.TokenKey, fn func(row *DepositedToken) error) error {
	if _, ok := tx.tokens.get(key); !ok {
		return fmt.Errorf("%w: deposited token %s", ErrNotFound, key)
	}
	return tx.UpsertDepositedToken(ctx, key, func(row *DepositedToken, _ bool) error { return fn(row) })
}

func (tx *memoryTx) ResourceLock(_ context.Context, key lockid.LockKey) (ResourceLock, bool, error) {
	row, ok := tx.locks.get(key)
	return row, ok, nil
}

func (tx *memoryTx) UpsertResourceLock(_ context.Context, key lockid.LockKey, merge func(row *ResourceLock, exists bool) error) error {
	row, ok := tx.locks.get(key)
	if !ok {
		row = ResourceLock{ID: key.ID, ChainID: key.ChainID, TotalSupply: new(big.Int)}
	}
	if err := merge(&row, ok); err != nil {
		return err
	}
	row.ID, row.ChainID = key.ID, key.ChainID
	if err := requireNonNegative("resource lock total supply", row.TotalSupply); err != nil {
		return err
	}
	tx.locks.put(key, row)
	return nil
}

func (tx *memoryTx) UpdateResourceLock(ctx context.Context, key lockid.LockKey, fn func(row *ResourceLock) error) error {
	if _, ok := tx.locks.get(key); !ok {
		return fmt.Errorf("%w: resource lock %s", ErrNotFound, key)
	}
	return tx.UpsertResourceLock(ctx, key, func(row *ResourceLock, _ bool) error { return fn(row) })
}

func (tx *memoryTx) AccountTokenBalance(_ context.Context, key lockid.AccountTokenKey) (AccountTokenBalance, bool, error) {
	row, ok := tx.tokenBals.get(key)
	return row, ok, nil
}

func (tx *memoryTx) UpsertAccountTokenBalance(_ context.Context, key lockid.AccountTokenKey, merge func(row *AccountTokenBalance, exists bool) error) error {
	row, ok := tx.tokenBals.get(key)
	if !ok {
		row = AccountTokenBalance{Account: key.Account, Token: key.Token.Token, ChainID: key.Token.ChainID, Balance: new(big.Int)}
	}
	if err := merge(&row, ok); err != nil {
		return err
	}
	row.Account, row.Token, row.ChainID = key.Account, key.Token.Token, key.Token.ChainID
	if err := requireNonNegative("account token balance", row.Balance); err != nil {
		return err
	}
	tx.tokenBals.put(key, row)
	return nil
}

func (tx *memoryTx) UpdateAccountTokenBalance(ctx context.Context, key lockid.AccountTokenKey, fn func(row *AccountTokenBalance) error) error {
	if _, ok := tx.tokenBals.get(key); !ok {
		return fmt.Errorf("%w: account token balance %s/%s", ErrNotFound, key.Account.Hex(), key.Token)
	}
	return tx.UpsertAccountTokenBalance(ctx, key, func(row *AccountTokenBalance, _ bool) error { return fn(row) })
}

func (tx *memoryTx) AccountLockBalance(_ context.Context, key lockid.AccountLockKey) (AccountLockBalance, bool, error) {
	row, ok := tx.lockBals.get(key)
	return row, ok, nil
}

func (tx *memoryTx) UpsertAccountLockBalance(_ context.Context, key lockid.AccountLockKey, merge func(row *AccountLockBalance, exists bool) error) error {
	row, ok := tx.lockBals.get(key)
	if !ok {
		row = AccountLockBalance{Account: key.Account, ID: key.Lock.ID, ChainID: key.Lock.ChainID, Balance: new(big.Int)}
	}
	if err := merge(&row, ok); err != nil {
		return err
	}
	row.Account, row.ID, row.ChainID = key.Account, key.Lock.ID, key.Lock.ChainID
	if err := requireNonNegative("account lock balance", row.Balance); err != nil {
		return err
	}
	tx.lockBals.put(key, row)
	return nil
}

func (tx *memoryTx) UpdateAccountLockBalance(ctx context.Context, key lockid.AccountLockKey, fn func(row *AccountLockBalance) error) error {
	if _, ok := tx.lockBals.get(key); !ok {
		return fmt.Errorf("%w: account lock balance %s/%s", ErrNotFound, key.Account.Hex(), key.Lock)
	}
	return tx.UpsertAccountLockBalance(ctx, key, func(row *AccountLockBalance, _ bool) error { return fn(row) })
}

func (tx *memoryTx) AppendClaim(_ context.Context, c Claim) (bool, error) {
	if _, ok := tx.claims.get(c.Key()); ok {
		return false, nil
	}
	tx.claims.put(c.Key(), c)
	return true, nil
}

func (tx *memoryTx) AppendRegisteredCompact(_ context.Context, c RegisteredCompact) (bool, error) {
	if _, ok := tx.compacts.get(c.Key()); ok {
		return false, nil
	}
	tx.compacts.put(c.Key(), c)
	return true, nil
}

func (tx *memoryTx) AppendDelta(_ context.Context, d Delta) error {
	if d.Delta == nil {
		return fmt.Errorf("%w: nil delta", ErrInvalidArgument)
	}
	d.Delta = cloneInt(d.Delta)
	tx.deltas = append(tx.deltas, d)
	return nil
}

// Reader.

func (s *MemoryStore) Account(_ context.Context, addr common.Address) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[addr]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Allocator(_ context.Context, addr common.Address) (Allocator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocators[addr]
	if !ok {
		return Allocator{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) AllocatorRegistrations(_ context.Context, addr common.Address) ([]AllocatorRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AllocatorRegistration
	for _, r := range s.registrations {
		if r.Allocator == addr {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) AllocatorByID(_ context.Context, key lockid.AllocatorKey) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, ok := s.allocatorIDs[key]
	if !ok {
		return common.Address{}, ErrNotFound
	}
	return addr, nil
}

func (s *MemoryStore) DepositedToken(_ context.Context, key lockid.TokenKey) (DepositedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.tokens[key]
	if !ok {
		return DepositedToken{}, ErrNotFound
	}
	return cloneDepositedToken(row), nil
}

func (s *MemoryStore) ResourceLock(_ context.Context, key lockid.LockKey) (ResourceLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.locks[key]
	if !ok {
		return ResourceLock{}, ErrNotFound
	}
	return cloneResourceLock(row), nil
}

func (s *MemoryStore) TokenLocks(_ context.Context, key lockid.TokenKey) ([]ResourceLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ResourceLock
	for _, row := range s.locks {
		if row.ChainID == key.ChainID && row.Token == key.Token {
			out = append(out, cloneResourceLock(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

func (s *MemoryStore) AccountTokenBalance(_ context.Context, key lockid.AccountTokenKey) (AccountTokenBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.tokenBals[key]
	if !ok {
		return AccountTokenBalance{}, ErrNotFound
	}
	return cloneAccountTokenBalance(row), nil
}

func (s *MemoryStore) AccountLockBalance(_ context.Context, key lockid.AccountLockKey) (AccountLockBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.lockBals[key]
	if !ok {
		return AccountLockBalance{}, ErrNotFound
	}
	return cloneAccountLockBalance(row), nil
}

func (s *MemoryStore) LockBalances(_ context.Context, key lockid.LockKey) ([]AccountLockBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AccountLockBalance
	for k, row := range s.lockBals {
		if k.Lock == key {
			out = append(out, cloneAccountLockBalance(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0 })
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, key lockid.ClaimKey) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[key]
	if !ok {
		return Claim{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) RegisteredCompact(_ context.Context, key lockid.ClaimKey) (RegisteredCompact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.compacts[key]
	if !ok {
		return RegisteredCompact{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Deltas(_ context.Context, account common.Address, chainID uint64) ([]Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Delta
	for _, d := range s.deltas {
		if d.Account == account && d.ChainID == chainID {
			d.Delta = cloneInt(d.Delta)
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) NetLockBalances(_ context.Context, account common.Address, queries []LockBalanceQuery) ([]NetLockBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sums := make(map[lockid.LockKey]*big.Int)
	var order []lockid.LockKey
	for _, d := range s.deltas {
		if d.Account != account {
			continue
		}
		counted := false
		for _, q := range queries {
			if q.counts(d) {
				counted = true
				break
			}
		}
		if !counted {
			continue
		}
		k := lockid.LockKey{ChainID: d.ChainID, ID: d.ID}
		sum, ok := sums[k]
		if !ok {
			sum = new(big.Int)
			sums[k] = sum
			order = append(order, k)
		}
		sum.Add(sum, d.Delta)
	}

	out := make([]NetLockBalance, 0, len(order))
	for _, k := range order {
		bal, ok := s.lockBals[lockid.AccountLockKey{Account: account, Lock: k}]
		if !ok {
			continue
		}
		out = append(out, NetLockBalance{
			ChainID:          k.ChainID,
			ID:               k.ID,
			Balance:          sums[k],
			WithdrawalStatus: bal.WithdrawalStatus,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

func (s *MemoryStore) Cursor(_ context.Context, chainID uint64) (chainevent.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.cursors[chainID]
	return pos, ok, nil
}

func requireNonNegative(what string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: %s is nil", ErrInvalidArgument, what)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s would be %s", ErrInsufficientBalance, what, v)
	}
	return nil
}

func cloneDepositedToken(v DepositedToken) DepositedToken {
	v.TotalSupply = cloneInt(v.TotalSupply)
	return v
}

func cloneResourceLock(v ResourceLock) ResourceLock {
	v.TotalSupply = cloneInt(v.TotalSupply)
	return v
}

func cloneAccountTokenBalance(v AccountTokenBalance) AccountTokenBalance {
	v.Balance = cloneInt(v.Balance)
	return v
}

func cloneAccountLockBalance(v AccountLockBalance) AccountLockBalance {
	v.Balance = cloneInt(v.Balance)
	return v
}
