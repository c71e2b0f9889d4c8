package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

var (
	testAccountA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	testAccountB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func testLockKey(t *testing.T) lockid.LockKey {
	t.Helper()

	id, err := lockid.Encode(lockid.Fields{Token: testToken, AllocatorID: lockid.AllocatorIDFromUint64(1), ResetPeriod: lockid.ResetPeriodOneDay})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return lockid.KeyOf(1, id)
}

func eventKey(chainID uint64, logIndex uint32) EventKey {
	return EventKey{ChainID: chainID, TxHash: common.HexToHash("0x01"), LogIndex: logIndex}
}

func TestMemoryStore_ApplyDedupesAndAdvancesCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	calls := 0
	fn := func(tx Tx) error {
		calls++
		return tx.EnsureAccount(ctx, testAccountA, 100)
	}

	applied, err := s.Apply(ctx, eventKey(1, 0), chainevent.Position{BlockNumber: 10, LogIndex: 0}, fn)
	if err != nil || !applied {
		t.Fatalf("Apply #1: applied=%v err=%v", applied, err)
	}
	applied, err = s.Apply(ctx, eventKey(1, 0), chainevent.Position{BlockNumber: 10, LogIndex: 0}, fn)
	if err != nil {
		t.Fatalf("Apply #2: %v", err)
	}
	if applied {
		t.Fatalf("expected duplicate to report applied=false")
	}
	if calls != 1 {
		t.Fatalf("fn calls: got %d want 1", calls)
	}

	// An older position on the same chain never moves the cursor back.
	if _, err := s.Apply(ctx, eventKey(1, 1), chainevent.Position{BlockNumber: 9, LogIndex: 4}, fn); err != nil {
		t.Fatalf("Apply #3: %v", err)
	}
	pos, ok, err := s.Cursor(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("Cursor: ok=%v err=%v", ok, err)
	}
	if pos != (chainevent.Position{BlockNumber: 10, LogIndex: 0}) {
		t.Fatalf("cursor: got %+v", pos)
	}
	if _, ok, _ := s.Cursor(ctx, 10); ok {
		t.Fatalf("expected no cursor for untouched chain")
	}
}

func TestMemoryStore_FailedApplyLeavesNoTrace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	lock := testLockKey(t)
	boom := errors.New("boom")

	_, err := s.Apply(ctx, eventKey(1, 0), chainevent.Position{BlockNumber: 1}, func(tx Tx) error {
		if err := tx.EnsureAccount(ctx, testAccountA, 1); err != nil {
			return err
		}
		if err := tx.UpsertResourceLock(ctx, lock, func(row *ResourceLock, _ bool) error {
			row.TotalSupply.Add(row.TotalSupply, big.NewInt(5))
			return nil
		}); err != nil {
			return err
		}
		if err := tx.AppendDelta(ctx, Delta{Account: testAccountA, ID: lock.ID, ChainID: 1, Delta: big.NewInt(5)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Apply: got %v want boom", err)
	}

	if _, err := s.Account(ctx, testAccountA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("account leaked: %v", err)
	}
	if _, err := s.ResourceLock(ctx, lock); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lock leaked: %v", err)
	}
	if ds, _ := s.Deltas(ctx, testAccountA, 1); len(ds) != 0 {
		t.Fatalf("deltas leaked: %d", len(ds))
	}
	if _, ok, _ := s.Cursor(ctx, 1); ok {
		t.Fatalf("cursor advanced by failed apply")
	}

	// The identity was not recorded, so a retry runs.
	applied, err := s.Apply(ctx, eventKey(1, 0), chainevent.Position{BlockNumber: 1}, func(tx Tx) error { return nil })
	if err != nil || !applied {
		t.Fatalf("retry: applied=%v err=%v", applied, err)
	}
}

func TestMemoryStore_EnsureAccountKeepsFirstSeen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	for i, seen := range []uint64{100, 50, 200} {
		if _, err := s.Apply(ctx, eventKey(uint64(i+1), 0), chainevent.Position{}, func(tx Tx) error {
			return tx.EnsureAccount(ctx, testAccountA, seen)
		}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	a, err := s.Account(ctx, testAccountA)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if a.FirstSeenAt != 100 {
		t.Fatalf("first seen: got %d want 100", a.FirstSeenAt)
	}
}

func TestMemoryStore_BindAllocatorID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	key := lockid.AllocatorKey{ChainID: 1, AllocatorID: lockid.AllocatorIDFromUint64(7)}

	bind := func(logIndex uint32, addr common.Address) error {
		_, err := s.Apply(ctx, eventKey(1, logIndex), chainevent.Position{LogIndex: logIndex}, func(tx Tx) error {
			return tx.BindAllocatorID(ctx, key, addr)
		})
		return err
	}

	if err := bind(0, testAccountA); err != nil {
		t.Fatalf("bind #1: %v", err)
	}
	if err := bind(1, testAccountA); err != nil {
		t.Fatalf("rebind same address: %v", err)
	}
	if err := bind(2, testAccountB); !errors.Is(err, ErrAllocatorIDConflict) {
		t.Fatalf("rebind different address: got %v want ErrAllocatorIDConflict", err)
	}

	addr, err := s.AllocatorByID(ctx, key)
	if err != nil || addr != testAccountA {
		t.Fatalf("AllocatorByID: got %s, %v", addr.Hex(), err)
	}
	other := lockid.AllocatorKey{ChainID: 10, AllocatorID: key.AllocatorID}
	if _, err := s.AllocatorByID(ctx, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other chain: got %v want ErrNotFound", err)
	}
}

func TestMemoryStore_UpdateMissingAndNegative(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	lock := testLockKey(t)
	tokenKey := lockid.TokenKey{ChainID: 1, Token: testToken}

	_, err := s.Apply(ctx, eventKey(1, 0), chainevent.Position{}, func(tx Tx) error {
		return tx.UpdateDepositedToken(ctx, tokenKey, func(row *DepositedToken) error { return nil })
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing token: got %v want ErrNotFound", err)
	}

	_, err = s.Apply(ctx, eventKey(1, 1), chainevent.Position{}, func(tx Tx) error {
		return tx.UpsertResourceLock(ctx, lock, func(row *ResourceLock, exists bool) error {
			if exists {
				t.Errorf("expected new row")
			}
			if row.ID != lock.ID || row.ChainID != lock.ChainID {
				t.Errorf("zero row missing key fields: %+v", row)
			}
			row.TotalSupply.Sub(row.TotalSupply, big.NewInt(1))
			return nil
		})
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("negative supply: got %v want ErrInsufficientBalance", err)
	}
}

func TestMemoryStore_AppendClaimIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	c := Claim{ClaimHash: common.HexToHash("0xc1"), ChainID: 1, Sponsor: testAccountA, Timestamp: 5}

	var inserted []bool
	for i := uint32(0); i < 2; i++ {
		if _, err := s.Apply(ctx, eventKey(1, i), chainevent.Position{LogIndex: i}, func(tx Tx) error {
			ok, err := tx.AppendClaim(ctx, c)
			inserted = append(inserted, ok)
			return err
		}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if !inserted[0] || inserted[1] {
		t.Fatalf("inserted: got %v want [true false]", inserted)
	}
	got, err := s.Claim(ctx, c.Key())
	if err != nil || got != c {
		t.Fatalf("Claim: got %+v, %v", got, err)
	}
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	tokenKey := lockid.TokenKey{ChainID: 1, Token: testToken}

	if _, err := s.Apply(ctx, eventKey(1, 0), chainevent.Position{}, func(tx Tx) error {
		return tx.UpsertDepositedToken(ctx, tokenKey, func(row *DepositedToken, _ bool) error {
			row.TotalSupply.SetInt64(10)
			return nil
		})
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := s.DepositedToken(ctx, tokenKey)
	if err != nil {
		t.Fatalf("DepositedToken: %v", err)
	}
	got.TotalSupply.SetInt64(999)

	again, _ := s.DepositedToken(ctx, tokenKey)
	if again.TotalSupply.Int64() != 10 {
		t.Fatalf("store mutated through read: got %s", again.TotalSupply)
	}
}

func TestMemoryStore_NetLockBalances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	lock := testLockKey(t)
	balKey := lockid.AccountLockKey{Account: testAccountA, Lock: lock}

	deltas := []Delta{
		{Account: testAccountA, ID: lock.ID, ChainID: 1, Delta: big.NewInt(100), BlockNumber: 10, BlockTimestamp: 1000},
		{Account: testAccountA, ID: lock.ID, ChainID: 1, Delta: big.NewInt(-30), BlockNumber: 11, BlockTimestamp: 1010},
		{Account: testAccountA, ID: lock.ID, ChainID: 1, Delta: big.NewInt(20), BlockNumber: 12, BlockTimestamp: 1020},
		{Account: testAccountB, ID: lock.ID, ChainID: 1, Delta: big.NewInt(30), BlockNumber: 11, BlockTimestamp: 1010},
	}
	for i, d := range deltas {
		d := d
		if _, err := s.Apply(ctx, eventKey(1, uint32(i)), chainevent.Position{BlockNumber: d.BlockNumber}, func(tx Tx) error {
			if err := tx.UpsertAccountLockBalance(ctx, lockid.AccountLockKey{Account: d.Account, Lock: lock}, func(row *AccountLockBalance, _ bool) error {
				row.Balance.Add(row.Balance, d.Delta)
				if d.Account == testAccountA && d.BlockNumber == 12 {
					row.WithdrawalStatus = WithdrawalPending
				}
				return nil
			}); err != nil {
				return err
			}
			return tx.AppendDelta(ctx, d)
		}); err != nil {
			t.Fatalf("Apply delta %d: %v", i, err)
		}
	}

	bal, err := s.AccountLockBalance(ctx, balKey)
	if err != nil || bal.Balance.Int64() != 90 {
		t.Fatalf("balance: got %v, %v", bal.Balance, err)
	}

	u64 := func(v uint64) *uint64 { return &v }
	tests := []struct {
		name string
		q    LockBalanceQuery
		want int64
		none bool
	}{
		{name: "no_finality", q: LockBalanceQuery{ChainID: 1, IDs: []lockid.ID{lock.ID}}, want: 90},
		{name: "finalized_block_11", q: LockBalanceQuery{ChainID: 1, IDs: []lockid.ID{lock.ID}, FinalizedBlockNumber: u64(11)}, want: -10},
		{name: "finalized_ts_1000", q: LockBalanceQuery{ChainID: 1, IDs: []lockid.ID{lock.ID}, FinalizedBlockTimestamp: u64(1000)}, want: -10},
		{name: "finalized_ts_999", q: LockBalanceQuery{ChainID: 1, IDs: []lockid.ID{lock.ID}, FinalizedBlockTimestamp: u64(999)}, want: 90},
		{name: "other_chain", q: LockBalanceQuery{ChainID: 10, IDs: []lockid.ID{lock.ID}}, none: true},
	}
	for _, tc := range tests {
		got, err := s.NetLockBalances(ctx, testAccountA, []LockBalanceQuery{tc.q})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if tc.none {
			if len(got) != 0 {
				t.Fatalf("%s: expected no rows, got %+v", tc.name, got)
			}
			continue
		}
		if len(got) != 1 {
			t.Fatalf("%s: rows: got %d want 1", tc.name, len(got))
		}
		if got[0].Balance.Int64() != tc.want {
			t.Fatalf("%s: balance: got %s want %d", tc.name, got[0].Balance, tc.want)
		}
		if got[0].WithdrawalStatus != WithdrawalPending {
			t.Fatalf("%s: status: got %v want Pending", tc.name, got[0].WithdrawalStatus)
		}
	}
}

func TestWithdrawalStatus_Text(t *testing.T) {
	t.Parallel()

	for _, s := range []WithdrawalStatus{WithdrawalDisabled, WithdrawalPending, WithdrawalEnabled} {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText: %v", err)
		}
		var got WithdrawalStatus
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", b, err)
		}
		if got != s {
			t.Fatalf("got %v want %v", got, s)
		}
	}
	if _, err := ParseWithdrawalStatus("paused"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
