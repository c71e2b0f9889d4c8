package reducer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

var (
	zeroAddr      = common.Address{}
	testAllocator = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testToken     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testAccountA  = common.HexToAddress("0x000000000000000000000000000000000000000a")
	testAccountB  = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

const testAllocatorID = 7

// harness feeds events for one chain in block order.
type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *ledger.MemoryStore
	r       *Reducer
	chainID uint64
	block   uint64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store := ledger.NewMemoryStore()
	r, err := New(cfg, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{t: t, ctx: context.Background(), store: store, r: r, chainID: 1}
}

func (h *harness) event(ts uint64, p chainevent.Payload) chainevent.Event {
	h.block++
	return chainevent.Event{
		ChainID:     h.chainID,
		BlockNumber: h.block,
		LogIndex:    0,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(h.block)),
		Timestamp:   ts,
		Kind:        p.Kind(),
		Payload:     p,
	}
}

func (h *harness) mustApply(ev chainevent.Event) Result {
	h.t.Helper()
	res, err := h.r.Apply(h.ctx, ev)
	if err != nil {
		h.t.Fatalf("Apply %s: %v", ev, err)
	}
	return res
}

func (h *harness) send(ts uint64, p chainevent.Payload) Result {
	h.t.Helper()
	return h.mustApply(h.event(ts, p))
}

func (h *harness) registerAllocator(ts uint64, addr common.Address, id uint64) {
	h.t.Helper()
	h.send(ts, chainevent.AllocatorRegistered{Allocator: addr, AllocatorID: lockid.AllocatorIDFromUint64(id)})
}

func testLock(t *testing.T, token common.Address, allocatorID uint64, period lockid.ResetPeriod, scope lockid.Scope) lockid.ID {
	t.Helper()
	id, err := lockid.Encode(lockid.Fields{Token: token, AllocatorID: lockid.AllocatorIDFromUint64(allocatorID), ResetPeriod: period, Scope: scope})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return id
}

func transfer(from, to common.Address, id lockid.ID, amount int64) chainevent.Transfer {
	return chainevent.Transfer{By: testAllocator, From: from, To: to, ID: id, Amount: big.NewInt(amount)}
}

func (h *harness) lockBalance(account common.Address, id lockid.ID) ledger.AccountLockBalance {
	h.t.Helper()
	row, err := h.store.AccountLockBalance(h.ctx, lockid.AccountLockKey{Account: account, Lock: lockid.KeyOf(h.chainID, id)})
	if err != nil {
		h.t.Fatalf("AccountLockBalance(%s): %v", account.Hex(), err)
	}
	return row
}

func (h *harness) tokenBalance(account, token common.Address) *big.Int {
	h.t.Helper()
	row, err := h.store.AccountTokenBalance(h.ctx, lockid.AccountTokenKey{Account: account, Token: lockid.TokenKey{ChainID: h.chainID, Token: token}})
	if err != nil {
		h.t.Fatalf("AccountTokenBalance(%s): %v", account.Hex(), err)
	}
	return row.Balance
}

func (h *harness) lockSupply(id lockid.ID) *big.Int {
	h.t.Helper()
	row, err := h.store.ResourceLock(h.ctx, lockid.KeyOf(h.chainID, id))
	if err != nil {
		h.t.Fatalf("ResourceLock: %v", err)
	}
	return row.TotalSupply
}

func (h *harness) tokenSupply(token common.Address) *big.Int {
	h.t.Helper()
	row, err := h.store.DepositedToken(h.ctx, lockid.TokenKey{ChainID: h.chainID, Token: token})
	if err != nil {
		h.t.Fatalf("DepositedToken: %v", err)
	}
	return row.TotalSupply
}

func wantInt(t *testing.T, what string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: got %v want %d", what, got, want)
	}
}

func TestReducer_LockLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	const t0 = uint64(1_700_000_000)
	lock := testLock(t, testToken, testAllocatorID, lockid.ResetPeriodOneDay, lockid.ScopeMultichain)

	h.registerAllocator(t0, testAllocator, testAllocatorID)

	// Mint 100 to A.
	if res := h.send(t0+1, transfer(zeroAddr, testAccountA, lock, 100)); res != ResultApplied {
		t.Fatalf("mint result: got %v want applied", res)
	}
	wantInt(t, "token supply", h.tokenSupply(testToken), 100)
	wantInt(t, "lock supply", h.lockSupply(lock), 100)
	a := h.lockBalance(testAccountA, lock)
	wantInt(t, "A lock balance", a.Balance, 100)
	if a.WithdrawalStatus != ledger.WithdrawalDisabled {
		t.Fatalf("A status: got %v want Disabled", a.WithdrawalStatus)
	}
	wantInt(t, "A token balance", h.tokenBalance(testAccountA, testToken), 100)

	rl, err := h.store.ResourceLock(h.ctx, lockid.KeyOf(1, lock))
	if err != nil {
		t.Fatalf("ResourceLock: %v", err)
	}
	if rl.Token != testToken || rl.Allocator != testAllocator || rl.ResetPeriod != lockid.ResetPeriodOneDay || !rl.IsMultichain || rl.MintedAt != t0+1 {
		t.Fatalf("resource lock metadata: got %+v", rl)
	}
	if rl.ResetPeriod.Seconds() != 86400 {
		t.Fatalf("reset period seconds: got %d want 86400", rl.ResetPeriod.Seconds())
	}

	// Transfer 40 from A to B.
	h.send(t0+2, transfer(testAccountA, testAccountB, lock, 40))
	wantInt(t, "A lock balance", h.lockBalance(testAccountA, lock).Balance, 60)
	wantInt(t, "B lock balance", h.lockBalance(testAccountB, lock).Balance, 40)
	wantInt(t, "A token balance", h.tokenBalance(testAccountA, testToken), 60)
	wantInt(t, "B token balance", h.tokenBalance(testAccountB, testToken), 40)
	wantInt(t, "lock supply", h.lockSupply(lock), 100)
	wantInt(t, "token supply", h.tokenSupply(testToken), 100)

	// Forced withdrawal: activate then deactivate.
	const tw = t0 + 10
	h.send(tw, chainevent.ForcedWithdrawalStatusUpdated{Account: testAccountA, ID: lock, Activating: true, WithdrawableAt: tw + 3600})
	a = h.lockBalance(testAccountA, lock)
	if a.WithdrawalStatus != ledger.WithdrawalPending || a.WithdrawableAt != tw+3600 {
		t.Fatalf("after activation: got status=%v withdrawableAt=%d", a.WithdrawalStatus, a.WithdrawableAt)
	}
	h.send(tw+1, chainevent.ForcedWithdrawalStatusUpdated{Account: testAccountA, ID: lock, Activating: false})
	a = h.lockBalance(testAccountA, lock)
	if a.WithdrawalStatus != ledger.WithdrawalDisabled || a.WithdrawableAt != 0 {
		t.Fatalf("after deactivation: got status=%v withdrawableAt=%d", a.WithdrawalStatus, a.WithdrawableAt)
	}

	// Burn 60 from A.
	h.send(t0+20, transfer(testAccountA, zeroAddr, lock, 60))
	wantInt(t, "A lock balance", h.lockBalance(testAccountA, lock).Balance, 0)
	wantInt(t, "lock supply", h.lockSupply(lock), 40)
	wantInt(t, "token supply", h.tokenSupply(testToken), 40)

	// Burning more than remains is a consistency fault and changes nothing.
	ev := h.event(t0+21, transfer(testAccountB, zeroAddr, lock, 41))
	_, err = h.r.Apply(h.ctx, ev)
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("over-burn: got %v want ErrConsistency", err)
	}
	var fe *FaultError
	if !errors.As(err, &fe) {
		t.Fatalf("over-burn: got %T want *FaultError", err)
	}
	if fe.ChainID != 1 || fe.BlockNumber != ev.BlockNumber || fe.LogIndex != ev.LogIndex || fe.TxHash != ev.TxHash || fe.Kind != chainevent.KindTransfer {
		t.Fatalf("fault coordinates: got %+v", fe)
	}
	wantInt(t, "B lock balance", h.lockBalance(testAccountB, lock).Balance, 40)
	wantInt(t, "lock supply", h.lockSupply(lock), 40)
	wantInt(t, "token supply", h.tokenSupply(testToken), 40)
	if cur, _, _ := h.store.Cursor(h.ctx, 1); cur.BlockNumber == ev.BlockNumber {
		t.Fatalf("cursor advanced past faulted event")
	}
}

func TestReducer_RecordsSignedDeltas(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	lock := testLock(t, testToken, testAllocatorID, lockid.ResetPeriodTenMinutes, lockid.ScopeChainSpecific)
	h.registerAllocator(1, testAllocator, testAllocatorID)
	h.send(2, transfer(zeroAddr, testAccountA, lock, 100))
	h.send(3, transfer(testAccountA, testAccountB, lock, 30))
	h.send(4, transfer(testAccountB, zeroAddr, lock, 10))

	deltas, err := h.store.Deltas(h.ctx, testAccountA, 1)
	if err != nil {
		t.Fatalf("Deltas(A): %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("A deltas: got %d want 2", len(deltas))
	}
	wantInt(t, "A mint delta", deltas[0].Delta, 100)
	if deltas[0].Counterparty != zeroAddr || deltas[0].BlockTimestamp != 2 {
		t.Fatalf("A mint delta: got %+v", deltas[0])
	}
	wantInt(t, "A send delta", deltas[1].Delta, -30)
	if deltas[1].Counterparty != testAccountB || deltas[1].Token != testToken || deltas[1].ID != lock {
		t.Fatalf("A send delta: got %+v", deltas[1])
	}

	deltas, err = h.store.Deltas(h.ctx, testAccountB, 1)
	if err != nil {
		t.Fatalf("Deltas(B): %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("B deltas: got %d want 2", len(deltas))
	}
	wantInt(t, "B receive delta", deltas[0].Delta, 30)
	if deltas[0].Counterparty != testAccountA {
		t.Fatalf("B receive counterparty: got %s", deltas[0].Counterparty.Hex())
	}
	wantInt(t, "B burn delta", deltas[1].Delta, -10)

	rl, err := h.store.ResourceLock(h.ctx, lockid.KeyOf(1, lock))
	if err != nil {
		t.Fatalf("ResourceLock: %v", err)
	}
	if rl.IsMultichain {
		t.Fatalf("expected chain-specific lock")
	}
}

func TestReducer_RejectsZeroToZeroTransfer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	lock := testLock(t, testToken, testAllocatorID, lockid.ResetPeriodOneDay, lockid.ScopeMultichain)

	_, err := h.r.Apply(h.ctx, h.event(1, transfer(zeroAddr, zeroAddr, lock, 5)))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v want ErrMalformed", err)
	}
	if !IsFault(err) {
		t.Fatalf("expected a fault")
	}
	if _, ok, _ := h.store.Cursor(h.ctx, 1); ok {
		t.Fatalf("malformed event advanced the cursor")
	}
}

func TestReducer_AllocatorRegistration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	other := common.HexToAddress("0x00000000000000000000000000000000000000f2")

	h.registerAllocator(100, testAllocator, testAllocatorID)
	// Re-registration on the same chain is recorded again.
	h.registerAllocator(200, testAllocator, testAllocatorID)

	regs, err := h.store.AllocatorRegistrations(h.ctx, testAllocator)
	if err != nil {
		t.Fatalf("AllocatorRegistrations: %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("registrations: got %d want 2", len(regs))
	}
	alloc, err := h.store.Allocator(h.ctx, testAllocator)
	if err != nil {
		t.Fatalf("Allocator: %v", err)
	}
	if alloc.FirstSeenAt != 100 {
		t.Fatalf("allocator first seen: got %d want 100", alloc.FirstSeenAt)
	}
	acct, err := h.store.Account(h.ctx, testAllocator)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.FirstSeenAt != 100 {
		t.Fatalf("account first seen: got %d want 100", acct.FirstSeenAt)
	}

	_, err = h.r.Apply(h.ctx, h.event(300, chainevent.AllocatorRegistered{Allocator: other, AllocatorID: lockid.AllocatorIDFromUint64(testAllocatorID)}))
	if !errors.Is(err, ErrConsistency) || !errors.Is(err, ledger.ErrAllocatorIDConflict) {
		t.Fatalf("conflicting id: got %v want ErrConsistency", err)
	}
	if _, err := h.store.Allocator(h.ctx, other); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("conflicting registration leaked: %v", err)
	}

	// The same numeric id on another chain is independent.
	h.chainID = 8453
	h.registerAllocator(400, other, testAllocatorID)
	got, err := h.store.AllocatorByID(h.ctx, lockid.AllocatorKey{ChainID: 8453, AllocatorID: lockid.AllocatorIDFromUint64(testAllocatorID)})
	if err != nil {
		t.Fatalf("AllocatorByID: %v", err)
	}
	if got != other {
		t.Fatalf("AllocatorByID: got %s want %s", got.Hex(), other.Hex())
	}
}

func TestReducer_RejectsUnpackableAllocatorID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id, err := lockid.AllocatorIDFromBig(new(big.Int).Lsh(big.NewInt(1), lockid.AllocatorIDBits))
	if err != nil {
		t.Fatalf("AllocatorIDFromBig: %v", err)
	}
	_, err = h.r.Apply(h.ctx, h.event(1, chainevent.AllocatorRegistered{Allocator: testAllocator, AllocatorID: id}))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("got %v want ErrDecode", err)
	}
}

func TestReducer_MintResolvesAllocator(t *testing.T) {
	t.Parallel()

	lock := testLock(t, testToken, testAllocatorID, lockid.ResetPeriodOneMinute, lockid.ScopeMultichain)
	operator := common.HexToAddress("0x00000000000000000000000000000000000000e1")

	t.Run("lock id without registration", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{AllocatorResolution: ResolveByLockID})
		_, err := h.r.Apply(h.ctx, h.event(1, transfer(zeroAddr, testAccountA, lock, 1)))
		if !errors.Is(err, ErrConsistency) {
			t.Fatalf("got %v want ErrConsistency", err)
		}
		if _, err := h.store.DepositedToken(h.ctx, lockid.TokenKey{ChainID: 1, Token: testToken}); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("partial mint leaked: %v", err)
		}
	})

	t.Run("operator", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{AllocatorResolution: ResolveByOperator})
		p := transfer(zeroAddr, testAccountA, lock, 1)
		p.By = operator
		h.send(1, p)
		rl, err := h.store.ResourceLock(h.ctx, lockid.KeyOf(1, lock))
		if err != nil {
			t.Fatalf("ResourceLock: %v", err)
		}
		if rl.Allocator != operator {
			t.Fatalf("allocator: got %s want %s", rl.Allocator.Hex(), operator.Hex())
		}
	})

	t.Run("later mints keep metadata", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{})
		h.registerAllocator(1, testAllocator, testAllocatorID)
		h.send(5, transfer(zeroAddr, testAccountA, lock, 1))
		h.send(9, transfer(zeroAddr, testAccountB, lock, 2))
		rl, err := h.store.ResourceLock(h.ctx, lockid.KeyOf(1, lock))
		if err != nil {
			t.Fatalf("ResourceLock: %v", err)
		}
		if rl.MintedAt != 5 || rl.Allocator != testAllocator {
			t.Fatalf("metadata: got %+v", rl)
		}
		wantInt(t, "lock supply", rl.TotalSupply, 3)
		tok, err := h.store.DepositedToken(h.ctx, lockid.TokenKey{ChainID: 1, Token: testToken})
		if err != nil {
			t.Fatalf("DepositedToken: %v", err)
		}
		if tok.FirstSeenAt != 5 {
			t.Fatalf("token first seen: got %d want 5", tok.FirstSeenAt)
		}
	})
}

func TestReducer_ConsistencyFaults(t *testing.T) {
	t.Parallel()

	lock := testLock(t, testToken, testAllocatorID, lockid.ResetPeriodOneDay, lockid.ScopeMultichain)

	cases := []struct {
		name  string
		setup func(h *harness)
		p     chainevent.Transfer
	}{
		{
			name: "burn of unknown lock",
			p:    transfer(testAccountA, zeroAddr, lock, 1),
		},
		{
			name: "move without sender balance",
			p:    transfer(testAccountA, testAccountB, lock, 1),
		},
		{
			name: "move exceeding sender balance",
			setup: func(h *harness) {
				h.send(1, transfer(zeroAddr, testAccountA, lock, 10))
			},
			p: transfer(testAccountA, testAccountB, lock, 11),
		},
		{
			name: "burn exceeding sender balance",
			setup: func(h *harness) {
				h.send(1, transfer(zeroAddr, testAccountA, lock, 10))
				h.send(2, transfer(zeroAddr, testAccountB, lock, 10))
			},
			p: transfer(testAccountA, zeroAddr, lock, 11),
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			h.registerAllocator(0, testAllocator, testAllocatorID)
			if tc.setup != nil {
				tc.setup(h)
			}
			_, err := h.r.Apply(h.ctx, h.event(100, tc.p))
			if !errors.Is(err, ErrConsistency) {
				t.Fatalf("got %v want ErrConsistency", err)
			}
		})
	}
}

func TestReducer_ZeroAmountMoveWithoutBalance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	lock := testLock(t, testToken, testAllocatorID, lockid.ResetPeriodOneDay, lockid.ScopeMultichain)

	h.send(7, transfer(testAccountA, testAccountB, lock, 0))

	if _, err := h.store.Account(h.ctx, testAccountA); err != nil {
		t.Fatalf("sender account: %v", err)
	}
	b := h.lockBalance(testAccountB, lock)
	wantInt(t, "B lock balance", b.Balance, 0)
	if _, err := h.store.AccountLockBalance(h.ctx, lockid.AccountLockKey{Account: testAccountA, Lock: lockid.KeyOf(1, lock)}); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("sender row created: %v", err)
	}
}

func TestReducer_ForcedWithdrawal(t *testing.T) {
	t.Parallel()

	lock := testLock(t, testToken, testAllocatorID, lockid.ResetPeriodOneDay, lockid.ScopeMultichain)

	t.Run("absent balance is a no-op", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{})
		res := h.send(50, chainevent.ForcedWithdrawalStatusUpdated{Account: testAccountA, ID: lock, Activating: true, WithdrawableAt: 100})
		if res != ResultApplied {
			t.Fatalf("result: got %v want applied", res)
		}
		if _, err := h.store.AccountLockBalance(h.ctx, lockid.AccountLockKey{Account: testAccountA, Lock: lockid.KeyOf(1, lock)}); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("balance created: %v", err)
		}

		// A balance created later starts Disabled.
		h.registerAllocator(60, testAllocator, testAllocatorID)
		h.send(70, transfer(zeroAddr, testAccountA, lock, 1))
		if got := h.lockBalance(testAccountA, lock).WithdrawalStatus; got != ledger.WithdrawalDisabled {
			t.Fatalf("status: got %v want Disabled", got)
		}
	})

	t.Run("elapsed withdrawable time enables", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{})
		h.registerAllocator(1, testAllocator, testAllocatorID)
		h.send(2, transfer(zeroAddr, testAccountA, lock, 1))
		h.send(500, chainevent.ForcedWithdrawalStatusUpdated{Account: testAccountA, ID: lock, Activating: true, WithdrawableAt: 500})
		row := h.lockBalance(testAccountA, lock)
		if row.WithdrawalStatus != ledger.WithdrawalEnabled || row.WithdrawableAt != 500 {
			t.Fatalf("got status=%v withdrawableAt=%d", row.WithdrawalStatus, row.WithdrawableAt)
		}
		// Transfers do not touch the status of existing rows.
		h.send(501, transfer(zeroAddr, testAccountA, lock, 1))
		if got := h.lockBalance(testAccountA, lock).WithdrawalStatus; got != ledger.WithdrawalEnabled {
			t.Fatalf("status after credit: got %v want Enabled", got)
		}
	})
}

func TestNextWithdrawalStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name           string
		activating     bool
		withdrawableAt uint64
		now            uint64
		wantStatus     ledger.WithdrawalStatus
		wantAt         uint64
	}{
		{"deactivate", false, 900, 100, ledger.WithdrawalDisabled, 0},
		{"future", true, 101, 100, ledger.WithdrawalPending, 101},
		{"now", true, 100, 100, ledger.WithdrawalEnabled, 100},
		{"past", true, 50, 100, ledger.WithdrawalEnabled, 50},
		{"unset", true, 0, 100, ledger.WithdrawalEnabled, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			status, at := nextWithdrawalStatus(tc.activating, tc.withdrawableAt, tc.now)
			if status != tc.wantStatus || at != tc.wantAt {
				t.Fatalf("got (%v, %d) want (%v, %d)", status, at, tc.wantStatus, tc.wantAt)
			}
		})
	}
}

func TestReducer_Claims(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	arbiter := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	claimHash := common.HexToHash("0xabc")

	c := chainevent.Claim{Sponsor: testAccountA, Allocator: testAllocator, Arbiter: arbiter, ClaimHash: claimHash}
	h.send(10, c)
	// The same claim under a different log is ignored.
	h.send(20, c)

	got, err := h.store.Claim(h.ctx, lockid.ClaimKey{ChainID: 1, ClaimHash: claimHash})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.Timestamp != 10 || got.BlockNumber != 1 || got.Arbiter != arbiter {
		t.Fatalf("claim: got %+v", got)
	}
	for _, addr := range []common.Address{testAccountA, testAllocator} {
		if _, err := h.store.Account(h.ctx, addr); err != nil {
			t.Fatalf("Account(%s): %v", addr.Hex(), err)
		}
	}
	if _, err := h.store.Account(h.ctx, arbiter); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("arbiter account created: %v", err)
	}

	typehash := common.HexToHash("0xdef")
	h.send(30, chainevent.CompactRegistered{Sponsor: testAccountB, ClaimHash: claimHash, Typehash: typehash, Expires: 99})
	rc, err := h.store.RegisteredCompact(h.ctx, lockid.ClaimKey{ChainID: 1, ClaimHash: claimHash})
	if err != nil {
		t.Fatalf("RegisteredCompact: %v", err)
	}
	if rc.Sponsor != testAccountB || rc.Typehash != typehash || rc.Expires != 99 || rc.RegisteredAt != 30 {
		t.Fatalf("registered compact: got %+v", rc)
	}
}

func TestReducer_ObservedAndSkippedKinds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	lock := testLock(t, testToken, testAllocatorID, lockid.ResetPeriodOneDay, lockid.ScopeMultichain)

	if res := h.send(1, chainevent.Approval{Owner: testAccountA, Spender: testAccountB, ID: lock, Amount: big.NewInt(5)}); res != ResultObserved {
		t.Fatalf("approval: got %v want observed", res)
	}
	if res := h.send(2, chainevent.OperatorSet{Owner: testAccountA, Spender: testAccountB, Approved: true}); res != ResultObserved {
		t.Fatalf("operator set: got %v want observed", res)
	}
	if _, err := h.store.Account(h.ctx, testAccountA); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("approval created an account: %v", err)
	}
	cur, ok, err := h.store.Cursor(h.ctx, 1)
	if err != nil || !ok || cur.BlockNumber != 2 {
		t.Fatalf("cursor: got %+v ok=%v err=%v", cur, ok, err)
	}

	res, err := h.r.Apply(h.ctx, chainevent.Event{ChainID: 1, BlockNumber: 3, Kind: "Withdrawal"})
	if err != nil {
		t.Fatalf("unknown kind: %v", err)
	}
	if res != ResultSkipped {
		t.Fatalf("unknown kind: got %v want skipped", res)
	}
}

type failingStore struct {
	*ledger.MemoryStore
	err error
}

func (s failingStore) Apply(context.Context, ledger.EventKey, chainevent.Position, func(ledger.Tx) error) (bool, error) {
	return false, s.err
}

func TestReducer_StoreErrorsAreNotFaults(t *testing.T) {
	t.Parallel()

	ioErr := errors.New("connection reset")
	r, err := New(Config{}, failingStore{MemoryStore: ledger.NewMemoryStore(), err: ioErr}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev := chainevent.Event{
		ChainID:   1,
		Kind:      chainevent.KindOperatorSet,
		Payload:   chainevent.OperatorSet{Owner: testAccountA, Spender: testAccountB},
		Timestamp: 1,
	}
	_, err = r.Apply(context.Background(), ev)
	if !errors.Is(err, ioErr) {
		t.Fatalf("got %v want wrapped io error", err)
	}
	if IsFault(err) {
		t.Fatalf("store error classified as fault")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: got %v want ErrInvalidConfig", err)
	}
	if _, err := New(Config{AllocatorResolution: "registry"}, ledger.NewMemoryStore(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad resolution: got %v want ErrInvalidConfig", err)
	}
	res, err := ParseAllocatorResolution(" Operator ")
	if err != nil || res != ResolveByOperator {
		t.Fatalf("ParseAllocatorResolution: got %q err=%v", res, err)
	}
}

func TestFaultClass(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{&FaultError{Class: ErrDecode, Err: errors.New("x")}, "decode"},
		{&FaultError{Class: ErrConsistency, Err: ledger.ErrNotFound}, "consistency"},
		{&FaultError{Class: ErrMalformed, Err: chainevent.ErrMalformed}, "malformed"},
		{&FaultError{Class: ErrMalformed, Err: ledger.ErrInvalidArgument}, "malformed"},
		{errors.New("io"), "unknown"},
	}
	for _, tc := range cases {
		if got := FaultClass(tc.err); got != tc.want {
			t.Fatalf("FaultClass(%v): got %q want %q", tc.err, got, tc.want)
		}
	}
}

// rejectingStore fails every Apply the way the postgres store does for values
// outside its column ranges.
type rejectingStore struct {
	ledger.Store
}

func (rejectingStore) Apply(context.Context, ledger.EventKey, chainevent.Position, func(ledger.Tx) error) (bool, error) {
	return false, fmt.Errorf("%w: block number too large", ledger.ErrInvalidArgument)
}

func TestReducer_UnrepresentableValuesAreMalformed(t *testing.T) {
	t.Parallel()

	if got := classify(fmt.Errorf("%w: chain id too large", ledger.ErrInvalidArgument)); got != ErrMalformed {
		t.Fatalf("classify: got %v want ErrMalformed", got)
	}

	r, err := New(Config{}, rejectingStore{Store: ledger.NewMemoryStore()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev := chainevent.Event{
		ChainID:     1,
		BlockNumber: 1 << 63,
		TxHash:      common.HexToHash("0x01"),
		Kind:        chainevent.KindAllocatorRegistered,
		Payload:     chainevent.AllocatorRegistered{Allocator: testAllocator, AllocatorID: lockid.AllocatorIDFromUint64(testAllocatorID)},
	}
	_, err = r.Apply(context.Background(), ev)
	if !IsFault(err) || FaultClass(err) != "malformed" {
		t.Fatalf("Apply: got %v want malformed fault", err)
	}
}
