package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

type WithdrawalStatus uint8

const (
	WithdrawalDisabled WithdrawalStatus = iota
	WithdrawalPending
	WithdrawalEnabled
)

func (s WithdrawalStatus) String() string {
	switch s {
	case WithdrawalDisabled:
		return "Disabled"
	case WithdrawalPending:
		return "Pending"
	case WithdrawalEnabled:
		return "Enabled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseWithdrawalStatus(s string) (WithdrawalStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled":
		return WithdrawalDisabled, nil
	case "pending":
		return WithdrawalPending, nil
	case "enabled":
		return WithdrawalEnabled, nil
	default:
		return 0, fmt.Errorf("ledger: unknown withdrawal status %q", s)
	}
}

func (s WithdrawalStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *WithdrawalStatus) UnmarshalText(b []byte) error {
	v, err := ParseWithdrawalStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Timestamps are unix seconds taken from the block that carried the event.

type Account struct {
	Address     common.Address
	FirstSeenAt uint64
}

type Allocator struct {
	Address     common.Address
	FirstSeenAt uint64
}

// AllocatorRegistration is appended once per AllocatorRegistered event, including re-registrations.
type AllocatorRegistration struct {
	Allocator    common.Address
	ChainID      uint64
	AllocatorID  lockid.AllocatorID
	RegisteredAt uint64
	BlockNumber  uint64
	TxHash       common.Hash
	LogIndex     uint32
}

type DepositedToken struct {
	Token       common.Address
	ChainID     uint64
	FirstSeenAt uint64
	TotalSupply *big.Int
}

func (t DepositedToken) Key() lockid.TokenKey {
	return lockid.TokenKey{ChainID: t.ChainID, Token: t.Token}
}

// ResourceLock metadata is fixed when the lock is first minted; only TotalSupply changes afterwards.
type ResourceLock struct {
	ID           lockid.ID
	ChainID      uint64
	Token        common.Address
	Allocator    common.Address
	AllocatorID  lockid.AllocatorID
	ResetPeriod  lockid.ResetPeriod
	IsMultichain bool
	MintedAt     uint64
	TotalSupply  *big.Int
}

func (l ResourceLock) Key() lockid.LockKey {
	return lockid.LockKey{ChainID: l.ChainID, ID: l.ID}
}

type AccountTokenBalance struct {
	Account       common.Address
	Token         common.Address
	ChainID       uint64
	Balance       *big.Int
	LastUpdatedAt uint64
}

func (b AccountTokenBalance) Key() lockid.AccountTokenKey {
	return lockid.AccountTokenKey{Account: b.Account, Token: lockid.TokenKey{ChainID: b.ChainID, Token: b.Token}}
}

type AccountLockBalance struct {
	Account          common.Address
	ID               lockid.ID
	ChainID          uint64
	Token            common.Address
	Balance          *big.Int
	WithdrawalStatus WithdrawalStatus
	// WithdrawableAt is only meaningful while Pending; 0 means unset.
	WithdrawableAt uint64
	LastUpdatedAt  uint64
}

func (b AccountLockBalance) Key() lockid.AccountLockKey {
	return lockid.AccountLockKey{Account: b.Account, Lock: lockid.LockKey{ChainID: b.ChainID, ID: b.ID}}
}

type Claim struct {
	ClaimHash   common.Hash
	ChainID     uint64
	Sponsor     common.Address
	Allocator   common.Address
	Arbiter     common.Address
	Timestamp   uint64
	BlockNumber uint64
}

func (c Claim) Key() lockid.ClaimKey {
	return lockid.ClaimKey{ChainID: c.ChainID, ClaimHash: c.ClaimHash}
}

type RegisteredCompact struct {
	ClaimHash    common.Hash
	ChainID      uint64
	Sponsor      common.Address
	Typehash     common.Hash
	Expires      uint64
	RegisteredAt uint64
	BlockNumber  uint64
}

func (c RegisteredCompact) Key() lockid.ClaimKey {
	return lockid.ClaimKey{ChainID: c.ChainID, ClaimHash: c.ClaimHash}
}

// Delta is the signed balance change one event applied to one account's lock balance.
// Credits are positive, debits negative. Counterparty is the zero address for mints and burns.
type Delta struct {
	Account        common.Address
	Counterparty   common.Address
	Token          common.Address
	ID             lockid.ID
	ChainID        uint64
	Delta          *big.Int
	BlockNumber    uint64
	BlockTimestamp uint64
	TxHash         common.Hash
	LogIndex       uint32
}

// LockBalanceQuery selects one chain's locks for NetLockBalances. Credits at or
// before a given finalized block number or timestamp are excluded from the sum;
// debits always count.
type LockBalanceQuery struct {
	ChainID                 uint64
	IDs                     []lockid.ID
	FinalizedBlockNumber    *uint64
	FinalizedBlockTimestamp *uint64
}

type NetLockBalance struct {
	ChainID          uint64
	ID               lockid.ID
	Balance          *big.Int
	WithdrawalStatus WithdrawalStatus
}

// Counts credits and debits per the LockBalanceQuery rules.
func (q LockBalanceQuery) counts(d Delta) bool {
	if d.ChainID != q.ChainID {
		return false
	}
	found := false
	for _, id := range q.IDs {
		if id == d.ID {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	switch d.Delta.Sign() {
	case -1:
		return true
	case 1:
		if q.FinalizedBlockNumber != nil && d.BlockNumber <= *q.FinalizedBlockNumber {
			return false
		}
		if q.FinalizedBlockTimestamp != nil && d.BlockTimestamp <= *q.FinalizedBlockTimestamp {
			return false
		}
		return true
	default:
		return false
	}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
