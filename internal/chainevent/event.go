package chainevent

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownKind = errors.New("chainevent: unknown kind")
	ErrMalformed   = errors.New("chainevent: malformed event")
)

type Kind string

const (
	KindAllocatorRegistered           Kind = "AllocatorRegistered"
	KindTransfer                      Kind = "Transfer"
	KindClaim                         Kind = "Claim"
	KindCompactRegistered             Kind = "CompactRegistered"
	KindForcedWithdrawalStatusUpdated Kind = "ForcedWithdrawalStatusUpdated"
	KindApproval                      Kind = "Approval"
	KindOperatorSet                   Kind = "OperatorSet"
)

// Kinds lists every kind this package can decode.
var Kinds = []Kind{
	KindAllocatorRegistered,
	KindTransfer,
	KindClaim,
	KindCompactRegistered,
	KindForcedWithdrawalStatusUpdated,
	KindApproval,
	KindOperatorSet,
}

func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is implemented only by the field structs in this package.
type Payload interface {
	Kind() Kind
	validate() error
}

// Event is one decoded contract log, positioned on its chain.
type Event struct {
	ChainID     uint64
	BlockNumber uint64
	LogIndex    uint32
	TxHash      common.Hash
	// Timestamp is the block timestamp in unix seconds.
	Timestamp uint64
	Kind      Kind
	Payload   Payload
}

// Position orders events within one chain.
type Position struct {
	BlockNumber uint64
	LogIndex    uint32
}

func (p Position) Less(o Position) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber < o.BlockNumber
	}
	return p.LogIndex < o.LogIndex
}

func (e Event) Position() Position {
	return Position{BlockNumber: e.BlockNumber, LogIndex: e.LogIndex}
}

func (e Event) String() string {
	return fmt.Sprintf("%s chain=%d block=%d log=%d tx=%s", e.Kind, e.ChainID, e.BlockNumber, e.LogIndex, e.TxHash.Hex())
}

// Validate reports structural problems that make the event unusable regardless of ledger state.
func (e Event) Validate() error {
	if e.ChainID == 0 {
		return fmt.Errorf("%w: missing chain id", ErrMalformed)
	}
	if !e.Kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: %s without fields", ErrMalformed, e.Kind)
	}
	if e.Payload.Kind() != e.Kind {
		return fmt.Errorf("%w: kind %s carries %s fields", ErrMalformed, e.Kind, e.Payload.Kind())
	}
	if err := e.Payload.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Kind, err)
	}
	return nil
}

type AllocatorRegistered struct {
	Allocator   common.Address
	AllocatorID lockid.AllocatorID
}

func (AllocatorRegistered) Kind() Kind { return KindAllocatorRegistered }

func (p AllocatorRegistered) validate() error {
	if p.Allocator == (common.Address{}) {
		return errors.New("zero allocator address")
	}
	return nil
}

type Transfer struct {
	By     common.Address
	From   common.Address
	To     common.Address
	ID     lockid.ID
	Amount *big.Int
}

func (Transfer) Kind() Kind { return KindTransfer }

func (p Transfer) IsMint() bool { return p.From == (common.Address{}) }
func (p Transfer) IsBurn() bool { return p.To == (common.Address{}) }

func (p Transfer) validate() error {
	if p.IsMint() && p.IsBurn() {
		return errors.New("from and to are both the zero address")
	}
	return validateAmount(p.Amount)
}

type Claim struct {
	Sponsor   common.Address
	Allocator common.Address
	Arbiter   common.Address
	ClaimHash common.Hash
}

func (Claim) Kind() Kind { return KindClaim }

func (p Claim) validate() error { return nil }

type CompactRegistered struct {
	Sponsor   common.Address
	ClaimHash common.Hash
	Typehash  common.Hash
	// Expires is a unix timestamp.
	Expires uint64
}

func (CompactRegistered) Kind() Kind { return KindCompactRegistered }

func (p CompactRegistered) validate() error { return nil }

type ForcedWithdrawalStatusUpdated struct {
	Account    common.Address
	ID         lockid.ID
	Activating bool
	// WithdrawableAt is a unix timestamp; 0 means no future time was set.
	WithdrawableAt uint64
}

func (ForcedWithdrawalStatusUpdated) Kind() Kind { return KindForcedWithdrawalStatusUpdated }

func (p ForcedWithdrawalStatusUpdated) validate() error { return nil }

type Approval struct {
	Owner   common.Address
	Spender common.Address
	ID      lockid.ID
	Amount  *big.Int
}

func (Approval) Kind() Kind { return KindApproval }

func (p Approval) validate() error { return validateAmount(p.Amount) }

type OperatorSet struct {
	Owner    common.Address
	Spender  common.Address
	Approved bool
}

func (OperatorSet) Kind() Kind { return KindOperatorSet }

func (p OperatorSet) validate() error { return nil }

func validateAmount(v *big.Int) error {
	switch {
	case v == nil:
		return errors.New("missing amount")
	case v.Sign() < 0:
		return errors.New("negative amount")
	case v.BitLen() > 256:
		return errors.New("amount exceeds uint256")
	}
	return nil
}
