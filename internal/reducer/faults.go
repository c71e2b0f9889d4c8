package reducer

import (
	"context"
	"errors"
	"fmt"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

// Fault classes. Every fault halts the chain that produced it.
var (
	ErrDecode      = errors.New("reducer: decode fault")
	ErrConsistency = errors.New("reducer: consistency fault")
	ErrMalformed   = errors.New("reducer: malformed event")
)

// FaultError pins a fatal fault to the event that raised it.
type FaultError struct {
	Class error

	ChainID     uint64
	BlockNumber uint64
	LogIndex    uint32
	TxHash      common.Hash
	Kind        chainevent.Kind

	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%v: chain=%d block=%d logIndex=%d tx=%s kind=%s: %v",
		e.Class, e.ChainID, e.BlockNumber, e.LogIndex, e.TxHash.Hex(), e.Kind, e.Err)
}

func (e *FaultError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// IsFault reports whether err is a fatal fault for the chain it came from.
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}

func newFault(ev chainevent.Event, class error, err error) *FaultError {
	return &FaultError{
		Class:       class,
		ChainID:     ev.ChainID,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		TxHash:      ev.TxHash,
		Kind:        ev.Kind,
		Err:         err,
	}
}

// classify maps a handler or store error to a fault class. It returns nil for
// errors that are not faults: cancellation and store I/O failures are retryable.
// Values a store cannot represent fail the same way on every attempt, so they
// count as malformed.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case errors.Is(err, ErrDecode),
		errors.Is(err, lockid.ErrInvalidID),
		errors.Is(err, lockid.ErrInvalidResetPeriod),
		errors.Is(err, lockid.ErrInvalidAllocatorID):
		return ErrDecode
	case errors.Is(err, ErrMalformed),
		errors.Is(err, chainevent.ErrMalformed),
		errors.Is(err, ledger.ErrInvalidArgument):
		return ErrMalformed
	case errors.Is(err, ErrConsistency),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrAllocatorIDConflict):
		return ErrConsistency
	default:
		return nil
	}
}

// FaultClass names the class of a fault for logs, metrics and reports.
func FaultClass(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrConsistency):
		return "consistency"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "unknown"
	}
}
