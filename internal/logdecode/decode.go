// Package logdecode turns raw contract logs into chain events.
package logdecode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const EnvelopeVersionV1 = "compact.log.v1"

var (
	ErrInvalidConfig      = errors.New("logdecode: invalid config")
	ErrForeignLog         = errors.New("logdecode: log not emitted by the contract")
	ErrRemovedLog         = errors.New("logdecode: log removed by reorg")
	ErrDecode             = errors.New("logdecode: decode failed")
	ErrUnsupportedVersion = errors.New("logdecode: unsupported envelope version")
)

// Envelope carries a raw log together with the block data the log omits.
type Envelope struct {
	Version        string    `json:"version"`
	ChainID        uint64    `json:"chainId"`
	BlockTimestamp uint64    `json:"blockTimestamp"`
	Log            types.Log `json:"log"`
}

type Decoder struct {
	contract common.Address
	events   map[common.Hash]abi.Event
}

func New(contract common.Address) (*Decoder, error) {
	if contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address must be non-zero", ErrInvalidConfig)
	}
	parsed, err := abi.JSON(strings.NewReader(CompactEventsABIJSON))
	if err != nil {
		return nil, fmt.Errorf("logdecode: parse events abi: %w", err)
	}
	events := make(map[common.Hash]abi.Event, len(parsed.Events))
	for _, ev := range parsed.Events {
		events[ev.ID] = ev
	}
	return &Decoder{contract: contract, events: events}, nil
}

// Topic returns the topic0 of the named event.
func (d *Decoder) Topic(kind chainevent.Kind) (common.Hash, bool) {
	for id, ev := range d.events {
		if ev.Name == string(kind) {
			return id, true
		}
	}
	return common.Hash{}, false
}

// DecodeEnvelope decodes a compact.log.v1 message.
func (d *Decoder) DecodeEnvelope(b []byte) (chainevent.Event, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return chainevent.Event{}, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	if env.Version != EnvelopeVersionV1 {
		return chainevent.Event{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}
	return d.Decode(env.ChainID, env.BlockTimestamp, env.Log)
}

func MarshalEnvelope(chainID, blockTimestamp uint64, lg types.Log) ([]byte, error) {
	return json.Marshal(Envelope{
		Version:        EnvelopeVersionV1,
		ChainID:        chainID,
		BlockTimestamp: blockTimestamp,
		Log:            lg,
	})
}

// Decode maps one log onto its event. Logs with an unrecognized topic0 return
// chainevent.ErrUnknownKind together with the event coordinates.
func (d *Decoder) Decode(chainID, blockTimestamp uint64, lg types.Log) (chainevent.Event, error) {
	if lg.Index > math.MaxUint32 {
		return chainevent.Event{}, fmt.Errorf("%w: log index %d out of range", ErrDecode, lg.Index)
	}
	out := chainevent.Event{
		ChainID:     chainID,
		BlockNumber: lg.BlockNumber,
		LogIndex:    uint32(lg.Index),
		TxHash:      lg.TxHash,
		Timestamp:   blockTimestamp,
	}
	if lg.Address != d.contract {
		return out, fmt.Errorf("%w: %s", ErrForeignLog, lg.Address.Hex())
	}
	if lg.Removed {
		return out, ErrRemovedLog
	}
	if len(lg.Topics) == 0 {
		return out, fmt.Errorf("%w: anonymous log", chainevent.ErrUnknownKind)
	}
	ev, ok := d.events[lg.Topics[0]]
	if !ok {
		return out, fmt.Errorf("%w: topic %s", chainevent.ErrUnknownKind, lg.Topics[0].Hex())
	}
	out.Kind = chainevent.Kind(ev.Name)

	values := make(map[string]any)
	if err := ev.Inputs.UnpackIntoMap(values, lg.Data); err != nil {
		return out, fmt.Errorf("%w: %s data: %v", ErrDecode, ev.Name, err)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
		return out, fmt.Errorf("%w: %s topics: %v", ErrDecode, ev.Name, err)
	}

	payload, err := toPayload(out.Kind, &fields{values: values})
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrDecode, ev.Name, err)
	}
	out.Payload = payload
	return out, nil
}

func toPayload(kind chainevent.Kind, f *fields) (chainevent.Payload, error) {
	var p chainevent.Payload
	switch kind {
	case chainevent.KindAllocatorRegistered:
		var v chainevent.AllocatorRegistered
		v.Allocator = f.address("allocator")
		v.AllocatorID = f.allocatorID("allocatorId")
		p = v
	case chainevent.KindTransfer:
		var v chainevent.Transfer
		v.By, v.From, v.To = f.address("by"), f.address("from"), f.address("to")
		v.ID = f.lockID("id")
		v.Amount = f.uint256("amount")
		p = v
	case chainevent.KindClaim:
		var v chainevent.Claim
		v.Sponsor, v.Allocator, v.Arbiter = f.address("sponsor"), f.address("allocator"), f.address("arbiter")
		v.ClaimHash = f.bytes32("claimHash")
		p = v
	case chainevent.KindCompactRegistered:
		var v chainevent.CompactRegistered
		v.Sponsor = f.address("sponsor")
		v.ClaimHash, v.Typehash = f.bytes32("claimHash"), f.bytes32("typehash")
		v.Expires = f.uint64("expires")
		p = v
	case chainevent.KindForcedWithdrawalStatusUpdated:
		var v chainevent.ForcedWithdrawalStatusUpdated
		v.Account = f.address("account")
		v.ID = f.lockID("id")
		v.Activating = f.boolean("activating")
		v.WithdrawableAt = f.uint64("withdrawableAt")
		p = v
	case chainevent.KindApproval:
		var v chainevent.Approval
		v.Owner, v.Spender = f.address("owner"), f.address("spender")
		v.ID = f.lockID("id")
		v.Amount = f.uint256("amount")
		p = v
	case chainevent.KindOperatorSet:
		var v chainevent.OperatorSet
		v.Owner, v.Spender = f.address("owner"), f.address("spender")
		v.Approved = f.boolean("approved")
		p = v
	default:
		return nil, fmt.Errorf("%w: %s", chainevent.ErrUnknownKind, kind)
	}
	if f.err != nil {
		return nil, f.err
	}
	return p, nil
}
