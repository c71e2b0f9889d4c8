package chainevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

const EnvelopeVersionV1 = "compact.event.v1"

var ErrUnsupportedVersion = errors.New("chainevent: unsupported envelope version")

type envelopeV1 struct {
	Version     string          `json:"version"`
	ChainID     uint64          `json:"chainId"`
	BlockNumber uint64          `json:"blockNumber"`
	LogIndex    uint32          `json:"logIndex"`
	TxHash      common.Hash     `json:"txHash"`
	Timestamp   uint64          `json:"timestamp"`
	Kind        Kind            `json:"kind"`
	Fields      json.RawMessage `json:"fields"`
}

type allocatorRegisteredJSON struct {
	Allocator   common.Address     `json:"allocator"`
	AllocatorID lockid.AllocatorID `json:"allocatorId"`
}

type transferJSON struct {
	By     common.Address `json:"by"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	ID     lockid.ID      `json:"id"`
	Amount string         `json:"amount"`
}

type claimJSON struct {
	Sponsor   common.Address `json:"sponsor"`
	Allocator common.Address `json:"allocator"`
	Arbiter   common.Address `json:"arbiter"`
	ClaimHash common.Hash    `json:"claimHash"`
}

type compactRegisteredJSON struct {
	Sponsor   common.Address `json:"sponsor"`
	ClaimHash common.Hash    `json:"claimHash"`
	Typehash  common.Hash    `json:"typehash"`
	Expires   uint64         `json:"expires"`
}

type forcedWithdrawalJSON struct {
	Account        common.Address `json:"account"`
	ID             lockid.ID      `json:"id"`
	Activating     bool           `json:"activating"`
	WithdrawableAt uint64         `json:"withdrawableAt"`
}

type approvalJSON struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	ID      lockid.ID      `json:"id"`
	Amount  string         `json:"amount"`
}

type operatorSetJSON struct {
	Owner    common.Address `json:"owner"`
	Spender  common.Address `json:"spender"`
	Approved bool           `json:"approved"`
}

// Unmarshal decodes a compact.event.v1 envelope. When the kind is unknown the
// returned event still carries its chain coordinates alongside ErrUnknownKind.
func Unmarshal(b []byte) (Event, error) {
	var env envelopeV1
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != EnvelopeVersionV1 {
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}

	e := Event{
		ChainID:     env.ChainID,
		BlockNumber: env.BlockNumber,
		LogIndex:    env.LogIndex,
		TxHash:      env.TxHash,
		Timestamp:   env.Timestamp,
		Kind:        env.Kind,
	}
	if !env.Kind.Known() {
		return e, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if len(env.Fields) == 0 {
		return e, fmt.Errorf("%w: %s without fields", ErrMalformed, env.Kind)
	}

	p, err := decodeFields(env.Kind, env.Fields)
	if err != nil {
		return e, fmt.Errorf("%w: %s fields: %v", ErrMalformed, env.Kind, err)
	}
	e.Payload = p
	return e, nil
}

func decodeFields(kind Kind, raw json.RawMessage) (Payload, error) {
	dec := func(v any) error {
		d := json.NewDecoder(bytes.NewReader(raw))
		d.DisallowUnknownFields()
		return d.Decode(v)
	}

	switch kind {
	case KindAllocatorRegistered:
		var f allocatorRegisteredJSON
		if err := dec(&f); err != nil {
			return nil, err
		}
		return AllocatorRegistered{Allocator: f.Allocator, AllocatorID: f.AllocatorID}, nil
	case KindTransfer:
		var f transferJSON
		if err := dec(&f); err != nil {
			return nil, err
		}
		amount, err := ParseAmount(f.Amount)
		if err != nil {
			return nil, err
		}
		return Transfer{By: f.By, From: f.From, To: f.To, ID: f.ID, Amount: amount}, nil
	case KindClaim:
		var f claimJSON
		if err := dec(&f); err != nil {
			return nil, err
		}
		return Claim(f), nil
	case KindCompactRegistered:
		var f compactRegisteredJSON
		if err := dec(&f); err != nil {
			return nil, err
		}
		return CompactRegistered(f), nil
	case KindForcedWithdrawalStatusUpdated:
		var f forcedWithdrawalJSON
		if err := dec(&f); err != nil {
			return nil, err
		}
		return ForcedWithdrawalStatusUpdated(f), nil
	case KindApproval:
		var f approvalJSON
		if err := dec(&f); err != nil {
			return nil, err
		}
		amount, err := ParseAmount(f.Amount)
		if err != nil {
			return nil, err
		}
		return Approval{Owner: f.Owner, Spender: f.Spender, ID: f.ID, Amount: amount}, nil
	case KindOperatorSet:
		var f operatorSetJSON
		if err := dec(&f); err != nil {
			return nil, err
		}
		return OperatorSet(f), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Marshal encodes e as a compact.event.v1 envelope.
func Marshal(e Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: %s without fields", ErrMalformed, e.Kind)
	}

	var fields any
	switch p := e.Payload.(type) {
	case AllocatorRegistered:
		fields = allocatorRegisteredJSON{Allocator: p.Allocator, AllocatorID: p.AllocatorID}
	case Transfer:
		fields = transferJSON{By: p.By, From: p.From, To: p.To, ID: p.ID, Amount: FormatAmount(p.Amount)}
	case Claim:
		fields = claimJSON(p)
	case CompactRegistered:
		fields = compactRegisteredJSON(p)
	case ForcedWithdrawalStatusUpdated:
		fields = forcedWithdrawalJSON(p)
	case Approval:
		fields = approvalJSON{Owner: p.Owner, Spender: p.Spender, ID: p.ID, Amount: FormatAmount(p.Amount)}
	case OperatorSet:
		fields = operatorSetJSON(p)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, e.Payload)
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeV1{
		Version:     EnvelopeVersionV1,
		ChainID:     e.ChainID,
		BlockNumber: e.BlockNumber,
		LogIndex:    e.LogIndex,
		TxHash:      e.TxHash,
		Timestamp:   e.Timestamp,
		Kind:        e.Payload.Kind(),
		Fields:      raw,
	})
}

// ParseAmount parses a non-negative uint256 given in decimal or 0x-prefixed hex.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("missing amount")
	}
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if err := validateAmount(v); err != nil {
		return nil, err
	}
	return v, nil
}

func FormatAmount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
