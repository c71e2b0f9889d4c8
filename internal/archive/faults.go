package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const FaultReportVersionV1 = "compact.fault.v1"

// FaultReport describes an event that halted its chain.
type FaultReport struct {
	Version     string          `json:"version"`
	ChainID     uint64          `json:"chainId"`
	BlockNumber uint64          `json:"blockNumber"`
	LogIndex    uint32          `json:"logIndex"`
	TxHash      common.Hash     `json:"txHash"`
	EventID     common.Hash     `json:"eventId"`
	Kind        string          `json:"kind,omitempty"`
	Class       string          `json:"class"`
	Error       string          `json:"error"`
	DetectedAt  time.Time       `json:"detectedAt"`
	Message     json.RawMessage `json:"message,omitempty"`
}

// FaultKey is faults/<chainID>/<block>-<logIndex>-<eventID>.json. Zero padding
// keeps one chain's reports in event order under List.
func FaultKey(r FaultReport) string {
	return fmt.Sprintf("%s%020d-%010d-%s.json", FaultPrefix(r.ChainID), r.BlockNumber, r.LogIndex, r.EventID.Hex())
}

func FaultPrefix(chainID uint64) string {
	return "faults/" + strconv.FormatUint(chainID, 10) + "/"
}

// RecordFault stores r unless a report for the same event already exists, and
// returns the report key.
func RecordFault(ctx context.Context, s Store, r FaultReport) (string, error) {
	if r.Version == "" {
		r.Version = FaultReportVersionV1
	}
	key := FaultKey(r)
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return key, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("archive: encode fault report: %w", err)
	}
	if err := s.Put(ctx, key, b, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Faults lists the reports archived for one chain in event order.
func Faults(ctx context.Context, s Store, chainID uint64) ([]FaultReport, error) {
	keys, err := s.List(ctx, FaultPrefix(chainID))
	if err != nil {
		return nil, err
	}
	out := make([]FaultReport, 0, len(keys))
	for _, key := range keys {
		obj, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var r FaultReport
		if err := json.Unmarshal(obj.Data, &r); err != nil {
			return nil, fmt.Errorf("archive: decode fault report %q: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}
