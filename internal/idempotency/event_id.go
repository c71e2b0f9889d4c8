package idempotency

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const eventIDPrefixV1 = "compact-event"

// EventIDV1 computes the canonical identity of one contract log.
//
//	eventId = keccak256("compact-event" || chainIdBE64 || txHash || logIndexBE32)
//
// Redelivery of the same log on the same chain always maps to the same id.
func EventIDV1(chainID uint64, txHash common.Hash, logIndex uint32) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(eventIDPrefixV1))

	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], chainID)
	_, _ = h.Write(chain[:])
	_, _ = h.Write(txHash[:])

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], logIndex)
	_, _ = h.Write(idx[:])

	return common.BytesToHash(h.Sum(nil))
}
