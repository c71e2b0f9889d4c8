package idempotency

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func mustHash32(t *testing.T, s string) common.Hash {
	t.Helper()

	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	if len(b) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b)
}

func TestEventIDV1_Vectors(t *testing.T) {
	t.Parallel()

	tx := mustHash32(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	tests := []struct {
		name     string
		chainID  uint64
		logIndex uint32
		want     common.Hash
	}{
		{
			name:     "mainnet_log0",
			chainID:  1,
			logIndex: 0,
			want:     mustHash32(t, "d2bf74448a64066e62527dd964ec1b0e288a45e82673666ceb0a0358d70381e8"),
		},
		{
			name:     "base_log7",
			chainID:  8453,
			logIndex: 7,
			want:     mustHash32(t, "5477943cb8b132a510b1768fb73ec6c9277ae8a6e3504da8d40e2dcc8cbc38b6"),
		},
		{
			name:     "sepolia_log01020304",
			chainID:  11155111,
			logIndex: 0x01020304,
			want:     mustHash32(t, "6a4744336591f9ca35dce5e385c5427bcc270c20e5f897f25eea0e21bd7218aa"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EventIDV1(tt.chainID, tx, tt.logIndex)
			if got != tt.want {
				t.Fatalf("EventIDV1 mismatch: got %x want %x", got, tt.want)
			}
		})
	}
}

func TestEventIDV1_ChainScoped(t *testing.T) {
	t.Parallel()

	tx := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	if EventIDV1(1, tx, 0) == EventIDV1(10, tx, 0) {
		t.Fatalf("same tx hash on different chains must not collide")
	}
	if EventIDV1(1, tx, 0) == EventIDV1(1, tx, 1) {
		t.Fatalf("different log indexes must not collide")
	}
}
