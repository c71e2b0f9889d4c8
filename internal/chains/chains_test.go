package chains

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	d, err := Lookup(8453)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if d.Name != "base" || d.StartBlock != 22031390 {
		t.Fatalf("base: got %+v", d)
	}
	if d.Address != CompactAddress {
		t.Fatalf("address: got %s", d.Address)
	}
	if _, err := Lookup(999); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("unknown: got %v want ErrUnknownChain", err)
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	d, err := ByName("BaseSepolia")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if d.ChainID != 84532 {
		t.Fatalf("chain id: got %d want 84532", d.ChainID)
	}
}

func TestParseCSV(t *testing.T) {
	t.Parallel()

	got, err := ParseCSV(" mainnet, 10 ,base,mainnet,")
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	want := []uint64{1, 10, 8453}
	if len(got) != len(want) {
		t.Fatalf("len: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ChainID != want[i] {
			t.Fatalf("[%d]: got %d want %d", i, got[i].ChainID, want[i])
		}
	}

	if _, err := ParseCSV("mainnet,arbitrum"); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("got %v want ErrUnknownChain", err)
	}
}

func TestSet(t *testing.T) {
	t.Parallel()

	s := NewSet(All())
	if len(s) != 7 {
		t.Fatalf("len: got %d want 7", len(s))
	}
	if !s.Contains(1301) || s.Contains(2) {
		t.Fatalf("Contains mismatch")
	}
	ids := s.IDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("IDs not sorted: %v", ids)
		}
	}
}
