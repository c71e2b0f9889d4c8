package leases

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_ChainLeaseLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()
	name := ChainLeaseName(8453)

	l, ok, err := s.TryAcquire(ctx, name, "indexer-a", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	if !l.ExpiresAt.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("expiresAt: got %v want %v", l.ExpiresAt, now.Add(30*time.Second))
	}

	held, ok, err := s.TryAcquire(ctx, name, "indexer-b", 30*time.Second)
	if err != nil || ok {
		t.Fatalf("TryAcquire by b: ok=%v err=%v", ok, err)
	}
	if held.Owner != "indexer-a" {
		t.Fatalf("holder: got %q want %q", held.Owner, "indexer-a")
	}

	now = now.Add(20 * time.Second)
	renewed, ok, err := s.Renew(ctx, name, "indexer-a", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("Renew: ok=%v err=%v", ok, err)
	}
	if !renewed.ExpiresAt.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("renewed expiresAt: got %v", renewed.ExpiresAt)
	}
	if _, _, err := s.Renew(ctx, name, "indexer-b", 30*time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Renew by b: expected ErrNotOwner, got %v", err)
	}
	if _, _, err := s.Renew(ctx, ChainLeaseName(1), "indexer-a", 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Renew missing: expected ErrNotFound, got %v", err)
	}

	// Takeover once the lease lapses.
	now = now.Add(31 * time.Second)
	l, ok, err = s.TryAcquire(ctx, name, "indexer-b", 30*time.Second)
	if err != nil || !ok || l.Owner != "indexer-b" {
		t.Fatalf("takeover: lease=%+v ok=%v err=%v", l, ok, err)
	}

	if err := s.Release(ctx, name, "indexer-a"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Release by old owner: expected ErrNotOwner, got %v", err)
	}
	if err := s.Release(ctx, name, "indexer-b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, name, "indexer-b"); err != nil {
		t.Fatalf("Release again: %v", err)
	}
	if _, err := s.Get(ctx, name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after release: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()
	for _, name := range []string{ChainLeaseName(10), ChainLeaseName(1), "maintenance"} {
		if _, ok, err := s.TryAcquire(ctx, name, "indexer-a", time.Minute); err != nil || !ok {
			t.Fatalf("TryAcquire(%s): ok=%v err=%v", name, ok, err)
		}
	}

	got, err := s.List(ctx, ChainLeasePrefix())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Name != "chain/1" || got[1].Name != "chain/10" {
		t.Fatalf("List: got %+v", got)
	}
}

func TestChainLeaseName(t *testing.T) {
	t.Parallel()

	if got := ChainLeaseName(11155111); got != "chain/11155111" {
		t.Fatalf("ChainLeaseName: got %q", got)
	}
	id, err := ParseChainLeaseName("chain/84532")
	if err != nil || id != 84532 {
		t.Fatalf("ParseChainLeaseName: id=%d err=%v", id, err)
	}
	for _, bad := range []string{"leader", "chain/", "chain/0", "chain/x"} {
		if _, err := ParseChainLeaseName(bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ParseChainLeaseName(%q): expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestMemoryStore_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()
	cases := []struct {
		name  string
		owner string
		ttl   time.Duration
	}{
		{"", "a", time.Second},
		{"chain/1", "", time.Second},
		{"chain/1", "a", 0},
	}
	for _, tc := range cases {
		if _, _, err := s.TryAcquire(ctx, tc.name, tc.owner, tc.ttl); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("TryAcquire(%q, %q, %v): expected ErrInvalidInput, got %v", tc.name, tc.owner, tc.ttl, err)
		}
	}
	if _, err := s.Get(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Get(\"\"): expected ErrInvalidInput, got %v", err)
	}
}
