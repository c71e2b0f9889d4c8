// Package leases fences each chain to a single indexer process. A lease is a
// named row with an owner and an expiry; whoever holds chain/<id> is the only
// writer allowed to apply that chain's events.
package leases

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

const chainLeasePrefix = "chain/"

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Expired reports whether the lease can be taken over at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Store is a compare-and-swap lease table.
//
// TryAcquire takes a lease that is absent or expired. Renew extends a lease the
// caller owns. Release is a no-op for absent leases.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
	// List returns the leases whose names start with prefix, ordered by name.
	List(ctx context.Context, prefix string) ([]Lease, error)
}

// ChainLeaseName is the lease guarding writes for one chain.
func ChainLeaseName(chainID uint64) string {
	return chainLeasePrefix + strconv.FormatUint(chainID, 10)
}

// ChainLeasePrefix matches every chain lease under List.
func ChainLeasePrefix() string {
	return chainLeasePrefix
}

// ParseChainLeaseName is the inverse of ChainLeaseName.
func ParseChainLeaseName(name string) (uint64, error) {
	rest, ok := strings.CutPrefix(name, chainLeasePrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a chain lease", ErrInvalidInput, name)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q has no chain id", ErrInvalidInput, name)
	}
	return id, nil
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name and owner are required and ttl must be positive", ErrInvalidInput)
	}
	return nil
}
