// Package postgres stores writer leases in the indexer database so that
// several indexer processes can share one ledger. Expiry is judged by the
// database clock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compactlabs/compact-indexer/internal/leases"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO writer_leases (name, owner, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now(),
			renewed_at = now()
		WHERE writer_leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Held by someone else.
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire %s: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		UPDATE writer_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			renewed_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		switch {
		case gerr != nil:
			return leases.Lease{}, false, gerr
		case cur.Owner != owner:
			return leases.Lease{}, false, leases.ErrNotOwner
		default:
			return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew %s: row changed concurrently", name)
		}
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew %s: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM writer_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %s: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.Get(ctx, name)
	if errors.Is(err, leases.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return leases.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM writer_leases WHERE name = $1`, name).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %s: %w", name, err)
	}
	return l, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]leases.Lease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, owner, expires_at FROM writer_leases
		WHERE starts_with(name, $1)
		ORDER BY name
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("leases/postgres: list %q: %w", prefix, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (leases.Lease, error) {
		var l leases.Lease
		err := row.Scan(&l.Name, &l.Owner, &l.ExpiresAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("leases/postgres: list %q: %w", prefix, err)
	}
	return out, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func validateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.ErrInvalidInput
	}
	return nil
}
