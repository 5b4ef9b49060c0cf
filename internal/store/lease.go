package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lease is a named, time-bounded exclusive hold.
type Lease struct {
	Name       string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// AcquireLease takes the lease name for holder until now+ttl.
// Succeeds if the lease is free, expired, or already held by holder (which
// extends it). Returns false if another holder has an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.holder = excluded.holder
	`, name, holder, toMillis(now), toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: rows affected: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// ReadLease returns the current lease row, expired or not.
// Returns ErrNotFound if no one holds it.
func (s *Store) ReadLease(ctx context.Context, name string) (Lease, error) {
	var (
		l          Lease
		acquiredAt int64
		expiresAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, holder, acquired_at, expires_at FROM leases WHERE name = ?`, name).
		Scan(&l.Name, &l.Holder, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, fmt.Errorf("lease %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("read lease %s: %w", name, err)
	}
	l.AcquiredAt = fromMillis(acquiredAt)
	l.ExpiresAt = fromMillis(expiresAt)
	return l, nil
}
