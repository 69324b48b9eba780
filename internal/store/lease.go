package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AcquireLease attempts to take the named time-bounded lease. It returns true
// when the lease was free or expired, false when another holder still owns it.
// Acquisition is a single atomic statement, so concurrent schedulers cannot
// both succeed.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO leases (name, holder, expires_at)
		 VALUES ($1, $2, now() + make_interval(secs => $3))
		 ON CONFLICT (name) DO UPDATE
		   SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		   WHERE leases.expires_at < now()
		 RETURNING name`,
		name, holder, ttl.Seconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %q: %w", name, err)
	}
	return true, nil
}

// ReleaseLease frees the lease if it is still held by the given holder.
// Releasing a lease that expired and was re-acquired by someone else is a
// no-op, which is what makes stale cycles harmless.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM leases WHERE name = $1 AND holder = $2`,
		name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %q: %w", name, err)
	}
	return nil
}
