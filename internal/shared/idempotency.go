package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultIdempotencyLease bounds how long an unfinished claim blocks retries.
const DefaultIdempotencyLease = 2 * time.Minute

// IdempotencyStore persists processed request keys. A claim stays pending
// until Complete marks it; a pending claim older than the lease is handed to
// the next caller, so a request that died mid-flight does not hold its key
// for the whole retention window.
type IdempotencyStore struct {
	db    Execer
	lease time.Duration
	now   func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(db Execer) *IdempotencyStore {
	return &IdempotencyStore{db: db, lease: DefaultIdempotencyLease, now: time.Now}
}

// WithLease overrides the pending-claim lease. Non-positive values are ignored.
func (s *IdempotencyStore) WithLease(lease time.Duration) *IdempotencyStore {
	if lease > 0 {
		s.lease = lease
	}
	return s
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// CheckAndInsert claims key within scope. A completed key, or a pending one
// still inside its lease, returns ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, scope string) error {
	if s == nil || s.db == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if scope == "" {
		return errors.New("idempotency scope required")
	}
	now := s.now().UTC()
	tag, err := s.db.Exec(ctx, `INSERT INTO idempotency_keys (key, scope, created_at) VALUES ($1, $2, $3)
ON CONFLICT (key, scope) DO UPDATE SET created_at = EXCLUDED.created_at
WHERE idempotency_keys.completed_at IS NULL AND idempotency_keys.created_at < $4`,
		key, scope, now, now.Add(-s.lease))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Complete marks a claimed key as processed so it no longer expires with the
// lease.
func (s *IdempotencyStore) Complete(ctx context.Context, key, scope string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.db.Exec(ctx, `UPDATE idempotency_keys SET completed_at = $3 WHERE key = $1 AND scope = $2`, key, scope, s.now().UTC())
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-olderThan)
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete releases a key, typically after the guarded request failed.
func (s *IdempotencyStore) Delete(ctx context.Context, key, scope string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND scope = $2`, key, scope)
	return err
}
