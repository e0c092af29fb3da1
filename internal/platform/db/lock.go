package db

import (
	"context"
	"fmt"
	"time"
)

// AdvisoryXactLock takes a transaction-scoped advisory lock on key. The lock is
// released on commit or rollback. A positive timeout bounds the wait through
// lock_timeout; expiry surfaces as shared.ErrConflict via Classify.
func AdvisoryXactLock(ctx context.Context, q DBTX, key string, timeout time.Duration) error {
	if timeout > 0 {
		ms := fmt.Sprintf("%dms", timeout.Milliseconds())
		if _, err := q.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			return fmt.Errorf("platform/db: set lock timeout: %w", Classify(err))
		}
	}
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("platform/db: advisory lock %s: %w", key, Classify(err))
	}
	return nil
}
