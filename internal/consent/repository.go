package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casegate/casegate/internal/grants"
	"github.com/casegate/casegate/internal/platform/db"
	"github.com/casegate/casegate/internal/shared"
)

// Repository persists consent records and overrides in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	queries
}

// NewRepository constructs Repository. lockTimeout bounds the wait for the
// per-subject lock; zero waits until the caller's context ends.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout, queries: queries{db: pool}}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	// LockSubject serializes writers of one (kind, subject) until the transaction ends.
	LockSubject(ctx context.Context, kind, subjectID string) error
	LatestConsent(ctx context.Context, subjectID, kind string) (*Record, error)
	GetConsentForUpdate(ctx context.Context, id string) (Record, error)
	InsertConsent(ctx context.Context, rec Record) (Record, error)
	SupersedeConsent(ctx context.Context, id, revokedBy string, at time.Time, notes *string) (Record, error)
	TouchConsent(ctx context.Context, id string, at time.Time) error
	ListOverrides(ctx context.Context, consentID string) ([]Override, error)
	InsertOverrides(ctx context.Context, rows []Override) error
	UpsertOverride(ctx context.Context, row Override) (Override, error)
	// Ledger returns the grant ledger bound to the same transaction.
	Ledger() grants.Ledger
}

type txRepository struct {
	tx          pgx.Tx
	lockTimeout time.Duration
	queries
}

// WithTx runs fn in a read-committed transaction. Writers are serialized by
// LockSubject, and read committed lets statements issued after the lock see
// the previous holder's commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("consent repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, lockTimeout: r.lockTimeout, queries: queries{db: tx}})
	})
}

func (t *txRepository) LockSubject(ctx context.Context, kind, subjectID string) error {
	return db.AdvisoryXactLock(ctx, t.tx, shared.ConsentLockKey(kind, subjectID), t.lockTimeout)
}

func (t *txRepository) Ledger() grants.Ledger {
	return grants.NewLedger(t.tx)
}

// queries holds statements shared by pool and transaction scoped repositories.
type queries struct {
	db db.DBTX
}

const recordColumns = `id, subject_id, consent_kind, scope, status, captured_by, captured_method, policy_version, notes,
created_at, updated_at, revoked_at, revoked_by, expires_at, restrictions`

// LatestConsent returns the subject's current decision, or nil: the active
// record when there is one, otherwise the most recent revoked record. The
// active record wins regardless of created_at, which comes from the writer's
// clock.
func (q queries) LatestConsent(ctx context.Context, subjectID, kind string) (*Record, error) {
	row := q.db.QueryRow(ctx, `SELECT `+recordColumns+`
FROM consent_records
WHERE subject_id = $1 AND consent_kind = $2
ORDER BY (status = 'active') DESC, created_at DESC, id DESC
LIMIT 1`, subjectID, kind)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Classify(err)
	}
	return &rec, nil
}

// GetConsent loads a record by id.
func (q queries) GetConsent(ctx context.Context, id string) (Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrConsentNotFound
	}
	rec, err := scanRecord(q.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM consent_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrConsentNotFound
	}
	if err != nil {
		return Record{}, db.Classify(err)
	}
	return rec, nil
}

func (q queries) GetConsentForUpdate(ctx context.Context, id string) (Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrConsentNotFound
	}
	rec, err := scanRecord(q.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM consent_records WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrConsentNotFound
	}
	if err != nil {
		return Record{}, db.Classify(err)
	}
	return rec, nil
}

// InsertConsent stores a new record. A unique violation on the one-active
// index means another writer got there first.
func (q queries) InsertConsent(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var restrictions []byte
	if len(rec.Restrictions) > 0 {
		restrictions = rec.Restrictions
	}
	row := q.db.QueryRow(ctx, `INSERT INTO consent_records (id, subject_id, consent_kind, scope, status, captured_by, captured_method,
policy_version, notes, created_at, updated_at, expires_at, restrictions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11, $12)
RETURNING `+recordColumns,
		rec.ID, rec.SubjectID, rec.Kind, string(rec.Scope), string(rec.Status), rec.CapturedBy, rec.CapturedMethod,
		rec.PolicyVersion, rec.Notes, rec.CreatedAt, rec.ExpiresAt, restrictions)
	out, err := scanRecord(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Record{}, ErrConcurrentUpdate
		}
		return Record{}, db.Classify(err)
	}
	return out, nil
}

// SupersedeConsent revokes an active record. notes replaces the stored notes
// when non-nil.
func (q queries) SupersedeConsent(ctx context.Context, id, revokedBy string, at time.Time, notes *string) (Record, error) {
	row := q.db.QueryRow(ctx, `UPDATE consent_records
SET status = 'revoked', revoked_at = $2, revoked_by = $3, updated_at = $2, notes = COALESCE($4, notes)
WHERE id = $1 AND status = 'active'
RETURNING `+recordColumns, id, at, nullString(revokedBy), notes)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrConcurrentUpdate
	}
	if err != nil {
		return Record{}, db.Classify(err)
	}
	return rec, nil
}

func (q queries) TouchConsent(ctx context.Context, id string, at time.Time) error {
	tag, err := q.db.Exec(ctx, `UPDATE consent_records SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConsentNotFound
	}
	return nil
}

// ListOverrides returns the override rows of a consent ordered by organization.
func (q queries) ListOverrides(ctx context.Context, consentID string) ([]Override, error) {
	rows, err := q.db.Query(ctx, `SELECT consent_id, organization_id, allowed, set_by, set_at, reason
FROM consent_org_overrides
WHERE consent_id = $1
ORDER BY organization_id ASC`, consentID)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	out := []Override{}
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.ConsentID, &o.OrganizationID, &o.Allowed, &o.SetBy, &o.SetAt, &o.Reason); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return out, nil
}

const upsertOverrideSQL = `INSERT INTO consent_org_overrides (consent_id, organization_id, allowed, set_by, set_at, reason)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (consent_id, organization_id) DO UPDATE
SET allowed = EXCLUDED.allowed, set_by = EXCLUDED.set_by, set_at = EXCLUDED.set_at, reason = EXCLUDED.reason
RETURNING consent_id, organization_id, allowed, set_by, set_at, reason`

// InsertOverrides writes a batch of override rows with upsert semantics.
func (q queries) InsertOverrides(ctx context.Context, rows []Override) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range rows {
		batch.Queue(upsertOverrideSQL, o.ConsentID, o.OrganizationID, o.Allowed, o.SetBy, o.SetAt, o.Reason)
	}
	results := q.db.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return db.Classify(err)
		}
	}
	return db.Classify(results.Close())
}

// UpsertOverride writes one override row; the last write wins.
func (q queries) UpsertOverride(ctx context.Context, o Override) (Override, error) {
	var out Override
	err := q.db.QueryRow(ctx, upsertOverrideSQL, o.ConsentID, o.OrganizationID, o.Allowed, o.SetBy, o.SetAt, o.Reason).
		Scan(&out.ConsentID, &out.OrganizationID, &out.Allowed, &out.SetBy, &out.SetAt, &out.Reason)
	if err != nil {
		return Override{}, db.Classify(err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var scope, status string
	var restrictions []byte
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.Kind, &scope, &status, &rec.CapturedBy, &rec.CapturedMethod,
		&rec.PolicyVersion, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt, &rec.RevokedAt, &rec.RevokedBy,
		&rec.ExpiresAt, &restrictions)
	if err != nil {
		return Record{}, err
	}
	kind, err := ParseScopeKind(scope)
	if err != nil {
		return Record{}, err
	}
	rec.Scope = kind
	rec.Status = Status(status)
	if len(restrictions) > 0 {
		rec.Restrictions = restrictions
	}
	return rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ListExpiredWithGrants returns subjects whose active consent expired at or
// before now while they still hold managed grants, oldest expiry first.
func (q queries) ListExpiredWithGrants(ctx context.Context, kind string, now time.Time, scopes []grants.Scope, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, string(s))
	}
	rows, err := q.db.Query(ctx, `SELECT c.subject_id
FROM consent_records c
WHERE c.consent_kind = $1
  AND c.status = 'active'
  AND c.expires_at <= $2
  AND EXISTS (
    SELECT 1 FROM access_grants g
    WHERE g.subject_id = c.subject_id
      AND g.revoked_at IS NULL
      AND g.grantee_org_id IS NOT NULL
      AND g.scope = ANY($3)
  )
ORDER BY c.expires_at ASC, c.subject_id ASC
LIMIT $4`, kind, now, names, limit)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var subjects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		subjects = append(subjects, id)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return subjects, nil
}
