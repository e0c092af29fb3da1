package grants

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/casegate/casegate/internal/platform/db"
)

// PGLedger persists grants in access_grants. Bind it to a pool for standalone
// calls or to a pgx.Tx to compose with other writes.
type PGLedger struct {
	db db.DBTX
}

// NewLedger constructs a ledger over the given connection.
func NewLedger(conn db.DBTX) *PGLedger {
	return &PGLedger{db: conn}
}

const grantColumns = `id, subject_id, scope, grantee_org_id, grantee_user_id, granted_by, granted_at, revoked_at, revoked_by`

// ListActive returns active organization grants for the requested scopes.
// User grants are filtered in SQL so they are never read.
func (l *PGLedger) ListActive(ctx context.Context, subjectID string, scopes []Scope) ([]Grant, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, string(s))
	}
	rows, err := l.db.Query(ctx, `SELECT `+grantColumns+`
FROM access_grants
WHERE subject_id = $1 AND scope = ANY($2) AND grantee_org_id IS NOT NULL AND revoked_at IS NULL
ORDER BY granted_at ASC, id ASC`, subjectID, names)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return out, nil
}

// Create inserts an active organization grant. The partial unique index on
// active org grants turns a duplicate into ErrGrantExists.
func (l *PGLedger) Create(ctx context.Context, subjectID string, scope Scope, granteeOrgID, actor string, at time.Time) (Grant, error) {
	row := l.db.QueryRow(ctx, `INSERT INTO access_grants (id, subject_id, scope, grantee_org_id, granted_by, granted_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (subject_id, scope, grantee_org_id) WHERE revoked_at IS NULL AND grantee_org_id IS NOT NULL DO NOTHING
RETURNING `+grantColumns, uuid.NewString(), subjectID, string(scope), granteeOrgID, actor, at.UTC())
	g, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, ErrGrantExists
	}
	if err != nil {
		return Grant{}, db.Classify(err)
	}
	return g, nil
}

// Revoke marks an active grant revoked.
func (l *PGLedger) Revoke(ctx context.Context, grantID, actor string, at time.Time) error {
	tag, err := l.db.Exec(ctx, `UPDATE access_grants SET revoked_at = $3, revoked_by = $2 WHERE id = $1 AND revoked_at IS NULL`, grantID, actor, at.UTC())
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func scanGrant(row pgx.Row) (Grant, error) {
	var g Grant
	var scope string
	err := row.Scan(&g.ID, &g.SubjectID, &scope, &g.GranteeOrgID, &g.GranteeUserID, &g.GrantedBy, &g.GrantedAt, &g.RevokedAt, &g.RevokedBy)
	if err != nil {
		return Grant{}, err
	}
	g.Scope = Scope(scope)
	return g, nil
}
