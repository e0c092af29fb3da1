package organizations

import (
	"context"
	"errors"

	"github.com/casegate/casegate/internal/platform/db"
)

// Repository reads participating organizations from PostgreSQL.
type Repository struct {
	db db.DBTX
}

// NewRepository constructs Repository.
func NewRepository(conn db.DBTX) *Repository {
	return &Repository{db: conn}
}

// ListParticipating returns every active participating organization ordered by name.
func (r *Repository) ListParticipating(ctx context.Context) ([]Organization, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("organizations repository not initialised")
	}
	rows, err := r.db.Query(ctx, `SELECT id, name, organization_type, partnership_type, is_active
FROM participating_organizations
WHERE is_active
ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	orgs := []Organization{}
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.OrganizationType, &o.PartnershipType, &o.IsActive); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return orgs, nil
}
