package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casegate/casegate/internal/shared"
)

// Scope is a capability tag carried by an access grant.
type Scope string

const (
	// ScopeView allows reading the subject's case record.
	ScopeView Scope = "view"
	// ScopeUpdateContact allows editing the subject's contact details.
	ScopeUpdateContact Scope = "update_contact"
)

// DefaultManagedScopes is the scope family owned by the consent reconciler.
var DefaultManagedScopes = []Scope{ScopeView, ScopeUpdateContact}

// ParseScopes parses a comma separated list, dropping blanks and duplicates.
func ParseScopes(raw string) []Scope {
	seen := make(map[Scope]struct{})
	var scopes []Scope
	for _, part := range strings.Split(raw, ",") {
		s := Scope(strings.TrimSpace(strings.ToLower(part)))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		scopes = append(scopes, s)
	}
	return scopes
}

// Grant is an access grant over a subject's record.
type Grant struct {
	ID            string
	SubjectID     string
	Scope         Scope
	GranteeOrgID  *string
	GranteeUserID *string
	GrantedBy     string
	GrantedAt     time.Time
	RevokedAt     *time.Time
	RevokedBy     *string
}

// Active reports whether the grant has not been revoked.
func (g Grant) Active() bool {
	return g.RevokedAt == nil
}

// OrgID returns the grantee organization or "" for user grants.
func (g Grant) OrgID() string {
	if g.GranteeOrgID == nil {
		return ""
	}
	return *g.GranteeOrgID
}

// Ledger exposes the grant primitives the reconciler composes. Each call is
// transactional on its own; callers may bind a ledger to an outer transaction.
type Ledger interface {
	// ListActive returns active organization grants of subjectID whose scope
	// is one of scopes, ordered by grant time.
	ListActive(ctx context.Context, subjectID string, scopes []Scope) ([]Grant, error)
	// Create and Revoke stamp the row with at, the caller's operation time.
	Create(ctx context.Context, subjectID string, scope Scope, granteeOrgID, actor string, at time.Time) (Grant, error)
	Revoke(ctx context.Context, grantID, actor string, at time.Time) error
}

var (
	// ErrGrantNotFound is returned when revoking a grant that is missing or already revoked.
	ErrGrantNotFound = fmt.Errorf("grants: grant not found: %w", shared.ErrNotFound)
	// ErrGrantExists is returned when an identical active grant already exists.
	ErrGrantExists = errors.New("grants: active grant already exists")
)
