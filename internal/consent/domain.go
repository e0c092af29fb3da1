package consent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/casegate/casegate/internal/organizations"
	"github.com/casegate/casegate/internal/shared"
)

// ScopeKind is the sharing breadth chosen by a consent decision.
type ScopeKind string

const (
	// ScopeNone shares with no organization.
	ScopeNone ScopeKind = "none"
	// ScopeAllOrgs shares with every participating organization except blocked ones.
	ScopeAllOrgs ScopeKind = "all_orgs"
	// ScopeSelectedOrgs shares only with explicitly allowed organizations.
	ScopeSelectedOrgs ScopeKind = "selected_orgs"
)

// ParseScopeKind validates a stored or submitted scope value.
func ParseScopeKind(raw string) (ScopeKind, error) {
	switch k := ScopeKind(raw); k {
	case ScopeNone, ScopeAllOrgs, ScopeSelectedOrgs:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidScope, raw)
}

// Status is the persisted lifecycle state of a consent record.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// EffectiveStatus is the expiry-aware status computed on read.
type EffectiveStatus string

const (
	EffectiveActive  EffectiveStatus = "active"
	EffectiveRevoked EffectiveStatus = "revoked"
	EffectiveExpired EffectiveStatus = "expired"
	// EffectiveNone is reported when a subject has no consent record at all.
	EffectiveNone EffectiveStatus = "none"
)

// Record is one consent decision. Records are never deleted; a newer decision
// supersedes the previous one by revoking it.
type Record struct {
	ID             string
	SubjectID      string
	Kind           string
	Scope          ScopeKind
	Status         Status
	CapturedBy     *string
	CapturedMethod string
	PolicyVersion  *string
	Notes          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RevokedAt      *time.Time
	RevokedBy      *string
	ExpiresAt      *time.Time
	Restrictions   json.RawMessage
}

// Override is a per-organization exception to the record's scope.
type Override struct {
	ConsentID      string
	OrganizationID string
	Allowed        bool
	SetBy          string
	SetAt          time.Time
	Reason         *string
}

// Scope is the submitted sharing decision. Its org list is interpreted by Kind:
// blocked organizations under ScopeAllOrgs, allowed organizations under
// ScopeSelectedOrgs, and it must be empty under ScopeNone.
type Scope struct {
	Kind    ScopeKind
	Blocked []string
	Allowed []string
}

// NoOrgs builds a ScopeNone decision.
func NoOrgs() Scope { return Scope{Kind: ScopeNone} }

// AllOrgs builds a ScopeAllOrgs decision blocking the given organizations.
func AllOrgs(blocked ...string) Scope { return Scope{Kind: ScopeAllOrgs, Blocked: blocked} }

// SelectedOrgs builds a ScopeSelectedOrgs decision allowing the given organizations.
func SelectedOrgs(allowed ...string) Scope { return Scope{Kind: ScopeSelectedOrgs, Allowed: allowed} }

// Validate rejects org lists that do not belong to the scope kind.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeNone:
		if len(s.Allowed) > 0 || len(s.Blocked) > 0 {
			return fmt.Errorf("%w: scope none takes no organizations", ErrInvalidScope)
		}
	case ScopeAllOrgs:
		if len(s.Allowed) > 0 {
			return fmt.Errorf("%w: scope all_orgs takes blocked organizations only", ErrInvalidScope)
		}
	case ScopeSelectedOrgs:
		if len(s.Blocked) > 0 {
			return fmt.Errorf("%w: scope selected_orgs takes allowed organizations only", ErrInvalidScope)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidScope, s.Kind)
	}
	for _, id := range append(append([]string(nil), s.Allowed...), s.Blocked...) {
		if id == "" {
			return fmt.Errorf("%w: empty organization id", ErrInvalidScope)
		}
	}
	return nil
}

// overrides returns the override rows that persist this decision.
func (s Scope) overrides(consentID, setBy string, at time.Time) []Override {
	var ids []string
	allowed := false
	switch s.Kind {
	case ScopeAllOrgs:
		ids = s.Blocked
	case ScopeSelectedOrgs:
		ids, allowed = s.Allowed, true
	}
	seen := make(map[string]struct{}, len(ids))
	rows := make([]Override, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, Override{ConsentID: consentID, OrganizationID: id, Allowed: allowed, SetBy: setBy, SetAt: at})
	}
	return rows
}

// Selection is one organization's resolved classification, kept for display.
type Selection struct {
	Organization organizations.Organization
	Allowed      bool
	// Explicit is true when an override row decided the outcome.
	Explicit bool
}

// Resolution partitions the organization universe into allowed and blocked.
type Resolution struct {
	Allowed    []string
	Blocked    []string
	Selections []Selection
}

// Effective is the latest consent of a subject plus its computed status.
type Effective struct {
	Consent         *Record
	Scope           ScopeKind
	Status          Status
	EffectiveStatus EffectiveStatus
	ExpiresAt       *time.Time
	IsExpired       bool
	Selections      []Selection
}

// SaveInput is a new consent decision for a subject.
type SaveInput struct {
	SubjectID     string
	Scope         Scope
	Actor         string
	Method        string
	Notes         *string
	PolicyVersion *string
	Restrictions  json.RawMessage
	// ExcludeOrgIDs never receive grants in addition to the operator organization.
	ExcludeOrgIDs []string
}

// SaveResult reports the outcome of Save and Renew.
type SaveResult struct {
	Consent    Record
	Previous   *Record
	Resolution Resolution
	Grants     GrantChanges
}

// RevokeInput revokes a consent record.
type RevokeInput struct {
	ConsentID string
	Actor     string
	Reason    *string
}

// RenewInput re-issues a consent with a fresh expiry.
type RenewInput struct {
	ConsentID     string
	Actor         string
	Method        string
	PolicyVersion *string
	ExcludeOrgID  string
}

// OverrideInput sets one organization's exception on a consent.
type OverrideInput struct {
	ConsentID      string
	OrganizationID string
	Allowed        bool
	Actor          string
	Reason         *string
}

// GrantChanges counts grant writes made while converging a subject.
type GrantChanges struct {
	Created int
	Revoked int
}

var (
	// ErrConsentNotFound indicates an unknown consent id.
	ErrConsentNotFound = fmt.Errorf("consent: consent not found: %w", shared.ErrNotFound)
	// ErrInvalidScope indicates a scope/override combination that cannot be stored.
	ErrInvalidScope = fmt.Errorf("consent: invalid scope: %w", shared.ErrInvalidInput)
	// ErrConsentNotActive indicates an operation that requires an active consent.
	ErrConsentNotActive = fmt.Errorf("consent: consent is not active: %w", shared.ErrInvalidInput)
	// ErrInvalidRequest indicates missing or malformed input.
	ErrInvalidRequest = fmt.Errorf("consent: invalid request: %w", shared.ErrInvalidInput)
	// ErrConcurrentUpdate indicates a competing writer; the call may be retried.
	ErrConcurrentUpdate = fmt.Errorf("consent: concurrent update: %w", shared.ErrConflict)
)
