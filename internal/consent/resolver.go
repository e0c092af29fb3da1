package consent

import (
	"time"

	"github.com/casegate/casegate/internal/organizations"
)

// Resolve classifies every organization of the universe, in listing order, as
// allowed or blocked under kind and the explicit overrides:
//
//   - ScopeAllOrgs: allowed unless an override has Allowed=false.
//   - ScopeSelectedOrgs: allowed only when an override has Allowed=true.
//   - ScopeNone and anything else: never allowed.
//
// Resolve performs no I/O and reads no clock.
func Resolve(kind ScopeKind, orgs []organizations.Organization, overrides []Override) Resolution {
	explicit := make(map[string]bool, len(overrides))
	for _, o := range overrides {
		explicit[o.OrganizationID] = o.Allowed
	}

	res := Resolution{
		Allowed:    make([]string, 0, len(orgs)),
		Blocked:    make([]string, 0, len(orgs)),
		Selections: make([]Selection, 0, len(orgs)),
	}
	for _, org := range orgs {
		choice, hasChoice := explicit[org.ID]
		allowed := false
		switch kind {
		case ScopeAllOrgs:
			allowed = !hasChoice || choice
		case ScopeSelectedOrgs:
			allowed = hasChoice && choice
		}
		if allowed {
			res.Allowed = append(res.Allowed, org.ID)
		} else {
			res.Blocked = append(res.Blocked, org.ID)
		}
		res.Selections = append(res.Selections, Selection{
			Organization: org,
			Allowed:      allowed,
			Explicit:     hasChoice && kind != ScopeNone,
		})
	}
	return res
}

// EffectiveStatusAt computes the expiry-aware status of rec at now. An active
// record with no expiry never expires.
func EffectiveStatusAt(rec Record, now time.Time) EffectiveStatus {
	switch rec.Status {
	case StatusActive:
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			return EffectiveExpired
		}
		return EffectiveActive
	case StatusRevoked:
		return EffectiveRevoked
	}
	return EffectiveStatus(rec.Status)
}

// NewEffective assembles the effective view of a subject's latest record.
func NewEffective(latest *Record, selections []Selection, now time.Time) Effective {
	if latest == nil {
		return Effective{Scope: ScopeNone, EffectiveStatus: EffectiveNone}
	}
	rec := *latest
	status := EffectiveStatusAt(rec, now)
	return Effective{
		Consent:         &rec,
		Scope:           rec.Scope,
		Status:          rec.Status,
		EffectiveStatus: status,
		ExpiresAt:       rec.ExpiresAt,
		IsExpired:       status == EffectiveExpired,
		Selections:      selections,
	}
}
