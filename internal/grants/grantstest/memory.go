// Package grantstest provides an in-memory grants.Ledger for tests.
package grantstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casegate/casegate/internal/grants"
)

// Ledger is an in-memory grants.Ledger. The zero value is not usable; call New.
type Ledger struct {
	mu     sync.Mutex
	grants []grants.Grant
	// ids is shared with clones so concurrent snapshots never reuse an id.
	ids     *atomic.Int64
	creates int
	revokes int
	// base counts at clone time, so a merge adds only the snapshot's own writes.
	baseCreates int
	baseRevokes int

	// FailCreateAfter makes Create fail once this many creates succeeded; a
	// negative value disables the failure.
	FailCreateAfter int
	// FailRevoke makes every Revoke fail.
	FailRevoke bool
}

// ErrInjected is returned by injected failures.
var ErrInjected = errors.New("grantstest: injected failure")

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{FailCreateAfter: -1, ids: new(atomic.Int64)}
}

// Seed inserts grants as-is, assigning ids when missing.
func (l *Ledger) Seed(gs ...grants.Grant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range gs {
		if g.ID == "" {
			g.ID = fmt.Sprintf("seed-%d", l.ids.Add(1))
		}
		l.grants = append(l.grants, g)
	}
}

// OrgGrant builds an active organization grant.
func OrgGrant(subjectID, orgID string, scope grants.Scope) grants.Grant {
	return grants.Grant{SubjectID: subjectID, Scope: scope, GranteeOrgID: &orgID, GrantedBy: "seed"}
}

// UserGrant builds an active user grant.
func UserGrant(subjectID, userID string, scope grants.Scope) grants.Grant {
	return grants.Grant{SubjectID: subjectID, Scope: scope, GranteeUserID: &userID, GrantedBy: "seed"}
}

// ListActive mirrors the SQL ledger: active org grants in the given scopes.
func (l *Ledger) ListActive(ctx context.Context, subjectID string, scopes []grants.Scope) ([]grants.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	want := make(map[grants.Scope]struct{}, len(scopes))
	for _, s := range scopes {
		want[s] = struct{}{}
	}
	var out []grants.Grant
	for _, g := range l.grants {
		if g.SubjectID != subjectID || !g.Active() || g.GranteeOrgID == nil {
			continue
		}
		if _, ok := want[g.Scope]; !ok {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Create appends an active organization grant.
func (l *Ledger) Create(ctx context.Context, subjectID string, scope grants.Scope, orgID, actor string, at time.Time) (grants.Grant, error) {
	if err := ctx.Err(); err != nil {
		return grants.Grant{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailCreateAfter >= 0 && l.creates >= l.FailCreateAfter {
		return grants.Grant{}, ErrInjected
	}
	for _, g := range l.grants {
		if g.SubjectID == subjectID && g.Scope == scope && g.Active() && g.OrgID() == orgID {
			return grants.Grant{}, grants.ErrGrantExists
		}
	}
	org := orgID
	g := grants.Grant{
		ID:           fmt.Sprintf("grant-%d", l.ids.Add(1)),
		SubjectID:    subjectID,
		Scope:        scope,
		GranteeOrgID: &org,
		GrantedBy:    actor,
		GrantedAt:    at,
	}
	l.grants = append(l.grants, g)
	l.creates++
	return g, nil
}

// Revoke marks a grant revoked.
func (l *Ledger) Revoke(ctx context.Context, grantID, actor string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailRevoke {
		return ErrInjected
	}
	for i := range l.grants {
		if l.grants[i].ID != grantID || !l.grants[i].Active() {
			continue
		}
		by := actor
		l.grants[i].RevokedAt = &at
		l.grants[i].RevokedBy = &by
		l.revokes++
		return nil
	}
	return grants.ErrGrantNotFound
}

// All returns a copy of every grant, active or not.
func (l *Ledger) All() []grants.Grant {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]grants.Grant(nil), l.grants...)
}

// ActiveOrgs returns the sorted org ids holding an active grant in scope.
func (l *Ledger) ActiveOrgs(subjectID string, scope grants.Scope) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, g := range l.grants {
		if g.SubjectID == subjectID && g.Scope == scope && g.Active() && g.GranteeOrgID != nil {
			out = append(out, *g.GranteeOrgID)
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of successful creates and revokes so far.
func (l *Ledger) Counts() (creates, revokes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.creates, l.revokes
}

// Clone returns an independent copy, used to emulate transaction snapshots.
func (l *Ledger) Clone() *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &Ledger{
		grants:          make([]grants.Grant, len(l.grants)),
		ids:             l.ids,
		creates:         l.creates,
		revokes:         l.revokes,
		baseCreates:     l.creates,
		baseRevokes:     l.revokes,
		FailCreateAfter: l.FailCreateAfter,
		FailRevoke:      l.FailRevoke,
	}
	copy(c.grants, l.grants)
	return c
}

// MergeSubject replaces subjectID's grants with those of snapshot, a clone of
// l, and adds the writes the snapshot made to l's counts. Other subjects are
// left alone, so snapshots of different subjects commit independently.
func (l *Ledger) MergeSubject(snapshot *Ledger, subjectID string) {
	snapshot.mu.Lock()
	var theirs []grants.Grant
	for _, g := range snapshot.grants {
		if g.SubjectID == subjectID {
			theirs = append(theirs, g)
		}
	}
	creates := snapshot.creates - snapshot.baseCreates
	revokes := snapshot.revokes - snapshot.baseRevokes
	snapshot.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.grants[:0:0]
	for _, g := range l.grants {
		if g.SubjectID != subjectID {
			kept = append(kept, g)
		}
	}
	l.grants = append(kept, theirs...)
	l.creates += creates
	l.revokes += revokes
}
