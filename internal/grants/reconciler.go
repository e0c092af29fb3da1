package grants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casegate/casegate/internal/reconcile"
)

// Request describes the desired managed-grant state of one subject.
type Request struct {
	SubjectID     string
	DesiredOrgIDs []string
	// ManagedScopes overrides the reconciler default when non-empty.
	ManagedScopes []Scope
	// ExcludeOrgIDs never receive a grant, whatever DesiredOrgIDs says.
	ExcludeOrgIDs []string
	Actor         string
	// At stamps every write of the pass; zero means the current time.
	At time.Time
}

// Result lists the writes one reconcile pass performed.
type Result struct {
	Created []Grant
	Revoked []Grant
}

// Changed reports whether the pass wrote anything.
func (r Result) Changed() bool {
	return len(r.Created) > 0 || len(r.Revoked) > 0
}

// ReconcilerConfig groups optional settings.
type ReconcilerConfig struct {
	ManagedScopes []Scope
	Logger        *slog.Logger
}

// Reconciler converges the managed slice of a subject's grants, the active
// organization grants whose scope is managed, onto desired × managed scopes.
// Grants outside that slice are never read or written.
type Reconciler struct {
	scopes []Scope
	logger *slog.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	scopes := cfg.ManagedScopes
	if len(scopes) == 0 {
		scopes = DefaultManagedScopes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{scopes: append([]Scope(nil), scopes...), logger: logger}
}

// ManagedScopes returns the default managed scope family.
func (r *Reconciler) ManagedScopes() []Scope {
	return append([]Scope(nil), r.scopes...)
}

type pair struct {
	OrgID string
	Scope Scope
}

// Reconcile diffs the ledger against the request and applies the minimal set of
// revokes and creates. Re-running with unchanged input performs no writes, and
// re-running after a failure resumes where the failed pass stopped.
func (r *Reconciler) Reconcile(ctx context.Context, ledger Ledger, req Request) (Result, error) {
	if req.SubjectID == "" {
		return Result{}, errors.New("grants: subject id required")
	}
	scopes := req.ManagedScopes
	if len(scopes) == 0 {
		scopes = r.scopes
	}
	managed := make(map[Scope]struct{}, len(scopes))
	for _, s := range scopes {
		managed[s] = struct{}{}
	}

	excluded := make(map[string]struct{}, len(req.ExcludeOrgIDs))
	for _, id := range req.ExcludeOrgIDs {
		excluded[id] = struct{}{}
	}
	desired := make([]pair, 0, len(req.DesiredOrgIDs)*len(scopes))
	for _, orgID := range req.DesiredOrgIDs {
		if orgID == "" {
			continue
		}
		if _, skip := excluded[orgID]; skip {
			continue
		}
		for _, s := range scopes {
			desired = append(desired, pair{OrgID: orgID, Scope: s})
		}
	}

	existing, err := ledger.ListActive(ctx, req.SubjectID, scopes)
	if err != nil {
		return Result{}, fmt.Errorf("grants: list active: %w", err)
	}
	actual := existing[:0:0]
	for _, g := range existing {
		// Only the managed slice is ours, whatever the ledger returned.
		if g.GranteeOrgID == nil || !g.Active() || g.SubjectID != req.SubjectID {
			continue
		}
		if _, ok := managed[g.Scope]; !ok {
			continue
		}
		actual = append(actual, g)
	}

	plan := reconcile.Diff(desired, actual, func(g Grant) pair {
		return pair{OrgID: g.OrgID(), Scope: g.Scope}
	})
	var result Result
	if plan.Empty() {
		return result, nil
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	create := func(ctx context.Context, p pair) error {
		g, err := ledger.Create(ctx, req.SubjectID, p.Scope, p.OrgID, req.Actor, at)
		if errors.Is(err, ErrGrantExists) {
			return nil
		}
		if err != nil {
			return err
		}
		result.Created = append(result.Created, g)
		return nil
	}
	revoke := func(ctx context.Context, g Grant) error {
		err := ledger.Revoke(ctx, g.ID, req.Actor, at)
		if errors.Is(err, ErrGrantNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result.Revoked = append(result.Revoked, g)
		return nil
	}
	if _, _, err := reconcile.Apply(ctx, plan, create, revoke); err != nil {
		r.logger.Warn("grant reconcile interrupted",
			slog.String("subject_id", req.SubjectID),
			slog.Int("created", len(result.Created)),
			slog.Int("revoked", len(result.Revoked)),
			slog.Any("error", err))
		return result, fmt.Errorf("grants: %w", err)
	}
	r.logger.Debug("grant reconcile applied",
		slog.String("subject_id", req.SubjectID),
		slog.Int("created", len(result.Created)),
		slog.Int("revoked", len(result.Revoked)))
	return result, nil
}
