package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/casegate/casegate/internal/grants"
	"github.com/casegate/casegate/internal/organizations"
	"github.com/casegate/casegate/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetConsent(ctx context.Context, id string) (Record, error)
	LatestConsent(ctx context.Context, subjectID, kind string) (*Record, error)
	ListOverrides(ctx context.Context, consentID string) ([]Override, error)
	ListExpiredWithGrants(ctx context.Context, kind string, now time.Time, scopes []grants.Scope, limit int) ([]string, error)
}

// Directory lists the participating organization universe.
type Directory interface {
	ListParticipating(ctx context.Context, excludeOrgID string) ([]organizations.Organization, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives operation outcomes.
type MetricsPort interface {
	ObserveConsentOperation(operation, outcome string)
	ObserveGrantChanges(created, revoked int)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// Kind is the consent kind owned by this engine instance.
	Kind string
	// ExpiryDays is the validity window applied on save and renew.
	ExpiryDays int
	// OperatorOrgID never appears in the universe and never receives grants.
	OperatorOrgID string
	ManagedScopes []grants.Scope
	Now           func() time.Time
	Logger        *slog.Logger
}

// Audit actions emitted after commit.
const (
	ActionConsentCreated    = "consent.created"
	ActionConsentSuperseded = "consent.superseded"
	ActionConsentRevoked    = "consent.revoked"
	ActionConsentRenewed    = "consent.renewed"
	ActionOverrideUpdated   = "consent.override_updated"
	ActionGrantCreated      = "grant.created"
	ActionGrantRevoked      = "grant.revoked"
)

const (
	defaultKind       = "data_sharing"
	defaultExpiryDays = 365
	defaultMethod     = "manual"
)

// Service coordinates consent lifecycle operations. Each mutation runs in one
// transaction holding the subject lock, and ends by converging the subject's
// managed grants onto the latest consent.
type Service struct {
	repo       RepositoryPort
	directory  Directory
	audit      AuditPort
	metrics    MetricsPort
	reconciler *grants.Reconciler
	kind       string
	expiryDays int
	operator   string
	now        func() time.Time
	logger     *slog.Logger
}

// NewService builds Service. audit and metrics may be nil.
func NewService(repo RepositoryPort, directory Directory, audit AuditPort, metrics MetricsPort, cfg ServiceConfig) *Service {
	kind := strings.TrimSpace(cfg.Kind)
	if kind == "" {
		kind = defaultKind
	}
	expiry := cfg.ExpiryDays
	if expiry <= 0 {
		expiry = defaultExpiryDays
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		directory:  directory,
		audit:      audit,
		metrics:    metrics,
		reconciler: grants.NewReconciler(grants.ReconcilerConfig{ManagedScopes: cfg.ManagedScopes, Logger: logger}),
		kind:       kind,
		expiryDays: expiry,
		operator:   strings.TrimSpace(cfg.OperatorOrgID),
		now:        now,
		logger:     logger,
	}
}

// Kind returns the consent kind owned by the service.
func (s *Service) Kind() string { return s.kind }

// ResyncResult reports a subject re-sync.
type ResyncResult struct {
	Consent    *Record
	Resolution Resolution
	Grants     GrantChanges
}

// Save records a new consent decision for a subject, superseding the active
// one, and converges the subject's grants onto the resolved allowed set.
func (s *Service) Save(ctx context.Context, input SaveInput) (result SaveResult, err error) {
	defer func() { s.observe("save", err) }()
	input.SubjectID = strings.TrimSpace(input.SubjectID)
	if input.SubjectID == "" {
		return SaveResult{}, fmt.Errorf("%w: subject id required", ErrInvalidRequest)
	}
	if err := input.Scope.Validate(); err != nil {
		return SaveResult{}, err
	}
	if len(input.Restrictions) > 0 && !json.Valid(input.Restrictions) {
		return SaveResult{}, fmt.Errorf("%w: restrictions must be valid JSON", ErrInvalidRequest)
	}
	orgs, err := s.universe(ctx)
	if err != nil {
		return SaveResult{}, err
	}

	var events []shared.AuditLog
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockSubject(ctx, s.kind, input.SubjectID); err != nil {
			return err
		}
		var txErr error
		result, events, txErr = s.save(ctx, tx, input, orgs)
		return txErr
	})
	if err != nil {
		return SaveResult{}, err
	}
	s.record(ctx, events)
	return result, nil
}

// save runs inside a transaction that already holds the subject lock.
func (s *Service) save(ctx context.Context, tx TxRepository, input SaveInput, orgs []organizations.Organization) (SaveResult, []shared.AuditLog, error) {
	now := s.now()
	var events []shared.AuditLog

	prev, err := tx.LatestConsent(ctx, input.SubjectID, s.kind)
	if err != nil {
		return SaveResult{}, nil, err
	}
	var previous *Record
	if prev != nil && prev.Status == StatusActive {
		superseded, err := tx.SupersedeConsent(ctx, prev.ID, input.Actor, now, nil)
		if err != nil {
			return SaveResult{}, nil, err
		}
		previous = &superseded
		events = append(events, s.consentEvent(input.Actor, ActionConsentSuperseded, superseded, nil))
	}

	method := strings.TrimSpace(input.Method)
	if method == "" {
		method = defaultMethod
	}
	expires := now.AddDate(0, 0, s.expiryDays)
	rec, err := tx.InsertConsent(ctx, Record{
		SubjectID:      input.SubjectID,
		Kind:           s.kind,
		Scope:          input.Scope.Kind,
		Status:         StatusActive,
		CapturedBy:     nullString(input.Actor),
		CapturedMethod: method,
		PolicyVersion:  input.PolicyVersion,
		Notes:          input.Notes,
		CreatedAt:      now,
		ExpiresAt:      &expires,
		Restrictions:   input.Restrictions,
	})
	if err != nil {
		return SaveResult{}, nil, err
	}
	if err := tx.InsertOverrides(ctx, input.Scope.overrides(rec.ID, input.Actor, now)); err != nil {
		return SaveResult{}, nil, err
	}
	events = append(events, s.consentEvent(input.Actor, ActionConsentCreated, rec, map[string]any{
		"scope":   string(rec.Scope),
		"method":  rec.CapturedMethod,
		"allowed": input.Scope.Allowed,
		"blocked": input.Scope.Blocked,
	}))

	res, changes, err := s.syncGrants(ctx, tx, &rec, orgs, input.ExcludeOrgIDs, input.Actor, now)
	if err != nil {
		return SaveResult{}, nil, err
	}
	events = append(events, s.grantEvents(input.Actor, changes)...)
	return SaveResult{Consent: rec, Previous: previous, Resolution: res, Grants: countChanges(changes)}, events, nil
}

// Revoke revokes a consent record and converges the subject's grants; after
// revoking the latest record the subject holds no managed grants. Revoking a
// record that is already revoked only re-syncs grants.
func (s *Service) Revoke(ctx context.Context, input RevokeInput) (rec Record, err error) {
	defer func() { s.observe("revoke", err) }()
	current, err := s.repo.GetConsent(ctx, strings.TrimSpace(input.ConsentID))
	if err != nil {
		return Record{}, err
	}
	orgs, err := s.universe(ctx)
	if err != nil {
		return Record{}, err
	}

	var events []shared.AuditLog
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockSubject(ctx, current.Kind, current.SubjectID); err != nil {
			return err
		}
		locked, err := tx.GetConsentForUpdate(ctx, current.ID)
		if err != nil {
			return err
		}
		rec = locked
		now := s.now()
		if locked.Status == StatusActive {
			rec, err = tx.SupersedeConsent(ctx, locked.ID, input.Actor, now, input.Reason)
			if err != nil {
				return err
			}
			meta := map[string]any{}
			if input.Reason != nil {
				meta["reason"] = *input.Reason
			}
			events = append(events, s.consentEvent(input.Actor, ActionConsentRevoked, rec, meta))
		}
		latest, err := tx.LatestConsent(ctx, rec.SubjectID, rec.Kind)
		if err != nil {
			return err
		}
		_, changes, err := s.syncGrants(ctx, tx, latest, orgs, nil, input.Actor, now)
		if err != nil {
			return err
		}
		events = append(events, s.grantEvents(input.Actor, changes)...)
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.record(ctx, events)
	return rec, nil
}

// Renew re-issues an active consent with a fresh expiry. The stored choice is
// carried into a new decision: under ScopeAllOrgs every block is kept, even for
// organizations that are excluded or not listed right now; under
// ScopeSelectedOrgs only organizations still in the universe stay allowed.
// ExcludeOrgID limits the grants written, never the stored choice.
func (s *Service) Renew(ctx context.Context, input RenewInput) (result SaveResult, err error) {
	defer func() { s.observe("renew", err) }()
	current, err := s.repo.GetConsent(ctx, strings.TrimSpace(input.ConsentID))
	if err != nil {
		return SaveResult{}, err
	}
	orgs, err := s.universe(ctx)
	if err != nil {
		return SaveResult{}, err
	}

	var events []shared.AuditLog
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockSubject(ctx, current.Kind, current.SubjectID); err != nil {
			return err
		}
		rec, err := tx.GetConsentForUpdate(ctx, current.ID)
		if err != nil {
			return err
		}
		if rec.Status != StatusActive {
			return ErrConsentNotActive
		}
		overrides, err := tx.ListOverrides(ctx, rec.ID)
		if err != nil {
			return err
		}
		var scope Scope
		switch rec.Scope {
		case ScopeAllOrgs:
			scope = AllOrgs(blockedOrgIDs(overrides)...)
		case ScopeSelectedOrgs:
			scope = SelectedOrgs(Resolve(rec.Scope, orgs, overrides).Allowed...)
		default:
			scope = NoOrgs()
		}
		method := input.Method
		if strings.TrimSpace(method) == "" {
			method = rec.CapturedMethod
		}
		policy := input.PolicyVersion
		if policy == nil {
			policy = rec.PolicyVersion
		}
		var exclude []string
		if input.ExcludeOrgID != "" {
			exclude = []string{input.ExcludeOrgID}
		}
		var saveEvents []shared.AuditLog
		result, saveEvents, err = s.save(ctx, tx, SaveInput{
			SubjectID:     rec.SubjectID,
			Scope:         scope,
			Actor:         input.Actor,
			Method:        method,
			Notes:         rec.Notes,
			PolicyVersion: policy,
			Restrictions:  rec.Restrictions,
			ExcludeOrgIDs: exclude,
		}, orgs)
		if err != nil {
			return err
		}
		events = append(saveEvents, s.consentEvent(input.Actor, ActionConsentRenewed, result.Consent, map[string]any{
			"renewed_from": rec.ID,
		}))
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}
	s.record(ctx, events)
	return result, nil
}

// UpdateOrgOverride sets one organization's exception on an active consent
// and converges grants in the same transaction.
func (s *Service) UpdateOrgOverride(ctx context.Context, input OverrideInput) (result SaveResult, err error) {
	defer func() { s.observe("override", err) }()
	input.OrganizationID = strings.TrimSpace(input.OrganizationID)
	if input.OrganizationID == "" {
		return SaveResult{}, fmt.Errorf("%w: organization id required", ErrInvalidRequest)
	}
	current, err := s.repo.GetConsent(ctx, strings.TrimSpace(input.ConsentID))
	if err != nil {
		return SaveResult{}, err
	}
	orgs, err := s.universe(ctx)
	if err != nil {
		return SaveResult{}, err
	}

	var events []shared.AuditLog
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockSubject(ctx, current.Kind, current.SubjectID); err != nil {
			return err
		}
		rec, err := tx.GetConsentForUpdate(ctx, current.ID)
		if err != nil {
			return err
		}
		if rec.Status != StatusActive {
			return ErrConsentNotActive
		}
		if rec.Scope == ScopeNone {
			return fmt.Errorf("%w: scope none takes no overrides", ErrInvalidScope)
		}
		now := s.now()
		row, err := tx.UpsertOverride(ctx, Override{
			ConsentID:      rec.ID,
			OrganizationID: input.OrganizationID,
			Allowed:        input.Allowed,
			SetBy:          input.Actor,
			SetAt:          now,
			Reason:         input.Reason,
		})
		if err != nil {
			return err
		}
		if err := tx.TouchConsent(ctx, rec.ID, now); err != nil {
			return err
		}
		rec.UpdatedAt = now
		meta := map[string]any{"organization_id": row.OrganizationID, "allowed": row.Allowed}
		if row.Reason != nil {
			meta["reason"] = *row.Reason
		}
		events = append(events, s.consentEvent(input.Actor, ActionOverrideUpdated, rec, meta))

		res, changes, err := s.syncGrants(ctx, tx, &rec, orgs, nil, input.Actor, now)
		if err != nil {
			return err
		}
		events = append(events, s.grantEvents(input.Actor, changes)...)
		result = SaveResult{Consent: rec, Resolution: res, Grants: countChanges(changes)}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}
	s.record(ctx, events)
	return result, nil
}

// Resync converges a subject's managed grants onto its latest consent. It is
// the recovery path after an interrupted operation and is safe to repeat.
func (s *Service) Resync(ctx context.Context, subjectID, actor string) (result ResyncResult, err error) {
	defer func() { s.observe("resync", err) }()
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return ResyncResult{}, fmt.Errorf("%w: subject id required", ErrInvalidRequest)
	}
	orgs, err := s.universe(ctx)
	if err != nil {
		return ResyncResult{}, err
	}

	var events []shared.AuditLog
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockSubject(ctx, s.kind, subjectID); err != nil {
			return err
		}
		latest, err := tx.LatestConsent(ctx, subjectID, s.kind)
		if err != nil {
			return err
		}
		if latest == nil {
			latest = &Record{SubjectID: subjectID, Kind: s.kind, Scope: ScopeNone, Status: StatusRevoked}
		} else {
			result.Consent = latest
		}
		res, changes, err := s.syncGrants(ctx, tx, latest, orgs, nil, actor, s.now())
		if err != nil {
			return err
		}
		events = s.grantEvents(actor, changes)
		result.Resolution = res
		result.Grants = countChanges(changes)
		return nil
	})
	if err != nil {
		return ResyncResult{}, err
	}
	s.record(ctx, events)
	return result, nil
}

// Effective returns the latest consent of a subject with its expiry-aware
// status and per-organization selections.
func (s *Service) Effective(ctx context.Context, subjectID string) (Effective, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Effective{}, fmt.Errorf("%w: subject id required", ErrInvalidRequest)
	}
	latest, err := s.repo.LatestConsent(ctx, subjectID, s.kind)
	if err != nil {
		return Effective{}, err
	}
	if latest == nil {
		return NewEffective(nil, nil, s.now()), nil
	}
	overrides, err := s.repo.ListOverrides(ctx, latest.ID)
	if err != nil {
		return Effective{}, err
	}
	orgs, err := s.universe(ctx)
	if err != nil {
		return Effective{}, err
	}
	res := Resolve(latest.Scope, orgs, overrides)
	return NewEffective(latest, res.Selections, s.now()), nil
}

// ListOrganizations returns the participating organizations a subject may
// share with.
func (s *Service) ListOrganizations(ctx context.Context) ([]organizations.Organization, error) {
	return s.universe(ctx)
}

// ExpiredSubjects lists subjects whose active consent expired at or before now
// while they still hold managed grants. Resync clears them.
func (s *Service) ExpiredSubjects(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.repo.ListExpiredWithGrants(ctx, s.kind, now, s.reconciler.ManagedScopes(), limit)
}

// syncGrants resolves latest against orgs and reconciles the managed grants.
// Only a consent effectively active at now authorizes grants, and every grant
// write is stamped with now.
func (s *Service) syncGrants(ctx context.Context, tx TxRepository, latest *Record, orgs []organizations.Organization, exclude []string, actor string, now time.Time) (Resolution, grants.Result, error) {
	var overrides []Override
	if latest.ID != "" {
		var err error
		overrides, err = tx.ListOverrides(ctx, latest.ID)
		if err != nil {
			return Resolution{}, grants.Result{}, err
		}
	}
	res := Resolve(latest.Scope, orgs, overrides)
	var desired []string
	if EffectiveStatusAt(*latest, now) == EffectiveActive {
		desired = res.Allowed
	}
	if s.operator != "" {
		exclude = append(append([]string(nil), exclude...), s.operator)
	}
	changes, err := s.reconciler.Reconcile(ctx, tx.Ledger(), grants.Request{
		SubjectID:     latest.SubjectID,
		DesiredOrgIDs: desired,
		ExcludeOrgIDs: exclude,
		Actor:         actor,
		At:            now,
	})
	if err != nil {
		return Resolution{}, grants.Result{}, err
	}
	return res, changes, nil
}

func (s *Service) universe(ctx context.Context) ([]organizations.Organization, error) {
	if s.directory == nil {
		return nil, errors.New("consent: organization directory not configured")
	}
	orgs, err := s.directory.ListParticipating(ctx, s.operator)
	if err != nil {
		return nil, fmt.Errorf("consent: list organizations: %w", err)
	}
	return orgs, nil
}

// blockedOrgIDs returns every organization explicitly refused by overrides,
// listed or not.
func blockedOrgIDs(overrides []Override) []string {
	var out []string
	for _, o := range overrides {
		if !o.Allowed {
			out = append(out, o.OrganizationID)
		}
	}
	return out
}

func (s *Service) consentEvent(actor, action string, rec Record, meta map[string]any) shared.AuditLog {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["subject_id"] = rec.SubjectID
	meta["consent_kind"] = rec.Kind
	return shared.AuditLog{ActorID: actor, Action: action, Entity: "consent", EntityID: rec.ID, Meta: meta}
}

func (s *Service) grantEvents(actor string, changes grants.Result) []shared.AuditLog {
	events := make([]shared.AuditLog, 0, len(changes.Created)+len(changes.Revoked))
	for _, g := range changes.Revoked {
		events = append(events, shared.AuditLog{ActorID: actor, Action: ActionGrantRevoked, Entity: "grant", EntityID: g.ID,
			Meta: map[string]any{"subject_id": g.SubjectID, "scope": string(g.Scope), "organization_id": g.OrgID()}})
	}
	for _, g := range changes.Created {
		events = append(events, shared.AuditLog{ActorID: actor, Action: ActionGrantCreated, Entity: "grant", EntityID: g.ID,
			Meta: map[string]any{"subject_id": g.SubjectID, "scope": string(g.Scope), "organization_id": g.OrgID()}})
	}
	return events
}

// record publishes committed changes: grant counters first, then audit
// entries. Audit failures are logged and dropped.
func (s *Service) record(ctx context.Context, events []shared.AuditLog) {
	if s.metrics != nil {
		var created, revoked int
		for _, e := range events {
			switch e.Action {
			case ActionGrantCreated:
				created++
			case ActionGrantRevoked:
				revoked++
			}
		}
		if created > 0 || revoked > 0 {
			s.metrics.ObserveGrantChanges(created, revoked)
		}
	}
	if s.audit == nil {
		return
	}
	for _, e := range events {
		if err := s.audit.Record(ctx, e); err != nil {
			s.logger.Warn("audit record failed",
				slog.String("action", e.Action),
				slog.String("entity_id", e.EntityID),
				slog.Any("error", err))
		}
	}
}

func (s *Service) observe(operation string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveConsentOperation(operation, Outcome(err))
}

// Outcome classifies an operation error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, shared.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func countChanges(r grants.Result) GrantChanges {
	return GrantChanges{Created: len(r.Created), Revoked: len(r.Revoked)}
}
