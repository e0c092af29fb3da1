package consent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casegate/casegate/internal/grants"
	"github.com/casegate/casegate/internal/grants/grantstest"
	"github.com/casegate/casegate/internal/shared"
)

const subject = "subject-1"

type fixture struct {
	repo    *memoryRepo
	dir     *staticDirectory
	audit   *recordingAudit
	metrics *recordingMetrics
	clock   *testClock
	svc     *Service
}

func newFixture(t *testing.T, cfg ServiceConfig, orgs ...string) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemoryRepo(),
		dir:     newDirectory(orgs...),
		audit:   &recordingAudit{},
		metrics: &recordingMetrics{},
		clock:   newClock(),
	}
	if cfg.ExpiryDays == 0 {
		cfg.ExpiryDays = 30
	}
	cfg.Now = f.clock.Now
	f.svc = NewService(f.repo, f.dir, f.audit, f.metrics, cfg)
	return f
}

func (f *fixture) granted(scope grants.Scope) []string {
	return f.repo.grants().ActiveOrgs(subject, scope)
}

func (f *fixture) requireGrants(t *testing.T, orgs ...string) {
	t.Helper()
	if len(orgs) == 0 {
		orgs = nil
	}
	require.Equal(t, orgs, f.granted(grants.ScopeView))
	require.Equal(t, orgs, f.granted(grants.ScopeUpdateContact))
}

func TestSaveWidenThenNarrow(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b", "org-c")
	ctx := context.Background()

	first, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1", Method: "portal"})
	require.NoError(t, err)
	require.Nil(t, first.Previous)
	require.Equal(t, StatusActive, first.Consent.Status)
	require.Equal(t, []string{"org-a", "org-b", "org-c"}, first.Resolution.Allowed)
	require.Equal(t, GrantChanges{Created: 6}, first.Grants)
	f.requireGrants(t, "org-a", "org-b", "org-c")

	var keptIDs []string
	for _, g := range f.repo.grants().All() {
		if g.OrgID() == "org-a" {
			keptIDs = append(keptIDs, g.ID)
		}
	}

	second, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: SelectedOrgs("org-a"), Actor: "staff-1", Method: "portal"})
	require.NoError(t, err)
	require.NotNil(t, second.Previous)
	require.Equal(t, first.Consent.ID, second.Previous.ID)
	require.Equal(t, StatusRevoked, second.Previous.Status)
	require.Equal(t, GrantChanges{Revoked: 4}, second.Grants)
	f.requireGrants(t, "org-a")

	for _, g := range f.repo.grants().All() {
		if g.OrgID() == "org-a" {
			require.Contains(t, keptIDs, g.ID)
			require.True(t, g.Active())
		}
	}

	prev, err := f.repo.GetConsent(ctx, first.Consent.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, prev.Status)
	require.NotNil(t, prev.RevokedAt)
	require.Equal(t, 1, f.repo.activeCount(subject))
}

func TestSaveStoresOverridesAndExpiry(t *testing.T) {
	f := newFixture(t, ServiceConfig{ExpiryDays: 90}, "org-a", "org-b")
	ctx := context.Background()
	notes := "verbal consent"
	policy := "2024-01"

	res, err := f.svc.Save(ctx, SaveInput{
		SubjectID:     subject,
		Scope:         AllOrgs("org-b", "org-b"),
		Actor:         "staff-1",
		Notes:         &notes,
		PolicyVersion: &policy,
		Restrictions:  json.RawMessage(`{"topics":["housing"]}`),
	})
	require.NoError(t, err)
	require.Equal(t, defaultMethod, res.Consent.CapturedMethod)
	require.Equal(t, "staff-1", *res.Consent.CapturedBy)
	require.JSONEq(t, `{"topics":["housing"]}`, string(res.Consent.Restrictions))
	require.NotNil(t, res.Consent.ExpiresAt)
	require.Equal(t, res.Consent.CreatedAt.AddDate(0, 0, 90), *res.Consent.ExpiresAt)

	rows, err := f.repo.ListOverrides(ctx, res.Consent.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "org-b", rows[0].OrganizationID)
	require.False(t, rows[0].Allowed)
	f.requireGrants(t, "org-a")
}

func TestSaveNoneWritesNoOverrides(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	res, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: NoOrgs(), Actor: "staff-1"})
	require.NoError(t, err)

	rows, err := f.repo.ListOverrides(ctx, res.Consent.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Empty(t, res.Resolution.Allowed)
	require.Equal(t, []string{"org-a"}, res.Resolution.Blocked)
	f.requireGrants(t)
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: Scope{Kind: ScopeNone, Blocked: []string{"org-a"}}})
	require.ErrorIs(t, err, ErrInvalidScope)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: Scope{Kind: "everyone"}})
	require.ErrorIs(t, err, ErrInvalidScope)

	_, err = f.svc.Save(ctx, SaveInput{SubjectID: " ", Scope: AllOrgs()})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Restrictions: json.RawMessage(`{`)})
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.Empty(t, f.repo.records(subject))
	require.Empty(t, f.repo.grants().All())
	require.Equal(t, 4, f.metrics.outcomes["save/invalid"])
}

func TestSaveExcludesOperatorAndRequestedOrgs(t *testing.T) {
	f := newFixture(t, ServiceConfig{OperatorOrgID: "operator"}, "org-a", "org-b", "operator")
	ctx := context.Background()

	res, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	require.Equal(t, []string{"org-a", "org-b"}, res.Resolution.Allowed)
	f.requireGrants(t, "org-a", "org-b")

	_, err = f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1", ExcludeOrgIDs: []string{"org-b"}})
	require.NoError(t, err)
	f.requireGrants(t, "org-a")
}

func TestGrantWritesUseOperationTime(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b")
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	for _, g := range f.repo.grants().All() {
		require.Equal(t, saved.Consent.CreatedAt, g.GrantedAt)
	}

	rec, err := f.svc.Revoke(ctx, RevokeInput{ConsentID: saved.Consent.ID, Actor: "staff-1"})
	require.NoError(t, err)
	for _, g := range f.repo.grants().All() {
		require.Equal(t, *rec.RevokedAt, *g.RevokedAt)
	}
}

func TestOperatorGrantIsRevokedWhenPresent(t *testing.T) {
	f := newFixture(t, ServiceConfig{OperatorOrgID: "operator"}, "org-a", "operator")
	f.repo.ledger.Seed(grantstest.OrgGrant(subject, "operator", grants.ScopeView))

	_, err := f.svc.Save(context.Background(), SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	require.Equal(t, []string{"org-a"}, f.granted(grants.ScopeView))
}

func TestConcurrentSavesKeepSingleActive(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b", "org-c")
	ctx := context.Background()

	scopes := []Scope{AllOrgs(), SelectedOrgs("org-a"), SelectedOrgs("org-b", "org-c"), NoOrgs(), AllOrgs("org-c")}
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: scopes[i%len(scopes)], Actor: "staff-1"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, f.repo.records(subject), 20)
	require.Equal(t, 1, f.repo.activeCount(subject))

	latest, err := f.repo.LatestConsent(ctx, subject, f.svc.Kind())
	require.NoError(t, err)
	require.Equal(t, StatusActive, latest.Status)
	overrides, err := f.repo.ListOverrides(ctx, latest.ID)
	require.NoError(t, err)
	orgs, err := f.dir.ListParticipating(ctx, "")
	require.NoError(t, err)
	want := Resolve(latest.Scope, orgs, overrides).Allowed
	if len(want) == 0 {
		want = nil
	}
	require.Equal(t, want, f.granted(grants.ScopeView))

	for _, key := range f.repo.locks {
		require.Equal(t, shared.ConsentLockKey("data_sharing", subject), key)
	}
}

func activeRecord(at time.Time) Record {
	return Record{SubjectID: subject, Kind: "data_sharing", Scope: ScopeAllOrgs, Status: StatusActive, CreatedAt: at}
}

// insertLatest supersedes the active record it sees and inserts a new one.
func insertLatest(ctx context.Context, tx TxRepository, at time.Time) error {
	latest, err := tx.LatestConsent(ctx, subject, "data_sharing")
	if err != nil {
		return err
	}
	if latest != nil && latest.Status == StatusActive {
		if _, err := tx.SupersedeConsent(ctx, latest.ID, "staff-1", at, nil); err != nil {
			return err
		}
	}
	_, err = tx.InsertConsent(ctx, activeRecord(at))
	return err
}

func TestSubjectLockSerializesWriters(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	locked := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.LockSubject(ctx, "data_sharing", subject); err != nil {
				return err
			}
			if err := insertLatest(ctx, tx, at); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	second := make(chan error, 1)
	go func() {
		second <- repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.LockSubject(ctx, "data_sharing", subject); err != nil {
				return err
			}
			return insertLatest(ctx, tx, at.Add(time.Second))
		})
	}()
	close(release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	require.Len(t, repo.records(subject), 2)
	require.Equal(t, 1, repo.activeCount(subject))
}

func TestUnlockedWritersConflict(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	inserted := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := insertLatest(ctx, tx, at); err != nil {
				return err
			}
			close(inserted)
			<-release
			return nil
		})
	}()
	<-inserted

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return insertLatest(ctx, tx, at.Add(time.Second))
	}))
	close(release)

	require.ErrorIs(t, <-first, ErrConcurrentUpdate)
	require.Equal(t, 1, repo.activeCount(subject))
}

func TestActiveRecordWinsOverClockSkew(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)

	f.clock.Advance(-10 * time.Second)
	second, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: SelectedOrgs("org-a"), Actor: "staff-1"})
	require.NoError(t, err)
	f.clock.Advance(20 * time.Second)

	eff, err := f.svc.Effective(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, second.Consent.ID, eff.Consent.ID)
	require.Equal(t, EffectiveActive, eff.EffectiveStatus)
	require.Equal(t, ScopeSelectedOrgs, eff.Scope)

	_, err = f.svc.Resync(ctx, subject, "system")
	require.NoError(t, err)
	f.requireGrants(t, "org-a")

	third, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	require.Equal(t, second.Consent.ID, third.Previous.ID)
	require.Equal(t, 1, f.repo.activeCount(subject))
	f.requireGrants(t, "org-a", "org-b")
}

func TestUpdateOrgOverrideReconcilesGrants(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b", "org-c")
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: SelectedOrgs("org-a", "org-b"), Actor: "staff-1"})
	require.NoError(t, err)
	f.requireGrants(t, "org-a", "org-b")

	reason := "client request"
	res, err := f.svc.UpdateOrgOverride(ctx, OverrideInput{ConsentID: saved.Consent.ID, OrganizationID: "org-a", Allowed: false, Actor: "staff-2", Reason: &reason})
	require.NoError(t, err)
	require.Equal(t, GrantChanges{Revoked: 2}, res.Grants)
	require.Equal(t, []string{"org-b"}, res.Resolution.Allowed)
	f.requireGrants(t, "org-b")

	res, err = f.svc.UpdateOrgOverride(ctx, OverrideInput{ConsentID: saved.Consent.ID, OrganizationID: "org-c", Allowed: true, Actor: "staff-2"})
	require.NoError(t, err)
	require.Equal(t, GrantChanges{Created: 2}, res.Grants)
	f.requireGrants(t, "org-b", "org-c")

	rows, err := f.repo.ListOverrides(ctx, saved.Consent.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "staff-2", rows[0].SetBy)
	require.False(t, rows[0].Allowed)
	require.Equal(t, 1, f.repo.activeCount(subject))
	require.Contains(t, f.audit.actions(), ActionOverrideUpdated)
}

func TestUpdateOrgOverrideUnderAllOrgs(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b")
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)

	_, err = f.svc.UpdateOrgOverride(ctx, OverrideInput{ConsentID: saved.Consent.ID, OrganizationID: "org-b", Allowed: false, Actor: "staff-1"})
	require.NoError(t, err)
	f.requireGrants(t, "org-a")

	_, err = f.svc.UpdateOrgOverride(ctx, OverrideInput{ConsentID: saved.Consent.ID, OrganizationID: "org-b", Allowed: true, Actor: "staff-1"})
	require.NoError(t, err)
	f.requireGrants(t, "org-a", "org-b")
}

func TestUpdateOrgOverrideRejections(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")
	ctx := context.Background()

	none, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: NoOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	_, err = f.svc.UpdateOrgOverride(ctx, OverrideInput{ConsentID: none.Consent.ID, OrganizationID: "org-a", Allowed: true})
	require.ErrorIs(t, err, ErrInvalidScope)

	_, err = f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	_, err = f.svc.UpdateOrgOverride(ctx, OverrideInput{ConsentID: none.Consent.ID, OrganizationID: "org-a", Allowed: true})
	require.ErrorIs(t, err, ErrConsentNotActive)

	_, err = f.svc.UpdateOrgOverride(ctx, OverrideInput{ConsentID: "missing", OrganizationID: "org-a"})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.UpdateOrgOverride(ctx, OverrideInput{ConsentID: none.Consent.ID})
	require.ErrorIs(t, err, ErrInvalidRequest)

	rows, err := f.repo.ListOverrides(ctx, none.Consent.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRevokeClearsGrants(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b")
	ctx := context.Background()
	f.repo.ledger.Seed(
		grantstest.UserGrant(subject, "user-1", grants.ScopeView),
		grantstest.OrgGrant(subject, "org-a", "case_manage"),
	)

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)

	reason := "withdrawn"
	rec, err := f.svc.Revoke(ctx, RevokeInput{ConsentID: saved.Consent.ID, Actor: "staff-2", Reason: &reason})
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, rec.Status)
	require.Equal(t, "staff-2", *rec.RevokedBy)
	require.Equal(t, reason, *rec.Notes)
	f.requireGrants(t)
	require.Equal(t, 0, f.repo.activeCount(subject))

	var untouched int
	for _, g := range f.repo.grants().All() {
		if g.GranteeUserID != nil || g.Scope == "case_manage" {
			require.True(t, g.Active())
			untouched++
		}
	}
	require.Equal(t, 2, untouched)

	creates, revokes := f.repo.grants().Counts()
	again, err := f.svc.Revoke(ctx, RevokeInput{ConsentID: saved.Consent.ID, Actor: "staff-3"})
	require.NoError(t, err)
	require.Equal(t, "staff-2", *again.RevokedBy)
	c2, r2 := f.repo.grants().Counts()
	require.Equal(t, creates, c2)
	require.Equal(t, revokes, r2)

	eff, err := f.svc.Effective(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, EffectiveRevoked, eff.EffectiveStatus)
}

func TestRevokeOlderRecordKeepsCurrentGrants(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b")
	ctx := context.Background()

	first, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: SelectedOrgs("org-a"), Actor: "staff-1"})
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: SelectedOrgs("org-b"), Actor: "staff-1"})
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, RevokeInput{ConsentID: first.Consent.ID, Actor: "staff-1"})
	require.NoError(t, err)
	f.requireGrants(t, "org-b")
	require.Equal(t, 1, f.repo.activeCount(subject))
}

func TestRevokeNotFound(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")

	_, err := f.svc.Revoke(context.Background(), RevokeInput{ConsentID: "consent-404"})
	require.ErrorIs(t, err, ErrConsentNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, 1, f.metrics.outcomes["revoke/not_found"])
}

func TestRenewReResolvesAgainstCurrentUniverse(t *testing.T) {
	f := newFixture(t, ServiceConfig{ExpiryDays: 10}, "org-a", "org-b", "org-c")
	ctx := context.Background()
	policy := "v1"

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs("org-b"), Actor: "staff-1", Method: "intake_form", PolicyVersion: &policy})
	require.NoError(t, err)
	f.requireGrants(t, "org-a", "org-c")

	f.clock.Advance(9 * 24 * time.Hour)
	f.dir.set("org-a", "org-b", "org-d")

	renewed, err := f.svc.Renew(ctx, RenewInput{ConsentID: saved.Consent.ID, Actor: "staff-2"})
	require.NoError(t, err)
	require.NotEqual(t, saved.Consent.ID, renewed.Consent.ID)
	require.Equal(t, ScopeAllOrgs, renewed.Consent.Scope)
	require.Equal(t, "intake_form", renewed.Consent.CapturedMethod)
	require.Equal(t, "v1", *renewed.Consent.PolicyVersion)
	require.Equal(t, saved.Consent.ID, renewed.Previous.ID)
	require.True(t, renewed.Consent.ExpiresAt.After(*saved.Consent.ExpiresAt))
	require.Equal(t, []string{"org-a", "org-d"}, renewed.Resolution.Allowed)
	f.requireGrants(t, "org-a", "org-d")

	rows, err := f.repo.ListOverrides(ctx, renewed.Consent.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "org-b", rows[0].OrganizationID)
	require.Equal(t, 1, f.repo.activeCount(subject))
	require.Contains(t, f.audit.actions(), ActionConsentRenewed)
}

func TestRenewKeepsBlocksOnExcludedOrgs(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b", "org-c")
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs("org-b"), Actor: "staff-1"})
	require.NoError(t, err)

	renewed, err := f.svc.Renew(ctx, RenewInput{ConsentID: saved.Consent.ID, Actor: "staff-1", ExcludeOrgID: "org-b"})
	require.NoError(t, err)
	rows, err := f.repo.ListOverrides(ctx, renewed.Consent.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "org-b", rows[0].OrganizationID)
	require.False(t, rows[0].Allowed)
	f.requireGrants(t, "org-a", "org-c")

	_, err = f.svc.Resync(ctx, subject, "system")
	require.NoError(t, err)
	f.requireGrants(t, "org-a", "org-c")
}

func TestRenewKeepsBlocksOnUnlistedOrgs(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b", "org-c")
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs("org-b"), Actor: "staff-1"})
	require.NoError(t, err)

	f.dir.set("org-a", "org-c")
	renewed, err := f.svc.Renew(ctx, RenewInput{ConsentID: saved.Consent.ID, Actor: "staff-1"})
	require.NoError(t, err)
	require.Equal(t, []string{"org-a", "org-c"}, renewed.Resolution.Allowed)

	f.dir.set("org-a", "org-b", "org-c")
	_, err = f.svc.Resync(ctx, subject, "system")
	require.NoError(t, err)
	f.requireGrants(t, "org-a", "org-c")

	eff, err := f.svc.Effective(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, []string{"org-a", "org-b", "org-c"}, selectionIDs(eff.Selections))
	require.False(t, eff.Selections[1].Allowed)
	require.True(t, eff.Selections[1].Explicit)
}

func selectionIDs(sel []Selection) []string {
	out := make([]string, 0, len(sel))
	for _, s := range sel {
		out = append(out, s.Organization.ID)
	}
	return out
}

func TestRenewSelectedDropsDepartedOrgs(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b", "org-c")
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: SelectedOrgs("org-a", "org-b"), Actor: "staff-1"})
	require.NoError(t, err)
	f.dir.set("org-b", "org-c")

	renewed, err := f.svc.Renew(ctx, RenewInput{ConsentID: saved.Consent.ID, Actor: "staff-1", ExcludeOrgID: "org-c"})
	require.NoError(t, err)
	require.Equal(t, ScopeSelectedOrgs, renewed.Consent.Scope)
	require.Equal(t, []string{"org-b"}, renewed.Resolution.Allowed)
	f.requireGrants(t, "org-b")
}

func TestRenewRejectsRevokedConsent(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, RevokeInput{ConsentID: saved.Consent.ID, Actor: "staff-1"})
	require.NoError(t, err)

	_, err = f.svc.Renew(ctx, RenewInput{ConsentID: saved.Consent.ID, Actor: "staff-1"})
	require.ErrorIs(t, err, ErrConsentNotActive)
	require.Len(t, f.repo.records(subject), 1)
}

func TestExpiredConsentIsReportedAndResyncClearsGrants(t *testing.T) {
	f := newFixture(t, ServiceConfig{ExpiryDays: 1}, "org-a", "org-b")
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)

	eff, err := f.svc.Effective(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, EffectiveActive, eff.EffectiveStatus)
	require.Len(t, eff.Selections, 2)

	f.clock.Advance(48 * time.Hour)
	eff, err = f.svc.Effective(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, EffectiveExpired, eff.EffectiveStatus)
	require.True(t, eff.IsExpired)
	require.Equal(t, StatusActive, eff.Status)
	require.Equal(t, saved.Consent.ID, eff.Consent.ID)
	f.requireGrants(t, "org-a", "org-b")

	res, err := f.svc.Resync(ctx, subject, "system")
	require.NoError(t, err)
	require.Equal(t, GrantChanges{Revoked: 4}, res.Grants)
	f.requireGrants(t)

	res, err = f.svc.Resync(ctx, subject, "system")
	require.NoError(t, err)
	require.Equal(t, GrantChanges{}, res.Grants)
}

func TestExpiredSubjects(t *testing.T) {
	f := newFixture(t, ServiceConfig{ExpiryDays: 1}, "org-a")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, SaveInput{SubjectID: "subject-2", Scope: NoOrgs(), Actor: "staff-1"})
	require.NoError(t, err)

	found, err := f.svc.ExpiredSubjects(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, found)

	f.clock.Advance(25 * time.Hour)
	found, err = f.svc.ExpiredSubjects(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{subject}, found)

	_, err = f.svc.Resync(ctx, subject, "system")
	require.NoError(t, err)
	found, err = f.svc.ExpiredSubjects(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestEffectiveWithoutConsent(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")

	eff, err := f.svc.Effective(context.Background(), subject)
	require.NoError(t, err)
	require.Nil(t, eff.Consent)
	require.Equal(t, EffectiveNone, eff.EffectiveStatus)
	require.Equal(t, ScopeNone, eff.Scope)
}

func TestResyncRepairsDriftedGrants(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: SelectedOrgs("org-a"), Actor: "staff-1"})
	require.NoError(t, err)
	f.repo.ledger.Seed(grantstest.OrgGrant(subject, "org-b", grants.ScopeView))
	for _, g := range f.repo.ledger.All() {
		if g.OrgID() == "org-a" && g.Scope == grants.ScopeUpdateContact {
			require.NoError(t, f.repo.ledger.Revoke(ctx, g.ID, "drift", time.Now()))
		}
	}

	res, err := f.svc.Resync(ctx, subject, "system")
	require.NoError(t, err)
	require.Equal(t, GrantChanges{Created: 1, Revoked: 1}, res.Grants)
	f.requireGrants(t, "org-a")

	none, err := f.svc.Resync(ctx, "subject-without-consent", "system")
	require.NoError(t, err)
	require.Nil(t, none.Consent)
}

func TestGrantFailureRollsBackAndRetryConverges(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a", "org-b", "org-c")
	ctx := context.Background()

	creates, _ := f.repo.ledger.Counts()
	f.repo.ledger.FailCreateAfter = creates + 3
	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.ErrorIs(t, err, grantstest.ErrInjected)
	require.Empty(t, f.repo.records(subject))
	require.Empty(t, f.repo.grants().All())
	require.Equal(t, 1, f.metrics.outcomes["save/error"])
	require.Empty(t, f.audit.actions())

	f.repo.ledger.FailCreateAfter = -1
	res, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	require.Nil(t, res.Previous)
	f.requireGrants(t, "org-a", "org-b", "org-c")
	require.Equal(t, 1, f.repo.activeCount(subject))
}

func TestStoreFailurePropagates(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)

	f.repo.failOverrides = errStore
	_, err = f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: SelectedOrgs("org-a"), Actor: "staff-1"})
	require.ErrorIs(t, err, errStore)

	latest, err := f.repo.LatestConsent(ctx, subject, f.svc.Kind())
	require.NoError(t, err)
	require.Equal(t, ScopeAllOrgs, latest.Scope)
	require.Equal(t, StatusActive, latest.Status)
	f.requireGrants(t, "org-a")

	f.dir.err = errStore
	_, err = f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.ErrorIs(t, err, errStore)
}

func TestAuditFailureIsSuppressed(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")
	f.audit.err = errors.New("audit down")

	res, err := f.svc.Save(context.Background(), SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	require.Equal(t, StatusActive, res.Consent.Status)
	f.requireGrants(t, "org-a")
}

func TestAuditAndMetricsAfterCommit(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: NoOrgs(), Actor: "staff-1"})
	require.NoError(t, err)

	require.Equal(t, []string{
		ActionConsentCreated, ActionGrantCreated, ActionGrantCreated,
		ActionConsentSuperseded, ActionConsentCreated, ActionGrantRevoked, ActionGrantRevoked,
	}, f.audit.actions())
	for _, l := range f.audit.logs {
		require.Equal(t, "staff-1", l.ActorID)
		require.NoError(t, l.Validate())
	}
	require.Equal(t, 2, f.metrics.outcomes["save/success"])
	require.Equal(t, 2, f.metrics.created)
	require.Equal(t, 2, f.metrics.revoked)
}

func TestCancelledContextAborts(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, "org-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Save(ctx, SaveInput{SubjectID: subject, Scope: AllOrgs(), Actor: "staff-1"})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, f.repo.records(subject))
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "success", Outcome(nil))
	require.Equal(t, "not_found", Outcome(ErrConsentNotFound))
	require.Equal(t, "invalid", Outcome(ErrInvalidScope))
	require.Equal(t, "conflict", Outcome(ErrConcurrentUpdate))
	require.Equal(t, "error", Outcome(errStore))
}
