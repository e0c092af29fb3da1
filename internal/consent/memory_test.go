package consent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casegate/casegate/internal/grants"
	"github.com/casegate/casegate/internal/grants/grantstest"
	"github.com/casegate/casegate/internal/organizations"
	"github.com/casegate/casegate/internal/shared"
)

type memoryState struct {
	records   []Record
	overrides map[string]map[string]Override
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		records:   append([]Record(nil), s.records...),
		overrides: make(map[string]map[string]Override, len(s.overrides)),
	}
	for id, rows := range s.overrides {
		m := make(map[string]Override, len(rows))
		for k, v := range rows {
			m[k] = v
		}
		c.overrides[id] = m
	}
	return c
}

// replaceSubject swaps in src's records and overrides for one subject.
func (s *memoryState) replaceSubject(subjectID string, src *memoryState) {
	kept := s.records[:0:0]
	for _, rec := range s.records {
		if rec.SubjectID == subjectID {
			delete(s.overrides, rec.ID)
			continue
		}
		kept = append(kept, rec)
	}
	for _, rec := range src.records {
		if rec.SubjectID != subjectID {
			continue
		}
		kept = append(kept, rec)
		if rows, ok := src.overrides[rec.ID]; ok {
			s.overrides[rec.ID] = rows
		}
	}
	s.records = kept
}

// memoryRepo runs transactions concurrently on private snapshots. LockSubject
// takes a per-subject mutex and refreshes the snapshot, like a read-committed
// statement after pg_advisory_xact_lock. Commit rejects a subject that another
// transaction committed since the snapshot, the way the one-active index
// rejects a racing insert. Failed transactions leave no trace.
type memoryRepo struct {
	mu       sync.Mutex
	state    memoryState
	ledger   *grantstest.Ledger
	locks    []string
	subjects map[string]*sync.Mutex
	versions map[string]int
	ids      atomic.Int64

	failOverrides error
}

type memoryTx struct {
	repo    *memoryRepo
	state   *memoryState
	ledger  *grantstest.Ledger
	seen    map[string]int
	touched map[string]struct{}
	held    []*sync.Mutex
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state:    memoryState{overrides: make(map[string]map[string]Override)},
		ledger:   grantstest.New(),
		subjects: make(map[string]*sync.Mutex),
		versions: make(map[string]int),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{repo: r, touched: make(map[string]struct{})}
	tx.snapshot()
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *memoryRepo) commit(tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for subjectID := range tx.touched {
		if r.versions[subjectID] != tx.seen[subjectID] {
			return ErrConcurrentUpdate
		}
	}
	for subjectID := range tx.touched {
		r.state.replaceSubject(subjectID, tx.state)
		r.ledger.MergeSubject(tx.ledger, subjectID)
		r.versions[subjectID]++
	}
	return nil
}

func (r *memoryRepo) subjectLock(kind, subjectID string) *sync.Mutex {
	key := shared.ConsentLockKey(kind, subjectID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = append(r.locks, key)
	lock, ok := r.subjects[key]
	if !ok {
		lock = &sync.Mutex{}
		r.subjects[key] = lock
	}
	return lock
}

// snapshot replaces the transaction view with the committed state.
func (tx *memoryTx) snapshot() {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.state.clone()
	tx.state = &state
	tx.ledger = r.ledger.Clone()
	tx.seen = make(map[string]int, len(r.versions))
	for k, v := range r.versions {
		tx.seen[k] = v
	}
}

func (tx *memoryTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.held[i].Unlock()
	}
}

func (tx *memoryTx) touch(subjectID string) {
	tx.touched[subjectID] = struct{}{}
}

func (tx *memoryTx) subjectOf(consentID string) string {
	for _, rec := range tx.state.records {
		if rec.ID == consentID {
			return rec.SubjectID
		}
	}
	return ""
}

func (r *memoryRepo) GetConsent(ctx context.Context, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return getConsent(&r.state, id)
}

func (r *memoryRepo) LatestConsent(ctx context.Context, subjectID, kind string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return latestConsent(&r.state, subjectID, kind), nil
}

func (r *memoryRepo) ListOverrides(ctx context.Context, consentID string) ([]Override, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return listOverrides(&r.state, consentID), nil
}

func (r *memoryRepo) ListExpiredWithGrants(ctx context.Context, kind string, now time.Time, scopes []grants.Scope, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.state.records {
		if rec.Kind != kind || rec.Status != StatusActive || rec.ExpiresAt == nil || rec.ExpiresAt.After(now) {
			continue
		}
		held, err := r.ledger.ListActive(ctx, rec.SubjectID, scopes)
		if err != nil {
			return nil, err
		}
		if len(held) > 0 {
			out = append(out, rec.SubjectID)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// records returns every stored record of a subject.
func (r *memoryRepo) records(subjectID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.state.records {
		if rec.SubjectID == subjectID {
			out = append(out, rec)
		}
	}
	return out
}

func (r *memoryRepo) activeCount(subjectID string) int {
	n := 0
	for _, rec := range r.records(subjectID) {
		if rec.Status == StatusActive {
			n++
		}
	}
	return n
}

func (r *memoryRepo) grants() *grantstest.Ledger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger
}

func getConsent(s *memoryState, id string) (Record, error) {
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, ErrConsentNotFound
}

func latestConsent(s *memoryState, subjectID, kind string) *Record {
	var latest *Record
	for i := range s.records {
		rec := s.records[i]
		if rec.SubjectID != subjectID || rec.Kind != kind {
			continue
		}
		if latest == nil || newerDecision(rec, *latest) {
			latest = &rec
		}
	}
	return latest
}

// newerDecision mirrors the repository ordering: active first, then creation time.
func newerDecision(a, b Record) bool {
	aActive, bActive := a.Status == StatusActive, b.Status == StatusActive
	if aActive != bActive {
		return aActive
	}
	return !a.CreatedAt.Before(b.CreatedAt)
}

func listOverrides(s *memoryState, consentID string) []Override {
	out := []Override{}
	for _, o := range s.overrides[consentID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out
}

func (tx *memoryTx) LockSubject(ctx context.Context, kind, subjectID string) error {
	lock := tx.repo.subjectLock(kind, subjectID)
	lock.Lock()
	tx.held = append(tx.held, lock)
	tx.snapshot()
	tx.touch(subjectID)
	return nil
}

func (tx *memoryTx) LatestConsent(ctx context.Context, subjectID, kind string) (*Record, error) {
	return latestConsent(tx.state, subjectID, kind), nil
}

func (tx *memoryTx) GetConsentForUpdate(ctx context.Context, id string) (Record, error) {
	return getConsent(tx.state, id)
}

func (tx *memoryTx) InsertConsent(ctx context.Context, rec Record) (Record, error) {
	for _, existing := range tx.state.records {
		if existing.SubjectID == rec.SubjectID && existing.Kind == rec.Kind && existing.Status == StatusActive {
			return Record{}, ErrConcurrentUpdate
		}
	}
	tx.touch(rec.SubjectID)
	rec.ID = fmt.Sprintf("consent-%d", tx.repo.ids.Add(1))
	rec.UpdatedAt = rec.CreatedAt
	tx.state.records = append(tx.state.records, rec)
	return rec, nil
}

func (tx *memoryTx) SupersedeConsent(ctx context.Context, id, revokedBy string, at time.Time, notes *string) (Record, error) {
	for i := range tx.state.records {
		rec := &tx.state.records[i]
		if rec.ID != id || rec.Status != StatusActive {
			continue
		}
		tx.touch(rec.SubjectID)
		rec.Status = StatusRevoked
		rec.RevokedAt = &at
		rec.RevokedBy = nullString(revokedBy)
		rec.UpdatedAt = at
		if notes != nil {
			rec.Notes = notes
		}
		return *rec, nil
	}
	return Record{}, ErrConcurrentUpdate
}

func (tx *memoryTx) TouchConsent(ctx context.Context, id string, at time.Time) error {
	for i := range tx.state.records {
		if tx.state.records[i].ID == id {
			tx.touch(tx.state.records[i].SubjectID)
			tx.state.records[i].UpdatedAt = at
			return nil
		}
	}
	return ErrConsentNotFound
}

func (tx *memoryTx) ListOverrides(ctx context.Context, consentID string) ([]Override, error) {
	return listOverrides(tx.state, consentID), nil
}

func (tx *memoryTx) InsertOverrides(ctx context.Context, rows []Override) error {
	if tx.repo.failOverrides != nil {
		return tx.repo.failOverrides
	}
	for _, row := range rows {
		if _, err := tx.UpsertOverride(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) UpsertOverride(ctx context.Context, row Override) (Override, error) {
	tx.touch(tx.subjectOf(row.ConsentID))
	rows, ok := tx.state.overrides[row.ConsentID]
	if !ok {
		rows = make(map[string]Override)
		tx.state.overrides[row.ConsentID] = rows
	}
	rows[row.OrganizationID] = row
	return row, nil
}

func (tx *memoryTx) Ledger() grants.Ledger {
	return tx.ledger
}

type staticDirectory struct {
	mu   sync.Mutex
	orgs []organizations.Organization
	err  error
}

func newDirectory(ids ...string) *staticDirectory {
	d := &staticDirectory{}
	d.set(ids...)
	return d
}

func (d *staticDirectory) set(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orgs = d.orgs[:0]
	for _, id := range ids {
		d.orgs = append(d.orgs, organizations.Organization{ID: id, Name: "Org " + id, IsActive: true})
	}
}

func (d *staticDirectory) ListParticipating(ctx context.Context, excludeOrgID string) ([]organizations.Organization, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []organizations.Organization
	for _, o := range d.orgs {
		if excludeOrgID != "" && o.ID == excludeOrgID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	created  int
	revoked  int
}

func (m *recordingMetrics) ObserveConsentOperation(operation, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[operation+"/"+outcome]++
}

func (m *recordingMetrics) ObserveGrantChanges(created, revoked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created += created
	m.revoked += revoked
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current time and ticks one second so records sort by creation.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errStore = errors.New("store unavailable")
