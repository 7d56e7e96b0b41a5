package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/diffcache"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/logger"
	"chronicle/changerequest/internal/memstore"
	"chronicle/changerequest/internal/merge"
	"chronicle/changerequest/internal/metrics"
	"chronicle/changerequest/internal/render"
	"chronicle/changerequest/internal/version"
)

var handbook = document.Reference{ID: "handbook", Locale: "en"}

type fixture struct {
	engine *Engine
	docs   *memstore.DocumentStore
	repo   *memstore.Repository
	cache  *diffcache.Manager
}

func newFixture(t *testing.T, wrap func(DocumentStore) DocumentStore) fixture {
	t.Helper()
	docs := memstore.NewDocumentStore()
	repo := memstore.NewRepository()
	cache := diffcache.New(diffcache.Config{Enabled: true, Size: 16})
	var store DocumentStore = docs
	if wrap != nil {
		store = wrap(docs)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(Options{
		Documents:  store,
		Repository: repo,
		Cache:      cache,
		Logger:     logger.Nop(),
		Metrics:    metrics.New(),
		Merge:      merge.DefaultConfig(),
		Now:        func() time.Time { return now },
	})
	return fixture{engine: e, docs: docs, repo: repo, cache: cache}
}

func page(content string) *document.Document {
	return document.New("Handbook", content, nil)
}

func (f fixture) open(t *testing.T) *changerequest.ChangeRequest {
	t.Helper()
	cr, err := f.engine.CreateChangeRequest(context.Background(), NewChangeRequest{Title: "Update handbook", Creator: "alice"})
	if err != nil {
		t.Fatalf("CreateChangeRequest() error = %v", err)
	}
	return cr
}

func (f fixture) edit(t *testing.T, crID string, target document.Reference, modified *document.Document) changerequest.FileChange {
	t.Helper()
	fc, err := f.engine.AddFileChange(context.Background(), crID, Edit{Target: target, Author: "alice", Modified: modified})
	if err != nil {
		t.Fatalf("AddFileChange() error = %v", err)
	}
	return fc
}

func (f fixture) publish(t *testing.T, target document.Reference, doc *document.Document) version.Token {
	t.Helper()
	pub, err := f.docs.PublishedVersion(context.Background(), target)
	if err != nil {
		t.Fatalf("PublishedVersion() error = %v", err)
	}
	v, err := f.docs.Commit(context.Background(), document.CommitRequest{Target: target, Expected: pub.Version, Document: doc, Author: "bob"})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return v
}

func (f fixture) state(t *testing.T, fc changerequest.FileChange) State {
	t.Helper()
	s, err := f.engine.State(context.Background(), fc)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	return s
}

func TestAddFileChangeRecordsBaseline(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.docs.Seed(handbook, page("A"))
	cr := f.open(t)

	fc := f.edit(t, cr.ID, handbook, page("A\nB"))
	if fc.PreviousPublishedVersion != v1 || fc.PreviousVersion != v1 {
		t.Fatalf("baseline = %s/%s, want %s", fc.PreviousVersion, fc.PreviousPublishedVersion, v1)
	}
	if fc.Version.String() != "filechange-2.1" {
		t.Fatalf("version = %s, want filechange-2.1", fc.Version)
	}
	if fc.Type != changerequest.FileChangeEdition {
		t.Fatalf("type = %s, want edition", fc.Type)
	}
	if fc.ID != "handbook;en@filechange-2.1" || !fc.Saved {
		t.Fatalf("saved file change = %+v", fc)
	}

	followUp := f.edit(t, cr.ID, handbook, page("A\nB\nD"))
	if followUp.PreviousVersion != fc.Version {
		t.Fatalf("follow-up previous = %s, want %s", followUp.PreviousVersion, fc.Version)
	}
	if followUp.PreviousPublishedVersion != v1 {
		t.Fatalf("follow-up baseline = %s, want %s", followUp.PreviousPublishedVersion, v1)
	}
	if !followUp.Version.After(fc.Version) {
		t.Fatalf("follow-up version %s is not after %s", followUp.Version, fc.Version)
	}
}

func TestAddFileChangeTypes(t *testing.T) {
	f := newFixture(t, nil)
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)

	fresh := document.Reference{ID: "onboarding"}
	if fc := f.edit(t, cr.ID, fresh, page("new")); fc.Type != changerequest.FileChangeCreation {
		t.Fatalf("type = %s, want creation", fc.Type)
	}
	if fc := f.edit(t, cr.ID, handbook, page("A")); fc.Type != changerequest.FileChangeNoChange {
		t.Fatalf("type = %s, want no_change", fc.Type)
	}
	if fc := f.edit(t, cr.ID, handbook, nil); fc.Type != changerequest.FileChangeDeletion {
		t.Fatalf("type = %s, want deletion", fc.Type)
	}

	_, err := f.engine.AddFileChange(context.Background(), cr.ID, Edit{Target: document.Reference{ID: "missing"}, Author: "alice"})
	if !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("deleting a missing document error = %v, want ErrNotFound", err)
	}
	_, err = f.engine.AddFileChange(context.Background(), cr.ID, Edit{Author: "alice", Modified: page("x")})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing target error = %v, want ErrInvalidInput", err)
	}
}

func TestStaleCleanRebaseThenCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, page("A\nC"))

	if got := f.state(t, fc); got != StateFresh {
		t.Fatalf("State() = %s, want FRESH", got)
	}

	published := f.publish(t, handbook, page("A\nB"))
	if got := f.state(t, fc); got != StateStale {
		t.Fatalf("State() = %s, want STALE", got)
	}

	_, err := f.engine.Commit(ctx, fc)
	var mergeRequired *changerequest.MergeRequiredError
	if !errors.As(err, &mergeRequired) || !errors.Is(err, changerequest.ErrMergeRequired) {
		t.Fatalf("Commit() error = %v, want MergeRequiredError", err)
	}
	if mergeRequired.Cause.Published != published {
		t.Fatalf("stale cause published = %s, want %s", mergeRequired.Cause.Published, published)
	}

	rebased, err := f.engine.Rebase(ctx, fc)
	if err != nil {
		t.Fatalf("Rebase() error = %v", err)
	}
	if rebased.PreviousPublishedVersion != published {
		t.Fatalf("rebased baseline = %s, want %s", rebased.PreviousPublishedVersion, published)
	}
	if rebased.PreviousVersion != fc.Version {
		t.Fatalf("rebased previous = %s, want %s", rebased.PreviousVersion, fc.Version)
	}
	if !rebased.Version.After(fc.Version) || !rebased.FromMerge() {
		t.Fatalf("rebased version = %s", rebased.Version)
	}
	if got := rebased.Modified.Content(); got != "A\nB\nC" {
		t.Fatalf("rebased content = %q", got)
	}
	if got := f.state(t, rebased); got != StateRebased {
		t.Fatalf("State() = %s, want REBASED", got)
	}

	if _, err := f.engine.Commit(ctx, fc); !errors.Is(err, changerequest.ErrSupersededFileChange) {
		t.Fatalf("Commit(superseded) error = %v", err)
	}

	committed, err := f.engine.Commit(ctx, rebased)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !committed.After(published) {
		t.Fatalf("committed %s is not after %s", committed, published)
	}
	live, err := f.docs.Revision(ctx, handbook, committed)
	if err != nil {
		t.Fatalf("Revision() error = %v", err)
	}
	if live.Content() != "A\nB\nC" {
		t.Fatalf("live content = %q", live.Content())
	}
}

func TestConflictResolvedWithCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.docs.Seed(handbook, page("l1\nl2\nl3\nl4"))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, page("l1\nl2\nY\nl4"))
	published := f.publish(t, handbook, page("l1\nl2\nX\nl4"))

	if got := f.state(t, fc); got != StateConflicted {
		t.Fatalf("State() = %s, want CONFLICTED", got)
	}

	_, err := f.engine.Commit(ctx, fc)
	var unresolved *changerequest.UnresolvedConflictError
	if !errors.As(err, &unresolved) {
		t.Fatalf("Commit() error = %v, want UnresolvedConflictError", err)
	}
	if len(unresolved.References) != 1 || unresolved.References[0] != "content:line3" {
		t.Fatalf("unresolved references = %v", unresolved.References)
	}
	if got := f.docs.Versions(handbook); len(got) != 2 || got[1] != published {
		t.Fatalf("store versions after rejected commit = %v", got)
	}

	outcome, err := f.engine.ComputeMergeOutcome(ctx, fc)
	if err != nil {
		t.Fatalf("ComputeMergeOutcome() error = %v", err)
	}
	decision, ok := merge.CreateDecision(outcome, "content:line3", merge.DecisionCurrent, "")
	if !ok {
		t.Fatalf("CreateDecision() found no conflict")
	}

	resolution, err := f.engine.ResolveConflicts(ctx, fc, []merge.Decision{decision})
	if err != nil {
		t.Fatalf("ResolveConflicts() error = %v", err)
	}
	if !resolution.Outcome.Clean() || resolution.Rebased == nil {
		t.Fatalf("resolution = %+v", resolution)
	}
	if got := resolution.Rebased.Modified.Lines()[2]; got != "X" {
		t.Fatalf("resolved line 3 = %q, want X", got)
	}
	if resolution.Rebased.Type != changerequest.FileChangeNoChange {
		t.Fatalf("rebased type = %s, want no_change", resolution.Rebased.Type)
	}

	committed, err := f.engine.Commit(ctx, *resolution.Rebased)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if committed != published {
		t.Fatalf("no-change commit = %s, want %s", committed, published)
	}
}

func TestPartialDecisionsArePersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.docs.Seed(handbook, document.New("Handbook", "l1\nl2", nil))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, document.New("Guide", "l1\nY", nil))
	f.publish(t, handbook, document.New("Manual", "l1\nX", nil))

	resolution, err := f.engine.ResolveConflicts(ctx, fc, []merge.Decision{{Reference: merge.UnitTitle, Type: merge.DecisionNext}})
	if err != nil {
		t.Fatalf("ResolveConflicts() error = %v", err)
	}
	if resolution.Rebased != nil {
		t.Fatalf("rebased with a pending conflict")
	}
	if refs := resolution.Outcome.References(); len(refs) != 1 || refs[0] != "content:line2" {
		t.Fatalf("pending = %v", refs)
	}

	outcome, err := f.engine.ComputeMergeOutcome(ctx, fc)
	if err != nil {
		t.Fatalf("ComputeMergeOutcome() error = %v", err)
	}
	if len(outcome.Applied) != 1 || outcome.Applied[0].Reference != merge.UnitTitle {
		t.Fatalf("stored decisions were not re-applied: %+v", outcome.Applied)
	}

	resolution, err = f.engine.ResolveConflicts(ctx, fc, []merge.Decision{{Reference: "content:line2", Type: merge.DecisionCustom, Custom: "Z"}})
	if err != nil {
		t.Fatalf("ResolveConflicts() error = %v", err)
	}
	if resolution.Rebased == nil {
		t.Fatalf("expected a rebase once every conflict is decided")
	}
	if got := resolution.Rebased.Modified; got.Title() != "Guide" || got.Content() != "l1\nZ" {
		t.Fatalf("rebased = %q / %q", got.Title(), got.Content())
	}
}

func TestDecisionsDropWhenDocumentMovesAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.docs.Seed(handbook, document.New("Handbook", "l1\nl2", nil))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, document.New("Guide", "l1\nY", nil))
	f.publish(t, handbook, document.New("Manual", "l1\nX", nil))

	if _, err := f.engine.ResolveConflicts(ctx, fc, []merge.Decision{{Reference: merge.UnitTitle, Type: merge.DecisionNext}}); err != nil {
		t.Fatalf("ResolveConflicts() error = %v", err)
	}
	f.publish(t, handbook, document.New("Manual v2", "l1\nX", nil))

	outcome, err := f.engine.ComputeMergeOutcome(ctx, fc)
	if err != nil {
		t.Fatalf("ComputeMergeOutcome() error = %v", err)
	}
	if len(outcome.Applied) != 0 {
		t.Fatalf("decisions for an older published version were applied: %+v", outcome.Applied)
	}
	if _, ok := outcome.Conflict(merge.UnitTitle); !ok {
		t.Fatalf("title conflict missing: %v", outcome.References())
	}
}

func TestDeletionAgainstEditNeedsDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, nil)
	f.publish(t, handbook, page("A edited"))

	outcome, err := f.engine.ComputeMergeOutcome(ctx, fc)
	if err != nil {
		t.Fatalf("ComputeMergeOutcome() error = %v", err)
	}
	if refs := outcome.References(); len(refs) != 1 || refs[0] != merge.UnitDocument {
		t.Fatalf("references = %v", refs)
	}

	resolution, err := f.engine.ResolveConflicts(ctx, fc, []merge.Decision{{Reference: merge.UnitDocument, Type: merge.DecisionNext}})
	if err != nil {
		t.Fatalf("ResolveConflicts() error = %v", err)
	}
	if resolution.Rebased == nil || resolution.Rebased.Type != changerequest.FileChangeDeletion {
		t.Fatalf("resolution = %+v", resolution)
	}
	if _, err := f.engine.Commit(ctx, *resolution.Rebased); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	pub, err := f.docs.PublishedVersion(ctx, handbook)
	if err != nil {
		t.Fatalf("PublishedVersion() error = %v", err)
	}
	if !pub.Removed {
		t.Fatalf("document was not removed: %+v", pub)
	}
}

type flakyStore struct {
	DocumentStore
	commits  int
	failures int
}

func (s *flakyStore) Commit(ctx context.Context, req document.CommitRequest) (version.Token, error) {
	s.commits++
	if s.failures > 0 {
		s.failures--
		return version.Zero, &changerequest.ConcurrentModificationError{Target: req.Target, Expected: req.Expected, Actual: req.Expected}
	}
	return s.DocumentStore.Commit(ctx, req)
}

func TestCommitRetriesOnceAfterConcurrentModification(t *testing.T) {
	flaky := &flakyStore{failures: 1}
	f := newFixture(t, func(docs DocumentStore) DocumentStore {
		flaky.DocumentStore = docs
		return flaky
	})
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, page("B"))

	if _, err := f.engine.Commit(context.Background(), fc); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if flaky.commits != 2 {
		t.Fatalf("commits = %d, want 2", flaky.commits)
	}

	flaky.failures = 2
	fc = f.edit(t, f.open(t).ID, handbook, page("C"))
	_, err := f.engine.Commit(context.Background(), fc)
	var concurrent *changerequest.ConcurrentModificationError
	if !errors.As(err, &concurrent) {
		t.Fatalf("Commit() error = %v, want ConcurrentModificationError", err)
	}
}

func TestStoreFailuresAreWrapped(t *testing.T) {
	boom := errors.New("disk full")
	f := newFixture(t, func(docs DocumentStore) DocumentStore {
		return failingStore{DocumentStore: docs, err: boom}
	})
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, page("B"))

	_, err := f.engine.Commit(context.Background(), fc)
	var storeIO *changerequest.StoreIOError
	if !errors.As(err, &storeIO) || !errors.Is(err, boom) {
		t.Fatalf("Commit() error = %v, want StoreIOError wrapping the cause", err)
	}
}

type failingStore struct {
	DocumentStore
	err error
}

func (s failingStore) Commit(context.Context, document.CommitRequest) (version.Token, error) {
	return version.Zero, s.err
}

func TestMergeChangeRequestCommitsEveryTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	onboarding := document.Reference{ID: "onboarding", Locale: "en"}
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)
	f.edit(t, cr.ID, handbook, page("A\nC"))
	f.edit(t, cr.ID, onboarding, page("welcome"))
	f.publish(t, handbook, page("A\nB"))

	committed, err := f.engine.MergeChangeRequest(ctx, cr.ID)
	if err != nil {
		t.Fatalf("MergeChangeRequest() error = %v", err)
	}
	if len(committed) != 2 {
		t.Fatalf("committed = %+v", committed)
	}
	if !committed[0].Rebased || committed[1].Rebased {
		t.Fatalf("rebase flags = %v/%v", committed[0].Rebased, committed[1].Rebased)
	}

	live, err := f.docs.Revision(ctx, handbook, committed[0].Published)
	if err != nil {
		t.Fatalf("Revision() error = %v", err)
	}
	if live.Content() != "A\nB\nC" {
		t.Fatalf("live content = %q", live.Content())
	}
	if _, err := f.docs.Revision(ctx, onboarding, committed[1].Published); err != nil {
		t.Fatalf("created document missing: %v", err)
	}

	merged, err := f.engine.Get(ctx, cr.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if merged.Status != changerequest.StatusMerged {
		t.Fatalf("status = %s, want merged", merged.Status)
	}
	if _, err := f.engine.AddFileChange(ctx, cr.ID, Edit{Target: handbook, Author: "alice", Modified: page("late")}); !errors.Is(err, changerequest.ErrChangeRequestClosed) {
		t.Fatalf("AddFileChange() after merge error = %v", err)
	}
}

func TestMergeChangeRequestAbortsOnConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	onboarding := document.Reference{ID: "onboarding"}
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)
	f.edit(t, cr.ID, onboarding, page("welcome"))
	f.edit(t, cr.ID, handbook, page("Y"))
	f.publish(t, handbook, page("X"))

	_, err := f.engine.MergeChangeRequest(ctx, cr.ID)
	if !errors.Is(err, changerequest.ErrMergeRequired) {
		t.Fatalf("MergeChangeRequest() error = %v", err)
	}
	if _, err := f.docs.PublishedVersion(ctx, onboarding); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("onboarding was written before the conflict check: %v", err)
	}
}

func TestRefreshStaleness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, page("A\nC"))

	got, err := f.engine.RefreshStaleness(ctx, cr.ID)
	if err != nil {
		t.Fatalf("RefreshStaleness() error = %v", err)
	}
	if got.StaleDate != nil {
		t.Fatalf("fresh request has a stale date")
	}

	f.publish(t, handbook, page("A\nB"))
	got, err = f.engine.RefreshStaleness(ctx, cr.ID)
	if err != nil {
		t.Fatalf("RefreshStaleness() error = %v", err)
	}
	if got.StaleDate == nil {
		t.Fatalf("stale request has no stale date")
	}

	if _, err := f.engine.Rebase(ctx, fc); err != nil {
		t.Fatalf("Rebase() error = %v", err)
	}
	got, err = f.engine.RefreshStaleness(ctx, cr.ID)
	if err != nil {
		t.Fatalf("RefreshStaleness() error = %v", err)
	}
	if got.StaleDate != nil {
		t.Fatalf("rebased request still has a stale date")
	}
}

func TestRenderedDiffIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.docs.Seed(handbook, page("A"))
	cr := f.open(t)
	fc := f.edit(t, cr.ID, handbook, page("A\nB"))

	first, err := f.engine.RenderedDiff(ctx, fc, render.ModeAuthor)
	if err != nil {
		t.Fatalf("RenderedDiff() error = %v", err)
	}
	second, err := f.engine.RenderedDiff(ctx, fc, render.ModeAuthor)
	if err != nil {
		t.Fatalf("RenderedDiff() error = %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("cached render differs from computed render")
	}
	if stats := f.cache.Stats(); stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	uncached := New(Options{Documents: f.docs, Repository: f.repo, Logger: logger.Nop()})
	direct, err := uncached.RenderedDiff(ctx, fc, render.ModeAuthor)
	if err != nil {
		t.Fatalf("RenderedDiff() error = %v", err)
	}
	if string(direct) != string(first) {
		t.Fatalf("disabled cache changed the render")
	}

	guest, err := f.engine.RenderedDiff(ctx, fc, render.ModeGuest)
	if err != nil {
		t.Fatalf("RenderedDiff() error = %v", err)
	}
	if strings.Contains(string(guest), "alice") {
		t.Fatalf("guest render leaks the author")
	}
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cr := f.open(t)

	if _, err := f.engine.SetStatus(ctx, cr.ID, changerequest.StatusMerged); !errors.Is(err, changerequest.ErrInvalidStatusTransition) {
		t.Fatalf("SetStatus(merged) error = %v", err)
	}
	got, err := f.engine.SetStatus(ctx, cr.ID, changerequest.StatusReadyForReview)
	if err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if got.Status != changerequest.StatusReadyForReview {
		t.Fatalf("status = %s", got.Status)
	}

	reviewed, err := f.engine.AddReview(ctx, cr.ID, NewReview{Author: "bob", Approved: true})
	if err != nil {
		t.Fatalf("AddReview() error = %v", err)
	}
	if reviewed.Approvals() != 1 {
		t.Fatalf("approvals = %d, want 1", reviewed.Approvals())
	}

	f.docs.Seed(handbook, page("A"))
	f.edit(t, cr.ID, handbook, page("B"))
	loaded, err := f.engine.Get(ctx, cr.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loaded.Approvals() != 0 {
		t.Fatalf("review was not outdated by a new file change")
	}
}
