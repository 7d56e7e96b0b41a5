package changerequest

import (
	"errors"
	"testing"

	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/version"
)

func fileChange(target string, v string) FileChange {
	ref := document.Reference{ID: target}
	token := version.MustParse(v)
	return FileChange{ID: FileChangeID(ref, token), Target: ref, Version: token, Saved: true}
}

func TestLatestFileChangeForUsesInsertionOrder(t *testing.T) {
	cr := &ChangeRequest{ID: "cr-1", Status: StatusDraft}
	for _, fc := range []FileChange{
		fileChange("a", "filechange-2.1"),
		fileChange("b", "filechange-1.1"),
		fileChange("a", "filechange-2.2"),
	} {
		if err := cr.AppendFileChange(fc); err != nil {
			t.Fatalf("AppendFileChange() error = %v", err)
		}
	}

	latest, ok := cr.LatestFileChangeFor(document.Reference{ID: "a"})
	if !ok || latest.Version.String() != "filechange-2.2" {
		t.Fatalf("LatestFileChangeFor(a) = %+v, %v", latest, ok)
	}
	if latest.ChangeRequestID != "cr-1" {
		t.Fatalf("expected back reference, got %q", latest.ChangeRequestID)
	}
	if got := len(cr.FileChangesFor(document.Reference{ID: "a"})); got != 2 {
		t.Fatalf("FileChangesFor(a) returned %d items", got)
	}
	targets := cr.Targets()
	if len(targets) != 2 || targets[0].ID != "a" || targets[1].ID != "b" {
		t.Fatalf("Targets() = %+v", targets)
	}
	if cr.IsLatest(cr.FileChanges[0]) {
		t.Fatal("first file change should be superseded")
	}
	if got := len(cr.LatestFileChanges()); got != 2 {
		t.Fatalf("LatestFileChanges() returned %d items", got)
	}
}

func TestAppendFileChangeRejectsDuplicateID(t *testing.T) {
	cr := &ChangeRequest{ID: "cr-1", Status: StatusDraft}
	fc := fileChange("a", "filechange-2.1")
	if err := cr.AppendFileChange(fc); err != nil {
		t.Fatalf("AppendFileChange() error = %v", err)
	}
	if err := cr.AppendFileChange(fc); !errors.Is(err, ErrFileChangeImmutable) {
		t.Fatalf("expected ErrFileChangeImmutable, got %v", err)
	}
}

func TestAppendFileChangeOutdatesReviews(t *testing.T) {
	cr := &ChangeRequest{ID: "cr-1", Status: StatusReadyForReview}
	if err := cr.AddReview(Review{ID: "r1", Author: "kim", Approved: true}); err != nil {
		t.Fatalf("AddReview() error = %v", err)
	}
	if cr.Approvals() != 1 {
		t.Fatalf("Approvals() = %d", cr.Approvals())
	}
	if err := cr.AppendFileChange(fileChange("a", "filechange-1.1")); err != nil {
		t.Fatalf("AppendFileChange() error = %v", err)
	}
	if !cr.Reviews[0].Outdated || cr.Approvals() != 0 {
		t.Fatalf("expected outdated review, got %+v", cr.Reviews[0])
	}
}

func TestSetStatus(t *testing.T) {
	cr := &ChangeRequest{Status: StatusDraft}
	if err := cr.SetStatus(StatusReadyForMerging); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := cr.SetStatus(StatusMerged); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := cr.SetStatus(StatusDraft); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected merged to be terminal, got %v", err)
	}
	if err := cr.AppendFileChange(fileChange("a", "filechange-1.1")); !errors.Is(err, ErrChangeRequestClosed) {
		t.Fatalf("expected ErrChangeRequestClosed, got %v", err)
	}
	if err := (&ChangeRequest{Status: StatusDraft}).SetStatus("bogus"); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected unknown status to fail, got %v", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	stale := &StaleFileChangeError{FileChangeID: "a@filechange-2.1", Baseline: version.MustParse("2.1"), Published: version.MustParse("3.1")}
	mergeRequired := &MergeRequiredError{Cause: stale}

	var unwrapped *StaleFileChangeError
	if !errors.As(mergeRequired, &unwrapped) || unwrapped != stale {
		t.Fatal("MergeRequiredError should unwrap to the stale cause")
	}
	if !errors.Is(mergeRequired, ErrMergeRequired) {
		t.Fatal("MergeRequiredError should match ErrMergeRequired")
	}

	unresolved := &UnresolvedConflictError{FileChangeID: "a@filechange-2.1", References: []string{"content:line3"}}
	if !errors.Is(unresolved, ErrMergeRequired) {
		t.Fatal("UnresolvedConflictError should match ErrMergeRequired")
	}

	cause := errors.New("disk full")
	wrapped := WrapStoreIO("commit document", cause)
	var storeIO *StoreIOError
	if !errors.As(wrapped, &storeIO) || !errors.Is(wrapped, cause) {
		t.Fatalf("WrapStoreIO() = %v", wrapped)
	}
	if WrapStoreIO("read", document.ErrNotFound) != document.ErrNotFound {
		t.Fatal("not-found should pass through")
	}
	concurrent := &ConcurrentModificationError{}
	if WrapStoreIO("commit", concurrent) != error(concurrent) {
		t.Fatal("concurrent modification should pass through")
	}
}

func TestChangeTypeFor(t *testing.T) {
	doc := document.New("t", "c", nil)
	cases := map[FileChangeType][2]*document.Document{
		FileChangeCreation: {nil, doc},
		FileChangeDeletion: {doc, nil},
		FileChangeNoChange: {doc, document.New("t", "c", nil)},
		FileChangeEdition:  {doc, doc.WithTitle("u")},
	}
	for want, pair := range cases {
		if got := ChangeTypeFor(pair[0], pair[1]); got != want {
			t.Fatalf("ChangeTypeFor() = %s, want %s", got, want)
		}
	}
}
