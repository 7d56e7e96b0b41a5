package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/engine"
	"chronicle/changerequest/internal/logger"
	"chronicle/changerequest/internal/memstore"
	"chronicle/changerequest/internal/merge"
)

type recordingIndexer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingIndexer) IndexChangeRequest(cr *changerequest.ChangeRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, cr.ID)
}

func (r *recordingIndexer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestServiceReindexesAfterProtocolSteps(t *testing.T) {
	ctx := context.Background()
	docs := memstore.NewDocumentStore()
	repo := memstore.NewRepository()
	e := engine.New(engine.Options{
		Documents:  docs,
		Repository: repo,
		Merge:      merge.DefaultConfig(),
		Logger:     logger.Nop(),
		Now:        func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	indexer := &recordingIndexer{}
	svc := New(Options{Engine: e, Lister: repo, Indexer: indexer, Logger: logger.Nop()})

	v1 := docs.Seed(handbook, document.New("Handbook", "l1\nl2\nl3", nil))
	cr, err := svc.CreateChangeRequest(ctx, engine.NewChangeRequest{Title: "Rules", Creator: "alice"})
	if err != nil {
		t.Fatalf("CreateChangeRequest() error = %v", err)
	}
	fc, err := svc.AddFileChange(ctx, cr.ID, engine.Edit{Target: handbook, Author: "alice", Modified: document.New("Handbook", "l1\nl2\nY", nil)})
	if err != nil {
		t.Fatalf("AddFileChange() error = %v", err)
	}
	before := indexer.count()

	if _, err := docs.Commit(ctx, document.CommitRequest{Target: handbook, Expected: v1, Document: document.New("Handbook", "l1\nl2\nX", nil), Author: "bob"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	res, err := svc.ResolveConflicts(ctx, cr.ID, fc.ID, []DecisionInput{{Reference: "content:line3", Type: "custom", Custom: "Z"}})
	if err != nil {
		t.Fatalf("ResolveConflicts() error = %v", err)
	}
	if res.Rebased == nil {
		t.Fatalf("resolution did not rebase: %+v", res.Outcome)
	}
	if got := indexer.count(); got != before+1 {
		t.Fatalf("index calls after ResolveConflicts = %d, want %d", got, before+1)
	}

	if _, err := svc.Commit(ctx, cr.ID, res.Rebased.ID); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got := indexer.count(); got != before+2 {
		t.Fatalf("index calls after Commit = %d, want %d", got, before+2)
	}

	policy := document.Reference{ID: "policy"}
	docs.Seed(policy, document.New("Policy", "A", nil))
	next, err := svc.AddFileChange(ctx, cr.ID, engine.Edit{Target: policy, Author: "alice", Modified: document.New("Policy", "A\nC", nil)})
	if err != nil {
		t.Fatalf("AddFileChange() error = %v", err)
	}
	pub, err := docs.PublishedVersion(ctx, policy)
	if err != nil {
		t.Fatalf("PublishedVersion() error = %v", err)
	}
	if _, err := docs.Commit(ctx, document.CommitRequest{Target: policy, Expected: pub.Version, Document: document.New("Policy", "B\nA", nil), Author: "bob"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	before = indexer.count()
	if _, err := svc.Rebase(ctx, cr.ID, next.ID); err != nil {
		t.Fatalf("Rebase() error = %v", err)
	}
	if got := indexer.count(); got != before+1 {
		t.Fatalf("index calls after Rebase = %d, want %d", got, before+1)
	}
	for _, id := range indexer.ids {
		if id != cr.ID {
			t.Fatalf("indexed %q, want only %q", id, cr.ID)
		}
	}
}
