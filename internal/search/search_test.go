package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/logger"
	"chronicle/changerequest/internal/memstore"
	"chronicle/changerequest/internal/version"
)

func seedRepository(t *testing.T) *memstore.Repository {
	t.Helper()
	ctx := context.Background()
	repo := memstore.NewRepository()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, cr := range []*changerequest.ChangeRequest{
		{ID: "cr_1", Title: "Rewrite onboarding", Description: "New hire checklist", Creator: "avery", Status: changerequest.StatusDraft},
		{ID: "cr_2", Title: "Fix typos", Description: "Onboarding and FAQ", Creator: "blake", Status: changerequest.StatusReadyForReview},
		{ID: "cr_3", Title: "Pricing page", Description: "Update tiers", Creator: "casey", Status: changerequest.StatusDraft},
	} {
		cr.CreationDate = base.Add(time.Duration(i) * time.Hour)
		if err := repo.CreateChangeRequest(ctx, cr); err != nil {
			t.Fatalf("CreateChangeRequest() error = %v", err)
		}
	}
	_, err := repo.AppendFileChange(ctx, changerequest.FileChange{
		ChangeRequestID: "cr_3",
		Target:          document.Reference{ID: "pricing", Locale: "fr"},
		Type:            changerequest.FileChangeEdition,
		Version:         version.FileChange(2, 1),
	})
	if err != nil {
		t.Fatalf("AppendFileChange() error = %v", err)
	}
	return repo
}

func TestScanMatchesTitleDescriptionAndTargets(t *testing.T) {
	scan := NewScan(seedRepository(t))
	ctx := context.Background()

	results, total, err := scan.Search(ctx, Query{Text: "onboarding"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Fatalf("results = %+v, total = %d", results, total)
	}
	if results[0].ID != "cr_2" || results[1].ID != "cr_1" {
		t.Fatalf("results not newest first: %+v", results)
	}

	results, _, err = scan.Search(ctx, Query{Text: "PRICING;FR"})
	if err != nil || len(results) != 1 || results[0].ID != "cr_3" {
		t.Fatalf("target search = %+v, %v", results, err)
	}

	results, total, _ = scan.Search(ctx, Query{Text: "onboarding", FilterStatus: changerequest.StatusDraft})
	if total != 1 || results[0].ID != "cr_1" {
		t.Fatalf("status filter = %+v", results)
	}

	results, total, _ = scan.Search(ctx, Query{Text: "onboarding", Limit: 1, Offset: 1})
	if total != 2 || len(results) != 1 || results[0].ID != "cr_1" {
		t.Fatalf("paged = %+v, total = %d", results, total)
	}

	if results, total, _ := scan.Search(ctx, Query{Text: "  "}); results != nil || total != 0 {
		t.Fatalf("blank query = %+v", results)
	}
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, Query) ([]Result, int, error) {
	return nil, 0, errors.New("database down")
}

func TestServiceFallsBackWithoutMeilisearch(t *testing.T) {
	ctx := context.Background()
	svc := NewService(nil, NewScan(seedRepository(t)), logger.Nop())

	resp := svc.Search(ctx, Query{Text: "typos"})
	if resp.Total != 1 || resp.Results[0].ID != "cr_2" || resp.Query != "typos" {
		t.Fatalf("response = %+v", resp)
	}

	failing := NewService(nil, failingSearcher{}, logger.Nop())
	resp = failing.Search(ctx, Query{Text: "typos"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("failing fallback response = %+v", resp)
	}

	none := NewService(nil, nil, logger.Nop())
	if resp := none.Search(ctx, Query{Text: "x"}); resp.Results == nil {
		t.Fatal("expected empty results slice")
	}

	// Indexing without Meilisearch is a no-op.
	svc.IndexChangeRequest(&changerequest.ChangeRequest{ID: "cr_9"})
	svc.ReindexAll(ctx, nil)
}

func TestRecordForSortsTargets(t *testing.T) {
	cr := &changerequest.ChangeRequest{
		ID:           "cr_1",
		Title:        "t",
		Status:       changerequest.StatusDraft,
		CreationDate: time.Unix(1700000000, 0),
		FileChanges: []changerequest.FileChange{
			{Target: document.Reference{ID: "zeta"}},
			{Target: document.Reference{ID: "alpha", Locale: "en"}},
			{Target: document.Reference{ID: "zeta"}},
		},
	}
	record := RecordFor(cr)
	if len(record.Targets) != 2 || record.Targets[0] != "alpha;en" || record.Targets[1] != "zeta" {
		t.Fatalf("targets = %v", record.Targets)
	}
	if record.Status != "draft" || record.CreatedAt != 1700000000 {
		t.Fatalf("record = %+v", record)
	}
}

func TestHitToResultPrefersHighlightedFields(t *testing.T) {
	hit := meili.Hit{
		"id":          json.RawMessage(`"cr_1"`),
		"title":       json.RawMessage(`"Rewrite onboarding"`),
		"description": json.RawMessage(`"New hire checklist"`),
		"status":      json.RawMessage(`"draft"`),
		"_formatted":  json.RawMessage(`{"title":"Rewrite <mark>onboarding</mark>","description":"","targets":["a"]}`),
	}
	r := hitToResult(hit)
	if r.ID != "cr_1" || r.Status != "draft" {
		t.Fatalf("result = %+v", r)
	}
	if r.Title != "Rewrite <mark>onboarding</mark>" {
		t.Fatalf("title = %q", r.Title)
	}
	if r.Snippet != "New hire checklist" {
		t.Fatalf("snippet = %q", r.Snippet)
	}
}
