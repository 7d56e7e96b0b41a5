// Package search indexes change requests for full-text lookup. Meilisearch
// is used when reachable; otherwise queries fall back to Postgres full-text
// search or a scan of the repository.
package search

import (
	"context"
	"slices"

	"chronicle/changerequest/internal/changerequest"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Status  string `json:"status"`
	Creator string `json:"creator"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterStatus changerequest.Status // empty = any status
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// Record is the data we index for a change request.
type Record struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Creator     string   `json:"creator"`
	Status      string   `json:"status"`
	Targets     []string `json:"targets"`
	CreatedAt   int64    `json:"createdAt"`
}

// RecordFor builds the index record of a change request.
func RecordFor(cr *changerequest.ChangeRequest) Record {
	targets := make([]string, 0)
	for _, target := range cr.Targets() {
		targets = append(targets, target.String())
	}
	slices.Sort(targets)
	return Record{
		ID:          cr.ID,
		Title:       cr.Title,
		Description: cr.Description,
		Creator:     cr.Creator,
		Status:      string(cr.Status),
		Targets:     targets,
		CreatedAt:   cr.CreationDate.Unix(),
	}
}

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
