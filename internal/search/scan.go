package search

import (
	"context"
	"strings"

	"chronicle/changerequest/internal/changerequest"
)

// Lister lists change requests newest first.
type Lister interface {
	List(ctx context.Context, status changerequest.Status) ([]*changerequest.ChangeRequest, error)
}

// Scan matches change requests by case-insensitive substring. It backs the
// in-memory deployment where neither Meilisearch nor Postgres is available.
type Scan struct {
	lister Lister
}

func NewScan(lister Lister) *Scan {
	return &Scan{lister: lister}
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	items, err := s.lister.List(ctx, q.FilterStatus)
	if err != nil {
		return nil, 0, err
	}

	var matched []Result
	for _, cr := range items {
		record := RecordFor(cr)
		if !matches(record, text) {
			continue
		}
		matched = append(matched, Result{
			ID:      record.ID,
			Title:   record.Title,
			Snippet: record.Description,
			Status:  record.Status,
			Creator: record.Creator,
		})
	}

	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := min(q.Offset+q.Limit, total)
	return matched[q.Offset:end], total, nil
}

func matches(r Record, text string) bool {
	fields := append([]string{r.Title, r.Description, r.Creator}, r.Targets...)
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), text) {
			return true
		}
	}
	return false
}
