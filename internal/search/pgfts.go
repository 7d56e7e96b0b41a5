package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search matches the title and description through the generated fts column
// and also returns change requests that target a document with that exact ID.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	args := []any{q.Text}
	where := `(cr.fts @@ plainto_tsquery('english', $1)
		OR EXISTS (SELECT 1 FROM file_changes fc WHERE fc.change_request_id = cr.id AND fc.target_id = $1))`
	if q.FilterStatus != "" {
		args = append(args, string(q.FilterStatus))
		where += fmt.Sprintf(" AND cr.status = $%d", len(args))
	}

	countSQL := "SELECT count(*) FROM change_requests cr WHERE " + where
	dataSQL := fmt.Sprintf(`SELECT cr.id, cr.title,
			ts_headline('english', coalesce(cr.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			cr.status, cr.creator
		FROM change_requests cr
		WHERE %s
		ORDER BY ts_rank(cr.fts, plainto_tsquery('english', $1)) DESC, cr.creation_date DESC
		LIMIT %d OFFSET %d`, where, q.Limit, q.Offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Status, &r.Creator); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
