// Package store persists change requests, their file changes, reviews and
// conflict decisions in Postgres. File change snapshots are stored inline as
// JSONB unless a SnapshotBlobs backend is configured, in which case only the
// object key is kept in the row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/merge"
)

const uniqueViolation = "23505"

// SnapshotBlobs stores file change snapshots outside the database.
type SnapshotBlobs interface {
	PutSnapshot(ctx context.Context, key string, payload []byte) error
	GetSnapshot(ctx context.Context, key string) ([]byte, error)
}

type PostgresStore struct {
	db    *sqlx.DB
	blobs SnapshotBlobs
}

type Option func(*PostgresStore)

func WithSnapshotBlobs(blobs SnapshotBlobs) Option {
	return func(s *PostgresStore) { s.blobs = blobs }
}

func NewPostgresStore(db *sqlx.DB, opts ...Option) *PostgresStore {
	s := &PostgresStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

func (s *PostgresStore) CreateChangeRequest(ctx context.Context, cr *changerequest.ChangeRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_requests (id, title, description, creator, creation_date, status, stale_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cr.ID, cr.Title, cr.Description, cr.Creator, cr.CreationDate, string(cr.Status), staleDate(cr))
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

// UpdateChangeRequest saves status, metadata and reviews. File changes are
// append-only and never touched here.
func (s *PostgresStore) UpdateChangeRequest(ctx context.Context, cr *changerequest.ChangeRequest) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE change_requests
		SET title=$2, description=$3, status=$4, stale_date=$5
		WHERE id=$1
	`, cr.ID, cr.Title, cr.Description, string(cr.Status), staleDate(cr))
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("update change request rows: %w", err)
	} else if rows == 0 {
		return fmt.Errorf("%s: %w", cr.ID, changerequest.ErrChangeRequestNotFound)
	}

	for _, review := range cr.Reviews {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reviews (id, change_request_id, author, approved, comment, review_date, outdated)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET approved=EXCLUDED.approved, comment=EXCLUDED.comment, outdated=EXCLUDED.outdated
		`, review.ID, cr.ID, review.Author, review.Approved, review.Comment, review.ReviewDate, review.Outdated); err != nil {
			return fmt.Errorf("upsert review %s: %w", review.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendFileChange(ctx context.Context, fc changerequest.FileChange) (changerequest.FileChange, error) {
	fc.ID = changerequest.FileChangeID(fc.Target, fc.Version)
	fc.Saved = true

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return changerequest.FileChange{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.GetContext(ctx, &status, `SELECT status FROM change_requests WHERE id=$1 FOR UPDATE`, fc.ChangeRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return changerequest.FileChange{}, fmt.Errorf("%s: %w", fc.ChangeRequestID, changerequest.ErrChangeRequestNotFound)
	}
	if err != nil {
		return changerequest.FileChange{}, fmt.Errorf("lock change request: %w", err)
	}
	if !changerequest.Status(status).Open() {
		return changerequest.FileChange{}, fmt.Errorf("append to %s: %w", fc.ChangeRequestID, changerequest.ErrChangeRequestClosed)
	}

	// The change request row lock serializes appends, so a saved ID is
	// rejected here before any snapshot is uploaded.
	var exists bool
	if err := tx.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM file_changes WHERE change_request_id=$1 AND id=$2)
	`, fc.ChangeRequestID, fc.ID); err != nil {
		return changerequest.FileChange{}, fmt.Errorf("check file change: %w", err)
	}
	if exists {
		return changerequest.FileChange{}, fmt.Errorf("append %s: %w", fc.ID, changerequest.ErrFileChangeImmutable)
	}

	var (
		modified []byte
		blobKey  sql.NullString
	)
	if fc.Modified != nil {
		payload, err := json.Marshal(fc.Modified)
		if err != nil {
			return changerequest.FileChange{}, fmt.Errorf("marshal snapshot: %w", err)
		}
		if s.blobs != nil {
			key := snapshotKey(fc.ChangeRequestID, fc.ID, fc.Modified)
			if err := s.blobs.PutSnapshot(ctx, key, payload); err != nil {
				return changerequest.FileChange{}, fmt.Errorf("store snapshot %s: %w", key, err)
			}
			blobKey = sql.NullString{String: key, Valid: true}
		} else {
			modified = payload
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO file_changes (
			change_request_id, id, target_id, target_locale, type, author, creation_date,
			previous_version, previous_published_version, previous_published_version_date,
			version, modified, blob_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		fc.ChangeRequestID, fc.ID, fc.Target.ID, fc.Target.Locale, string(fc.Type), fc.Author, fc.CreationDate,
		fc.PreviousVersion, fc.PreviousPublishedVersion, nullTime(fc.PreviousPublishedVersionDate),
		fc.Version, jsonb(modified), blobKey,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return changerequest.FileChange{}, fmt.Errorf("append %s: %w", fc.ID, changerequest.ErrFileChangeImmutable)
	}
	if err != nil {
		return changerequest.FileChange{}, fmt.Errorf("insert file change: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE reviews SET outdated=TRUE WHERE change_request_id=$1`, fc.ChangeRequestID); err != nil {
		return changerequest.FileChange{}, fmt.Errorf("outdate reviews: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return changerequest.FileChange{}, fmt.Errorf("commit append tx: %w", err)
	}
	return fc, nil
}

func (s *PostgresStore) LoadChangeRequest(ctx context.Context, id string) (*changerequest.ChangeRequest, error) {
	var row changeRequestRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, title, description, creator, creation_date, status, stale_date
		FROM change_requests WHERE id=$1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, changerequest.ErrChangeRequestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load change request: %w", err)
	}
	cr := row.toDomain()

	var reviews []reviewRow
	if err := s.db.SelectContext(ctx, &reviews, `
		SELECT id, change_request_id, author, approved, comment, review_date, outdated
		FROM reviews WHERE change_request_id=$1
		ORDER BY review_date, id
	`, id); err != nil {
		return nil, fmt.Errorf("load reviews: %w", err)
	}
	for _, review := range reviews {
		cr.Reviews = append(cr.Reviews, review.toDomain())
	}

	var rows []fileChangeRow
	if err := s.db.SelectContext(ctx, &rows, selectFileChanges+` WHERE change_request_id=$1 ORDER BY seq`, id); err != nil {
		return nil, fmt.Errorf("load file changes: %w", err)
	}
	cr.FileChanges, err = s.fileChanges(ctx, rows)
	if err != nil {
		return nil, err
	}
	return cr, nil
}

func (s *PostgresStore) LoadFileChanges(ctx context.Context, changeRequestID string, target document.Reference) ([]changerequest.FileChange, error) {
	var rows []fileChangeRow
	if err := s.db.SelectContext(ctx, &rows, selectFileChanges+`
		WHERE change_request_id=$1 AND target_id=$2 AND target_locale=$3
		ORDER BY seq
	`, changeRequestID, target.ID, target.Locale); err != nil {
		return nil, fmt.Errorf("load file changes: %w", err)
	}
	return s.fileChanges(ctx, rows)
}

func (s *PostgresStore) LoadFileChange(ctx context.Context, changeRequestID, fileChangeID string) (changerequest.FileChange, error) {
	var row fileChangeRow
	err := s.db.GetContext(ctx, &row, selectFileChanges+` WHERE change_request_id=$1 AND id=$2`, changeRequestID, fileChangeID)
	if errors.Is(err, sql.ErrNoRows) {
		return changerequest.FileChange{}, fmt.Errorf("%s in %s: %w", fileChangeID, changeRequestID, changerequest.ErrFileChangeNotFound)
	}
	if err != nil {
		return changerequest.FileChange{}, fmt.Errorf("load file change: %w", err)
	}
	items, err := s.fileChanges(ctx, []fileChangeRow{row})
	if err != nil {
		return changerequest.FileChange{}, err
	}
	return items[0], nil
}

func (s *PostgresStore) SaveDecisions(ctx context.Context, set changerequest.DecisionSet) error {
	payload, err := json.Marshal(set.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict_decisions (change_request_id, file_change_id, published, decisions, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, NOW())
		ON CONFLICT (change_request_id, file_change_id)
		DO UPDATE SET published=EXCLUDED.published, decisions=EXCLUDED.decisions, updated_at=NOW()
	`, set.ChangeRequestID, set.FileChangeID, set.Published, string(payload))
	if err != nil {
		return fmt.Errorf("save decisions: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadDecisions(ctx context.Context, changeRequestID, fileChangeID string) (changerequest.DecisionSet, error) {
	set := changerequest.DecisionSet{ChangeRequestID: changeRequestID, FileChangeID: fileChangeID}
	var row decisionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT change_request_id, file_change_id, published, decisions
		FROM conflict_decisions WHERE change_request_id=$1 AND file_change_id=$2
	`, changeRequestID, fileChangeID)
	if errors.Is(err, sql.ErrNoRows) {
		return set, nil
	}
	if err != nil {
		return set, fmt.Errorf("load decisions: %w", err)
	}
	var decisions []merge.Decision
	if err := json.Unmarshal(row.Decisions, &decisions); err != nil {
		return set, fmt.Errorf("decode decisions: %w", err)
	}
	set.Published = row.Published
	set.Decisions = decisions
	return set, nil
}

// List returns change requests newest first, optionally filtered by status.
func (s *PostgresStore) List(ctx context.Context, status changerequest.Status) ([]*changerequest.ChangeRequest, error) {
	var ids []string
	query := `SELECT id FROM change_requests ORDER BY creation_date DESC, id`
	args := []any{}
	if status != "" {
		query = `SELECT id FROM change_requests WHERE status=$1 ORDER BY creation_date DESC, id`
		args = append(args, string(status))
	}
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	items := make([]*changerequest.ChangeRequest, 0, len(ids))
	for _, id := range ids {
		cr, err := s.LoadChangeRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, cr)
	}
	return items, nil
}

const selectFileChanges = `
	SELECT seq, change_request_id, id, target_id, target_locale, type, author, creation_date,
		previous_version, previous_published_version, previous_published_version_date,
		version, modified, blob_key
	FROM file_changes`

func (s *PostgresStore) fileChanges(ctx context.Context, rows []fileChangeRow) ([]changerequest.FileChange, error) {
	items := make([]changerequest.FileChange, 0, len(rows))
	for _, row := range rows {
		modified, err := s.snapshot(ctx, row)
		if err != nil {
			return nil, err
		}
		items = append(items, row.toDomain(modified))
	}
	return items, nil
}

func (s *PostgresStore) snapshot(ctx context.Context, row fileChangeRow) (*document.Document, error) {
	payload := row.Modified
	if row.BlobKey.Valid {
		if s.blobs == nil {
			return nil, fmt.Errorf("file change %s: snapshot %s is in blob storage but none is configured", row.ID, row.BlobKey.String)
		}
		var err error
		payload, err = s.blobs.GetSnapshot(ctx, row.BlobKey.String)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", row.BlobKey.String, err)
		}
	}
	if len(payload) == 0 {
		return nil, nil
	}
	doc := &document.Document{}
	if err := json.Unmarshal(payload, doc); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", row.ID, err)
	}
	return doc, nil
}

// snapshotKey is content addressed: a payload that differs from the saved
// one never lands on the saved object's key.
func snapshotKey(changeRequestID, fileChangeID string, doc *document.Document) string {
	return "snapshots/" + changeRequestID + "/" + fileChangeID + "-" + document.Hash(doc)[:16] + ".json"
}

func staleDate(cr *changerequest.ChangeRequest) sql.NullTime {
	if cr.StaleDate == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *cr.StaleDate, Valid: true}
}

// jsonb keeps nil payloads as SQL NULL.
func jsonb(payload []byte) any {
	if payload == nil {
		return nil
	}
	return string(payload)
}
