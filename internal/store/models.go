package store

import (
	"database/sql"
	"time"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/version"
)

type changeRequestRow struct {
	ID           string       `db:"id"`
	Title        string       `db:"title"`
	Description  string       `db:"description"`
	Creator      string       `db:"creator"`
	CreationDate time.Time    `db:"creation_date"`
	Status       string       `db:"status"`
	StaleDate    sql.NullTime `db:"stale_date"`
}

func (r changeRequestRow) toDomain() *changerequest.ChangeRequest {
	cr := &changerequest.ChangeRequest{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Creator:      r.Creator,
		CreationDate: r.CreationDate.UTC(),
		Status:       changerequest.Status(r.Status),
	}
	if r.StaleDate.Valid {
		staleDate := r.StaleDate.Time.UTC()
		cr.StaleDate = &staleDate
	}
	return cr
}

type reviewRow struct {
	ID              string    `db:"id"`
	ChangeRequestID string    `db:"change_request_id"`
	Author          string    `db:"author"`
	Approved        bool      `db:"approved"`
	Comment         string    `db:"comment"`
	ReviewDate      time.Time `db:"review_date"`
	Outdated        bool      `db:"outdated"`
}

func (r reviewRow) toDomain() changerequest.Review {
	return changerequest.Review{
		ID:         r.ID,
		Author:     r.Author,
		Approved:   r.Approved,
		Comment:    r.Comment,
		ReviewDate: r.ReviewDate.UTC(),
		Outdated:   r.Outdated,
	}
}

type fileChangeRow struct {
	Seq                          int64          `db:"seq"`
	ChangeRequestID              string         `db:"change_request_id"`
	ID                           string         `db:"id"`
	TargetID                     string         `db:"target_id"`
	TargetLocale                 string         `db:"target_locale"`
	Type                         string         `db:"type"`
	Author                       string         `db:"author"`
	CreationDate                 time.Time      `db:"creation_date"`
	PreviousVersion              version.Token  `db:"previous_version"`
	PreviousPublishedVersion     version.Token  `db:"previous_published_version"`
	PreviousPublishedVersionDate sql.NullTime   `db:"previous_published_version_date"`
	Version                      version.Token  `db:"version"`
	Modified                     []byte         `db:"modified"`
	BlobKey                      sql.NullString `db:"blob_key"`
}

func (r fileChangeRow) toDomain(modified *document.Document) changerequest.FileChange {
	fc := changerequest.FileChange{
		ID:                       r.ID,
		ChangeRequestID:          r.ChangeRequestID,
		Target:                   document.Reference{ID: r.TargetID, Locale: r.TargetLocale},
		Type:                     changerequest.FileChangeType(r.Type),
		Author:                   r.Author,
		CreationDate:             r.CreationDate.UTC(),
		PreviousVersion:          r.PreviousVersion,
		PreviousPublishedVersion: r.PreviousPublishedVersion,
		Version:                  r.Version,
		Modified:                 modified,
		Saved:                    true,
	}
	if r.PreviousPublishedVersionDate.Valid {
		fc.PreviousPublishedVersionDate = r.PreviousPublishedVersionDate.Time.UTC()
	}
	return fc
}

type decisionRow struct {
	ChangeRequestID string        `db:"change_request_id"`
	FileChangeID    string        `db:"file_change_id"`
	Published       version.Token `db:"published"`
	Decisions       []byte        `db:"decisions"`
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
