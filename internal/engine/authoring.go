package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/util"
	"chronicle/changerequest/internal/version"
)

var ErrInvalidInput = errors.New("invalid input")

type NewChangeRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Creator     string `json:"creator"`
}

// Edit is a new snapshot for one target. A nil Modified deletes the target.
type Edit struct {
	Target   document.Reference `json:"target"`
	Author   string             `json:"author"`
	Modified *document.Document `json:"modified"`
}

type NewReview struct {
	Author   string `json:"author"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

func (e *Engine) CreateChangeRequest(ctx context.Context, in NewChangeRequest) (*changerequest.ChangeRequest, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("title is required: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Creator) == "" {
		return nil, fmt.Errorf("creator is required: %w", ErrInvalidInput)
	}
	cr := &changerequest.ChangeRequest{
		ID:           util.NewID("cr"),
		Title:        title,
		Description:  strings.TrimSpace(in.Description),
		Creator:      in.Creator,
		CreationDate: e.now(),
		Status:       changerequest.StatusDraft,
	}
	if err := e.repo.CreateChangeRequest(ctx, cr); err != nil {
		return nil, changerequest.WrapStoreIO("create change request", err)
	}
	e.log.Info().Str("change_request", cr.ID).Str("creator", cr.Creator).Msg("change request created")
	return cr, nil
}

// AddFileChange saves a new file change for in.Target. A follow-up edit of a
// target already in the request keeps the published baseline of the earlier
// file change so a later merge still sees every edit the request made.
func (e *Engine) AddFileChange(ctx context.Context, changeRequestID string, in Edit) (changerequest.FileChange, error) {
	if in.Target.IsZero() {
		return changerequest.FileChange{}, fmt.Errorf("target is required: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Author) == "" {
		return changerequest.FileChange{}, fmt.Errorf("author is required: %w", ErrInvalidInput)
	}

	unlock, err := e.lockChangeRequest(ctx, changeRequestID)
	if err != nil {
		return changerequest.FileChange{}, err
	}
	defer unlock()

	cr, err := e.loadChangeRequest(ctx, changeRequestID)
	if err != nil {
		return changerequest.FileChange{}, err
	}
	if !cr.Status.Open() {
		return changerequest.FileChange{}, fmt.Errorf("add file change to %s: %w", cr.ID, changerequest.ErrChangeRequestClosed)
	}

	fc := changerequest.FileChange{
		ChangeRequestID: cr.ID,
		Target:          in.Target,
		Author:          in.Author,
		CreationDate:    e.now(),
		Modified:        in.Modified,
	}

	var baseline version.Token
	if previous, ok := cr.LatestFileChangeFor(in.Target); ok {
		baseline = previous.Version
		fc.PreviousVersion = previous.Version
		fc.PreviousPublishedVersion = previous.PreviousPublishedVersion
		fc.PreviousPublishedVersionDate = previous.PreviousPublishedVersionDate
	} else {
		pub, err := e.published(ctx, in.Target)
		if err != nil {
			return changerequest.FileChange{}, err
		}
		baseline = pub.Version
		fc.PreviousVersion = pub.Version
		fc.PreviousPublishedVersion = pub.Version
		fc.PreviousPublishedVersionDate = pub.Date
	}
	fc.Version = version.NextFileChangeVersion(baseline, false)

	original, err := e.revision(ctx, in.Target, fc.PreviousPublishedVersion)
	if err != nil {
		return changerequest.FileChange{}, err
	}
	if in.Modified == nil && original == nil {
		return changerequest.FileChange{}, fmt.Errorf("delete %s: %w", in.Target, document.ErrNotFound)
	}
	fc.Type = changerequest.ChangeTypeFor(original, in.Modified)

	saved, err := e.repo.AppendFileChange(ctx, fc)
	if err != nil {
		return changerequest.FileChange{}, changerequest.WrapStoreIO("append file change", err)
	}
	e.log.Info().
		Str("change_request", cr.ID).
		Str("file_change", saved.ID).
		Str("type", string(saved.Type)).
		Str("baseline", saved.PreviousPublishedVersion.String()).
		Msg("file change added")
	return saved, nil
}

func (e *Engine) AddReview(ctx context.Context, changeRequestID string, in NewReview) (*changerequest.ChangeRequest, error) {
	if strings.TrimSpace(in.Author) == "" {
		return nil, fmt.Errorf("author is required: %w", ErrInvalidInput)
	}
	unlock, err := e.lockChangeRequest(ctx, changeRequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cr, err := e.loadChangeRequest(ctx, changeRequestID)
	if err != nil {
		return nil, err
	}
	review := changerequest.Review{
		ID:         util.NewID("rev"),
		Author:     in.Author,
		Approved:   in.Approved,
		Comment:    strings.TrimSpace(in.Comment),
		ReviewDate: e.now(),
	}
	if err := cr.AddReview(review); err != nil {
		return nil, fmt.Errorf("review %s: %w", cr.ID, err)
	}
	if err := e.repo.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, changerequest.WrapStoreIO("update change request", err)
	}
	return cr, nil
}

// SetStatus moves a change request along its lifecycle. Reaching merged is
// only possible through MergeChangeRequest.
func (e *Engine) SetStatus(ctx context.Context, changeRequestID string, next changerequest.Status) (*changerequest.ChangeRequest, error) {
	if next == changerequest.StatusMerged {
		return nil, fmt.Errorf("use merge to reach %s: %w", next, changerequest.ErrInvalidStatusTransition)
	}
	unlock, err := e.lockChangeRequest(ctx, changeRequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cr, err := e.loadChangeRequest(ctx, changeRequestID)
	if err != nil {
		return nil, err
	}
	previous := cr.Status
	if err := cr.SetStatus(next); err != nil {
		return nil, err
	}
	if previous == next {
		return cr, nil
	}
	if err := e.repo.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, changerequest.WrapStoreIO("update change request", err)
	}
	e.log.Info().Str("change_request", cr.ID).Str("from", string(previous)).Str("to", string(next)).Msg("change request status changed")
	return cr, nil
}
