// Package changerequest models change requests: ordered collections of
// versioned file changes proposed against live documents, with reviews.
package changerequest

import (
	"fmt"
	"time"

	"chronicle/changerequest/internal/document"
)

type Status string

const (
	StatusDraft           Status = "draft"
	StatusReadyForReview  Status = "ready_for_review"
	StatusReadyForMerging Status = "ready_for_merging"
	StatusMerged          Status = "merged"
	StatusClosed          Status = "closed"
)

var allowedTransitions = map[Status][]Status{
	StatusDraft:           {StatusReadyForReview, StatusReadyForMerging, StatusClosed},
	StatusReadyForReview:  {StatusDraft, StatusReadyForMerging, StatusClosed},
	StatusReadyForMerging: {StatusDraft, StatusReadyForReview, StatusMerged, StatusClosed},
	StatusClosed:          {StatusDraft},
	StatusMerged:          nil,
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Open reports whether file changes may still be added.
func (s Status) Open() bool {
	return s != StatusMerged && s != StatusClosed
}

type Review struct {
	ID         string    `json:"id"`
	Author     string    `json:"author"`
	Approved   bool      `json:"approved"`
	Comment    string    `json:"comment,omitempty"`
	ReviewDate time.Time `json:"reviewDate"`
	Outdated   bool      `json:"outdated"`
}

// ChangeRequest owns its file changes (in insertion order) and reviews.
type ChangeRequest struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Creator      string       `json:"creator"`
	CreationDate time.Time    `json:"creationDate"`
	Status       Status       `json:"status"`
	StaleDate    *time.Time   `json:"staleDate,omitempty"`
	FileChanges  []FileChange `json:"fileChanges"`
	Reviews      []Review     `json:"reviews"`
}

// AppendFileChange adds a saved file change. Reviews given before it are
// marked outdated since they no longer cover the whole request.
func (cr *ChangeRequest) AppendFileChange(fc FileChange) error {
	if !cr.Status.Open() {
		return ErrChangeRequestClosed
	}
	for _, existing := range cr.FileChanges {
		if existing.ID == fc.ID {
			return fmt.Errorf("append %s: %w", fc.ID, ErrFileChangeImmutable)
		}
	}
	fc.ChangeRequestID = cr.ID
	cr.FileChanges = append(cr.FileChanges, fc)
	for i := range cr.Reviews {
		cr.Reviews[i].Outdated = true
	}
	return nil
}

func (cr *ChangeRequest) AddReview(review Review) error {
	if !cr.Status.Open() {
		return ErrChangeRequestClosed
	}
	cr.Reviews = append(cr.Reviews, review)
	return nil
}

func (cr *ChangeRequest) SetStatus(next Status) error {
	if !next.Valid() {
		return fmt.Errorf("status %q: %w", next, ErrInvalidStatusTransition)
	}
	if cr.Status == next {
		return nil
	}
	if !cr.Status.CanTransitionTo(next) {
		return fmt.Errorf("%s -> %s: %w", cr.Status, next, ErrInvalidStatusTransition)
	}
	cr.Status = next
	return nil
}

// LatestFileChangeFor returns the last file change appended for target.
func (cr *ChangeRequest) LatestFileChangeFor(target document.Reference) (FileChange, bool) {
	for i := len(cr.FileChanges) - 1; i >= 0; i-- {
		if cr.FileChanges[i].Target == target {
			return cr.FileChanges[i], true
		}
	}
	return FileChange{}, false
}

func (cr *ChangeRequest) FileChangesFor(target document.Reference) []FileChange {
	var items []FileChange
	for _, fc := range cr.FileChanges {
		if fc.Target == target {
			items = append(items, fc)
		}
	}
	return items
}

func (cr *ChangeRequest) FileChange(id string) (FileChange, bool) {
	for _, fc := range cr.FileChanges {
		if fc.ID == id {
			return fc, true
		}
	}
	return FileChange{}, false
}

// Targets lists each target once, in order of first appearance.
func (cr *ChangeRequest) Targets() []document.Reference {
	seen := make(map[document.Reference]struct{})
	var targets []document.Reference
	for _, fc := range cr.FileChanges {
		if _, ok := seen[fc.Target]; ok {
			continue
		}
		seen[fc.Target] = struct{}{}
		targets = append(targets, fc.Target)
	}
	return targets
}

func (cr *ChangeRequest) LatestFileChanges() []FileChange {
	targets := cr.Targets()
	items := make([]FileChange, 0, len(targets))
	for _, target := range targets {
		fc, _ := cr.LatestFileChangeFor(target)
		items = append(items, fc)
	}
	return items
}

// IsLatest reports whether no later file change supersedes fc.
func (cr *ChangeRequest) IsLatest(fc FileChange) bool {
	latest, ok := cr.LatestFileChangeFor(fc.Target)
	return ok && latest.ID == fc.ID
}

func (cr *ChangeRequest) Approvals() int {
	count := 0
	for _, review := range cr.Reviews {
		if review.Approved && !review.Outdated {
			count++
		}
	}
	return count
}
