package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
)

type decisionKey struct {
	changeRequestID string
	fileChangeID    string
}

// Repository stores change requests by value. Callers always receive
// copies, so mutating a loaded change request has no effect until it is
// saved with UpdateChangeRequest.
type Repository struct {
	mu        sync.RWMutex
	requests  map[string]*changerequest.ChangeRequest
	decisions map[decisionKey]changerequest.DecisionSet
}

func NewRepository() *Repository {
	return &Repository{
		requests:  make(map[string]*changerequest.ChangeRequest),
		decisions: make(map[decisionKey]changerequest.DecisionSet),
	}
}

func (r *Repository) CreateChangeRequest(_ context.Context, cr *changerequest.ChangeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[cr.ID]; ok {
		return fmt.Errorf("change request %s already exists", cr.ID)
	}
	r.requests[cr.ID] = clone(cr)
	return nil
}

// UpdateChangeRequest saves the mutable fields of cr. File changes are only
// added through AppendFileChange.
func (r *Repository) UpdateChangeRequest(_ context.Context, cr *changerequest.ChangeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.requests[cr.ID]
	if !ok {
		return fmt.Errorf("%s: %w", cr.ID, changerequest.ErrChangeRequestNotFound)
	}
	updated := clone(cr)
	updated.FileChanges = slices.Clone(stored.FileChanges)
	r.requests[cr.ID] = updated
	return nil
}

func (r *Repository) AppendFileChange(_ context.Context, fc changerequest.FileChange) (changerequest.FileChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.requests[fc.ChangeRequestID]
	if !ok {
		return changerequest.FileChange{}, fmt.Errorf("%s: %w", fc.ChangeRequestID, changerequest.ErrChangeRequestNotFound)
	}
	fc.ID = changerequest.FileChangeID(fc.Target, fc.Version)
	fc.Saved = true
	if err := cr.AppendFileChange(fc); err != nil {
		return changerequest.FileChange{}, err
	}
	return fc, nil
}

func (r *Repository) LoadChangeRequest(_ context.Context, id string) (*changerequest.ChangeRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cr, ok := r.requests[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, changerequest.ErrChangeRequestNotFound)
	}
	return clone(cr), nil
}

func (r *Repository) LoadFileChanges(_ context.Context, changeRequestID string, target document.Reference) ([]changerequest.FileChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cr, ok := r.requests[changeRequestID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", changeRequestID, changerequest.ErrChangeRequestNotFound)
	}
	return cr.FileChangesFor(target), nil
}

func (r *Repository) LoadFileChange(_ context.Context, changeRequestID, fileChangeID string) (changerequest.FileChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cr, ok := r.requests[changeRequestID]
	if !ok {
		return changerequest.FileChange{}, fmt.Errorf("%s: %w", changeRequestID, changerequest.ErrChangeRequestNotFound)
	}
	fc, ok := cr.FileChange(fileChangeID)
	if !ok {
		return changerequest.FileChange{}, fmt.Errorf("%s in %s: %w", fileChangeID, changeRequestID, changerequest.ErrFileChangeNotFound)
	}
	return fc, nil
}

func (r *Repository) SaveDecisions(_ context.Context, set changerequest.DecisionSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set.Decisions = slices.Clone(set.Decisions)
	r.decisions[decisionKey{set.ChangeRequestID, set.FileChangeID}] = set
	return nil
}

// LoadDecisions returns an empty set when nothing was saved.
func (r *Repository) LoadDecisions(_ context.Context, changeRequestID, fileChangeID string) (changerequest.DecisionSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.decisions[decisionKey{changeRequestID, fileChangeID}]
	if !ok {
		return changerequest.DecisionSet{ChangeRequestID: changeRequestID, FileChangeID: fileChangeID}, nil
	}
	set.Decisions = slices.Clone(set.Decisions)
	return set, nil
}

// List returns change requests newest first, optionally filtered by status.
func (r *Repository) List(_ context.Context, status changerequest.Status) ([]*changerequest.ChangeRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*changerequest.ChangeRequest, 0, len(r.requests))
	for _, cr := range r.requests {
		if status != "" && cr.Status != status {
			continue
		}
		out = append(out, clone(cr))
	}
	slices.SortFunc(out, func(a, b *changerequest.ChangeRequest) int {
		if c := b.CreationDate.Compare(a.CreationDate); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func clone(cr *changerequest.ChangeRequest) *changerequest.ChangeRequest {
	out := *cr
	out.FileChanges = slices.Clone(cr.FileChanges)
	out.Reviews = slices.Clone(cr.Reviews)
	if cr.StaleDate != nil {
		staleDate := *cr.StaleDate
		out.StaleDate = &staleDate
	}
	return &out
}
