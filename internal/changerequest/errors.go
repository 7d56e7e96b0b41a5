package changerequest

import (
	"errors"
	"fmt"
	"strings"

	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/version"
)

var (
	ErrChangeRequestNotFound   = errors.New("change request not found")
	ErrFileChangeNotFound      = errors.New("file change not found")
	ErrFileChangeImmutable     = errors.New("file change already saved")
	ErrSupersededFileChange    = errors.New("file change is superseded by a later file change")
	ErrChangeRequestClosed     = errors.New("change request is closed")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrMergeRequired           = errors.New("merge required")
)

// StaleFileChangeError reports that the live document moved past the
// version a file change was authored against.
type StaleFileChangeError struct {
	FileChangeID string
	Target       document.Reference
	Baseline     version.Token
	Published    version.Token
}

func (e *StaleFileChangeError) Error() string {
	return fmt.Sprintf("file change %s is stale: %s was published after %s", e.FileChangeID, e.Published, e.Baseline)
}

// MergeRequiredError is returned by commit when the file change is stale
// but could be rebased without conflicts.
type MergeRequiredError struct {
	Cause *StaleFileChangeError
}

func (e *MergeRequiredError) Error() string {
	return "merge required: " + e.Cause.Error()
}

func (e *MergeRequiredError) Unwrap() error { return e.Cause }

func (e *MergeRequiredError) Is(target error) bool { return target == ErrMergeRequired }

// UnresolvedConflictError lists the conflict references that still need a
// decision.
type UnresolvedConflictError struct {
	FileChangeID string
	References   []string
}

func (e *UnresolvedConflictError) Error() string {
	return fmt.Sprintf("file change %s has %d unresolved conflicts: %s", e.FileChangeID, len(e.References), strings.Join(e.References, ", "))
}

func (e *UnresolvedConflictError) Is(target error) bool { return target == ErrMergeRequired }

// ConcurrentModificationError is raised by a store when the published
// version changed between the read and the compare-and-set commit.
type ConcurrentModificationError struct {
	Target   document.Reference
	Expected version.Token
	Actual   version.Token
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s: expected version %q, found %q", e.Target, e.Expected, e.Actual)
}

// StoreIOError wraps a failure of a collaborator.
type StoreIOError struct {
	Op  string
	Err error
}

func (e *StoreIOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StoreIOError) Unwrap() error { return e.Err }

// WrapStoreIO leaves nil, typed domain errors and not-found sentinels as
// they are and wraps everything else.
func WrapStoreIO(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		concurrent *ConcurrentModificationError
		storeIO    *StoreIOError
	)
	switch {
	case errors.As(err, &concurrent),
		errors.As(err, &storeIO),
		errors.Is(err, document.ErrNotFound),
		errors.Is(err, ErrChangeRequestNotFound),
		errors.Is(err, ErrFileChangeNotFound),
		errors.Is(err, ErrFileChangeImmutable):
		return err
	}
	return &StoreIOError{Op: op, Err: err}
}
