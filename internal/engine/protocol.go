package engine

import (
	"context"
	"errors"
	"fmt"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/diffcache"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/merge"
	"chronicle/changerequest/internal/render"
	"chronicle/changerequest/internal/version"
)

// Resolution is the result of applying conflict decisions. Rebased is set
// when the decisions resolved every conflict and a new file change was
// appended.
type Resolution struct {
	Outcome merge.Outcome              `json:"outcome"`
	Rebased *changerequest.FileChange `json:"rebased,omitempty"`
}

// Rebase mints a new file change carrying the clean merge of fc with the
// live document.
func (e *Engine) Rebase(ctx context.Context, fc changerequest.FileChange) (changerequest.FileChange, error) {
	unlock, err := e.lockChangeRequest(ctx, fc.ChangeRequestID)
	if err != nil {
		return changerequest.FileChange{}, err
	}
	defer unlock()

	if _, err := e.latest(ctx, fc); err != nil {
		return changerequest.FileChange{}, err
	}
	res, err := e.mergeState(ctx, fc)
	if err != nil {
		return changerequest.FileChange{}, err
	}
	if !res.outcome.Clean() {
		return changerequest.FileChange{}, &changerequest.UnresolvedConflictError{FileChangeID: fc.ID, References: res.outcome.References()}
	}
	return e.rebaseLocked(ctx, fc, res)
}

func (e *Engine) rebaseLocked(ctx context.Context, fc changerequest.FileChange, res mergeResult) (changerequest.FileChange, error) {
	outcome := res.outcome
	next := changerequest.FileChange{
		ChangeRequestID:              fc.ChangeRequestID,
		Target:                       fc.Target,
		Type:                         rebasedType(outcome, fc.Type),
		Author:                       fc.Author,
		CreationDate:                 e.now(),
		PreviousVersion:              fc.Version,
		PreviousPublishedVersion:     res.published.Version,
		PreviousPublishedVersionDate: res.published.Date,
		Version:                      version.NextFileChangeVersion(version.Max(res.published.Version, fc.Version), true),
		Modified:                     outcome.Merged,
	}
	saved, err := e.repo.AppendFileChange(ctx, next)
	if err != nil {
		return changerequest.FileChange{}, changerequest.WrapStoreIO("append rebased file change", err)
	}
	e.cache.Invalidate(cacheKey(fc))
	e.cache.Invalidate(cacheKey(saved))
	e.metrics.ObserveRebase()
	e.log.Info().
		Str("change_request", fc.ChangeRequestID).
		Str("file_change", fc.ID).
		Str("rebased", saved.ID).
		Str("published", res.published.Version.String()).
		Str("type", string(saved.Type)).
		Msg("file change rebased")
	return saved, nil
}

func rebasedType(outcome merge.Outcome, previous changerequest.FileChangeType) changerequest.FileChangeType {
	switch {
	case !outcome.Modified:
		return changerequest.FileChangeNoChange
	case outcome.Removed:
		return changerequest.FileChangeDeletion
	case outcome.Input().Current == nil:
		return changerequest.FileChangeCreation
	case previous == changerequest.FileChangeCreation:
		return changerequest.FileChangeCreation
	default:
		return changerequest.FileChangeEdition
	}
}

// ResolveConflicts records decisions for fc and re-drives the merge. Once
// no conflict is left the file change is rebased. Decisions for references
// that are not conflicts are ignored.
func (e *Engine) ResolveConflicts(ctx context.Context, fc changerequest.FileChange, decisions []merge.Decision) (Resolution, error) {
	unlock, err := e.lockChangeRequest(ctx, fc.ChangeRequestID)
	if err != nil {
		return Resolution{}, err
	}
	defer unlock()

	if _, err := e.latest(ctx, fc); err != nil {
		return Resolution{}, err
	}
	res, err := e.mergeState(ctx, fc)
	if err != nil {
		return Resolution{}, err
	}
	res.outcome = merge.ApplyDecisions(res.outcome, decisions)

	if err := e.repo.SaveDecisions(ctx, changerequest.DecisionSet{
		ChangeRequestID: fc.ChangeRequestID,
		FileChangeID:    fc.ID,
		Published:       res.published.Version,
		Decisions:       res.outcome.Applied,
	}); err != nil {
		return Resolution{}, changerequest.WrapStoreIO("save decisions", err)
	}
	e.cache.Invalidate(cacheKey(fc))

	resolution := Resolution{Outcome: res.outcome}
	if !res.outcome.Clean() {
		e.log.Info().
			Str("change_request", fc.ChangeRequestID).
			Str("file_change", fc.ID).
			Str("state", string(StateConflicted)).
			Strs("pending", res.outcome.References()).
			Msg("conflicts partially resolved")
		return resolution, nil
	}
	if !res.stale {
		return resolution, nil
	}
	rebased, err := e.rebaseLocked(ctx, fc, res)
	if err != nil {
		return Resolution{}, err
	}
	resolution.Rebased = &rebased
	return resolution, nil
}

// Commit writes fc into the document store. Only the latest file change of
// a target in a FRESH or REBASED state can be committed.
func (e *Engine) Commit(ctx context.Context, fc changerequest.FileChange) (version.Token, error) {
	unlock, err := e.lockChangeRequest(ctx, fc.ChangeRequestID)
	if err != nil {
		return version.Zero, err
	}
	defer unlock()

	cr, err := e.latest(ctx, fc)
	if err != nil {
		return version.Zero, err
	}
	if !cr.Status.Open() {
		return version.Zero, fmt.Errorf("commit %s: %w", fc.ID, changerequest.ErrChangeRequestClosed)
	}
	return e.commitLocked(ctx, fc)
}

func (e *Engine) commitLocked(ctx context.Context, fc changerequest.FileChange) (version.Token, error) {
	for attempt := 0; ; attempt++ {
		res, err := e.mergeState(ctx, fc)
		if err != nil {
			return version.Zero, err
		}
		if res.stale {
			e.metrics.ObserveCommit("merge_required")
			if !res.outcome.Clean() {
				return version.Zero, &changerequest.UnresolvedConflictError{FileChangeID: fc.ID, References: res.outcome.References()}
			}
			return version.Zero, &changerequest.MergeRequiredError{Cause: &changerequest.StaleFileChangeError{
				FileChangeID: fc.ID,
				Target:       fc.Target,
				Baseline:     fc.PreviousPublishedVersion,
				Published:    res.published.Version,
			}}
		}

		token, err := e.write(ctx, fc, res.published)
		var concurrent *changerequest.ConcurrentModificationError
		if errors.As(err, &concurrent) && attempt == 0 {
			e.log.Warn().
				Str("file_change", fc.ID).
				Str("expected", concurrent.Expected.String()).
				Str("actual", concurrent.Actual.String()).
				Msg("concurrent modification, retrying commit")
			continue
		}
		if err != nil {
			e.metrics.ObserveCommit("error")
			return version.Zero, changerequest.WrapStoreIO("commit file change", err)
		}

		e.cache.Invalidate(cacheKey(fc))
		e.metrics.ObserveCommit("ok")
		e.log.Info().
			Str("change_request", fc.ChangeRequestID).
			Str("file_change", fc.ID).
			Str("type", string(fc.Type)).
			Str("published", token.String()).
			Msg("file change committed")
		return token, nil
	}
}

func (e *Engine) write(ctx context.Context, fc changerequest.FileChange, pub document.Published) (version.Token, error) {
	switch fc.Type {
	case changerequest.FileChangeNoChange:
		return pub.Version, nil
	case changerequest.FileChangeDeletion:
		if pub.Version.IsZero() || pub.Removed {
			return pub.Version, nil
		}
		return e.docs.Delete(ctx, fc.Target, fc.PreviousPublishedVersion, fc.Author)
	default:
		return e.docs.Commit(ctx, document.CommitRequest{
			Target:   fc.Target,
			Expected: fc.PreviousPublishedVersion,
			Document: fc.Modified,
			Author:   fc.Author,
			Message:  fmt.Sprintf("Merge %s from change request %s", fc.ID, fc.ChangeRequestID),
		})
	}
}

type CommittedFileChange struct {
	FileChangeID string             `json:"fileChangeId"`
	Target       document.Reference `json:"target"`
	Published    version.Token      `json:"published"`
	Rebased      bool               `json:"rebased"`
}

// MergeChangeRequest commits the latest file change of every target and
// marks the request merged. Stale file changes are rebased first. Conflicts
// in any file change abort before anything is written.
func (e *Engine) MergeChangeRequest(ctx context.Context, id string) ([]CommittedFileChange, error) {
	unlock, err := e.lockChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cr, err := e.loadChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cr.Status.Open() {
		return nil, fmt.Errorf("merge %s: %w", id, changerequest.ErrChangeRequestClosed)
	}

	latest := cr.LatestFileChanges()
	results := make([]mergeResult, len(latest))
	for i, fc := range latest {
		res, err := e.mergeState(ctx, fc)
		if err != nil {
			return nil, err
		}
		if !res.outcome.Clean() {
			return nil, &changerequest.UnresolvedConflictError{FileChangeID: fc.ID, References: res.outcome.References()}
		}
		results[i] = res
	}

	committed := make([]CommittedFileChange, 0, len(latest))
	for i, fc := range latest {
		rebased := false
		if results[i].stale {
			fc, err = e.rebaseLocked(ctx, fc, results[i])
			if err != nil {
				return committed, err
			}
			rebased = true
		}
		token, err := e.commitLocked(ctx, fc)
		if err != nil {
			return committed, err
		}
		committed = append(committed, CommittedFileChange{FileChangeID: fc.ID, Target: fc.Target, Published: token, Rebased: rebased})
	}

	cr, err = e.loadChangeRequest(ctx, id)
	if err != nil {
		return committed, err
	}
	if cr.Status != changerequest.StatusReadyForMerging {
		if err := cr.SetStatus(changerequest.StatusReadyForMerging); err != nil {
			return committed, err
		}
	}
	if err := cr.SetStatus(changerequest.StatusMerged); err != nil {
		return committed, err
	}
	cr.StaleDate = nil
	if err := e.repo.UpdateChangeRequest(ctx, cr); err != nil {
		return committed, changerequest.WrapStoreIO("update change request", err)
	}
	e.log.Info().Str("change_request", id).Int("file_changes", len(committed)).Msg("change request merged")
	return committed, nil
}

// RenderedDiff renders fc against the document it was based on, going
// through the diff cache.
func (e *Engine) RenderedDiff(ctx context.Context, fc changerequest.FileChange, mode render.Mode) ([]byte, error) {
	if mode == "" {
		mode = render.ModeAuthor
	}
	key := diffcache.Key{FileChangeID: cacheKey(fc), Version: fc.Version.String(), Mode: string(mode)}
	return e.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		previous, err := e.revision(ctx, fc.Target, fc.PreviousPublishedVersion)
		if err != nil {
			return nil, err
		}
		rendered, err := e.renderer.Render(ctx, render.Request{
			Mode:         mode,
			FileChangeID: fc.ID,
			Target:       fc.Target,
			Type:         string(fc.Type),
			Version:      fc.Version.String(),
			Author:       fc.Author,
			Previous:     previous,
			Next:         fc.Modified,
		})
		if err != nil {
			return nil, fmt.Errorf("render diff %s: %w", fc.ID, err)
		}
		return rendered, nil
	})
}
