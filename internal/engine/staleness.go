package engine

import (
	"context"
	"time"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/merge"
)

// State is where a file change stands relative to the document store.
type State string

const (
	StateFresh      State = "FRESH"
	StateStale      State = "STALE"
	StateMerging    State = "MERGING"
	StateRebased    State = "REBASED"
	StateConflicted State = "CONFLICTED"
)

// Committable reports whether a file change in this state may be committed.
func (s State) Committable() bool {
	return s == StateFresh || s == StateRebased
}

// IsStale reports whether the store published a version after the one fc
// was authored against.
func (e *Engine) IsStale(ctx context.Context, fc changerequest.FileChange) (bool, error) {
	pub, err := e.published(ctx, fc.Target)
	if err != nil {
		return false, err
	}
	return pub.Version.After(fc.PreviousPublishedVersion), nil
}

func (e *Engine) State(ctx context.Context, fc changerequest.FileChange) (State, error) {
	stale, err := e.IsStale(ctx, fc)
	if err != nil {
		return "", err
	}
	if !stale {
		if fc.FromMerge() {
			return StateRebased, nil
		}
		return StateFresh, nil
	}
	res, err := e.mergeState(ctx, fc)
	if err != nil {
		return "", err
	}
	if !res.outcome.Clean() {
		return StateConflicted, nil
	}
	return StateStale, nil
}

type mergeResult struct {
	outcome   merge.Outcome
	published document.Published
	stale     bool
}

// ComputeMergeOutcome merges fc with the live document, re-applying any
// decisions stored for the current published version.
func (e *Engine) ComputeMergeOutcome(ctx context.Context, fc changerequest.FileChange) (merge.Outcome, error) {
	res, err := e.mergeState(ctx, fc)
	if err != nil {
		return merge.Outcome{}, err
	}
	return res.outcome, nil
}

func (e *Engine) mergeState(ctx context.Context, fc changerequest.FileChange) (mergeResult, error) {
	started := time.Now()
	original, err := e.revision(ctx, fc.Target, fc.PreviousPublishedVersion)
	if err != nil {
		return mergeResult{}, err
	}
	current, pub, err := e.current(ctx, fc.Target)
	if err != nil {
		return mergeResult{}, err
	}

	stale := pub.Version.After(fc.PreviousPublishedVersion)
	if stale {
		e.log.Debug().
			Str("change_request", fc.ChangeRequestID).
			Str("file_change", fc.ID).
			Str("state", string(StateMerging)).
			Str("published", pub.Version.String()).
			Msg("merging stale file change")
	}

	outcome := merge.Merge(merge.Input{
		Target:   fc.Target,
		Original: original,
		Current:  current,
		Proposed: fc.Modified,
	}, e.mergeCfg)

	if !outcome.Clean() {
		set, err := e.repo.LoadDecisions(ctx, fc.ChangeRequestID, fc.ID)
		if err != nil {
			return mergeResult{}, changerequest.WrapStoreIO("load decisions", err)
		}
		if set.AppliesTo(pub.Version) {
			outcome = merge.ApplyDecisions(outcome, set.Decisions)
		}
	}

	e.metrics.ObserveMerge(outcome.Clean(), len(outcome.Conflicts), time.Since(started))
	return mergeResult{outcome: outcome, published: pub, stale: stale}, nil
}

// RefreshStaleness sets the stale date of a change request the first time
// one of its latest file changes is found stale, and clears it once none is.
func (e *Engine) RefreshStaleness(ctx context.Context, id string) (*changerequest.ChangeRequest, error) {
	unlock, err := e.lockChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cr, err := e.loadChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	anyStale := false
	for _, fc := range cr.LatestFileChanges() {
		stale, err := e.IsStale(ctx, fc)
		if err != nil {
			return nil, err
		}
		if stale {
			anyStale = true
			break
		}
	}

	switch {
	case anyStale && cr.StaleDate == nil:
		now := e.now()
		cr.StaleDate = &now
	case !anyStale && cr.StaleDate != nil:
		cr.StaleDate = nil
	default:
		return cr, nil
	}
	if err := e.repo.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, changerequest.WrapStoreIO("update change request", err)
	}
	e.log.Info().Str("change_request", id).Bool("stale", anyStale).Msg("change request staleness changed")
	return cr, nil
}
