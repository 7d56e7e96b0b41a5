// Package engine runs the change request protocol: authoring file changes,
// detecting staleness, computing merges, applying conflict decisions,
// rebasing and committing into the document store.
//
// Every operation that mutates a change request holds its lock for the
// whole read-modify-write. Commits rely on the document store's
// compare-and-set so concurrent change requests targeting the same document
// cannot overwrite each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/diffcache"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/lock"
	"chronicle/changerequest/internal/merge"
	"chronicle/changerequest/internal/metrics"
	"chronicle/changerequest/internal/render"
	"chronicle/changerequest/internal/version"
)

type Options struct {
	Documents  DocumentStore
	Revisions  RevisionProvider
	Repository Repository
	Renderer   Renderer
	Cache      *diffcache.Manager
	Locker     Locker
	Merge      merge.Config
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Engine struct {
	docs      DocumentStore
	revisions RevisionProvider
	repo      Repository
	renderer  Renderer
	cache     *diffcache.Manager
	locker    Locker
	mergeCfg  merge.Config
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(opts Options) *Engine {
	e := &Engine{
		docs:      opts.Documents,
		revisions: opts.Revisions,
		repo:      opts.Repository,
		renderer:  opts.Renderer,
		cache:     opts.Cache,
		locker:    opts.Locker,
		mergeCfg:  opts.Merge,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if e.revisions == nil {
		e.revisions = opts.Documents
	}
	if e.renderer == nil {
		e.renderer = render.NewHTML()
	}
	if e.cache == nil {
		e.cache = diffcache.New(diffcache.Config{Enabled: false})
	}
	if e.locker == nil {
		e.locker = lock.NewLocal()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

func (e *Engine) Cache() *diffcache.Manager {
	return e.cache
}

func (e *Engine) lockChangeRequest(ctx context.Context, id string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, "changerequest:"+id)
	if err != nil {
		return nil, fmt.Errorf("lock change request %s: %w", id, err)
	}
	return unlock, nil
}

func (e *Engine) loadChangeRequest(ctx context.Context, id string) (*changerequest.ChangeRequest, error) {
	cr, err := e.repo.LoadChangeRequest(ctx, id)
	if err != nil {
		return nil, changerequest.WrapStoreIO("load change request", err)
	}
	return cr, nil
}

// latest reloads the change request and checks fc is still its latest file
// change for the target.
func (e *Engine) latest(ctx context.Context, fc changerequest.FileChange) (*changerequest.ChangeRequest, error) {
	cr, err := e.loadChangeRequest(ctx, fc.ChangeRequestID)
	if err != nil {
		return nil, err
	}
	if _, ok := cr.FileChange(fc.ID); !ok {
		return nil, fmt.Errorf("%s in %s: %w", fc.ID, cr.ID, changerequest.ErrFileChangeNotFound)
	}
	if !cr.IsLatest(fc) {
		return nil, fmt.Errorf("%s: %w", fc.ID, changerequest.ErrSupersededFileChange)
	}
	return cr, nil
}

// published treats a document that never existed as the zero version.
func (e *Engine) published(ctx context.Context, target document.Reference) (document.Published, error) {
	pub, err := e.docs.PublishedVersion(ctx, target)
	if errors.Is(err, document.ErrNotFound) {
		return document.Published{}, nil
	}
	if err != nil {
		return document.Published{}, changerequest.WrapStoreIO("read published version", err)
	}
	return pub, nil
}

func (e *Engine) revision(ctx context.Context, target document.Reference, v version.Token) (*document.Document, error) {
	if v.IsZero() {
		return nil, nil
	}
	doc, err := e.revisions.Revision(ctx, target, v)
	if errors.Is(err, document.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, changerequest.WrapStoreIO("read revision", err)
	}
	return doc, nil
}

func (e *Engine) current(ctx context.Context, target document.Reference) (*document.Document, document.Published, error) {
	pub, err := e.published(ctx, target)
	if err != nil {
		return nil, pub, err
	}
	if pub.Version.IsZero() || pub.Removed {
		return nil, pub, nil
	}
	doc, err := e.revision(ctx, target, pub.Version)
	return doc, pub, err
}

// FileChange loads one file change of a change request.
func (e *Engine) FileChange(ctx context.Context, changeRequestID, fileChangeID string) (changerequest.FileChange, error) {
	fc, err := e.repo.LoadFileChange(ctx, changeRequestID, fileChangeID)
	if err != nil {
		return changerequest.FileChange{}, changerequest.WrapStoreIO("load file change", err)
	}
	return fc, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*changerequest.ChangeRequest, error) {
	return e.loadChangeRequest(ctx, id)
}

func cacheKey(fc changerequest.FileChange) string {
	return fc.ChangeRequestID + "/" + fc.ID
}
