package engine

import (
	"context"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/render"
	"chronicle/changerequest/internal/version"
)

// RevisionProvider fetches a document as it was at a published version. A
// version at which the document did not exist yields document.ErrNotFound.
type RevisionProvider interface {
	Revision(ctx context.Context, target document.Reference, v version.Token) (*document.Document, error)
}

// DocumentStore is the live document store. PublishedVersion returns
// document.ErrNotFound for documents that never existed. Commit and Delete
// compare-and-set against the expected version and fail with
// *changerequest.ConcurrentModificationError when it moved.
type DocumentStore interface {
	RevisionProvider
	PublishedVersion(ctx context.Context, target document.Reference) (document.Published, error)
	Commit(ctx context.Context, req document.CommitRequest) (version.Token, error)
	Delete(ctx context.Context, target document.Reference, expected version.Token, author string) (version.Token, error)
}

// Repository persists change requests. AppendFileChange is atomic: it
// assigns the file change ID, marks existing reviews outdated and rejects a
// second save of the same ID with changerequest.ErrFileChangeImmutable.
type Repository interface {
	CreateChangeRequest(ctx context.Context, cr *changerequest.ChangeRequest) error
	UpdateChangeRequest(ctx context.Context, cr *changerequest.ChangeRequest) error
	AppendFileChange(ctx context.Context, fc changerequest.FileChange) (changerequest.FileChange, error)
	LoadChangeRequest(ctx context.Context, id string) (*changerequest.ChangeRequest, error)
	LoadFileChanges(ctx context.Context, changeRequestID string, target document.Reference) ([]changerequest.FileChange, error)
	LoadFileChange(ctx context.Context, changeRequestID, fileChangeID string) (changerequest.FileChange, error)
	SaveDecisions(ctx context.Context, set changerequest.DecisionSet) error
	LoadDecisions(ctx context.Context, changeRequestID, fileChangeID string) (changerequest.DecisionSet, error)
}

type Renderer interface {
	Render(ctx context.Context, req render.Request) ([]byte, error)
}

type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}
