package document

import (
	"time"

	"chronicle/changerequest/internal/version"
)

// Published is the state of a document in the store. A removed document
// keeps the version of its removal so stale changes still see it moved.
type Published struct {
	Version version.Token
	Date    time.Time
	Removed bool
}

// CommitRequest is a compare-and-set write: it only succeeds while the
// published version of Target is still Expected.
type CommitRequest struct {
	Target    Reference
	Expected  version.Token
	Document  *Document
	Author    string
	Message   string
	MinorEdit bool
}
