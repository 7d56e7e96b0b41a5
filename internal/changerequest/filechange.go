package changerequest

import (
	"time"

	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/version"
)

type FileChangeType string

const (
	FileChangeCreation FileChangeType = "creation"
	FileChangeEdition  FileChangeType = "edition"
	FileChangeDeletion FileChangeType = "deletion"
	FileChangeNoChange FileChangeType = "no_change"
)

func (t FileChangeType) Valid() bool {
	switch t {
	case FileChangeCreation, FileChangeEdition, FileChangeDeletion, FileChangeNoChange:
		return true
	}
	return false
}

// FileChange is an immutable snapshot of one proposed edit. Modified is nil
// for a deletion.
type FileChange struct {
	ID                           string             `json:"id"`
	ChangeRequestID              string             `json:"changeRequestId"`
	Target                       document.Reference `json:"target"`
	Type                         FileChangeType     `json:"type"`
	Author                       string             `json:"author"`
	CreationDate                 time.Time          `json:"creationDate"`
	PreviousVersion              version.Token      `json:"previousVersion"`
	PreviousPublishedVersion     version.Token      `json:"previousPublishedVersion"`
	PreviousPublishedVersionDate time.Time          `json:"previousPublishedVersionDate"`
	Version                      version.Token      `json:"version"`
	Modified                     *document.Document `json:"modified,omitempty"`
	Saved                        bool               `json:"saved"`
}

// FileChangeID is the identifier a file change receives when it is saved.
func FileChangeID(target document.Reference, v version.Token) string {
	return target.String() + "@" + v.String()
}

// FromMerge reports whether this file change was produced by a rebase.
func (fc FileChange) FromMerge() bool {
	return fc.Version.FromMerge()
}

// ChangeTypeFor classifies a snapshot relative to the document it replaces.
func ChangeTypeFor(previous, modified *document.Document) FileChangeType {
	switch {
	case modified == nil:
		return FileChangeDeletion
	case previous == nil:
		return FileChangeCreation
	case document.Equal(previous, modified):
		return FileChangeNoChange
	default:
		return FileChangeEdition
	}
}
