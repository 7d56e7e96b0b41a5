package changerequest

import (
	"chronicle/changerequest/internal/merge"
	"chronicle/changerequest/internal/version"
)

// DecisionSet holds the conflict decisions given so far for one file change.
// They only apply while the document is still at Published.
type DecisionSet struct {
	ChangeRequestID string           `json:"changeRequestId"`
	FileChangeID    string           `json:"fileChangeId"`
	Published       version.Token    `json:"published"`
	Decisions       []merge.Decision `json:"decisions"`
}

func (s DecisionSet) AppliesTo(published version.Token) bool {
	return len(s.Decisions) > 0 && s.Published.Compare(published) == 0
}
