package merge

import (
	"chronicle/changerequest/internal/document"
)

const (
	UnitTitle    = "title"
	UnitContent  = "content"
	UnitDocument = "document"

	propertyPrefix = "property:"
)

// Delta describes one side's edit of a unit relative to the original.
type Delta struct {
	Previous string `json:"previous"`
	Next     string `json:"next"`
	Removed  bool   `json:"removed,omitempty"`
}

// Conflict is a unit both sides changed differently. Reference is stable for
// the same inputs.
type Conflict struct {
	Reference string             `json:"reference"`
	Unit      string             `json:"unit"`
	Target    document.Reference `json:"target"`
	Line      int                `json:"line,omitempty"`
	Original  string             `json:"original"`
	Current   Delta              `json:"current"`
	Proposed  Delta              `json:"proposed"`
}

type Input struct {
	Target   document.Reference
	Original *document.Document
	Current  *document.Document
	Proposed *document.Document
}

// Outcome is either clean (no conflicts) or conflicted. It keeps its inputs
// so decisions can be applied without refetching documents.
type Outcome struct {
	Target    document.Reference `json:"target"`
	Merged    *document.Document `json:"merged,omitempty"`
	Removed   bool               `json:"removed"`
	Modified  bool               `json:"modified"`
	Conflicts []Conflict         `json:"conflicts"`
	Applied   []Decision         `json:"applied,omitempty"`

	input Input
	cfg   Config
}

func (o Outcome) Clean() bool {
	return len(o.Conflicts) == 0
}

func (o Outcome) References() []string {
	refs := make([]string, 0, len(o.Conflicts))
	for _, conflict := range o.Conflicts {
		refs = append(refs, conflict.Reference)
	}
	return refs
}

func (o Outcome) Conflict(reference string) (Conflict, bool) {
	for _, conflict := range o.Conflicts {
		if conflict.Reference == reference {
			return conflict, true
		}
	}
	return Conflict{}, false
}

func (o Outcome) Input() Input {
	return o.input
}
