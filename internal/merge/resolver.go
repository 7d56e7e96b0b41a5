package merge

import (
	"fmt"
	"strings"
)

type DecisionType string

const (
	DecisionOriginal DecisionType = "original"
	DecisionCurrent  DecisionType = "current"
	DecisionNext     DecisionType = "next"
	DecisionCustom   DecisionType = "custom"
)

func (t DecisionType) Valid() bool {
	switch t {
	case DecisionOriginal, DecisionCurrent, DecisionNext, DecisionCustom:
		return true
	}
	return false
}

// ParseDecisionType also accepts "published" for the current side and
// "proposed" for the next side.
func ParseDecisionType(input string) (DecisionType, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(input)); normalized {
	case "published":
		return DecisionCurrent, nil
	case "proposed":
		return DecisionNext, nil
	default:
		t := DecisionType(normalized)
		if !t.Valid() {
			return "", fmt.Errorf("unknown decision type %q", input)
		}
		return t, nil
	}
}

// Decision resolves the conflict with the same reference. Preview starts as
// the current side's delta so a caller can show something before a choice
// is made.
//
// A custom decision always yields a value: on a property conflict the
// property is kept with Custom as its value, even when Custom is empty. To
// remove a property pick the side that removed it.
type Decision struct {
	Reference string       `json:"reference"`
	Type      DecisionType `json:"type"`
	Custom    string       `json:"custom,omitempty"`
	Preview   Delta        `json:"preview"`
}

// CreateDecision returns false when no conflict in outcome matches
// reference, which happens when a caller holds an outdated conflict list.
func CreateDecision(outcome Outcome, reference string, t DecisionType, custom string) (Decision, bool) {
	conflict, ok := outcome.Conflict(reference)
	if !ok {
		return Decision{}, false
	}
	return Decision{
		Reference: reference,
		Type:      t,
		Custom:    custom,
		Preview:   conflict.Current,
	}, true
}

// ApplyDecisions merges the outcome's inputs again, resolving every conflict
// that has a decision. Decisions already applied to outcome are kept unless
// overridden. Unknown references and invalid decision types are ignored.
func ApplyDecisions(outcome Outcome, decisions []Decision) Outcome {
	known := make(map[string]struct{}, len(outcome.Conflicts)+len(outcome.Applied))
	for _, conflict := range outcome.Conflicts {
		known[conflict.Reference] = struct{}{}
	}
	byReference := make(map[string]Decision, len(outcome.Applied)+len(decisions))
	for _, d := range outcome.Applied {
		known[d.Reference] = struct{}{}
		byReference[d.Reference] = d
	}
	for _, d := range decisions {
		if _, ok := known[d.Reference]; !ok || !d.Type.Valid() {
			continue
		}
		byReference[d.Reference] = d
	}
	return run(outcome.input, outcome.cfg, byReference)
}

