// Package merge computes three-way merges between the baseline of a file
// change, the live document and the proposed snapshot.
//
// A document is merged unit by unit: the title, the content body and every
// metadata property. The body is merged line by line by default. Units
// changed differently on both sides become conflicts, each with a reference
// such as "title", "content:line3" or "property:owner" that stays the same
// for the same inputs. Merge never fails; conflicts are part of the outcome.
package merge

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"chronicle/changerequest/internal/document"
)

type Granularity string

const (
	GranularityLines Granularity = "lines"
	GranularityBody  Granularity = "body"
)

func ParseGranularity(input string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(input))) {
	case "", GranularityLines:
		return GranularityLines, nil
	case GranularityBody:
		return GranularityBody, nil
	}
	return "", fmt.Errorf("unknown merge granularity %q", input)
}

type Config struct {
	Granularity Granularity
}

func DefaultConfig() Config {
	return Config{Granularity: GranularityLines}
}

func (c Config) granularity() Granularity {
	if c.Granularity == "" {
		return GranularityLines
	}
	return c.Granularity
}

// Merge runs the three-way merge without any decisions.
func Merge(in Input, cfg Config) Outcome {
	return run(in, cfg, nil)
}

type merger struct {
	out       *Outcome
	decisions map[string]Decision
}

func run(in Input, cfg Config, decisions map[string]Decision) Outcome {
	out := Outcome{Target: in.Target, input: in, cfg: cfg}
	m := &merger{out: &out, decisions: decisions}
	o, c, p := in.Original, in.Current, in.Proposed

	switch {
	case document.Equal(o, c):
		m.finish(p)
	case p == nil && c == nil:
		m.finish(nil)
	case p == nil:
		m.existence(o, c, p)
	case c == nil && document.Equal(p, o):
		m.finish(nil)
	case c == nil:
		m.existence(o, c, p)
	case o == nil && document.Equal(c, p):
		m.finish(c)
	case o == nil:
		m.existence(o, c, p)
	default:
		m.finish(m.units(o, c, p, cfg))
	}
	return out
}

func (m *merger) finish(merged *document.Document) {
	if len(m.out.Conflicts) > 0 {
		return
	}
	m.out.Merged = merged
	m.out.Removed = merged == nil
	m.out.Modified = !document.Equal(merged, m.out.input.Current)
}

func (m *merger) decision(reference string) (Decision, bool) {
	d, ok := m.decisions[reference]
	if ok {
		m.out.Applied = append(m.out.Applied, d)
	}
	return d, ok
}

func (m *merger) conflict(c Conflict) {
	c.Target = m.out.Target
	m.out.Conflicts = append(m.out.Conflicts, c)
}

// existence handles a removal on one side racing a change on the other.
func (m *merger) existence(o, c, p *document.Document) {
	if d, ok := m.decision(UnitDocument); ok {
		switch d.Type {
		case DecisionOriginal:
			m.finish(o)
		case DecisionCurrent:
			m.finish(c)
		case DecisionNext:
			m.finish(p)
		case DecisionCustom:
			m.finish(customDocument(d.Custom, p, c, o))
		}
		return
	}
	m.conflict(Conflict{
		Reference: UnitDocument,
		Unit:      UnitDocument,
		Original:  contentOf(o),
		Current:   Delta{Previous: contentOf(o), Next: contentOf(c), Removed: c == nil},
		Proposed:  Delta{Previous: contentOf(o), Next: contentOf(p), Removed: p == nil},
	})
}

// customDocument accepts either a JSON document or plain content applied to
// the first non-nil fallback.
func customDocument(custom string, fallbacks ...*document.Document) *document.Document {
	var decoded document.Document
	if strings.HasPrefix(strings.TrimSpace(custom), "{") && json.Unmarshal([]byte(custom), &decoded) == nil {
		return &decoded
	}
	for _, fallback := range fallbacks {
		if fallback != nil {
			return fallback.WithContent(custom)
		}
	}
	return document.New("", custom, nil)
}

func contentOf(d *document.Document) string {
	if d == nil {
		return ""
	}
	return d.Content()
}

type value struct {
	text    string
	present bool
}

func present(text string) value { return value{text: text, present: true} }

func (m *merger) units(o, c, p *document.Document, cfg Config) *document.Document {
	title := m.scalar(UnitTitle, UnitTitle, present(o.Title()), present(c.Title()), present(p.Title()))

	var content string
	if cfg.granularity() == GranularityBody {
		content = m.scalar(UnitContent, UnitContent, present(o.Content()), present(c.Content()), present(p.Content())).text
	} else {
		content = document.JoinLines(m.lines(o.Lines(), c.Lines(), p.Lines()))
	}

	keys := make(map[string]struct{})
	for _, d := range []*document.Document{o, c, p} {
		for _, key := range d.PropertyKeys() {
			keys[key] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	slices.Sort(sorted)

	properties := make(map[string]string, len(sorted))
	for _, key := range sorted {
		ref := propertyPrefix + key
		merged := m.scalar(ref, ref, propertyValue(o, key), propertyValue(c, key), propertyValue(p, key))
		if merged.present {
			properties[key] = merged.text
		}
	}
	return document.New(title.text, content, properties)
}

func propertyValue(d *document.Document, key string) value {
	text, ok := d.Property(key)
	return value{text: text, present: ok}
}

func (m *merger) scalar(unit, reference string, o, c, p value) value {
	switch {
	case c == o:
		return p
	case p == o, c == p:
		return c
	}
	if d, ok := m.decision(reference); ok {
		switch d.Type {
		case DecisionOriginal:
			return o
		case DecisionNext:
			return p
		case DecisionCustom:
			return present(d.Custom)
		default:
			return c
		}
	}
	m.conflict(Conflict{
		Reference: reference,
		Unit:      unit,
		Original:  o.text,
		Current:   scalarDelta(o, c),
		Proposed:  scalarDelta(o, p),
	})
	return c
}

func scalarDelta(o, side value) Delta {
	return Delta{Previous: o.text, Next: side.text, Removed: o.present && !side.present}
}

func (m *merger) lines(o, c, p []string) []string {
	hunks := append(lineHunks(sideCurrent, o, c), lineHunks(sideProposed, o, p)...)
	var (
		out []string
		pos int
	)
	for _, g := range groupHunks(hunks) {
		out = append(out, o[pos:g.start]...)
		out = append(out, m.group(o, g)...)
		pos = g.end
	}
	return append(out, o[pos:]...)
}

func (m *merger) group(o []string, g group) []string {
	current, currentTouched := g.apply(o, sideCurrent)
	proposed, proposedTouched := g.apply(o, sideProposed)
	switch {
	case !proposedTouched:
		return current
	case !currentTouched:
		return proposed
	case slices.Equal(current, proposed):
		return current
	case g.insertionsOnly():
		return combineInsertions(current, proposed)
	}

	original := o[g.start:g.end]
	reference := fmt.Sprintf("%s:line%d", UnitContent, g.start+1)
	if d, ok := m.decision(reference); ok {
		switch d.Type {
		case DecisionOriginal:
			return slices.Clone(original)
		case DecisionNext:
			return proposed
		case DecisionCustom:
			return document.SplitLines(d.Custom)
		default:
			return current
		}
	}
	m.conflict(Conflict{
		Reference: reference,
		Unit:      UnitContent,
		Line:      g.start + 1,
		Original:  document.JoinLines(original),
		Current:   linesDelta(original, current),
		Proposed:  linesDelta(original, proposed),
	})
	return current
}

func linesDelta(original, side []string) Delta {
	return Delta{
		Previous: document.JoinLines(original),
		Next:     document.JoinLines(side),
		Removed:  len(original) > 0 && len(side) == 0,
	}
}

// combineInsertions keeps both sides of insertions at the same point,
// current first. When one side already contains the other at its start or
// end only the longer one is kept.
func combineInsertions(current, proposed []string) []string {
	if contains(current, proposed) {
		return current
	}
	if contains(proposed, current) {
		return proposed
	}
	out := make([]string, 0, len(current)+len(proposed))
	out = append(out, current...)
	return append(out, proposed...)
}

func contains(longer, shorter []string) bool {
	if len(shorter) > len(longer) {
		return false
	}
	return slices.Equal(longer[:len(shorter)], shorter) || slices.Equal(longer[len(longer)-len(shorter):], shorter)
}
