package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/merge"
)

// errConflicts is returned when the merge leaves conflicts without a
// decision. main maps it to exit status 2.
var errConflicts = errors.New("unresolved conflicts")

type mergeOptions struct {
	original    string
	current     string
	proposed    string
	target      string
	granularity string
	output      string
	decisions   []string
}

// documentFile is the on-disk form of a document.
type documentFile struct {
	Title      string            `json:"title" yaml:"title"`
	Content    string            `json:"content" yaml:"content"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type mergeReport struct {
	Target    string           `json:"target" yaml:"target"`
	Clean     bool             `json:"clean" yaml:"clean"`
	Modified  bool             `json:"modified" yaml:"modified"`
	Removed   bool             `json:"removed" yaml:"removed"`
	Conflicts []conflictReport `json:"conflicts" yaml:"conflicts"`
	Merged    *documentFile    `json:"merged,omitempty" yaml:"merged,omitempty"`
}

type conflictReport struct {
	Reference string `json:"reference" yaml:"reference"`
	Unit      string `json:"unit" yaml:"unit"`
	Line      int    `json:"line,omitempty" yaml:"line,omitempty"`
	Original  string `json:"original" yaml:"original"`
	Current   string `json:"current" yaml:"current"`
	Proposed  string `json:"proposed" yaml:"proposed"`
}

func newMergeCmd() *cobra.Command {
	opts := &mergeOptions{}
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a proposed document into the current one",
		Long: `Merge computes the three-way merge of --proposed into --current using
--original as the common ancestor. Leave a path empty for a document that
does not exist on that side.

Conflicts are resolved with --decision reference=type[:custom], where type
is original, current, next or custom. The command exits with status 2 when
conflicts remain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMerge(cmd.OutOrStdout(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.original, "original", "", "Common ancestor document file")
	flags.StringVar(&opts.current, "current", "", "Currently published document file")
	flags.StringVar(&opts.proposed, "proposed", "", "Proposed document file")
	flags.StringVar(&opts.target, "target", "document", "Document reference reported in conflicts (id;locale)")
	flags.StringVar(&opts.granularity, "granularity", string(merge.GranularityLines), "Content merge granularity (lines, body)")
	flags.StringVarP(&opts.output, "output", "o", "text", "Output format (text, json, yaml)")
	flags.StringArrayVar(&opts.decisions, "decision", nil, "Conflict decision as reference=type[:custom], repeatable")
	return cmd
}

func runMerge(out io.Writer, opts *mergeOptions) error {
	target, err := document.ParseReference(opts.target)
	if err != nil {
		return err
	}
	granularity, err := merge.ParseGranularity(opts.granularity)
	if err != nil {
		return err
	}
	in := merge.Input{Target: target}
	if in.Original, err = loadDocument(opts.original); err != nil {
		return err
	}
	if in.Current, err = loadDocument(opts.current); err != nil {
		return err
	}
	if in.Proposed, err = loadDocument(opts.proposed); err != nil {
		return err
	}

	outcome := merge.Merge(in, merge.Config{Granularity: granularity})
	if len(opts.decisions) > 0 {
		decisions := make([]merge.Decision, 0, len(opts.decisions))
		for _, raw := range opts.decisions {
			decision, err := parseDecision(outcome, raw)
			if err != nil {
				return err
			}
			decisions = append(decisions, decision)
		}
		outcome = merge.ApplyDecisions(outcome, decisions)
	}

	if err := writeReport(out, opts.output, reportFor(outcome)); err != nil {
		return err
	}
	if !outcome.Clean() {
		return errConflicts
	}
	return nil
}

func loadDocument(path string) (*document.Document, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	// JSON is a subset of YAML, so one decoder covers both.
	var file documentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse document %s: %w", path, err)
	}
	return document.New(file.Title, file.Content, file.Properties), nil
}

func parseDecision(outcome merge.Outcome, raw string) (merge.Decision, error) {
	reference, rest, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(reference) == "" {
		return merge.Decision{}, fmt.Errorf("decision %q: want reference=type[:custom]", raw)
	}
	typeName, custom, _ := strings.Cut(rest, ":")
	decisionType, err := merge.ParseDecisionType(typeName)
	if err != nil {
		return merge.Decision{}, fmt.Errorf("decision %q: %w", raw, err)
	}
	decision, ok := merge.CreateDecision(outcome, strings.TrimSpace(reference), decisionType, custom)
	if !ok {
		return merge.Decision{}, fmt.Errorf("decision %q: no conflict with reference %q", raw, reference)
	}
	return decision, nil
}

func reportFor(outcome merge.Outcome) mergeReport {
	report := mergeReport{
		Target:    outcome.Target.String(),
		Clean:     outcome.Clean(),
		Modified:  outcome.Modified,
		Removed:   outcome.Removed,
		Conflicts: make([]conflictReport, 0, len(outcome.Conflicts)),
	}
	for _, c := range outcome.Conflicts {
		report.Conflicts = append(report.Conflicts, conflictReport{
			Reference: c.Reference,
			Unit:      c.Unit,
			Line:      c.Line,
			Original:  c.Original,
			Current:   describeDelta(c.Current),
			Proposed:  describeDelta(c.Proposed),
		})
	}
	if outcome.Merged != nil {
		report.Merged = &documentFile{
			Title:      outcome.Merged.Title(),
			Content:    outcome.Merged.Content(),
			Properties: outcome.Merged.Properties(),
		}
	}
	return report
}

func describeDelta(d merge.Delta) string {
	if d.Removed {
		return "(removed)"
	}
	return d.Next
}

func writeReport(out io.Writer, format string, report mergeReport) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return writeText(out, report)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeText(out io.Writer, report mergeReport) error {
	if report.Clean {
		state := "unchanged"
		switch {
		case report.Removed:
			state = "removed"
		case report.Modified:
			state = "modified"
		}
		if _, err := fmt.Fprintf(out, "%s: clean merge (%s)\n", report.Target, state); err != nil {
			return err
		}
		if report.Merged != nil {
			_, err := fmt.Fprintf(out, "title: %s\n---\n%s\n", report.Merged.Title, report.Merged.Content)
			return err
		}
		return nil
	}
	if _, err := fmt.Fprintf(out, "%s: %d conflict(s)\n", report.Target, len(report.Conflicts)); err != nil {
		return err
	}
	for _, c := range report.Conflicts {
		if _, err := fmt.Fprintf(out, "  %s\n    original: %q\n    current:  %q\n    proposed: %q\n", c.Reference, c.Original, c.Current, c.Proposed); err != nil {
			return err
		}
	}
	return nil
}
