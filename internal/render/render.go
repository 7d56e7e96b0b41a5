// Package render turns a file change into an HTML diff. The rendering mode
// decides how much of the change a reader may see.
package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"slices"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"chronicle/changerequest/internal/document"
)

type Mode string

const (
	// ModeAuthor shows everything including author and metadata.
	ModeAuthor Mode = "author"
	// ModeGuest shows title and content changes only.
	ModeGuest Mode = "guest"
	// ModeRestricted only lists which parts changed.
	ModeRestricted Mode = "restricted"
)

func ParseMode(input string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(input))); mode {
	case "":
		return ModeAuthor, nil
	case ModeAuthor, ModeGuest, ModeRestricted:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown rendering mode %q", input)
	}
}

type Request struct {
	Mode         Mode
	FileChangeID string
	Target       document.Reference
	Type         string
	Version      string
	Author       string
	Previous     *document.Document
	Next         *document.Document
}

//go:embed templates/*.html
var templateFS embed.FS

var diffTemplate = template.Must(template.New("diff.html").Funcs(template.FuncMap{
	"safeHTML": func(s string) template.HTML { return template.HTML(s) },
}).ParseFS(templateFS, "templates/diff.html"))

// HTML renders file changes with go-diff's HTML output.
type HTML struct{}

func NewHTML() *HTML {
	return &HTML{}
}

type view struct {
	Mode         Mode
	Title        string
	TitleHTML    string
	Target       string
	Type         string
	Version      string
	Author       string
	Restricted   bool
	ChangedUnits []string
	ContentHTML  string
	Properties   []propertyView
}

type propertyView struct {
	Key      string
	DiffHTML string
}

func (r *HTML) Render(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeAuthor
	}

	previous := snapshot(req.Previous)
	next := snapshot(req.Next)
	v := view{
		Mode:    mode,
		Title:   next.title,
		Target:  req.Target.String(),
		Type:    req.Type,
		Version: req.Version,
	}
	if v.Title == "" {
		v.Title = previous.title
	}

	switch mode {
	case ModeAuthor:
		v.Author = req.Author
		v.TitleHTML = diffHTML(previous.title, next.title)
		v.ContentHTML = diffHTML(previous.content, next.content)
		for _, key := range unionKeys(previous.properties, next.properties) {
			before, after := previous.properties[key], next.properties[key]
			if before == after {
				continue
			}
			v.Properties = append(v.Properties, propertyView{Key: key, DiffHTML: diffHTML(before, after)})
		}
	case ModeGuest:
		v.TitleHTML = diffHTML(previous.title, next.title)
		v.ContentHTML = diffHTML(previous.content, next.content)
	case ModeRestricted:
		v.Restricted = true
		v.TitleHTML = template.HTMLEscapeString(v.Title)
		v.ChangedUnits = changedUnits(previous, next, req.Next == nil)
	default:
		return nil, fmt.Errorf("render %s: unknown mode %q", req.FileChangeID, mode)
	}

	var buf bytes.Buffer
	if err := diffTemplate.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render %s: %w", req.FileChangeID, err)
	}
	return buf.Bytes(), nil
}

type flat struct {
	title      string
	content    string
	properties map[string]string
}

func snapshot(d *document.Document) flat {
	if d == nil {
		return flat{}
	}
	return flat{title: d.Title(), content: d.Content(), properties: d.Properties()}
}

func diffHTML(before, after string) string {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyHtml(diffs)
}

func unionKeys(a, b map[string]string) []string {
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		keys = append(keys, key)
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func changedUnits(previous, next flat, removed bool) []string {
	if removed {
		return []string{"document removed"}
	}
	var units []string
	if previous.title != next.title {
		units = append(units, "title")
	}
	if previous.content != next.content {
		units = append(units, "content")
	}
	for _, key := range unionKeys(previous.properties, next.properties) {
		if previous.properties[key] != next.properties[key] {
			units = append(units, "property "+key)
		}
	}
	return units
}
