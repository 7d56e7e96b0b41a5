package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/report.html"))

// TemplateData holds data for the change request report
type TemplateData struct {
	ID          string
	Title       string
	Description string
	Creator     string
	Status      string
	CreatedAt   time.Time
	Sections    []TemplateSection
	Reviews     []TemplateReview
}

// TemplateSection is one rendered file change.
type TemplateSection struct {
	Target   string
	Type     string
	Version  string
	BodyHTML template.HTML
}

type TemplateReview struct {
	Author   string
	Approved bool
	Comment  string
	Outdated bool
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// bodyOf returns the inner HTML of the body element of a rendered page, or
// the whole input when it has no body.
func bodyOf(page string) string {
	lower := strings.ToLower(page)
	open := strings.Index(lower, "<body")
	if open < 0 {
		return page
	}
	start := strings.Index(lower[open:], ">")
	if start < 0 {
		return page
	}
	start += open + 1
	end := strings.LastIndex(lower, "</body>")
	if end < start {
		return page[start:]
	}
	return strings.TrimSpace(page[start:end])
}
