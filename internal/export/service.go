package export

import (
	"context"
	"fmt"
	"html/template"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/render"
)

// Source provides change requests and their rendered diffs.
type Source interface {
	Get(ctx context.Context, id string) (*changerequest.ChangeRequest, error)
	RenderedDiff(ctx context.Context, fc changerequest.FileChange, mode render.Mode) ([]byte, error)
}

// PDFConverter prints an HTML page to PDF.
type PDFConverter func(ctx context.Context, html, title string) (*Result, error)

// Service provides change request export functionality
type Service struct {
	source Source
	pdf    PDFConverter
}

// NewService creates an export service printing PDFs with headless Chrome.
func NewService(source Source) *Service {
	return &Service{source: source, pdf: ChromePDF(DefaultChromeOptions())}
}

// WithPDFConverter replaces the PDF backend.
func (s *Service) WithPDFConverter(pdf PDFConverter) *Service {
	s.pdf = pdf
	return s
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	cr, err := s.source.Get(ctx, req.ChangeRequestID)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = render.ModeAuthor
	}

	var (
		html  string
		title string
	)
	if req.FileChangeID != "" {
		fc, ok := cr.FileChange(req.FileChangeID)
		if !ok {
			return nil, fmt.Errorf("%s in %s: %w", req.FileChangeID, cr.ID, changerequest.ErrFileChangeNotFound)
		}
		page, err := s.source.RenderedDiff(ctx, fc, mode)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", fc.ID, err)
		}
		html = string(page)
		title = cr.Title + " " + fc.Target.String()
	} else {
		html, err = s.report(ctx, cr, mode)
		if err != nil {
			return nil, err
		}
		title = cr.Title
	}

	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: filenameFor(title, "html"),
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func (s *Service) report(ctx context.Context, cr *changerequest.ChangeRequest, mode render.Mode) (string, error) {
	data := TemplateData{
		ID:          cr.ID,
		Title:       cr.Title,
		Description: cr.Description,
		Creator:     cr.Creator,
		Status:      string(cr.Status),
		CreatedAt:   cr.CreationDate,
	}
	for _, fc := range cr.LatestFileChanges() {
		page, err := s.source.RenderedDiff(ctx, fc, mode)
		if err != nil {
			return "", fmt.Errorf("render %s: %w", fc.ID, err)
		}
		data.Sections = append(data.Sections, TemplateSection{
			Target:   fc.Target.String(),
			Type:     string(fc.Type),
			Version:  fc.Version.String(),
			BodyHTML: template.HTML(bodyOf(string(page))),
		})
	}
	// Reviewer identities are hidden outside author mode.
	if mode == render.ModeAuthor {
		for _, r := range cr.Reviews {
			data.Reviews = append(data.Reviews, TemplateReview{
				Author:   r.Author,
				Approved: r.Approved,
				Comment:  r.Comment,
				Outdated: r.Outdated,
			})
		}
	}
	html, err := RenderReportHTML(data)
	if err != nil {
		return "", fmt.Errorf("render report template: %w", err)
	}
	return html, nil
}
