// Package export turns rendered change request diffs into downloadable HTML
// or PDF files.
package export

import (
	"errors"

	"chronicle/changerequest/internal/render"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Request selects what to export. An empty FileChangeID exports a report
// covering the latest file change of every target in the change request.
type Request struct {
	ChangeRequestID string
	FileChangeID    string
	Mode            render.Mode
	Format          Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat is returned for formats other than html and pdf.
	ErrUnsupportedFormat = errors.New("export format not supported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

func ParseFormat(input string) (Format, error) {
	switch Format(input) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}
