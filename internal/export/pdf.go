package export

import (
	"context"
	"fmt"
	"html/template"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeOptions configures PDF printing with headless Chrome. Sizes are in
// inches.
type ChromeOptions struct {
	Timeout     time.Duration
	PaperWidth  float64
	PaperHeight float64
	Margin      float64
	// Binaries are the executable names looked up on PATH, in order.
	Binaries []string
}

// DefaultChromeOptions prints A4 pages.
func DefaultChromeOptions() ChromeOptions {
	return ChromeOptions{
		Timeout:     30 * time.Second,
		PaperWidth:  8.27,
		PaperHeight: 11.69,
		Margin:      0.75,
		Binaries:    []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"},
	}
}

// ChromePDF returns a PDFConverter that starts a headless Chrome per export.
// The page footer carries the report title and page numbers.
func ChromePDF(opts ChromeOptions) PDFConverter {
	return func(parent context.Context, html, title string) (*Result, error) {
		execPath, err := opts.lookPath()
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(parent, opts.Timeout)
		defer cancel()

		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.ExecPath(execPath),
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
		defer cancelAlloc()
		taskCtx, cancelTask := chromedp.NewContext(allocCtx)
		defer cancelTask()

		var data []byte
		err = chromedp.Run(taskCtx,
			chromedp.Navigate(dataURL(html)),
			chromedp.WaitReady("body"),
			chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				data, _, err = page.PrintToPDF().
					WithPrintBackground(true).
					WithPaperWidth(opts.PaperWidth).
					WithPaperHeight(opts.PaperHeight).
					WithMarginTop(opts.Margin).
					WithMarginBottom(opts.Margin).
					WithMarginLeft(opts.Margin).
					WithMarginRight(opts.Margin).
					WithDisplayHeaderFooter(true).
					WithHeaderTemplate("<span></span>").
					WithFooterTemplate(footerTemplate(title)).
					Do(ctx)
				return err
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("print pdf: %w", err)
		}
		return &Result{
			Data:     data,
			Filename: filenameFor(title, "pdf"),
			MimeType: "application/pdf",
		}, nil
	}
}

func (o ChromeOptions) lookPath() (string, error) {
	for _, name := range o.Binaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s on PATH", ErrPDFDependencyMissing, strings.Join(o.Binaries, ", "))
}

func footerTemplate(title string) string {
	return `<div style="font-size:8px;width:100%;padding:0 0.5in;display:flex;justify-content:space-between">` +
		`<span>` + template.HTMLEscapeString(title) + `</span>` +
		`<span><span class="pageNumber"></span> / <span class="totalPages"></span></span></div>`
}

// dataURL percent-encodes every byte outside the RFC 3986 unreserved set,
// so spaces become %20 rather than +.
func dataURL(html string) string {
	var b strings.Builder
	b.Grow(len(html) + len(html)/2 + 32)
	b.WriteString("data:text/html;charset=utf-8,")
	for i := 0; i < len(html); i++ {
		c := html[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

const maxFilenameLength = 50

// filenameFor keeps ASCII letters, digits, '-' and '_' from title, turns
// spaces into '-' and appends ext.
func filenameFor(title, ext string) string {
	var b strings.Builder
	for _, r := range title {
		if b.Len() == maxFilenameLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	name := b.String()
	if name == "" {
		name = "change-request"
	}
	return name + "." + ext
}
