// Package document turns raw bytes (PDF, PNG, JPEG, multi-page TIFF) into an
// ordered list of page images ready to send to a vision model.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"sort"
	"strconv"
)

// Image limits applied to every page before it is sent.
const (
	DefaultMaxPages          = 20
	DefaultMaxImageDimension = 8000
	DefaultMaxImageBytes     = 3_750_000
)

// Page is one page image. Index is the 1-based page number in the source.
type Page struct {
	Index    int
	Image    []byte
	MIMEType string
	Width    int
	Height   int
}

// Document is a loaded document. It always has at least one page and is not
// modified after Load returns.
type Document struct {
	Pages    []Page
	MIMEType string
	// PageCount is the number of pages in the source file, which may exceed
	// len(Pages) when a selection was applied.
	PageCount int
	Metadata  map[string]string
}

// PageIndexes returns the 1-based source page numbers of the loaded pages.
func (d *Document) PageIndexes() []int {
	out := make([]int, len(d.Pages))
	for i, p := range d.Pages {
		out[i] = p.Index
	}
	return out
}

// Options controls page selection for a single load.
type Options struct {
	// Pages lists 1-based page numbers to keep. Empty selects the first
	// MaxPages pages. Out-of-range entries are ignored.
	Pages []int
}

// Config configures a Loader.
type Config struct {
	Counter           PageCounter
	Rasterizer        Rasterizer
	DPI               int
	MaxPages          int
	MaxImageDimension int
	MaxImageBytes     int
	Logger            *slog.Logger
}

// Loader loads documents. Safe for concurrent use.
type Loader struct {
	counter    PageCounter
	rasterizer Rasterizer
	dpi        int
	maxPages   int
	maxDim     int
	maxBytes   int
	logger     *slog.Logger
}

// NewLoader creates a loader, filling unset fields with defaults (pdfcpu
// page counting, pdftoppm rasterization at 150 DPI).
func NewLoader(cfg Config) *Loader {
	l := &Loader{
		counter:    cfg.Counter,
		rasterizer: cfg.Rasterizer,
		dpi:        clampDPI(cfg.DPI),
		maxPages:   cfg.MaxPages,
		maxDim:     cfg.MaxImageDimension,
		maxBytes:   cfg.MaxImageBytes,
		logger:     cfg.Logger,
	}
	if l.counter == nil {
		l.counter = PDFCPUCounter{}
	}
	if l.rasterizer == nil {
		l.rasterizer = PdftoppmRasterizer{}
	}
	if l.maxPages <= 0 {
		l.maxPages = DefaultMaxPages
	}
	if l.maxDim <= 0 {
		l.maxDim = DefaultMaxImageDimension
	}
	if l.maxBytes <= 0 {
		l.maxBytes = DefaultMaxImageBytes
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "document")
	return l
}

// LoadFile reads a file and loads it, taking the MIME type from the content.
func (l *Loader) LoadFile(ctx context.Context, path string, opts Options) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	doc, err := l.Load(ctx, data, "", opts)
	var unsupported *UnsupportedFormatError
	if errors.As(err, &unsupported) && unsupported.MIMEType == "" {
		// Name the type the extension suggests.
		unsupported.MIMEType = MIMEFromPath(path)
	}
	return doc, err
}

// Load decodes data into a Document. An empty mimeType is detected from the
// content; a declared type that disagrees with the content is rejected.
func (l *Loader) Load(ctx context.Context, data []byte, mimeType string, opts Options) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	declared := NormalizeMIME(mimeType)
	if declared != "" && !supported(declared) {
		return nil, &UnsupportedFormatError{MIMEType: declared}
	}
	if len(data) == 0 {
		return nil, &CorruptDocumentError{Err: errors.New("document is empty")}
	}

	detected, err := DetectMIME(data)
	if err != nil {
		return nil, &UnsupportedFormatError{MIMEType: declared}
	}
	if declared != "" && declared != detected {
		return nil, &UnsupportedFormatError{MIMEType: declared, Detected: detected}
	}

	var doc *Document
	switch detected {
	case MIMEPDF:
		doc, err = l.loadPDF(ctx, data, opts)
	case MIMETIFF:
		doc, err = l.loadTIFF(data, opts)
	default:
		doc, err = l.loadImage(data, detected, opts)
	}
	if err != nil {
		return nil, err
	}

	l.logger.Debug("document loaded",
		"mime", doc.MIMEType,
		"page_count", doc.PageCount,
		"selected", len(doc.Pages))
	return doc, nil
}

func (l *Loader) loadImage(data []byte, mimeType string, opts Options) (*Document, error) {
	pages := l.selectPages(1, opts.Pages)
	if len(pages) == 0 {
		return nil, &CorruptDocumentError{Err: errors.New("no pages selected")}
	}
	w, h, err := l.checkImage(data)
	if err != nil {
		return nil, &CorruptDocumentError{Page: 1, Err: err}
	}
	return &Document{
		Pages:     []Page{{Index: 1, Image: data, MIMEType: mimeType, Width: w, Height: h}},
		MIMEType:  mimeType,
		PageCount: 1,
		Metadata:  map[string]string{"source_mime": mimeType},
	}, nil
}

func (l *Loader) loadTIFF(data []byte, opts Options) (*Document, error) {
	offsets, order, err := tiffFrames(data)
	if err != nil {
		return nil, &CorruptDocumentError{Err: err}
	}

	selected := l.selectPages(len(offsets), opts.Pages)
	if len(selected) == 0 {
		return nil, &CorruptDocumentError{Err: errors.New("no pages selected")}
	}

	pages := make([]Page, 0, len(selected))
	for _, n := range selected {
		img, w, h, err := decodeTIFFFrame(data, offsets[n-1], order)
		if err != nil {
			return nil, &CorruptDocumentError{Page: n, Err: err}
		}
		if err := l.checkLimits(len(img), w, h); err != nil {
			return nil, &CorruptDocumentError{Page: n, Err: err}
		}
		pages = append(pages, Page{Index: n, Image: img, MIMEType: MIMEPNG, Width: w, Height: h})
	}

	return &Document{
		Pages:     pages,
		MIMEType:  MIMETIFF,
		PageCount: len(offsets),
		Metadata: map[string]string{
			"source_mime": MIMETIFF,
			"frames":      strconv.Itoa(len(offsets)),
		},
	}, nil
}

func (l *Loader) loadPDF(ctx context.Context, data []byte, opts Options) (*Document, error) {
	count, err := l.counter.PageCount(data)
	if err != nil {
		return nil, &CorruptDocumentError{Err: err}
	}
	if count <= 0 {
		return nil, &CorruptDocumentError{Err: errors.New("pdf has no pages")}
	}

	selected := l.selectPages(count, opts.Pages)
	if len(selected) == 0 {
		return nil, &CorruptDocumentError{Err: errors.New("no pages selected")}
	}

	images, err := l.rasterizer.Rasterize(ctx, data, selected, l.dpi)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CorruptDocumentError{Err: fmt.Errorf("rasterization failed: %w", err)}
	}
	if len(images) != len(selected) {
		return nil, &CorruptDocumentError{
			Err: fmt.Errorf("rasterizer returned %d images for %d pages", len(images), len(selected)),
		}
	}

	pages := make([]Page, 0, len(selected))
	for i, n := range selected {
		w, h, err := l.checkImage(images[i])
		if err != nil {
			return nil, &CorruptDocumentError{Page: n, Err: err}
		}
		pages = append(pages, Page{Index: n, Image: images[i], MIMEType: MIMEPNG, Width: w, Height: h})
	}

	return &Document{
		Pages:     pages,
		MIMEType:  MIMEPDF,
		PageCount: count,
		Metadata: map[string]string{
			"source_mime": MIMEPDF,
			"dpi":         strconv.Itoa(l.dpi),
		},
	}, nil
}

// selectPages applies a 1-based page selection to a document with total
// pages. The result is ascending and free of duplicates.
func (l *Loader) selectPages(total int, requested []int) []int {
	if len(requested) == 0 {
		n := total
		if n > l.maxPages {
			n = l.maxPages
		}
		out := make([]int, n)
		for i := range out {
			out[i] = i + 1
		}
		return out
	}

	seen := make(map[int]bool, len(requested))
	var out []int
	for _, p := range requested {
		if p < 1 || p > total || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// checkImage decodes the image header and applies the size limits.
func (l *Loader) checkImage(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}
	if err := l.checkLimits(len(data), cfg.Width, cfg.Height); err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func (l *Loader) checkLimits(size, w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("image has invalid dimensions %dx%d", w, h)
	}
	if w > l.maxDim || h > l.maxDim {
		return fmt.Errorf("%w: %dx%d exceeds %d px", ErrImageTooLarge, w, h, l.maxDim)
	}
	if size > l.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrImageTooLarge, size, l.maxBytes)
	}
	return nil
}
