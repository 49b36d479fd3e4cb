package document

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// DPI bounds for PDF rasterization.
const (
	DefaultDPI = 150
	MinDPI     = 72
	MaxDPI     = 200
)

// PageCounter reports the number of pages in a PDF.
type PageCounter interface {
	PageCount(pdf []byte) (int, error)
}

// Rasterizer renders PDF pages to PNG images. pages are 1-based and the
// result is aligned with them.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, pages []int, dpi int) ([][]byte, error)
}

// PDFCPUCounter counts pages with pdfcpu using relaxed validation, which
// tolerates the small PDF format violations common in scanner output.
type PDFCPUCounter struct{}

func (PDFCPUCounter) PageCount(pdf []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(pdf), conf)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// PdftoppmRasterizer renders pages with pdftoppm (poppler-utils). It renders
// whole pages, unlike pdfcpu image extraction which returns embedded image
// objects whose numbering may not match page order.
type PdftoppmRasterizer struct {
	// Binary defaults to "pdftoppm" on PATH.
	Binary string
}

func (r PdftoppmRasterizer) Rasterize(ctx context.Context, pdf []byte, pages []int, dpi int) ([][]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "pdftoppm"
	}

	tmpDir, err := os.MkdirTemp("", "folio-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	pdfPath := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}

	out := make([][]byte, 0, len(pages))
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prefix := filepath.Join(tmpDir, fmt.Sprintf("page_%04d", page))
		pageStr := strconv.Itoa(page)
		// -singlefile writes <prefix>.png without a page suffix
		cmd := exec.CommandContext(ctx, bin,
			"-png",
			"-f", pageStr,
			"-l", pageStr,
			"-r", strconv.Itoa(dpi),
			"-singlefile",
			pdfPath,
			prefix,
		)
		if output, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("pdftoppm failed on page %d: %w (output: %s)", page, err, string(output))
		}

		data, err := os.ReadFile(prefix + ".png")
		if err != nil {
			return nil, fmt.Errorf("pdftoppm did not create expected output for page %d: %w", page, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func clampDPI(dpi int) int {
	switch {
	case dpi <= 0:
		return DefaultDPI
	case dpi < MinDPI:
		return MinDPI
	case dpi > MaxDPI:
		return MaxDPI
	}
	return dpi
}
