// Package pdf wraps the pdfcpu operations the pipeline needs: page
// counting, page-range extraction for chunking, and merging of chunk
// outputs.
package pdf

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// PageCount returns the number of pages in a PDF file.
func PageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF %s: %w", path, err)
	}
	defer f.Close()

	count, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count for %s: %w", path, err)
	}
	return count, nil
}

// ExtractPageRange writes pages [start,end] (1-indexed, inclusive) of
// src into dstDir and returns the path of the new file.
func ExtractPageRange(src, dstDir string, start, end int) (string, error) {
	if start < 1 || end < start {
		return "", fmt.Errorf("invalid page range [%d,%d]", start, end)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create chunk directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(dstDir, fmt.Sprintf("%s_p%04d-%04d.pdf", base, start, end))

	pages := []string{fmt.Sprintf("%d-%d", start, end)}
	if err := api.TrimFile(src, out, pages, nil); err != nil {
		return "", fmt.Errorf("failed to extract pages %d-%d from %s: %w", start, end, src, err)
	}
	return out, nil
}

// Merge concatenates the given PDFs, in order, into outFile.
func Merge(inFiles []string, outFile string) error {
	if len(inFiles) == 0 {
		return fmt.Errorf("no files to merge")
	}
	if err := os.MkdirAll(filepath.Dir(outFile), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := api.MergeCreateFile(inFiles, outFile, false, nil); err != nil {
		return fmt.Errorf("failed to merge %d files into %s: %w", len(inFiles), outFile, err)
	}
	return nil
}

// ContentStats summarizes a PDF's text layer and image usage.
type ContentStats struct {
	HasText      bool
	TextDensity  float64
	ImageDensity float64
	ImageCount   int
}

// nominalPageChars is a full page of text; densities are normalized
// against it.
const nominalPageChars = 3000

// ProbeContent samples up to maxPages pages for string operands in the
// content streams and for image XObjects. Both signals are heuristics:
// a positive text density means a text layer is present, not that it is
// complete. maxPages <= 0 samples every page.
func ProbeContent(path string, maxPages int) (ContentStats, error) {
	ctx, err := api.ReadContextFile(path)
	if err != nil {
		return ContentStats{}, fmt.Errorf("failed to read PDF %s: %w", path, err)
	}
	if err := api.OptimizeContext(ctx); err != nil {
		return ContentStats{}, fmt.Errorf("failed to optimize PDF %s: %w", path, err)
	}

	pages := ctx.PageCount
	if maxPages > 0 && maxPages < pages {
		pages = maxPages
	}

	var s ContentStats
	if pages == 0 {
		return s, nil
	}

	textBytes := 0
	imagePages := 0
	for p := 1; p <= pages; p++ {
		if r, err := pdfcpu.ExtractPageContent(ctx, p); err == nil && r != nil {
			if bb, err := io.ReadAll(r); err == nil {
				textBytes += stringOperandBytes(bb)
			}
		}
		if n := len(pdfcpu.ImageObjNrs(ctx, p)); n > 0 {
			s.ImageCount += n
			imagePages++
		}
	}

	s.HasText = textBytes > 0
	s.TextDensity = math.Min(1, float64(textBytes)/float64(pages*nominalPageChars))
	s.ImageDensity = float64(imagePages) / float64(pages)
	return s, nil
}

// stringOperandBytes counts the bytes inside string literals and hex
// strings of a decoded content stream. In page content these are the
// operands of the text-show operators, so the count tracks how much
// text the page draws.
func stringOperandBytes(bb []byte) int {
	n := 0
	for i := 0; i < len(bb); i++ {
		switch bb[i] {
		case '(':
			depth := 1
			for i++; i < len(bb) && depth > 0; i++ {
				switch bb[i] {
				case '\\':
					i++
					n++
				case '(':
					depth++
				case ')':
					depth--
				default:
					n++
				}
			}
			i--
		case '<':
			if i+1 < len(bb) && bb[i+1] == '<' {
				i++
				continue
			}
			start := i + 1
			for i++; i < len(bb) && bb[i] != '>'; i++ {
			}
			n += (i - start) / 2
		}
	}
	return n
}

// MIMEByExtension maps a file extension to the MIME types the selector
// understands. Unknown extensions map to application/octet-stream.
func MIMEByExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	case ".webp":
		return "image/webp"
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// IsMultiPage reports whether the format can hold multiple pages and is
// therefore eligible for page-range chunking.
func IsMultiPage(mime string) bool {
	switch mime {
	case "application/pdf", "image/tiff":
		return true
	}
	return false
}
