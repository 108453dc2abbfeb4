package processor

import (
	"context"
	"fmt"
	"os"

	"github.com/mgiraud/papermill/internal/ocr"
	"github.com/mgiraud/papermill/internal/pdf"
	"github.com/mgiraud/papermill/internal/task"
)

// probeSamplePages bounds the per-page content inspection of large PDFs.
const probeSamplePages = 5

// Probe derives document metrics for the selector. PDFs are opened for
// a page count and a text-layer sample; images go through the vision
// engine when one is configured. Probing failures on a well-formed path
// are validation errors: the input cannot be processed.
func Probe(ctx context.Context, path string, vision ocr.VisionEngine) (ocr.DocumentMetrics, error) {
	m := ocr.DocumentMetrics{MIMEType: pdf.MIMEByExtension(path)}

	if _, err := os.Stat(path); err != nil {
		return m, task.NewFailure(task.ErrKindValidation, false,
			fmt.Errorf("input not readable: %w", err))
	}

	switch {
	case m.IsPlainText():
		m.HasText = true
		m.TextDensity = 1
		m.PageCount = 1

	case m.MIMEType == "application/pdf":
		count, err := pdf.PageCount(path)
		if err != nil {
			return m, task.NewFailure(task.ErrKindValidation, false,
				fmt.Errorf("failed to probe PDF: %w", err))
		}
		m.PageCount = count

		// The text-layer sample decides whether the document classifies
		// as a simple digital PDF. It is advisory: on error the document
		// keeps the default classification.
		if st, err := pdf.ProbeContent(path, probeSamplePages); err == nil {
			m.HasText = st.HasText
			m.TextDensity = st.TextDensity
			m.ImageDensity = st.ImageDensity
			m.ImageCount = st.ImageCount
		}

	case m.IsImage():
		m.PageCount = 1
		if vision != nil {
			a, err := vision.AnalyzeImage(ctx, path)
			if err != nil {
				// Vision analysis is advisory; classification falls
				// back to defaults.
				break
			}
			m.Contrast = a.Contrast
			m.Sharpness = a.Sharpness
			m.EdgeDensity = a.EdgeDensity
			m.TableContours = a.TableContours
			m.ResolutionDPI = a.ResolutionDPI
		}

	default:
		return m, task.NewFailure(task.ErrKindValidation, false,
			fmt.Errorf("unsupported document type %s", m.MIMEType))
	}

	return m, nil
}
