package ocr

// Complexity classifies a document for engine selection.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityMedium      Complexity = "medium"
	ComplexityComplex     Complexity = "complex"
	ComplexityTechnical   Complexity = "technical"
	ComplexityHandwritten Complexity = "handwritten"
	ComplexityDamaged     Complexity = "damaged"
)

// bump raises the complexity one level, saturating at damaged.
// Ordering for bumping: simple < medium < complex < technical.
// Handwritten and damaged are detection outcomes, not bump targets.
func (c Complexity) bump() Complexity {
	switch c {
	case ComplexitySimple:
		return ComplexityMedium
	case ComplexityMedium:
		return ComplexityComplex
	case ComplexityComplex:
		return ComplexityTechnical
	}
	return c
}

// DocumentMetrics summarizes a document for the selector. Values come
// from format probes and, when available, a vision analysis pass.
type DocumentMetrics struct {
	MIMEType     string  `json:"mime_type"`
	PageCount    int     `json:"page_count"`
	HasText      bool    `json:"has_text"`
	TextDensity  float64 `json:"text_density"`
	ImageDensity float64 `json:"image_density"`
	ImageCount   int     `json:"image_count"`

	// Image-file metrics (zero for PDFs unless a vision pass ran).
	Contrast      float64 `json:"contrast"`
	Sharpness     float64 `json:"sharpness"`
	EdgeDensity   float64 `json:"edge_density"`
	TableContours int     `json:"table_contours"`
	ResolutionDPI int     `json:"resolution_dpi"`

	// Handwritten is set by upstream classification when known.
	Handwritten bool `json:"handwritten"`
}

// IsPlainText reports whether the document needs no OCR at all.
func (m DocumentMetrics) IsPlainText() bool {
	switch m.MIMEType {
	case "text/plain", "text/markdown", "text/csv":
		return true
	}
	return false
}

// IsImage reports whether the document is a single raster image.
func (m DocumentMetrics) IsImage() bool {
	switch m.MIMEType {
	case "image/png", "image/jpeg", "image/tiff", "image/bmp", "image/webp":
		return true
	}
	return false
}

// Selector thresholds. Design-time defaults from the decision table.
const (
	simpleTextDensityMin  = 0.01
	simpleImageDensityMax = 0.1
	damagedContrastMin    = 0.25
	damagedSharpnessMin   = 0.30
	technicalEdgeDensity  = 0.15
	complexImageCountMin  = 3
)

// Classify derives the complexity tag from document metrics, following
// the documented decision table.
func Classify(m DocumentMetrics) Complexity {
	var c Complexity

	switch {
	case m.Handwritten:
		c = ComplexityHandwritten
	case m.IsImage() && (m.Contrast < damagedContrastMin || m.Sharpness < damagedSharpnessMin):
		c = ComplexityDamaged
	case m.IsImage() && m.EdgeDensity > technicalEdgeDensity:
		c = ComplexityTechnical
	case m.MIMEType == "application/pdf" && m.HasText &&
		m.TextDensity > simpleTextDensityMin && m.ImageDensity < simpleImageDensityMax:
		c = ComplexitySimple
	case !m.HasText && m.ImageCount >= complexImageCountMin:
		c = ComplexityComplex
	default:
		c = ComplexityMedium
	}

	if m.TableContours > 0 {
		c = c.bump()
	}
	return c
}
