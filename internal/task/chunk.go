package task

import "github.com/mgiraud/papermill/internal/ocr"

// PageChunk is a contiguous page range split out of a document for OCR.
// Chunks of a task cover [1, total_pages] disjointly and contiguously
// when ordered by StartPage.
type PageChunk struct {
	SourcePath string `json:"source_path"`
	OutputPath string `json:"output_path,omitempty"`
	StartPage  int    `json:"start_page"` // 1-indexed
	EndPage    int    `json:"end_page"`   // inclusive
	Processed  bool   `json:"processed"`

	// Per-chunk OCR result, set once Processed. Page confidences and
	// regions survive checkpoints so a resumed merge can still feed
	// validation.
	Text            string       `json:"text,omitempty"`
	Confidence      float64      `json:"confidence,omitempty"`
	PageConfidences []float64    `json:"page_confidences,omitempty"`
	Regions         []ocr.Region `json:"regions,omitempty"`
	Engine          string       `json:"engine,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Pages returns the number of pages covered by the chunk.
func (c PageChunk) Pages() int {
	return c.EndPage - c.StartPage + 1
}

// SplitPages divides [1, totalPages] into chunks of at most size pages.
// A non-positive size defaults to 5. A zero-page document yields no chunks.
func SplitPages(sourcePath string, totalPages, size int) []PageChunk {
	if size <= 0 {
		size = 5
	}
	var chunks []PageChunk
	for start := 1; start <= totalPages; start += size {
		end := start + size - 1
		if end > totalPages {
			end = totalPages
		}
		chunks = append(chunks, PageChunk{
			SourcePath: sourcePath,
			StartPage:  start,
			EndPage:    end,
		})
	}
	return chunks
}
