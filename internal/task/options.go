package task

// Strategy names for engine preference tie-breaking.
const (
	StrategySpeed    = "speed"
	StrategyAccuracy = "accuracy"
)

// Options carries the recognized per-task processing options.
// Unknown keys are rejected at the submission boundary; by the time an
// Options value exists it only holds enumerated fields.
type Options struct {
	// Engine is an engine name or "auto" to let the selector decide.
	Engine string `json:"ocr_engine,omitempty"`

	// Language is the expected document language (ISO 639-2, default "fra").
	Language string `json:"language,omitempty"`

	// ChunkSize is the page-range size for chunked processing (default 5).
	ChunkSize int `json:"chunk_size,omitempty"`

	ExtractTables bool `json:"extract_tables,omitempty"`
	ExtractImages bool `json:"extract_images,omitempty"`

	// PreferredStrategy is "speed" or "accuracy" (default "accuracy").
	PreferredStrategy string `json:"preferred_strategy,omitempty"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.Engine == "" {
		o.Engine = "auto"
	}
	if o.Language == "" {
		o.Language = "fra"
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 5
	}
	if o.PreferredStrategy == "" {
		o.PreferredStrategy = StrategyAccuracy
	}
	return o
}
