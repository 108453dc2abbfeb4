package chunker

// Relation types attached to TextChunks. shared_* edges are derived
// from the structural element type ("shared_figure", "shared_table",
// "shared_equation", "shared_section").
const (
	RelationPrevious   = "previous"
	RelationNext       = "next"
	RelationSemantic   = "semantic_similarity"
	relationSharedBase = "shared_"
)

// Element is a structural reference detected in the source text, such
// as "figure 3" or "tableau 2".
type Element struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Offset  int    `json:"offset"`
	Context string `json:"context,omitempty"`
}

// Relation is a directed edge to another TextChunk of the same run.
type Relation struct {
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

// Metadata carries per-chunk statistics and enrichment.
type Metadata struct {
	CharCount        int       `json:"char_count"`
	WordCount        int       `json:"word_count"`
	SentenceCount    int       `json:"sentence_count"`
	LexicalDiversity float64   `json:"lexical_diversity"`
	KeyTerms         []string  `json:"key_terms,omitempty"`
	Elements         []Element `json:"elements,omitempty"`
}

// TextChunk is the indexing-ready output unit. Its id is a stable
// function of the chunk text: the same text always yields the same id.
type TextChunk struct {
	ID           string     `json:"id"`
	Text         string     `json:"text"`
	Position     int        `json:"position"`
	StartOffset  int        `json:"start_offset"`
	EndOffset    int        `json:"end_offset"`
	Metadata     Metadata   `json:"metadata"`
	Relations    []Relation `json:"relations,omitempty"`
	HasEmbedding bool       `json:"has_embedding"`
}
