// Package chunker segments extracted text into indexing-ready chunks
// with structural references, enriched metadata, and cross-chunk
// relations. Chunk ids are a stable function of chunk content, so the
// same text always produces the same ids.
package chunker

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/mgiraud/papermill/internal/embed"
)

// Config configures a Chunker.
type Config struct {
	// MaxChunkSize bounds chunk length in bytes. Default 1000.
	MaxChunkSize int

	// Overlap is carried from the tail of the previous chunk. Default 200.
	Overlap int

	// MinChunkSize prevents finalizing tiny chunks mid-pack. Default 100.
	MinChunkSize int

	// SimilarityThreshold gates semantic_similarity edges. Default 0.7.
	SimilarityThreshold float64

	// KeyTermLimit caps key terms per chunk. Default 8.
	KeyTermLimit int

	// Provider computes embeddings for semantic relations. Nil disables
	// semantic edges.
	Provider embed.Provider

	Logger *slog.Logger
}

// Chunker performs structure-aware segmentation.
type Chunker struct {
	maxSize      int
	overlap      int
	minSize      int
	keyTermLimit int
	simThreshold float64
	provider     embed.Provider
	logger       *slog.Logger

	paragraphRe *regexp.Regexp
	sentenceRe  *regexp.Regexp
}

// New creates a Chunker. Zero config fields take defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 1000
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = 200
	}
	if cfg.Overlap >= cfg.MaxChunkSize {
		cfg.Overlap = cfg.MaxChunkSize / 5
	}
	if cfg.MinChunkSize <= 0 || cfg.MinChunkSize > cfg.MaxChunkSize {
		cfg.MinChunkSize = cfg.MaxChunkSize / 10
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.7
	}
	if cfg.KeyTermLimit <= 0 {
		cfg.KeyTermLimit = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{
		maxSize:      cfg.MaxChunkSize,
		overlap:      cfg.Overlap,
		minSize:      cfg.MinChunkSize,
		keyTermLimit: cfg.KeyTermLimit,
		simThreshold: cfg.SimilarityThreshold,
		provider:     cfg.Provider,
		logger:       logger.With("component", "chunker"),
		paragraphRe:  regexp.MustCompile(`\n\s*\n`),
		sentenceRe:   regexp.MustCompile(`[.!?…]+(?:\s+|$)`),
	}
}

// unit is one semantic segment (paragraph, sentence, or window slice)
// with its offset in the source text. cont marks units that continue
// the previous unit's paragraph.
type unit struct {
	text  string
	start int
	cont  bool
}

// rawChunk is a packed chunk before enrichment. start/end cover the
// chunk's own units in the source text; the overlap prefix borrowed
// from the previous chunk is part of text only.
type rawChunk struct {
	text  string
	start int
	end   int
}

// Chunk segments text. Empty input yields an empty list and no error.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]*TextChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	elements := scanElements(text)
	raw := c.pack(c.segment(text))

	chunks := make([]*TextChunk, len(raw))
	for i, r := range raw {
		chunks[i] = c.build(i, r, elements)
	}

	c.linkSequence(chunks)
	c.linkShared(chunks)
	if c.provider != nil {
		if err := c.linkSemantic(ctx, chunks); err != nil {
			// Semantic edges are enrichment; structural output stands.
			c.logger.Warn("semantic linking skipped", "error", err)
		}
	}

	c.logger.Debug("text chunked",
		"chunks", len(chunks),
		"elements", len(elements),
		"input_bytes", len(text),
	)
	return chunks, nil
}

// segment splits text into paragraphs, oversized paragraphs into
// sentences, and oversized sentences into windows.
func (c *Chunker) segment(text string) []unit {
	var units []unit
	for _, p := range c.paragraphSpans(text) {
		if len(p.text) <= c.maxSize {
			units = append(units, p)
			continue
		}
		first := true
		for _, s := range c.sentenceSpans(p.text, p.start) {
			s.cont = !first
			first = false
			if len(s.text) <= c.maxSize {
				units = append(units, s)
				continue
			}
			units = append(units, c.windowSpans(s)...)
		}
	}
	return units
}

// paragraphSpans returns non-empty trimmed paragraphs with offsets.
func (c *Chunker) paragraphSpans(text string) []unit {
	var spans []unit
	prev := 0
	seps := c.paragraphRe.FindAllStringIndex(text, -1)
	for i := 0; i <= len(seps); i++ {
		end := len(text)
		if i < len(seps) {
			end = seps[i][0]
		}
		if u, ok := trimmedUnit(text[prev:end], prev); ok {
			spans = append(spans, u)
		}
		if i < len(seps) {
			prev = seps[i][1]
		}
	}
	return spans
}

// sentenceSpans splits a paragraph at sentence boundaries, keeping the
// terminating punctuation with each sentence.
func (c *Chunker) sentenceSpans(text string, base int) []unit {
	var spans []unit
	prev := 0
	for _, m := range c.sentenceRe.FindAllStringIndex(text, -1) {
		if u, ok := trimmedUnit(text[prev:m[1]], base+prev); ok {
			spans = append(spans, u)
		}
		prev = m[1]
	}
	if u, ok := trimmedUnit(text[prev:], base+prev); ok {
		spans = append(spans, u)
	}
	return spans
}

// windowSpans slices an oversized sentence into maxSize windows.
// Packing supplies the inter-chunk overlap.
func (c *Chunker) windowSpans(s unit) []unit {
	var spans []unit
	for i := 0; i < len(s.text); i += c.maxSize {
		end := i + c.maxSize
		if end > len(s.text) {
			end = len(s.text)
		}
		spans = append(spans, unit{
			text:  s.text[i:end],
			start: s.start + i,
			cont:  s.cont || i > 0,
		})
	}
	return spans
}

func trimmedUnit(text string, start int) (unit, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return unit{}, false
	}
	lead := strings.Index(text, trimmed[:1])
	if lead < 0 {
		lead = 0
	}
	return unit{text: trimmed, start: start + lead}, true
}

// pack greedily joins units into chunks bounded by maxSize, seeding
// each new chunk with the overlap tail of its predecessor.
func (c *Chunker) pack(units []unit) []rawChunk {
	var chunks []rawChunk
	var cur strings.Builder
	curStart, curEnd := 0, 0

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		chunks = append(chunks, rawChunk{text: cur.String(), start: curStart, end: curEnd})
		cur.Reset()
	}

	for _, u := range units {
		sep := "\n\n"
		if u.cont {
			sep = " "
		}
		addLen := len(u.text)
		if cur.Len() > 0 {
			addLen += len(sep)
		}

		if cur.Len() > 0 && cur.Len()+addLen > c.maxSize && cur.Len() >= c.minSize {
			flush()
			if tail := c.overlapTail(chunks[len(chunks)-1].text); tail != "" {
				cur.WriteString(tail)
				cur.WriteString(" ")
			}
			curStart = u.start
		} else if cur.Len() > 0 {
			cur.WriteString(sep)
		} else {
			curStart = u.start
		}
		cur.WriteString(u.text)
		curEnd = u.start + len(u.text)
	}
	flush()
	return chunks
}

// overlapTail returns up to overlap bytes from the end of text,
// starting at a word boundary.
func (c *Chunker) overlapTail(text string) string {
	if c.overlap <= 0 || strings.TrimSpace(text) == "" {
		return ""
	}
	if len(text) <= c.overlap {
		return text
	}
	tail := text[len(text)-c.overlap:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}

// build enriches one raw chunk with metadata and a stable id.
func (c *Chunker) build(position int, r rawChunk, elements []Element) *TextChunk {
	var own []Element
	for _, e := range elements {
		if e.Offset >= r.start && e.Offset < r.end {
			own = append(own, e)
		}
	}

	words := strings.Fields(r.text)
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(strings.Trim(w, wordTrimCutset))] = struct{}{}
	}
	diversity := 0.0
	if len(words) > 0 {
		diversity = float64(len(unique)) / float64(len(words))
	}

	return &TextChunk{
		ID:          "chunk_" + embed.ContentHash(r.text)[:16],
		Text:        r.text,
		Position:    position,
		StartOffset: r.start,
		EndOffset:   r.end,
		Metadata: Metadata{
			CharCount:        len(r.text),
			WordCount:        len(words),
			SentenceCount:    c.countSentences(r.text),
			LexicalDiversity: diversity,
			KeyTerms:         c.keyTerms(words),
			Elements:         own,
		},
	}
}

func (c *Chunker) countSentences(text string) int {
	n := len(c.sentenceRe.FindAllString(text, -1))
	if n == 0 && strings.TrimSpace(text) != "" {
		return 1
	}
	return n
}

// linkSequence adds previous/next edges forming the linear chain.
func (c *Chunker) linkSequence(chunks []*TextChunk) {
	for i, ch := range chunks {
		if i > 0 {
			ch.Relations = append(ch.Relations, Relation{
				TargetID: chunks[i-1].ID, Type: RelationPrevious, Strength: 1.0,
			})
		}
		if i < len(chunks)-1 {
			ch.Relations = append(ch.Relations, Relation{
				TargetID: chunks[i+1].ID, Type: RelationNext, Strength: 1.0,
			})
		}
	}
}

// linkShared connects chunks that mention the same structural element.
func (c *Chunker) linkShared(chunks []*TextChunk) {
	byElement := make(map[string][]int)
	elemType := make(map[string]string)
	for i, ch := range chunks {
		seen := make(map[string]bool)
		for _, e := range ch.Metadata.Elements {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			byElement[e.ID] = append(byElement[e.ID], i)
			elemType[e.ID] = e.Type
		}
	}

	for id, idxs := range byElement {
		if len(idxs) < 2 {
			continue
		}
		rel := relationSharedBase + elemType[id]
		for _, i := range idxs {
			for _, j := range idxs {
				if i == j {
					continue
				}
				chunks[i].Relations = append(chunks[i].Relations, Relation{
					TargetID: chunks[j].ID, Type: rel, Strength: 1.0,
				})
			}
		}
	}
}

// linkSemantic embeds all chunks and connects pairs whose cosine
// similarity clears the threshold.
func (c *Chunker) linkSemantic(ctx context.Context, chunks []*TextChunk) error {
	if len(chunks) < 2 {
		for _, ch := range chunks {
			if _, err := c.provider.Embed(ctx, []string{ch.Text}); err == nil {
				ch.HasEmbedding = true
			}
		}
		return nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := c.provider.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		ch.HasEmbedding = true
	}

	for i := 0; i < len(chunks); i++ {
		for j := i + 1; j < len(chunks); j++ {
			sim := embed.Cosine(vecs[i], vecs[j])
			if sim < c.simThreshold {
				continue
			}
			chunks[i].Relations = append(chunks[i].Relations, Relation{
				TargetID: chunks[j].ID, Type: RelationSemantic, Strength: sim,
			})
			chunks[j].Relations = append(chunks[j].Relations, Relation{
				TargetID: chunks[i].ID, Type: RelationSemantic, Strength: sim,
			})
		}
	}
	return nil
}

const wordTrimCutset = ".,;:!?()[]{}\"«»'’"

// keyTerms returns the most frequent non-stopword terms.
func (c *Chunker) keyTerms(words []string) []string {
	freq := make(map[string]int)
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, wordTrimCutset))
		if len(w) <= 2 || stopWords[w] {
			continue
		}
		freq[w]++
	}

	terms := make([]string, 0, len(freq))
	for w := range freq {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > c.keyTermLimit {
		terms = terms[:c.keyTermLimit]
	}
	return terms
}

// stopWords covers the most common French and English function words.
var stopWords = map[string]bool{
	// French
	"les": true, "des": true, "une": true, "dans": true, "pour": true,
	"par": true, "sur": true, "avec": true, "est": true, "sont": true,
	"que": true, "qui": true, "pas": true, "plus": true, "aux": true,
	"ces": true, "ses": true, "son": true, "ont": true, "mais": true,
	"comme": true, "tout": true, "nous": true, "vous": true, "ils": true,
	"elle": true, "cette": true, "être": true, "fait": true, "aussi": true,
	// English
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"were": true, "with": true, "that": true, "this": true, "from": true,
	"not": true, "but": true, "have": true, "has": true, "its": true,
}
