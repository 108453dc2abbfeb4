package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/mgiraud/papermill/internal/embed"
)

func TestChunkEmptyInput(t *testing.T) {
	c := New(Config{})
	for _, text := range []string{"", "   ", "\n\n\t"} {
		chunks, err := c.Chunk(context.Background(), text)
		if err != nil {
			t.Fatalf("Chunk(%q): %v", text, err)
		}
		if len(chunks) != 0 {
			t.Errorf("Chunk(%q) = %d chunks, want 0", text, len(chunks))
		}
	}
}

func TestChunkSingleWhenUnderMax(t *testing.T) {
	c := New(Config{MaxChunkSize: 200})
	text := "Une phrase courte sur le sujet."

	chunks, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("text = %q", chunks[0].Text)
	}
	if len(chunks[0].Relations) != 0 {
		t.Errorf("single chunk has relations: %+v", chunks[0].Relations)
	}
}

func TestChunkExactMaxSizeIsOneChunk(t *testing.T) {
	max := 120
	c := New(Config{MaxChunkSize: max, Overlap: 20})
	text := strings.Repeat("a", max)

	chunks, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want exactly 1 for input of exactly max size", len(chunks))
	}
}

func TestChunkMaxPlusOneOverlaps(t *testing.T) {
	max := 120
	c := New(Config{MaxChunkSize: max, Overlap: 20})
	text := strings.Repeat("a", max+1)

	chunks, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want at least 2 for input of max+1", len(chunks))
	}
	// The second chunk carries a non-empty tail of the first.
	tail := chunks[0].Text[len(chunks[0].Text)-10:]
	if !strings.Contains(chunks[1].Text, tail[:5]) {
		t.Errorf("second chunk %q missing overlap from first", chunks[1].Text)
	}
}

func TestChunkIDsDeterministic(t *testing.T) {
	c := New(Config{MaxChunkSize: 150, Overlap: 30})
	text := "Premier paragraphe du document étudié.\n\nDeuxième paragraphe avec un contenu différent.\n\nTroisième paragraphe pour finir."

	a, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Errorf("chunk %d id differs across runs: %s vs %s", i, a[i].ID, b[i].ID)
		}
	}
	// Id depends only on text.
	if a[0].ID != "chunk_"+embed.ContentHash(a[0].Text)[:16] {
		t.Error("chunk id is not the content hash of its text")
	}
}

func TestSequenceRelationsTotalOrder(t *testing.T) {
	c := New(Config{MaxChunkSize: 60, Overlap: 10})
	text := "Premier paragraphe assez long pour remplir.\n\nDeuxième paragraphe assez long aussi.\n\nTroisième paragraphe qui conclut le texte."

	chunks, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want at least 3", len(chunks))
	}

	for i, ch := range chunks {
		var prev, next string
		for _, r := range ch.Relations {
			switch r.Type {
			case RelationPrevious:
				prev = r.TargetID
			case RelationNext:
				next = r.TargetID
			}
		}
		if i > 0 && prev != chunks[i-1].ID {
			t.Errorf("chunk %d previous = %q, want %q", i, prev, chunks[i-1].ID)
		}
		if i == 0 && prev != "" {
			t.Error("first chunk has a previous edge")
		}
		if i < len(chunks)-1 && next != chunks[i+1].ID {
			t.Errorf("chunk %d next = %q, want %q", i, next, chunks[i+1].ID)
		}
		if i == len(chunks)-1 && next != "" {
			t.Error("last chunk has a next edge")
		}
	}
}

func TestStructuralElementsAndSharedEdges(t *testing.T) {
	c := New(Config{MaxChunkSize: 80, Overlap: 10})
	text := "Voir la figure 3 pour le montage complet du circuit électrique.\n\nLe tableau 2 résume les mesures expérimentales obtenues.\n\nComme le montre la figure 3, le courant reste stable."

	chunks, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want 3 paragraphs in separate chunks", len(chunks))
	}

	if len(chunks[0].Metadata.Elements) == 0 || chunks[0].Metadata.Elements[0].ID != "figure_3" {
		t.Errorf("chunk 0 elements = %+v, want figure_3", chunks[0].Metadata.Elements)
	}
	if len(chunks[1].Metadata.Elements) == 0 || chunks[1].Metadata.Elements[0].ID != "table_2" {
		t.Errorf("chunk 1 elements = %+v, want table_2", chunks[1].Metadata.Elements)
	}

	// Chunks 0 and 2 both mention figure 3.
	hasShared := func(ch *TextChunk, target string) bool {
		for _, r := range ch.Relations {
			if r.Type == "shared_figure" && r.TargetID == target {
				return true
			}
		}
		return false
	}
	if !hasShared(chunks[0], chunks[2].ID) || !hasShared(chunks[2], chunks[0].ID) {
		t.Error("missing shared_figure edges between chunks mentioning figure 3")
	}
}

func TestSemanticRelations(t *testing.T) {
	text := "Analyse du premier sujet scientifique avec des mesures détaillées et précises.\n\nDiscussion totalement différente portant sur un autre domaine sans rapport."

	// Learn the exact chunk texts, then pin their vectors.
	pre, err := New(Config{MaxChunkSize: 100, Overlap: 10}).Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(pre) != 2 {
		t.Fatalf("chunks = %d, want 2", len(pre))
	}
	provider := &embed.MockProvider{Vectors: map[string][]float64{
		pre[0].Text: {1, 0, 0},
		pre[1].Text: {0.95, 0.05, 0}, // cosine with the first well above 0.7
	}}
	c := New(Config{MaxChunkSize: 100, Overlap: 10, Provider: provider})

	chunks, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for _, ch := range chunks {
		if !ch.HasEmbedding {
			t.Error("chunk missing has_embedding flag")
		}
	}

	found := false
	for _, r := range chunks[0].Relations {
		if r.Type == RelationSemantic && r.TargetID == chunks[1].ID {
			if r.Strength < 0.7 {
				t.Errorf("semantic strength = %v, want >= threshold", r.Strength)
			}
			found = true
		}
	}
	if !found {
		t.Error("missing semantic_similarity edge between similar chunks")
	}
}

func TestMetadataStatistics(t *testing.T) {
	c := New(Config{MaxChunkSize: 500})
	text := "Le circuit électrique alimente le moteur. Le moteur entraîne la pompe. La pompe alimente le circuit."

	chunks, err := c.Chunk(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	md := chunks[0].Metadata
	if md.CharCount != len(text) {
		t.Errorf("char_count = %d, want %d", md.CharCount, len(text))
	}
	if md.SentenceCount != 3 {
		t.Errorf("sentence_count = %d, want 3", md.SentenceCount)
	}
	if md.WordCount == 0 || md.LexicalDiversity <= 0 || md.LexicalDiversity > 1 {
		t.Errorf("word_count = %d, diversity = %v", md.WordCount, md.LexicalDiversity)
	}
	// Repeated domain words surface as key terms; stopwords don't.
	joined := strings.Join(md.KeyTerms, " ")
	if !strings.Contains(joined, "circuit") {
		t.Errorf("key terms = %v, want circuit present", md.KeyTerms)
	}
	for _, term := range md.KeyTerms {
		if stopWords[term] {
			t.Errorf("stopword %q leaked into key terms", term)
		}
	}
}

func TestScanElements(t *testing.T) {
	text := "Voir figure 12 et Tableau 3.1, puis l'équation 4 en section 2.3."
	elements := scanElements(text)

	want := map[string]string{
		"figure_12":   "figure",
		"table_3_1":   "table",
		"equation_4":  "equation",
		"section_2_3": "section",
	}
	got := make(map[string]string)
	for _, e := range elements {
		got[e.ID] = e.Type
	}
	for id, typ := range want {
		if got[id] != typ {
			t.Errorf("element %s missing or wrong type: %v", id, got)
		}
	}
}
