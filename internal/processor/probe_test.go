package processor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mgiraud/papermill/internal/ocr"
	"github.com/mgiraud/papermill/internal/task"
)

// digitalPDF builds a minimal one-page PDF with a drawn text line.
func digitalPDF(t *testing.T) string {
	t.Helper()
	content := "BT /F1 12 Tf 72 720 Td (Rapport annuel, exercice clos au 31 decembre, version definitive.) Tj ET"

	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs)+1)
	for i, o := range objs {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objs); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)

	path := filepath.Join(t.TempDir(), "rapport.pdf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbePlainText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("bonjour"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Probe(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !m.HasText || m.PageCount != 1 {
		t.Errorf("metrics = %+v, want text with one page", m)
	}
}

func TestProbeMissingInput(t *testing.T) {
	_, err := Probe(context.Background(), "/tmp/does-not-exist/doc.pdf", nil)
	f, ok := task.AsFailure(err)
	if !ok || f.Kind != task.ErrKindValidation {
		t.Errorf("error = %v, want validation failure", err)
	}
}

func TestProbeUnsupportedType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(path, []byte("PK"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Probe(context.Background(), path, nil)
	f, ok := task.AsFailure(err)
	if !ok || f.Kind != task.ErrKindValidation {
		t.Errorf("error = %v, want validation failure", err)
	}
}

// A digital PDF with a text layer and no images must classify simple,
// which sends it to the cheapest candidate.
func TestProbePDFTextLayerClassifiesSimple(t *testing.T) {
	path := digitalPDF(t)

	m, err := Probe(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if m.PageCount != 1 {
		t.Errorf("page count = %d, want 1", m.PageCount)
	}
	if !m.HasText {
		t.Error("text layer not detected")
	}
	if m.TextDensity <= 0.01 {
		t.Errorf("text density = %v, want above the simple floor", m.TextDensity)
	}
	if m.ImageDensity != 0 {
		t.Errorf("image density = %v, want 0", m.ImageDensity)
	}

	if c := ocr.Classify(m); c != ocr.ComplexitySimple {
		t.Errorf("complexity = %s, want simple", c)
	}
}
