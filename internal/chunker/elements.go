package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

// Structural element detectors. The corpus is predominantly French, so
// the patterns match both French and English spellings.
var elementPatterns = []struct {
	elemType string
	re       *regexp.Regexp
}{
	{"figure", regexp.MustCompile(`(?i)\bfig(?:ure)?\.?\s+(\d+(?:\.\d+)*)`)},
	{"table", regexp.MustCompile(`(?i)\btab(?:leau|le)\.?\s+(\d+(?:\.\d+)*)`)},
	// No \b before the accented form: Go word boundaries are ASCII-only.
	{"equation", regexp.MustCompile(`(?i)[ée]quation\s+(\d+(?:\.\d+)*)`)},
	{"section", regexp.MustCompile(`(?i)\b(?:section|chapitre|chapter)\s+(\d+(?:\.\d+)*)`)},
}

const elementContextWindow = 40

// scanElements detects named structural references in text. Each
// element's id combines its type and number ("figure_3"), so all
// mentions of the same figure share one id.
func scanElements(text string) []Element {
	var elements []Element
	for _, p := range elementPatterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			num := text[m[2]:m[3]]
			elements = append(elements, Element{
				Type:    p.elemType,
				ID:      fmt.Sprintf("%s_%s", p.elemType, strings.ReplaceAll(num, ".", "_")),
				Offset:  start,
				Context: contextWindow(text, start, end),
			})
		}
	}
	return elements
}

func contextWindow(text string, start, end int) string {
	lo := start - elementContextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + elementContextWindow
	if hi > len(text) {
		hi = len(text)
	}
	return strings.TrimSpace(text[lo:hi])
}
