package extract

import (
	"fmt"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

const ExtractionPrompt = `You segment one page of a document into its structural elements.
Return a JSON object of the form {"elements": [{"type": "...", "text": "..."}]}.

"type" must be one of:
Title, Subheading, NarrativeText, List, Table, Infographic, Graph, Header, Footer, RunningHead, OtherText

Rules:
- Keep the reading order of the page.
- Copy text verbatim. Do not summarize or correct it.
- Separate paragraphs inside one NarrativeText element with a blank line.
- Render tables as Markdown tables.
- Describe infographics and graphs in prose, including every value shown.
- Page numbers and repeated page furniture are Header, Footer or RunningHead.

Respond with ONLY the JSON object, no other text.`

// BuildPagePrompt creates the user message for extracting one page.
func BuildPagePrompt(docTitle string, page doctree.Page) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Document: %q\n", docTitle))
	sb.WriteString(fmt.Sprintf("Page: %d\n", page.Number))
	sb.WriteString("---\n")
	sb.WriteString(page.Text)
	return sb.String()
}
