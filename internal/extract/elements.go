package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
	"golang.org/x/text/unicode/norm"
)

type elementsResponse struct {
	Elements []struct {
		Type *string `json:"type"`
		Text *string `json:"text"`
	} `json:"elements"`
}

// ParseElements decodes and validates an extraction response. The response
// must hold a non-empty element list, and every element needs a non-empty
// type and a text field.
func ParseElements(raw string) ([]doctree.Element, error) {
	raw = stripCodeBlock(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty extraction response")
	}

	var resp elementsResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse elements json: %w (raw: %s)", err, truncate(raw, 200))
	}
	if len(resp.Elements) == 0 {
		return nil, fmt.Errorf("extraction response has no elements")
	}

	out := make([]doctree.Element, 0, len(resp.Elements))
	for i, el := range resp.Elements {
		if el.Type == nil || *el.Type == "" {
			return nil, fmt.Errorf("element %d: missing type", i)
		}
		if el.Text == nil {
			return nil, fmt.Errorf("element %d: missing text", i)
		}
		out = append(out, doctree.Element{Type: doctree.ElementType(*el.Type), Text: *el.Text})
	}
	return out, nil
}

var relevantTypes = map[doctree.ElementType]bool{
	doctree.NarrativeText: true,
	doctree.List:          true,
	doctree.Table:         true,
	doctree.Infographic:   true,
	doctree.Graph:         true,
	doctree.Subheading:    true,
}

// ProcessElements flattens per-page elements into the sequence handed to the
// hierarchy builder.
//
// Empty elements and page furniture are dropped and text is NFC normalized.
// A Subheading is never emitted itself; it prefixes the NarrativeText or List
// that follows it as "##<heading>\n<text>". Consecutive elements of the same
// narrative or list type are joined with a blank line, which stitches back
// passages that were cut at a page boundary, and a List that follows a
// NarrativeText is folded into it.
func ProcessElements(pages [][]doctree.Element) []doctree.Element {
	var out []doctree.Element
	var prev doctree.Element
	hasPrev := false

	for _, page := range pages {
		for _, el := range page {
			el.Text = norm.NFC.String(el.Text)
			if strings.TrimSpace(el.Text) == "" || !relevantTypes[el.Type] {
				continue
			}
			if el.Type == doctree.Subheading {
				prev, hasPrev = el, true
				continue
			}

			if hasPrev && (el.Type == doctree.NarrativeText || el.Type == doctree.List) {
				switch {
				case prev.Type == doctree.Subheading:
					el.Text = "##" + prev.Text + "\n" + el.Text
				case prev.Type == el.Type:
					el.Text = prev.Text + "\n\n" + el.Text
					out = out[:len(out)-1]
				case el.Type == doctree.List && prev.Type == doctree.NarrativeText:
					el.Text = prev.Text + "\n\n" + el.Text
					el.Type = doctree.NarrativeText
					out = out[:len(out)-1]
				}
			}

			prev, hasPrev = el, true
			out = append(out, el)
		}
	}
	return out
}
