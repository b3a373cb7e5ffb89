package chunker

import (
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

// EstimateTokens gives a rough token count from the word count.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	tokens := int(float64(words) * 1.33)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// EstimateForestTokens sums EstimateTokens over every chunk in the forest.
func EstimateForestTokens(sections []doctree.Section) int {
	total := 0
	doctree.EachChunk(sections, func(c *doctree.Chunk) {
		total += EstimateTokens(c.Text)
	})
	return total
}
