package chunker

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators is the split order used when none is configured:
// paragraph break, line break, sentence terminator, space, then per character.
var DefaultSeparators = []string{"\n\n", "\n", ".", " ", ""}

// SplitText recursively splits text into pieces of at most size characters.
//
// The first separator present in text is used; any piece still too large is
// split again with the separators that follow it. Separators stay attached to
// the start of the piece that follows them, adjacent small pieces are merged
// back together up to size, and pieces never overlap. Every piece is trimmed
// and empty pieces are dropped. When separators ends with "" every piece fits
// within size.
func SplitText(text string, size int, separators []string) []string {
	if size <= 0 {
		size = 1
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	return splitRecursive(text, size, separators)
}

func splitRecursive(text string, size int, separators []string) []string {
	sep := separators[len(separators)-1]
	var rest []string
	for i, s := range separators {
		if s == "" {
			sep = s
			break
		}
		if strings.Contains(text, s) {
			sep = s
			rest = separators[i+1:]
			break
		}
	}

	var out, small []string
	for _, piece := range splitKeepSeparator(text, sep) {
		if runeLen(piece) < size {
			small = append(small, piece)
			continue
		}
		if len(small) > 0 {
			out = append(out, mergePieces(small, size)...)
			small = nil
		}
		if len(rest) == 0 {
			if t := strings.TrimSpace(piece); t != "" {
				out = append(out, t)
			}
			continue
		}
		out = append(out, splitRecursive(piece, size, rest)...)
	}
	if len(small) > 0 {
		out = append(out, mergePieces(small, size)...)
	}
	return out
}

// splitKeepSeparator splits text on sep, prefixing every piece after the
// first with the separator that preceded it. An empty sep yields characters.
func splitKeepSeparator(text, sep string) []string {
	if sep == "" {
		pieces := make([]string, 0, len(text))
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
		return pieces
	}
	parts := strings.Split(text, sep)
	pieces := make([]string, 0, len(parts))
	if parts[0] != "" {
		pieces = append(pieces, parts[0])
	}
	for _, p := range parts[1:] {
		pieces = append(pieces, sep+p)
	}
	return pieces
}

// mergePieces greedily concatenates pieces while the total stays within size.
func mergePieces(pieces []string, size int) []string {
	var out []string
	var cur strings.Builder
	total := 0

	flush := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			out = append(out, t)
		}
		cur.Reset()
		total = 0
	}

	for _, p := range pieces {
		n := runeLen(p)
		if total+n > size && total > 0 {
			flush()
		}
		cur.WriteString(p)
		total += n
	}
	flush()
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
