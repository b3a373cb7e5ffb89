package parser

import (
	"bufio"
	"io"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

// TextParser handles plain text files. Blank lines separate paragraphs and a
// paragraph made only of bullet lines is treated as a list.
type TextParser struct{}

func (p *TextParser) Parse(r io.Reader, filename string) (*doctree.Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var paragraphs []string
	var current strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if current.Len() > 0 {
				paragraphs = append(paragraphs, current.String())
				current.Reset()
			}
		} else {
			if current.Len() > 0 {
				current.WriteString("\n")
			}
			current.WriteString(line)
		}
	}
	if current.Len() > 0 {
		paragraphs = append(paragraphs, current.String())
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	doc := newDocument(filename)
	var c elementCollector
	for _, para := range paragraphs {
		if isBulletBlock(para) {
			c.add(doctree.List, para)
		} else {
			c.addText(para)
		}
	}
	return elementPage(doc, c.done()), nil
}

func isBulletBlock(para string) bool {
	for _, line := range strings.Split(para, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "* ") && !strings.HasPrefix(line, "• ") {
			return false
		}
	}
	return true
}
