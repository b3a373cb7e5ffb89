package parser

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// HTMLParser handles HTML files. The DOM walk maps headings, lists and tables
// to typed elements; go-readability supplies the article title and a plain
// text fallback for pages without recognizable block markup.
type HTMLParser struct{}

func (p *HTMLParser) Parse(r io.Reader, filename string) (*doctree.Document, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}
	root, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc := newDocument(filename)
	pageURL := &url.URL{Scheme: "file", Path: "/" + filename}
	article, rerr := readability.FromReader(bytes.NewReader(src), pageURL)
	if title := findTitle(root); title != "" {
		doc.Title = title
	} else if rerr == nil && strings.TrimSpace(article.Title) != "" {
		doc.Title = strings.TrimSpace(article.Title)
	}

	var c elementCollector
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if headingLevel(n.Data) > 0 {
				c.add(doctree.Subheading, textContent(n))
				return
			}
			switch n.Data {
			case "script", "style", "nav", "footer", "header", "noscript":
				return
			case "ul", "ol":
				c.add(doctree.List, htmlListText(n))
				return
			case "table":
				c.add(doctree.Table, htmlTableText(n))
				return
			case "p", "blockquote", "pre":
				c.addText(textContent(n))
				return
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}

	if body := findBody(root); body != nil {
		walk(body)
	} else {
		walk(root)
	}

	elements := c.done()
	if len(elements) == 0 && rerr == nil && strings.TrimSpace(article.TextContent) != "" {
		elements = []doctree.Element{{Type: doctree.NarrativeText, Text: strings.TrimSpace(article.TextContent)}}
	}
	return elementPage(doc, elements), nil
}

func headingLevel(tag string) int {
	switch tag {
	case "h1":
		return 1
	case "h2":
		return 2
	case "h3":
		return 3
	case "h4":
		return 4
	case "h5":
		return 5
	case "h6":
		return 6
	}
	return 0
}

func htmlListText(list *html.Node) string {
	var lines []string
	i := 1
	for li := list.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.Data != "li" {
			continue
		}
		marker := "- "
		if list.Data == "ol" {
			marker = fmt.Sprintf("%d. ", i)
			i++
		}
		lines = append(lines, marker+textContent(li))
	}
	return strings.Join(lines, "\n")
}

func htmlTableText(table *html.Node) string {
	var rows []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for cell := n.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type == html.ElementNode && (cell.Data == "td" || cell.Data == "th") {
					cells = append(cells, textContent(cell))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
			}
			return
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(table)
	return strings.Join(rows, "\n")
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return strings.Join(strings.Fields(buf.String()), " ")
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		return textContent(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
