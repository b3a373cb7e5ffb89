package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

// csvBatchSize bounds how many rows go into one Table element.
const csvBatchSize = 20

// CSVParser handles CSV files. Rows are grouped into Table elements that
// each repeat the header row.
type CSVParser struct{}

func (p *CSVParser) Parse(r io.Reader, filename string) (*doctree.Document, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	doc := newDocument(filename)
	if len(records) == 0 {
		return doc, nil
	}

	headers := records[0]
	dataRows := records[1:]
	var elements []doctree.Element

	for i := 0; i < len(dataRows); i += csvBatchSize {
		end := min(i+csvBatchSize, len(dataRows))

		var text strings.Builder
		text.WriteString("| " + strings.Join(headers, " | ") + " |")
		for _, row := range dataRows[i:end] {
			text.WriteString("\n| " + strings.Join(row, " | ") + " |")
		}
		elements = append(elements, doctree.Element{Type: doctree.Table, Text: text.String()})
	}

	return elementPage(doc, elements), nil
}
