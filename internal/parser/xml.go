package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// xmlParser streams record elements under the document element. When
// record_element is set only elements with that local name count; otherwise
// every direct child of the root is a record. A record's child elements
// become its columns; repeated names keep the last value.
type xmlParser struct {
	cfg FormatConfig
}

func (p *xmlParser) Parse(r io.Reader) (Iterator, error) {
	dec := xml.NewDecoder(r)

	var (
		line     int64
		depth    int
		done     bool
		rootSeen bool
	)

	return iterFunc(func() (Row, bool) {
		for !done {
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				done = true
				return Row{}, false
			}
			if err != nil {
				done = true
				return Row{Line: line + 1, Err: fmt.Errorf("parser: xml: %w", err)}, true
			}

			switch t := tok.(type) {
			case xml.StartElement:
				if !rootSeen {
					rootSeen = true
					continue
				}
				depth++
				if depth != 1 {
					continue
				}
				if p.cfg.RecordElement != "" && !strings.EqualFold(t.Name.Local, p.cfg.RecordElement) {
					if err := dec.Skip(); err != nil {
						done = true
						return Row{Line: line + 1, Err: fmt.Errorf("parser: xml: %w", err)}, true
					}
					depth--
					continue
				}

				columns, err := decodeRecord(dec, t)
				depth--
				line++
				if err != nil {
					return Row{Line: line, Err: fmt.Errorf("parser: xml record %d: %w", line, err)}, true
				}
				return Row{Columns: columns, Line: line}, true

			case xml.EndElement:
				if depth > 0 {
					depth--
				}
			}
		}
		return Row{}, false
	}), nil
}

// decodeRecord reads the children of one record element into a column map.
// Attributes of the record element are included as columns too; child
// element text wins over an attribute of the same name.
func decodeRecord(dec *xml.Decoder, start xml.StartElement) (map[string]any, error) {
	columns := make(map[string]any)
	for _, attr := range start.Attr {
		columns[attr.Name.Local] = attr.Value
	}

	var (
		field string
		text  strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			field = t.Name.Local
			text.Reset()
			// Flatten one level only; nested content is read as text.
		case xml.CharData:
			if field != "" {
				text.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return columns, nil
			}
			if field != "" {
				columns[field] = strings.TrimSpace(text.String())
				field = ""
			}
		}
	}
}
