// Package parser turns fetched import payloads into row streams. Every
// format yields a lazy finite sequence of rows so the import pipeline can
// consume arbitrarily large inputs with bounded memory. A malformed record
// surfaces as a row with Err set rather than killing the stream; the
// pipeline's parse-failure policy decides what happens next.
package parser

import (
	"encoding/json"
	"fmt"
	"io"
)

// Source format names as stored on import profiles.
const (
	FormatCSV        = "csv"
	FormatJSON       = "json"
	FormatXML        = "xml"
	FormatFixedWidth = "fixedwidth"
)

// Row is one parsed record. Line is 1-based in the source payload. Skipped
// marks header or configured skip rows, which carry no columns. Err marks a
// single-record parse failure; Raw holds the offending input for the error
// log.
type Row struct {
	Columns map[string]any
	Line    int64
	Skipped bool
	Err     error
	Raw     string
}

// Iterator walks a row stream. Next returns false when the stream ends;
// stream-level failures (truncated input, broken framing) end the stream
// with a final Row carrying Err.
type Iterator interface {
	Next() (Row, bool)
}

// Parser opens a payload as a row stream.
type Parser interface {
	Parse(r io.Reader) (Iterator, error)
}

// FixedWidthField positions one column in a fixed-width record. Start is
// 1-based; a Length of 0 means "to end of line".
type FixedWidthField struct {
	Name   string `json:"name"`
	Start  int    `json:"start"`
	Length int    `json:"length"`
}

// FormatConfig is the per-profile parse configuration, stored as JSON on the
// import profile. Fields apply per format; unknown fields are ignored.
type FormatConfig struct {
	// CSV
	Delimiter string `json:"delimiter"`  // default ","
	HasHeader *bool  `json:"has_header"` // default true
	SkipRows  int    `json:"skip_rows"`
	Comment   string `json:"comment"`

	// JSON
	RecordsProperty string `json:"records_property"` // path to the array; default: root

	// XML
	RecordElement string `json:"record_element"` // default: every child of the document element

	// Fixed width
	Fields    []FixedWidthField `json:"fields"`
	TrimCells *bool             `json:"trim_cells"` // default true
}

// ParseFormatConfig decodes the stored JSON config, tolerating blank input.
func ParseFormatConfig(raw string) (FormatConfig, error) {
	var cfg FormatConfig
	if raw == "" || raw == "{}" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("parser: format config: %w", err)
	}
	return cfg, nil
}

// New returns a parser for the named source format.
func New(format string, cfg FormatConfig) (Parser, error) {
	switch format {
	case FormatCSV, "":
		return &csvParser{cfg: cfg}, nil
	case FormatJSON:
		return &jsonParser{cfg: cfg}, nil
	case FormatXML:
		return &xmlParser{cfg: cfg}, nil
	case FormatFixedWidth:
		if len(cfg.Fields) == 0 {
			return nil, fmt.Errorf("parser: fixed width requires field definitions")
		}
		return &fixedWidthParser{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("parser: unsupported source format %q", format)
	}
}

// iterFunc adapts a closure to Iterator.
type iterFunc func() (Row, bool)

func (f iterFunc) Next() (Row, bool) { return f() }
