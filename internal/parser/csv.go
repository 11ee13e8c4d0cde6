package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// csvParser streams delimiter-separated records. The first non-skipped line
// is the header unless has_header is false, in which case columns are named
// col1..colN by position.
type csvParser struct {
	cfg FormatConfig
}

func (p *csvParser) Parse(r io.Reader) (Iterator, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if p.cfg.Delimiter != "" {
		reader.Comma = rune(p.cfg.Delimiter[0])
	}
	if p.cfg.Comment != "" {
		reader.Comment = rune(p.cfg.Comment[0])
	}

	hasHeader := p.cfg.HasHeader == nil || *p.cfg.HasHeader

	var (
		header   []string
		line     int64
		skipLeft = p.cfg.SkipRows
		done     bool
	)

	return iterFunc(func() (Row, bool) {
		for !done {
			record, err := reader.Read()
			line++
			if errors.Is(err, io.EOF) {
				done = true
				return Row{}, false
			}
			if err != nil {
				// Framing errors are per-record in csv.Reader; report and
				// keep going.
				return Row{Line: line, Err: fmt.Errorf("parser: csv line %d: %w", line, err)}, true
			}

			if skipLeft > 0 {
				skipLeft--
				return Row{Line: line, Skipped: true}, true
			}

			if hasHeader && header == nil {
				header = make([]string, len(record))
				for i, h := range record {
					header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
				}
				return Row{Line: line, Skipped: true}, true
			}
			if header == nil {
				header = positionalHeader(len(record))
			}

			if len(record) != len(header) {
				return Row{
					Line: line,
					Err:  fmt.Errorf("parser: csv line %d: %d fields, expected %d", line, len(record), len(header)),
					Raw:  strings.Join(record, string(reader.Comma)),
				}, true
			}

			columns := make(map[string]any, len(header))
			for i, col := range header {
				columns[col] = record[i]
			}
			return Row{Columns: columns, Line: line}, true
		}
		return Row{}, false
	}), nil
}

func positionalHeader(n int) []string {
	h := make([]string, n)
	for i := range h {
		h[i] = fmt.Sprintf("col%d", i+1)
	}
	return h
}
