package parser

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// fixedWidthParser slices each line by the configured 1-based column
// positions. Short lines are a per-row error; blank lines are skipped.
type fixedWidthParser struct {
	cfg FormatConfig
}

func (p *fixedWidthParser) Parse(r io.Reader) (Iterator, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	trim := p.cfg.TrimCells == nil || *p.cfg.TrimCells

	var (
		line     int64
		skipLeft = p.cfg.SkipRows
		done     bool
	)

	return iterFunc(func() (Row, bool) {
		for !done {
			if !scanner.Scan() {
				done = true
				if err := scanner.Err(); err != nil {
					return Row{Line: line + 1, Err: fmt.Errorf("parser: fixed width: %w", err)}, true
				}
				return Row{}, false
			}
			raw := scanner.Text()
			line++

			if skipLeft > 0 {
				skipLeft--
				return Row{Line: line, Skipped: true}, true
			}
			if strings.TrimSpace(raw) == "" {
				return Row{Line: line, Skipped: true}, true
			}

			runes := []rune(raw)
			columns := make(map[string]any, len(p.cfg.Fields))
			for _, f := range p.cfg.Fields {
				start := f.Start - 1
				if start < 0 || start >= len(runes) {
					return Row{
						Line: line,
						Err:  fmt.Errorf("parser: fixed width line %d: field %q starts past end of line", line, f.Name),
						Raw:  raw,
					}, true
				}
				end := len(runes)
				if f.Length > 0 && start+f.Length < end {
					end = start + f.Length
				}
				cell := string(runes[start:end])
				if trim {
					cell = strings.TrimSpace(cell)
				}
				columns[f.Name] = cell
			}
			return Row{Columns: columns, Line: line}, true
		}
		return Row{}, false
	}), nil
}
