package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// jsonParser streams an array of objects, either at the document root or
// under records_property, or newline-delimited objects when the document
// does not open with '['. Elements decode one at a time.
type jsonParser struct {
	cfg FormatConfig
}

func (p *jsonParser) Parse(r io.Reader) (Iterator, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	inArray, err := p.seekRecords(dec)
	if err != nil {
		return nil, err
	}

	var (
		line int64
		done bool
	)

	return iterFunc(func() (Row, bool) {
		if done {
			return Row{}, false
		}

		if inArray && !dec.More() {
			done = true
			return Row{}, false
		}

		var record map[string]any
		err := dec.Decode(&record)
		if errors.Is(err, io.EOF) {
			done = true
			return Row{}, false
		}
		line++
		if err != nil {
			// Framing is unrecoverable mid-array; surface and end.
			done = true
			return Row{Line: line, Err: fmt.Errorf("parser: json record %d: %w", line, err)}, true
		}
		return Row{Columns: normalizeJSON(record), Line: line}, true
	}), nil
}

// seekRecords positions the decoder at the first record, descending into
// records_property when configured. Returns whether records sit in an array.
func (p *jsonParser) seekRecords(dec *json.Decoder) (bool, error) {
	tok, err := dec.Token()
	if err != nil {
		return false, fmt.Errorf("parser: json: %w", err)
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return false, fmt.Errorf("parser: json: document must open with an object or array")
	}

	if delim == '[' {
		return true, nil
	}

	if p.cfg.RecordsProperty == "" {
		return false, fmt.Errorf("parser: json: root is an object; records_property is required")
	}

	// Scan the top-level object for the records property.
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return false, fmt.Errorf("parser: json: %w", err)
		}
		key, _ := keyTok.(string)
		if key == p.cfg.RecordsProperty {
			open, err := dec.Token()
			if err != nil {
				return false, fmt.Errorf("parser: json: %w", err)
			}
			if d, ok := open.(json.Delim); !ok || d != '[' {
				return false, fmt.Errorf("parser: json: property %q is not an array", key)
			}
			return true, nil
		}
		// Skip the value of an unrelated key.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return false, fmt.Errorf("parser: json: %w", err)
		}
	}
	return false, fmt.Errorf("parser: json: property %q not found", p.cfg.RecordsProperty)
}

// normalizeJSON converts json.Number leaves so downstream casts see plain
// strings and nested structures stay as maps.
func normalizeJSON(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		if n, ok := v.(json.Number); ok {
			out[k] = n.String()
			continue
		}
		out[k] = v
	}
	return out
}
