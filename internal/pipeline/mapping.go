package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnMapping maps one source column onto a target column with an optional
// declared datatype and default. IsKey marks upsert key membership.
type ColumnMapping struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	DataType   string `json:"datatype"`
	Default    string `json:"default"`
	SkipOnNull bool   `json:"skip_on_null"`
	IsKey      bool   `json:"is_key"`
}

// ParseMappings decodes the import profile's mappings JSON.
func ParseMappings(raw string) ([]ColumnMapping, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var mappings []ColumnMapping
	if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
		return nil, fmt.Errorf("pipeline: column mappings: %w", err)
	}
	for i, m := range mappings {
		if m.Source == "" || m.Target == "" {
			return nil, fmt.Errorf("pipeline: mapping %d: source and target are required", i)
		}
	}
	return mappings, nil
}

// Mapper applies column mappings to parsed rows. targetSchema holds the
// target table's column names for auto-mapping, keyed lowercase.
type Mapper struct {
	mappings     []ColumnMapping
	skipUnmapped bool
	autoMap      bool
	targetSchema map[string]string // lowercase -> canonical name
}

// NewMapper builds a Mapper. targetColumns may be nil when auto-mapping is
// off or the schema probe failed.
func NewMapper(mappings []ColumnMapping, skipUnmapped, autoMap bool, targetColumns []string) *Mapper {
	schema := make(map[string]string, len(targetColumns))
	for _, col := range targetColumns {
		schema[strings.ToLower(col)] = col
	}
	return &Mapper{
		mappings:     mappings,
		skipUnmapped: skipUnmapped,
		autoMap:      autoMap,
		targetSchema: schema,
	}
}

// KeyColumns returns the target columns flagged as upsert keys.
func (m *Mapper) KeyColumns() []string {
	var keys []string
	for _, mapping := range m.mappings {
		if mapping.IsKey {
			keys = append(keys, mapping.Target)
		}
	}
	return keys
}

// Apply maps one parsed row onto the target shape. The second return is true
// when a skip-on-null mapping dropped the row.
func (m *Mapper) Apply(row map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(m.mappings))
	mapped := make(map[string]bool, len(m.mappings))

	for _, mapping := range m.mappings {
		v, ok := lookupValue(row, mapping.Source)
		mapped[strings.ToLower(mapping.Source)] = true

		if (!ok || v == nil || v == "") && mapping.Default != "" {
			v = mapping.Default
		}
		if v == nil || v == "" {
			if mapping.SkipOnNull {
				return nil, true
			}
			out[mapping.Target] = nil
			continue
		}
		out[mapping.Target] = castValue(mapping.DataType, v)
	}

	// Unmapped columns either pass through (auto-map against the target
	// schema) or are dropped.
	if m.autoMap {
		for k, v := range row {
			if mapped[strings.ToLower(k)] {
				continue
			}
			if canonical, ok := m.targetSchema[strings.ToLower(k)]; ok {
				if _, taken := out[canonical]; !taken {
					out[canonical] = v
				}
			}
		}
	} else if !m.skipUnmapped {
		for k, v := range row {
			if !mapped[strings.ToLower(k)] {
				if _, taken := out[k]; !taken {
					out[k] = v
				}
			}
		}
	}

	return out, false
}

// datetime layouts accepted in imported data, most specific first.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// castValue converts a raw value to the declared datatype. Unparseable values
// become nil so the target column receives NULL instead of a write failure.
func castValue(datatype string, v any) any {
	if datatype == "" {
		return v
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", v))

	switch strings.ToLower(datatype) {
	case "int", "integer", "long", "bigint":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		// Tolerate decimal renderings of whole numbers ("42.0").
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
			return int64(f)
		}
		return nil
	case "decimal", "float", "double", "number", "numeric":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return nil
	case "bool", "boolean", "bit":
		switch strings.ToLower(s) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
		return nil
	case "datetime", "date", "timestamp":
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return nil
	case "string", "text", "varchar":
		return s
	default:
		return v
	}
}
