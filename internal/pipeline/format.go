package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Output formats for profiles without a template.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXML  = "xml"
	FormatTSV  = "tsv"
)

// renderRows serialises a row set in the profile's output format. Column
// order follows the select list; rows keep their query order.
func renderRows(format string, columns []string, rows []map[string]any) (string, error) {
	switch strings.ToLower(format) {
	case FormatCSV, "":
		return renderDelimited(columns, rows, ',')
	case FormatTSV:
		return renderDelimited(columns, rows, '\t')
	case FormatJSON:
		return renderJSON(columns, rows)
	case FormatXML:
		return renderXML(columns, rows)
	default:
		return "", fmt.Errorf("pipeline: unsupported output format %q", format)
	}
}

func renderDelimited(columns []string, rows []map[string]any, delim rune) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delim

	if err := w.Write(columns); err != nil {
		return "", fmt.Errorf("pipeline: write header: %w", err)
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = formatCell(row[col])
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("pipeline: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("pipeline: flush: %w", err)
	}
	return buf.String(), nil
}

func renderJSON(columns []string, rows []map[string]any) (string, error) {
	// Ordered output: build each object in select-list order.
	var buf bytes.Buffer
	buf.WriteString("[\n")
	for i, row := range rows {
		if i > 0 {
			buf.WriteString(",\n")
		}
		buf.WriteString("  {")
		for j, col := range columns {
			if j > 0 {
				buf.WriteString(", ")
			}
			key, _ := json.Marshal(col)
			val, err := json.Marshal(row[col])
			if err != nil {
				return "", fmt.Errorf("pipeline: marshal column %q: %w", col, err)
			}
			buf.Write(key)
			buf.WriteString(": ")
			buf.Write(val)
		}
		buf.WriteString("}")
	}
	buf.WriteString("\n]\n")
	return buf.String(), nil
}

func renderXML(columns []string, rows []map[string]any) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<rows>\n")
	for _, row := range rows {
		buf.WriteString("  <row>")
		for _, col := range columns {
			name := sanitizeElementName(col)
			buf.WriteString("<" + name + ">")
			if err := xml.EscapeText(&buf, []byte(formatCell(row[col]))); err != nil {
				return "", fmt.Errorf("pipeline: escape column %q: %w", col, err)
			}
			buf.WriteString("</" + name + ">")
		}
		buf.WriteString("</row>\n")
	}
	buf.WriteString("</rows>\n")
	return buf.String(), nil
}

// formatCell stringifies a cell value for textual formats. NULL becomes the
// empty string.
func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// sanitizeElementName makes a column name a legal XML element name.
func sanitizeElementName(name string) string {
	var sb strings.Builder
	for i, r := range name {
		valid := r == '_' || r == '-' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(i > 0 && r >= '0' && r <= '9')
		if valid {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "col"
	}
	out := sb.String()
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}
