package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// splitGroup is one partition of the row set, keyed by the split column value.
type splitGroup struct {
	Key  string
	Rows []map[string]any
}

// splitRows partitions rows by the key column. Rows with a missing or NULL
// key land in the "unknown" group. batchSize > 0 caps rows per group; the
// overflow is dropped with the cap, matching a per-group row limit rather
// than multi-file chunking. Group order follows first appearance in input.
func splitRows(rows []map[string]any, keyColumn string, batchSize int) []splitGroup {
	index := make(map[string]int)
	var groups []splitGroup

	for _, row := range rows {
		key := "unknown"
		if v, ok := lookupValue(row, keyColumn); ok && v != nil {
			if s := fmt.Sprintf("%v", v); s != "" {
				key = s
			}
		}

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, splitGroup{Key: key})
		}
		if batchSize > 0 && len(groups[i].Rows) >= batchSize {
			continue
		}
		groups[i].Rows = append(groups[i].Rows, row)
	}
	return groups
}

// lookupValue finds a column case-insensitively; drivers do not reliably
// preserve identifier case.
func lookupValue(row map[string]any, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// ExpandFilename resolves the filename template substitutions. An empty
// template falls back to "<profile>_<splitkey>.<format>".
func ExpandFilename(tpl, profileName, splitKey, format string, now time.Time) string {
	if tpl == "" {
		tpl = "{profile}_{splitkey}.{format}"
	}
	r := strings.NewReplacer(
		"{profile}", sanitizeFilename(profileName),
		"{splitkey}", sanitizeFilename(splitKey),
		"{timestamp}", now.Format("20060102_150405"),
		"{date}", now.Format("2006-01-02"),
		"{time}", now.Format("150405"),
		"{guid}", uuid.NewString(),
		"{format}", format,
	)
	return r.Replace(tpl)
}

// sanitizeFilename strips path separators and characters that are unsafe in
// a file name on common filesystems.
func sanitizeFilename(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			sb.WriteRune('_')
		default:
			sb.WriteRune(r)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "unknown"
	}
	return out
}
