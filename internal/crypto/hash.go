package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityHash produces a stable hash over an entity's business fields, used to
// detect out-of-band edits of profiles, connections, and destinations.
//
// Fields are ordered lexicographically by name, each value is serialised to a
// stable string, and the concatenated "field=value;" pairs are hashed with
// SHA-256. The result is lowercase hex. The hash is order-independent with
// respect to the input map and has no side effects.
func EntityHash(fields map[string]any) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(stableString(fields[name]))
		sb.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// stableString renders a value deterministically across runs and platforms.
func stableString(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		if tv {
			return "true"
		}
		return "false"
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case float64:
		// Trim the float so 1.0 and 1 hash identically regardless of the
		// numeric type the caller happened to use.
		s := fmt.Sprintf("%g", tv)
		return s
	default:
		return fmt.Sprintf("%v", tv)
	}
}
