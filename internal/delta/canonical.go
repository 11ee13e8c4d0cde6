// Package delta implements content-hash change detection keyed by a
// user-chosen business identifier (the reef id). Rows are canonicalised to a
// stable string, hashed, and compared against the state committed by the last
// successful run. Unchanged rows are elided from delivery; absent rows can be
// tracked as deletions.
package delta

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Hash algorithm names accepted in profile delta config.
const (
	AlgoSHA256 = "sha256"
	AlgoSHA512 = "sha512"
	AlgoMD5    = "md5"
)

// Reef id normalisation tokens. The config field holds zero or more of these
// in a single string; matching is by substring, order does not matter.
const (
	NormTrim             = "Trim"
	NormLowercase        = "Lowercase"
	NormRemoveWhitespace = "RemoveWhitespace"
)

const bom = "\uFEFF"

// NormalizeReefID applies the configured normalisation tokens to a raw reef
// id. Applied before canonicalisation and before duplicate/null checks, so
// ids that differ only in case or whitespace collapse when so configured.
func NormalizeReefID(id, tokens string) string {
	if strings.Contains(tokens, NormTrim) {
		id = strings.TrimSpace(id)
	}
	if strings.Contains(tokens, NormLowercase) {
		id = strings.ToLower(id)
	}
	if strings.Contains(tokens, NormRemoveWhitespace) {
		id = strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, id)
	}
	return id
}

// NormalizeValue renders one column value into its canonical string form:
// nil becomes "NULL", booleans "TRUE"/"FALSE", timestamps ISO 8601
// round-trip, numerics rounded to the configured precision, binary standard
// base64, and strings NFC-normalised with the BOM stripped.
func NormalizeValue(v any, precision int, stripNonPrintable bool) string {
	switch tv := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if tv {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return tv.Format("2006-01-02T15:04:05.9999999Z07:00")
	case float64:
		return strconv.FormatFloat(roundTo(tv, precision), 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(roundTo(float64(tv), precision), 'f', -1, 64)
	case []byte:
		return base64.StdEncoding.EncodeToString(tv)
	case string:
		return normalizeString(tv, stripNonPrintable)
	case int:
		return strconv.Itoa(tv)
	case int32:
		return strconv.FormatInt(int64(tv), 10)
	case int64:
		return strconv.FormatInt(tv, 10)
	default:
		return normalizeString(fmt.Sprintf("%v", tv), stripNonPrintable)
	}
}

func normalizeString(s string, stripNonPrintable bool) string {
	s = strings.TrimPrefix(s, bom)
	s = norm.NFC.String(s)
	if stripNonPrintable {
		s = strings.Map(func(r rune) rune {
			if unicode.In(r, unicode.C) {
				return -1
			}
			return r
		}, s)
	}
	return s
}

// roundTo rounds half away from zero to the given number of decimals,
// matching invariant-culture rounding of the stored precision.
func roundTo(f float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	s := strconv.FormatFloat(f, 'f', decimals, 64)
	r, _ := strconv.ParseFloat(s, 64)
	return r
}

// CanonicalString builds the hash input for one row:
//
//	REEFID:<normalised reef_id>|key=value;key=value;...
//
// Pairs are sorted by key. The reef id column itself is part of the pairs
// like any other column; the prefix carries the normalised form.
func CanonicalString(reefID string, columns map[string]any, precision int, stripNonPrintable bool) string {
	keys := make([]string, 0, len(columns))
	for k := range columns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("REEFID:")
	sb.WriteString(reefID)
	sb.WriteByte('|')
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(NormalizeValue(columns[k], precision, stripNonPrintable))
		sb.WriteByte(';')
	}
	return sb.String()
}

// HashCanonical hashes a canonical string with the configured algorithm and
// returns lowercase hex. Unknown algorithm names fall back to SHA-256.
// MD5 is supported for change detection only, never for secrets.
func HashCanonical(algorithm, canonical string) string {
	data := []byte(canonical)
	switch strings.ToLower(algorithm) {
	case AlgoSHA512:
		sum := sha512.Sum512(data)
		return hex.EncodeToString(sum[:])
	case AlgoMD5:
		sum := md5.Sum(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}
