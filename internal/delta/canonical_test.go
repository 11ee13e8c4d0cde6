package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeReefID(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		tokens string
		want   string
	}{
		{"no tokens", "  Ab C ", "", "  Ab C "},
		{"trim", "  AbC  ", "Trim", "AbC"},
		{"lowercase", "AbC", "Lowercase", "abc"},
		{"remove whitespace", "a b\tc", "RemoveWhitespace", "abc"},
		{"all", "  A b C  ", "Trim,Lowercase,RemoveWhitespace", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeReefID(tt.id, tt.tokens))
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		value     any
		precision int
		strip     bool
		want      string
	}{
		{"nil", nil, 6, false, "NULL"},
		{"true", true, 6, false, "TRUE"},
		{"false", false, 6, false, "FALSE"},
		{"time", ts, 6, false, "2026-03-01T09:30:00Z"},
		{"int", 42, 6, false, "42"},
		{"int64", int64(-7), 6, false, "-7"},
		{"float rounded", 1.0000001, 6, false, "1"},
		{"float distinct at low precision", 1.6, 0, false, "2"},
		{"binary", []byte{0x01, 0x02}, 6, false, "AQI="},
		{"bom stripped", "\uFEFFhello", 6, false, "hello"},
		{"control chars kept", "a\u0007b", 6, false, "a\u0007b"},
		{"control chars stripped", "a\u0007b", 6, true, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeValue(tt.value, tt.precision, tt.strip))
		})
	}
}

func TestNormalizeValuePrecisionEquivalence(t *testing.T) {
	// With precision 6, values differing past the sixth decimal collapse.
	a := NormalizeValue(1.0000001, 6, false)
	b := NormalizeValue(1.0000002, 6, false)
	assert.Equal(t, a, b)

	// With precision 0, 1.4 and 1.6 round apart.
	assert.NotEqual(t, NormalizeValue(1.4, 0, false), NormalizeValue(1.6, 0, false))
}

func TestNormalizeValueNFC(t *testing.T) {
	// e + combining acute composes to the same string as precomposed e-acute.
	composed := NormalizeValue("caf\u00e9", 6, false)
	decomposed := NormalizeValue("cafe\u0301", 6, false)
	assert.Equal(t, composed, decomposed)
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("id-1", map[string]any{
		"b":  nil,
		"a":  "x",
		"ok": true,
	}, 6, false)
	assert.Equal(t, "REEFID:id-1|a=x;b=NULL;ok=TRUE;", got)
}

func TestCanonicalStringKeyOrderIndependent(t *testing.T) {
	cols := map[string]any{"z": 1, "a": 2, "m": 3}
	assert.Equal(t, CanonicalString("k", cols, 6, false), CanonicalString("k", cols, 6, false))
}

func TestHashCanonical(t *testing.T) {
	canonical := "REEFID:k|a=1;"

	sha := HashCanonical(AlgoSHA256, canonical)
	assert.Len(t, sha, 64)
	assert.Equal(t, sha, HashCanonical("unknown-algo", canonical), "unknown algorithm falls back to sha256")

	assert.Len(t, HashCanonical(AlgoSHA512, canonical), 128)
	assert.Len(t, HashCanonical(AlgoMD5, canonical), 32)
	assert.NotEqual(t, sha, HashCanonical(AlgoSHA512, canonical))
}
