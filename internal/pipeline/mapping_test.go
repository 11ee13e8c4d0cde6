package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMappings(t *testing.T) {
	mappings, err := ParseMappings(`[
		{"source":"id","target":"order_id","datatype":"int","is_key":true},
		{"source":"total","target":"amount","datatype":"decimal"}
	]`)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.True(t, mappings[0].IsKey)

	_, err = ParseMappings(`[{"source":"","target":"x"}]`)
	assert.Error(t, err)

	mappings, err = ParseMappings("")
	require.NoError(t, err)
	assert.Nil(t, mappings)
}

func TestMapperApply(t *testing.T) {
	m := NewMapper([]ColumnMapping{
		{Source: "id", Target: "order_id", DataType: "int"},
		{Source: "total", Target: "amount", DataType: "decimal"},
		{Source: "note", Target: "note", Default: "n/a"},
	}, true, false, nil)

	out, skipped := m.Apply(map[string]any{"id": "42", "total": "19.99", "extra": "dropped"})
	require.False(t, skipped)
	assert.Equal(t, int64(42), out["order_id"])
	assert.Equal(t, 19.99, out["amount"])
	assert.Equal(t, "n/a", out["note"])
	_, hasExtra := out["extra"]
	assert.False(t, hasExtra)
}

func TestMapperSourceLookupIsCaseInsensitive(t *testing.T) {
	m := NewMapper([]ColumnMapping{{Source: "ID", Target: "id"}}, true, false, nil)
	out, skipped := m.Apply(map[string]any{"id": "7"})
	require.False(t, skipped)
	assert.Equal(t, "7", out["id"])
}

func TestMapperSkipOnNull(t *testing.T) {
	m := NewMapper([]ColumnMapping{
		{Source: "id", Target: "id", SkipOnNull: true},
	}, true, false, nil)

	_, skipped := m.Apply(map[string]any{"id": ""})
	assert.True(t, skipped)

	out, skipped := m.Apply(map[string]any{"id": "1"})
	assert.False(t, skipped)
	assert.Equal(t, "1", out["id"])
}

func TestMapperAutoMapAgainstTargetSchema(t *testing.T) {
	m := NewMapper([]ColumnMapping{
		{Source: "id", Target: "order_id", DataType: "int"},
	}, true, true, []string{"order_id", "CustomerName", "amount"})

	out, skipped := m.Apply(map[string]any{
		"id":           "1",
		"customername": "Alice", // matches schema case-insensitively
		"unrelated":    "x",     // not in schema, dropped
	})
	require.False(t, skipped)
	assert.Equal(t, int64(1), out["order_id"])
	assert.Equal(t, "Alice", out["CustomerName"])
	_, has := out["unrelated"]
	assert.False(t, has)
}

func TestMapperPassThroughWhenNotSkippingUnmapped(t *testing.T) {
	m := NewMapper([]ColumnMapping{
		{Source: "id", Target: "id"},
	}, false, false, nil)

	out, _ := m.Apply(map[string]any{"id": "1", "other": "kept"})
	assert.Equal(t, "kept", out["other"])
}

func TestMapperKeyColumns(t *testing.T) {
	m := NewMapper([]ColumnMapping{
		{Source: "a", Target: "a", IsKey: true},
		{Source: "b", Target: "b"},
		{Source: "c", Target: "c", IsKey: true},
	}, true, false, nil)
	assert.Equal(t, []string{"a", "c"}, m.KeyColumns())
}

func TestCastValue(t *testing.T) {
	tests := []struct {
		name     string
		datatype string
		in       any
		want     any
	}{
		{"int", "int", "42", int64(42)},
		{"int from decimal rendering", "int", "42.0", int64(42)},
		{"int garbage becomes null", "int", "abc", nil},
		{"decimal", "decimal", "19.99", 19.99},
		{"decimal garbage becomes null", "float", "x", nil},
		{"bool true", "bool", "true", true},
		{"bool numeric", "bool", "1", true},
		{"bool no", "bool", "no", false},
		{"bool garbage becomes null", "bool", "maybe", nil},
		{"datetime iso", "datetime", "2026-03-15T10:00:00Z",
			time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)},
		{"date only", "date", "2026-03-15",
			time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"datetime garbage becomes null", "datetime", "soon", nil},
		{"string trims", "string", "  hi  ", "hi"},
		{"no datatype passes through", "", 7, 7},
		{"unknown datatype passes through", "blob", "x", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, castValue(tt.datatype, tt.in))
		})
	}
}
