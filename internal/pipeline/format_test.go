package pipeline

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reef-io/reef/internal/db"
)

var formatRows = []map[string]any{
	{"id": int64(1), "name": "alpha", "note": nil},
	{"id": int64(2), "name": "beta, inc", "note": "x"},
}

func TestRenderCSV(t *testing.T) {
	out, err := renderRows("csv", []string{"id", "name", "note"}, formatRows)
	require.NoError(t, err)
	assert.Equal(t, "id,name,note\n1,alpha,\n2,\"beta, inc\",x\n", out)
}

func TestRenderJSONPreservesColumnOrder(t *testing.T) {
	out, err := renderRows("json", []string{"id", "name", "note"}, formatRows)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, float64(1), decoded[0]["id"])
	assert.Equal(t, "beta, inc", decoded[1]["name"])
	assert.Nil(t, decoded[0]["note"])

	// Select-list order survives in the raw text.
	assert.Less(t, strings.Index(out, `"id"`), strings.Index(out, `"name"`))
}

func TestRenderXMLEscapesAndSanitizes(t *testing.T) {
	out, err := renderRows("xml", []string{"a b", "v"}, []map[string]any{
		{"a b": "x<y", "v": int64(1)},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "<a_b>x&lt;y</a_b>")
	assert.Contains(t, out, "<rows>")
}

func TestRenderUnsupportedFormat(t *testing.T) {
	_, err := renderRows("parquet", nil, nil)
	assert.Error(t, err)
}

func TestWrapNativeQuery(t *testing.T) {
	q, err := wrapNativeQuery(db.ConnectionSQLServer, TemplateForXML,
		"SELECT id, name FROM orders;", `{"root":"Orders","row_element":"Order","elements":true}`)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, name FROM orders FOR XML PATH(N'Order'), ROOT(N'Orders'), ELEMENTS", q)

	q, err = wrapNativeQuery(db.ConnectionSQLServer, TemplateForJSON,
		"SELECT 1", `{"include_null_values":true}`)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 FOR JSON PATH, ROOT(N'rows'), INCLUDE_NULL_VALUES", q)

	_, err = wrapNativeQuery(db.ConnectionMySQL, TemplateForXML, "SELECT 1", "")
	assert.Error(t, err)
}

func TestParseProcessConfig(t *testing.T) {
	cfg, err := ParseProcessConfig(`{"sql":"EXEC prep","timeout_seconds":5,"skip_on_failure":true}`)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "EXEC prep", cfg.SQL)
	assert.True(t, cfg.SkipOnFailure)

	cfg, err = ParseProcessConfig("")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = ParseProcessConfig(`{"timeout_seconds":5}`)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = ParseProcessConfig(`{bad`)
	assert.Error(t, err)
}
