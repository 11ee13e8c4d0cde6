package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain collects a stream, separating data rows from skips and errors.
func drain(t *testing.T, it Iterator) (data []Row, skipped, failed int) {
	t.Helper()
	for {
		row, ok := it.Next()
		if !ok {
			return data, skipped, failed
		}
		switch {
		case row.Skipped:
			skipped++
		case row.Err != nil:
			failed++
		default:
			data = append(data, row)
		}
	}
}

func mustParser(t *testing.T, format string, cfg FormatConfig) Parser {
	t.Helper()
	p, err := New(format, cfg)
	require.NoError(t, err)
	return p
}

func TestCSVWithHeader(t *testing.T) {
	p := mustParser(t, FormatCSV, FormatConfig{})
	it, err := p.Parse(strings.NewReader("id,name\n1,alpha\n2,beta\n"))
	require.NoError(t, err)

	data, skipped, failed := drain(t, it)
	assert.Equal(t, 1, skipped, "header row")
	assert.Zero(t, failed)
	require.Len(t, data, 2)
	assert.Equal(t, map[string]any{"id": "1", "name": "alpha"}, data[0].Columns)
	assert.Equal(t, int64(2), data[0].Line)
	assert.Equal(t, map[string]any{"id": "2", "name": "beta"}, data[1].Columns)
}

func TestCSVWithoutHeader(t *testing.T) {
	noHeader := false
	p := mustParser(t, FormatCSV, FormatConfig{HasHeader: &noHeader, Delimiter: ";"})
	it, err := p.Parse(strings.NewReader("1;alpha\n2;beta\n"))
	require.NoError(t, err)

	data, skipped, _ := drain(t, it)
	assert.Zero(t, skipped)
	require.Len(t, data, 2)
	assert.Equal(t, map[string]any{"col1": "1", "col2": "alpha"}, data[0].Columns)
}

func TestCSVFieldCountMismatchIsRowError(t *testing.T) {
	p := mustParser(t, FormatCSV, FormatConfig{})
	it, err := p.Parse(strings.NewReader("id,name\n1,alpha\n2\n3,gamma\n"))
	require.NoError(t, err)

	data, _, failed := drain(t, it)
	assert.Equal(t, 1, failed)
	assert.Len(t, data, 2, "rows after the bad one still parse")
}

func TestCSVSkipRows(t *testing.T) {
	p := mustParser(t, FormatCSV, FormatConfig{SkipRows: 1})
	it, err := p.Parse(strings.NewReader("generated 2026-08-24\nid,name\n1,alpha\n"))
	require.NoError(t, err)

	data, skipped, failed := drain(t, it)
	assert.Equal(t, 2, skipped, "preamble plus header")
	assert.Zero(t, failed)
	require.Len(t, data, 1)
}

func TestCSVHeaderBOMStripped(t *testing.T) {
	p := mustParser(t, FormatCSV, FormatConfig{})
	it, err := p.Parse(strings.NewReader("\ufeffid,name\n1,alpha\n"))
	require.NoError(t, err)

	data, _, _ := drain(t, it)
	require.Len(t, data, 1)
	assert.Contains(t, data[0].Columns, "id", "BOM must not stick to the first header cell")
}

func TestJSONRootArray(t *testing.T) {
	p := mustParser(t, FormatJSON, FormatConfig{})
	it, err := p.Parse(strings.NewReader(`[{"id":1,"name":"alpha"},{"id":2,"name":null}]`))
	require.NoError(t, err)

	data, _, failed := drain(t, it)
	assert.Zero(t, failed)
	require.Len(t, data, 2)
	assert.Equal(t, "1", data[0].Columns["id"], "numbers surface as strings for downstream casts")
	assert.Nil(t, data[1].Columns["name"])
}

func TestJSONRecordsProperty(t *testing.T) {
	p := mustParser(t, FormatJSON, FormatConfig{RecordsProperty: "items"})
	it, err := p.Parse(strings.NewReader(`{"meta":{"count":2},"items":[{"id":1},{"id":2}]}`))
	require.NoError(t, err)

	data, _, failed := drain(t, it)
	assert.Zero(t, failed)
	assert.Len(t, data, 2)
}

func TestJSONRootObjectWithoutPropertyFails(t *testing.T) {
	p := mustParser(t, FormatJSON, FormatConfig{})
	_, err := p.Parse(strings.NewReader(`{"items":[]}`))
	assert.Error(t, err)
}

func TestJSONLines(t *testing.T) {
	p := mustParser(t, FormatJSON, FormatConfig{})
	it, err := p.Parse(strings.NewReader("{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n"))
	require.NoError(t, err)

	data, _, failed := drain(t, it)
	assert.Zero(t, failed)
	assert.Len(t, data, 3)
}

func TestXMLRecords(t *testing.T) {
	doc := `<rows>
		<row id="10"><name>alpha</name><qty>3</qty></row>
		<row><name>beta</name><qty>5</qty></row>
	</rows>`

	p := mustParser(t, FormatXML, FormatConfig{})
	it, err := p.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	data, _, failed := drain(t, it)
	assert.Zero(t, failed)
	require.Len(t, data, 2)
	assert.Equal(t, "10", data[0].Columns["id"], "record attributes become columns")
	assert.Equal(t, "alpha", data[0].Columns["name"])
	assert.Equal(t, "5", data[1].Columns["qty"])
}

func TestXMLRecordElementFilter(t *testing.T) {
	doc := `<export><meta><source>x</source></meta><item><id>1</id></item><item><id>2</id></item></export>`

	p := mustParser(t, FormatXML, FormatConfig{RecordElement: "item"})
	it, err := p.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	data, _, failed := drain(t, it)
	assert.Zero(t, failed)
	require.Len(t, data, 2)
	assert.Equal(t, "1", data[0].Columns["id"])
}

func TestFixedWidth(t *testing.T) {
	cfg := FormatConfig{
		Fields: []FixedWidthField{
			{Name: "id", Start: 1, Length: 4},
			{Name: "name", Start: 5, Length: 8},
			{Name: "rest", Start: 13},
		},
	}
	p := mustParser(t, FormatFixedWidth, cfg)
	it, err := p.Parse(strings.NewReader("0001alpha   tail one\n0002beta    tail two\n"))
	require.NoError(t, err)

	data, _, failed := drain(t, it)
	assert.Zero(t, failed)
	require.Len(t, data, 2)
	assert.Equal(t, map[string]any{"id": "0001", "name": "alpha", "rest": "tail one"}, data[0].Columns)
}

func TestFixedWidthShortLineIsRowError(t *testing.T) {
	cfg := FormatConfig{
		Fields: []FixedWidthField{
			{Name: "id", Start: 1, Length: 4},
			{Name: "name", Start: 10, Length: 5},
		},
	}
	p := mustParser(t, FormatFixedWidth, cfg)
	it, err := p.Parse(strings.NewReader("0001\n0002somethinglong\n"))
	require.NoError(t, err)

	data, _, failed := drain(t, it)
	assert.Equal(t, 1, failed)
	assert.Len(t, data, 1)
}

func TestFixedWidthRequiresFields(t *testing.T) {
	_, err := New(FormatFixedWidth, FormatConfig{})
	assert.Error(t, err)
}

func TestUnknownFormat(t *testing.T) {
	_, err := New("parquet", FormatConfig{})
	assert.Error(t, err)
}
