package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/dbclient"
)

// Template kinds stored on the profile. Native kinds wrap the query and let
// the source database emit the payload; the rest render off-DB through the
// template package.
const (
	TemplateForXML  = "forxml"
	TemplateForJSON = "forjson"
)

// nativeOptions parameterises FOR XML / FOR JSON wrapping, decoded from the
// profile's transform-options JSON. Zero values give the documented defaults.
type nativeOptions struct {
	Mode        string `json:"mode"` // path (default), auto
	Root        string `json:"root"`
	RowElement  string `json:"row_element"`
	Elements    bool   `json:"elements"`
	IncludeNull bool   `json:"include_null_values"`
}

func parseNativeOptions(raw string) (nativeOptions, error) {
	opts := nativeOptions{Mode: "path", Root: "rows", RowElement: "row"}
	if raw == "" || raw == "{}" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return opts, fmt.Errorf("pipeline: transform options: %w", err)
	}
	if opts.Mode == "" {
		opts.Mode = "path"
	}
	if opts.Root == "" {
		opts.Root = "rows"
	}
	if opts.RowElement == "" {
		opts.RowElement = "row"
	}
	return opts, nil
}

// wrapNativeQuery rewrites the profile query so the source database produces
// the serialized payload itself. Only SQL Server supports the FOR XML / FOR
// JSON clauses.
func wrapNativeQuery(kind db.ConnectionKind, templateKind, query, optionsJSON string) (string, error) {
	if kind != db.ConnectionSQLServer {
		return "", fmt.Errorf("pipeline: native %s transform requires a SQL Server connection", templateKind)
	}
	opts, err := parseNativeOptions(optionsJSON)
	if err != nil {
		return "", err
	}

	query = strings.TrimRight(strings.TrimSpace(query), ";")

	switch templateKind {
	case TemplateForXML:
		clause := fmt.Sprintf("FOR XML %s", strings.ToUpper(opts.Mode))
		if strings.EqualFold(opts.Mode, "path") {
			clause = fmt.Sprintf("FOR XML PATH(N'%s')", opts.RowElement)
		}
		clause += fmt.Sprintf(", ROOT(N'%s')", opts.Root)
		if opts.Elements {
			clause += ", ELEMENTS"
		}
		return query + " " + clause, nil
	case TemplateForJSON:
		clause := fmt.Sprintf("FOR JSON %s, ROOT(N'%s')", strings.ToUpper(opts.Mode), opts.Root)
		if opts.IncludeNull {
			clause += ", INCLUDE_NULL_VALUES"
		}
		return query + " " + clause, nil
	default:
		return "", fmt.Errorf("pipeline: unknown native template kind %q", templateKind)
	}
}

// runNativeTransform executes the wrapped query and concatenates the payload,
// which SQL Server streams across rows in a single unnamed column.
func runNativeTransform(ctx context.Context, client dbclient.Client, kind db.ConnectionKind, templateKind, query, optionsJSON string, maxRetries int, logger *zap.Logger) (string, error) {
	wrapped, err := wrapNativeQuery(kind, templateKind, query, optionsJSON)
	if err != nil {
		return "", err
	}
	result, err := dbclient.QueryWithRetry(ctx, client, wrapped, 0, maxRetries, logger)
	if err != nil {
		return "", fmt.Errorf("pipeline: native transform: %w", err)
	}
	if len(result.Columns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	col := result.Columns[0]
	for _, row := range result.Rows {
		if v := row[col]; v != nil {
			sb.WriteString(formatCell(v))
		}
	}
	return sb.String(), nil
}
