// Package template renders row sets through user-supplied templates. The
// engine is deliberately opaque to the pipelines: rows plus a template string
// in, a string out. Native FOR XML / FOR JSON transforms bypass this package
// entirely (the source database produces the payload; see internal/pipeline).
package template

import (
	"fmt"
	"strings"
	texttemplate "text/template"
	"time"
)

// Context is the ambient model exposed to templates alongside the rows.
type Context struct {
	ProfileID   string
	ProfileName string
	Now         time.Time
}

// model is what a template executes against.
type model struct {
	Rows    []map[string]any
	Context Context
}

// Renderer turns rows and a template into output text.
type Renderer interface {
	// Transform renders the template over the row set.
	Transform(rows []map[string]any, tpl string, ctx Context) (string, error)

	// Validate parses the template without executing it.
	Validate(tpl string) error
}

// New returns the standard renderer.
func New() Renderer {
	return &textRenderer{}
}

// textRenderer executes Go text templates. Helper functions cover the common
// formatting needs of export templates.
type textRenderer struct{}

func (r *textRenderer) funcs(ctx Context) texttemplate.FuncMap {
	return texttemplate.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"join":  strings.Join,
		"date":  func() string { return ctx.Now.Format("2006-01-02") },
		"time":  func() string { return ctx.Now.Format("15:04:05") },
		"now":   func() string { return ctx.Now.Format(time.RFC3339) },
	}
}

func (r *textRenderer) Transform(rows []map[string]any, tpl string, ctx Context) (string, error) {
	if ctx.Now.IsZero() {
		ctx.Now = time.Now()
	}
	t, err := texttemplate.New("export").Funcs(r.funcs(ctx)).Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("template: parse: %w", err)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, model{Rows: rows, Context: ctx}); err != nil {
		return "", fmt.Errorf("template: render: %w", err)
	}
	return sb.String(), nil
}

func (r *textRenderer) Validate(tpl string) error {
	if _, err := texttemplate.New("export").Funcs(r.funcs(Context{})).Parse(tpl); err != nil {
		return fmt.Errorf("template: parse: %w", err)
	}
	return nil
}
