// Package template renders Go-template expressions embedded in arbitrary
// nested structures (maps, sequences, scalars), with JSON type inference on
// rendered results and a helper function library.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
)

// Context is the variable set available to template expressions.
type Context struct {
	// Config holds validated, normalized config values (.config.<alias>).
	Config map[string]any

	// ReleaseName is the effective release name (.releaseName).
	ReleaseName string

	// Namespace is the effective namespace (.namespace). Empty means absent:
	// referencing .namespace then fails evaluation, which is what the
	// isolated first-pass namespace rendering relies on.
	Namespace string
}

func (c Context) data() map[string]any {
	data := map[string]any{
		"config":      c.Config,
		"releaseName": c.ReleaseName,
	}
	if c.Namespace != "" {
		data["namespace"] = c.Namespace
	}
	return data
}

func funcMap() texttemplate.FuncMap {
	funcs := sprig.TxtFuncMap()
	// Alias in the sprig alphanumeric generator under the documented name.
	// Not idempotent: every render emits a fresh value.
	funcs["randBase62"] = funcs["randAlphaNum"]
	return funcs
}

// Render recursively walks a tree of maps, sequences and scalars and
// evaluates template expressions found in string scalars. Non-string
// scalars pass through unchanged. A rendered string that parses as JSON
// becomes the parsed value (number, bool, object, array); otherwise the
// literal string is kept.
func Render(value any, ctx Context) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			rendered, err := Render(elem, ctx)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			rendered, err := Render(elem, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		return RenderString(v, ctx)
	default:
		return value, nil
	}
}

// RenderString evaluates one string scalar. Strings without template
// expressions are returned untouched, never type-coerced.
func RenderString(raw string, ctx Context) (any, error) {
	if !strings.Contains(raw, "{{") {
		return raw, nil
	}

	tmpl, err := texttemplate.New("").Option("missingkey=error").Funcs(funcMap()).Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, ctx.data()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateEval, err)
	}
	return coerce(buf.String()), nil
}

// RenderNamespace renders a namespace expression in isolation, with
// .namespace deliberately absent from the context so self-reference fails
// instead of recursing.
func RenderNamespace(raw string, ctx Context) (string, error) {
	ctx.Namespace = ""
	rendered, err := RenderString(raw, ctx)
	if err != nil {
		return "", err
	}
	switch v := rendered.(type) {
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// coerce attempts strict JSON parsing of a rendered result. Parsed strings
// are not substituted: a template that renders to a plain word stays a
// string.
func coerce(rendered string) any {
	trimmed := strings.TrimSpace(rendered)
	if trimmed == "" {
		return rendered
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return rendered
	}
	if dec.More() {
		return rendered
	}

	switch v := parsed.(type) {
	case string, nil:
		return rendered
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return rendered
	default:
		return normalizeNumbers(parsed)
	}
}

// normalizeNumbers converts json.Number leaves inside parsed objects and
// arrays into int64/float64 so downstream consumers see native types.
func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, elem := range v {
			v[key] = normalizeNumbers(elem)
		}
		return v
	case []any:
		for i, elem := range v {
			v[i] = normalizeNumbers(elem)
		}
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return value
	}
}
