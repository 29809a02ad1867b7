package template

import (
	"errors"
	"testing"
)

func TestRenderString_IntegerRoundTrip(t *testing.T) {
	ctx := Context{Config: map[string]any{"replicas": int64(3)}, ReleaseName: "rel"}

	out, err := RenderString("{{.config.replicas}}", ctx)
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got, ok := out.(int64); !ok || got != 3 {
		t.Fatalf("expected int64(3), got %T %v", out, out)
	}
}

func TestRenderString_BooleanAndFloat(t *testing.T) {
	ctx := Context{Config: map[string]any{"debug": true, "ratio": 0.25}}

	out, err := RenderString("{{.config.debug}}", ctx)
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got, ok := out.(bool); !ok || !got {
		t.Fatalf("expected bool(true), got %T %v", out, out)
	}

	out, err = RenderString("{{.config.ratio}}", ctx)
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got, ok := out.(float64); !ok || got != 0.25 {
		t.Fatalf("expected float64(0.25), got %T %v", out, out)
	}
}

func TestRenderString_PlainStringsUntouched(t *testing.T) {
	// No template expression: literal digits stay a string.
	out, err := RenderString("8080", Context{})
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got, ok := out.(string); !ok || got != "8080" {
		t.Fatalf("expected string \"8080\", got %T %v", out, out)
	}

	// Template rendering to a plain word stays a string.
	out, err = RenderString("{{.config.env}}-apps", Context{Config: map[string]any{"env": "staging"}})
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got, ok := out.(string); !ok || got != "staging-apps" {
		t.Fatalf("expected string \"staging-apps\", got %T %v", out, out)
	}
}

func TestRender_Tree(t *testing.T) {
	ctx := Context{
		Config:      map[string]any{"replicas": int64(2), "env": "dev"},
		ReleaseName: "rel-abc",
		Namespace:   "dev-apps",
	}
	tree := map[string]any{
		"replicaCount": "{{.config.replicas}}",
		"host":         "app.{{.namespace}}.example.com",
		"release":      "{{.releaseName}}",
		"port":         int64(9090),
		"tags":         []any{"{{.config.env}}", "fixed"},
	}

	out, err := Render(tree, ctx)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	m := out.(map[string]any)
	if m["replicaCount"] != int64(2) {
		t.Fatalf("expected replicaCount int64(2), got %T %v", m["replicaCount"], m["replicaCount"])
	}
	if m["host"] != "app.dev-apps.example.com" {
		t.Fatalf("expected rendered host, got %v", m["host"])
	}
	if m["release"] != "rel-abc" {
		t.Fatalf("expected release rel-abc, got %v", m["release"])
	}
	if m["port"] != int64(9090) {
		t.Fatalf("non-string scalar must pass through, got %v", m["port"])
	}
	tags := m["tags"].([]any)
	if tags[0] != "dev" || tags[1] != "fixed" {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestRenderNamespace_TwoPassIndependence(t *testing.T) {
	ctx := Context{Config: map[string]any{"env": "staging"}, ReleaseName: "rel"}

	ns, err := RenderNamespace("{{.config.env}}-apps", ctx)
	if err != nil {
		t.Fatalf("RenderNamespace: %v", err)
	}
	if ns != "staging-apps" {
		t.Fatalf("expected staging-apps, got %q", ns)
	}

	// Second pass: sibling fields may reference the resolved namespace.
	ctx.Namespace = ns
	out, err := RenderString("app.{{.namespace}}.example.com", ctx)
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if out != "app.staging-apps.example.com" {
		t.Fatalf("expected resolved sibling, got %v", out)
	}

	// Self-reference inside the namespace expression itself must fail,
	// not recurse.
	if _, err := RenderNamespace("{{.namespace}}-apps", ctx); !errors.Is(err, ErrTemplateEval) {
		t.Fatalf("expected ErrTemplateEval for self-reference, got %v", err)
	}
}

func TestRenderString_Helpers(t *testing.T) {
	ctx := Context{Config: map[string]any{"name": "Postgres"}}

	out, err := RenderString(`{{default "fallback" .config.tier}}`, Context{Config: map[string]any{"tier": ""}})
	if err != nil {
		t.Fatalf("RenderString default: %v", err)
	}
	if out != "fallback" {
		t.Fatalf("expected fallback, got %v", out)
	}

	out, err = RenderString("{{lower .config.name}}", ctx)
	if err != nil {
		t.Fatalf("RenderString lower: %v", err)
	}
	if out != "postgres" {
		t.Fatalf("expected postgres, got %v", out)
	}

	out, err = RenderString("{{mul 3 4}}", ctx)
	if err != nil {
		t.Fatalf("RenderString mul: %v", err)
	}
	if out != int64(12) {
		t.Fatalf("expected int64(12), got %T %v", out, out)
	}

	out, err = RenderString("{{randBase62 11}}", ctx)
	if err != nil {
		t.Fatalf("RenderString randBase62: %v", err)
	}
	s, ok := out.(string)
	if !ok || len(s) != 11 {
		t.Fatalf("expected 11-char string, got %T %v", out, out)
	}
}

func TestRenderString_Errors(t *testing.T) {
	if _, err := RenderString("{{.config.replicas", Context{}); !errors.Is(err, ErrTemplateParse) {
		t.Fatalf("expected ErrTemplateParse, got %v", err)
	}
	if _, err := RenderString("{{nosuchfunc 1}}", Context{}); !errors.Is(err, ErrTemplateParse) {
		t.Fatalf("expected ErrTemplateParse for unknown function, got %v", err)
	}
	if _, err := RenderString("{{.config.missing}}", Context{Config: map[string]any{}}); !errors.Is(err, ErrTemplateEval) {
		t.Fatalf("expected ErrTemplateEval for unknown variable, got %v", err)
	}
}
