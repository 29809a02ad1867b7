package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/forkspacer/forkspacer/internal/template"
)

// Render evaluates template expressions throughout the document's install
// spec and returns a rendered copy. The helm namespace is rendered first in
// an isolated pass, then exposed as .namespace to the rest of the spec. For
// adopted releases the adoption reference fixes the namespace instead. The
// config schema is carried over untouched.
func (d *Document) Render(ctx template.Context) (*Document, error) {
	out := &Document{Config: d.Config}

	switch {
	case d.Helm != nil:
		namespace := d.Helm.Namespace
		if d.Helm.AdoptExisting != nil {
			namespace = d.Helm.AdoptExisting.Namespace
		} else {
			rendered, err := template.RenderNamespace(namespace, ctx)
			if err != nil {
				return nil, fmt.Errorf("render namespace: %w", err)
			}
			namespace = rendered
		}
		ctx.Namespace = namespace

		// Substitute the resolved namespace before rendering the body so the
		// raw namespace expression is never evaluated a second time.
		input := *d.Helm
		input.Namespace = namespace

		var helm HelmSpec
		if err := renderInto(&input, &helm, ctx); err != nil {
			return nil, err
		}
		out.Helm = &helm
	case d.Custom != nil:
		var custom CustomSpec
		if err := renderInto(d.Custom, &custom, ctx); err != nil {
			return nil, err
		}
		out.Custom = &custom
	}
	return out, nil
}

// renderInto round-trips a spec through its JSON tree form, renders every
// string scalar, and decodes the result back into the typed spec.
func renderInto(in, out any, ctx template.Context) error {
	encoded, err := json.Marshal(in)
	if err != nil {
		return err
	}
	var tree any
	if err := json.Unmarshal(encoded, &tree); err != nil {
		return err
	}
	rendered, err := template.Render(tree, ctx)
	if err != nil {
		return err
	}
	reencoded, err := json.Marshal(rendered)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(reencoded, out); err != nil {
		return fmt.Errorf("%w: rendered document no longer matches schema: %v", ErrInvalidDocument, err)
	}
	return nil
}
