package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
	"github.com/forkspacer/forkspacer/internal/config"
	"github.com/forkspacer/forkspacer/internal/manifest"
	"github.com/forkspacer/forkspacer/internal/template"
)

// resolveDocument runs the shared front half of a module pass: fetch the
// declared source, parse the document, and validate the user config against
// the document's schema. Rendering happens separately because it needs the
// effective release identity.
func resolveDocument(
	ctx context.Context,
	fetcher *manifest.Fetcher,
	module *operatorv1.Module,
) (*manifest.Document, map[string]any, error) {
	doc, err := fetcher.Resolve(ctx, module)
	if err != nil {
		return nil, nil, err
	}

	values := map[string]any{}
	if module.Spec.Config != nil && len(module.Spec.Config.Raw) > 0 {
		if err := json.Unmarshal(module.Spec.Config.Raw, &values); err != nil {
			return nil, nil, fmt.Errorf("%w: spec.config is not a JSON object: %v", config.ErrTypeMismatch, err)
		}
	}
	normalized, err := config.Validate(doc.Config, values)
	if err != nil {
		return nil, nil, err
	}
	return doc, normalized, nil
}

// terminalForGeneration reports whether an error can only be resolved by a
// spec change. Terminal errors are surfaced on conditions and not retried
// until the generation bumps; everything else is retried with backoff.
func terminalForGeneration(err error) bool {
	for _, sentinel := range []error{
		config.ErrMissingRequired,
		config.ErrTypeMismatch,
		config.ErrPatternMismatch,
		config.ErrOutOfRange,
		config.ErrInvalidOption,
		config.ErrCountOutOfRange,
		config.ErrUnknownField,
		config.ErrInvalidSchema,
		template.ErrTemplateParse,
		template.ErrTemplateEval,
		manifest.ErrInvalidDocument,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
