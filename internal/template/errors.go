package template

import "errors"

// Rendering errors are terminal for the triggering generation, like config
// validation errors: surfaced on status, re-attempted only on spec change.
var (
	ErrTemplateParse = errors.New("template syntax error")
	ErrTemplateEval  = errors.New("template evaluation error")
)
