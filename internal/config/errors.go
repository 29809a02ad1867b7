package config

import "errors"

// Validation errors. All of them are terminal for the triggering generation:
// callers surface them on status and must not retry until the spec changes.
var (
	ErrMissingRequired = errors.New("missing required config value")
	ErrTypeMismatch    = errors.New("config value has wrong type")
	ErrPatternMismatch = errors.New("config value does not match pattern")
	ErrOutOfRange      = errors.New("config value out of range")
	ErrInvalidOption   = errors.New("config value not in allowed set")
	ErrCountOutOfRange = errors.New("config value count out of range")
	ErrUnknownField    = errors.New("config value not declared in schema")
	ErrInvalidSchema   = errors.New("invalid config schema")
)
