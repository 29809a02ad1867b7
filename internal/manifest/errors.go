package manifest

import "errors"

var (
	// ErrInvalidDocument indicates a manifest that fetched fine but does not
	// form a valid install spec. Terminal until the module spec changes.
	ErrInvalidDocument = errors.New("invalid module manifest")

	// ErrSourceUnavailable indicates the manifest source could not be
	// fetched (missing ConfigMap, HTTP failure). Retryable with backoff.
	ErrSourceUnavailable = errors.New("module manifest source unavailable")
)
