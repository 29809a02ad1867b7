// Package backend abstracts module installation mechanics behind a uniform
// lifecycle interface with two adapters: chart-backed (declarative helm
// converge) and custom-container-backed (imperative HTTP calls).
package backend

import (
	"context"
	"errors"
)

// Backend drives one module's underlying resources. The rendered install
// spec is bound at construction. Every operation must be safely retryable:
// a requeue after a crash may invoke any of them again.
type Backend interface {
	Install(ctx context.Context) error
	Uninstall(ctx context.Context) error
	Sleep(ctx context.Context) error
	Resume(ctx context.Context) error
	HealthCheck(ctx context.Context) (bool, error)
}

// Backend errors are retryable with backoff, unlike validation/rendering
// errors.
var (
	ErrBackendUnavailable     = errors.New("installation backend unavailable")
	ErrBackendOperationFailed = errors.New("installation backend operation failed")
)

// ReplicaStateStore persists pre-sleep replica counts so Resume can restore
// them across controller restarts. Keys are "<kind>/<namespace>/<name>".
type ReplicaStateStore interface {
	Load(ctx context.Context) (map[string]int32, error)
	Save(ctx context.Context, state map[string]int32) error
	Clear(ctx context.Context) error
}
