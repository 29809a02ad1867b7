// Package chart defines the ChartDriver collaborator boundary the helm
// backend drives, plus a thin exec-based implementation shelling out to the
// helm and git binaries.
package chart

import (
	"context"

	"github.com/forkspacer/forkspacer/internal/manifest"
)

// Driver performs the chart operations the helm backend needs. All
// operations must be idempotent: InstallOrUpgrade after a crash converges
// to the same release state, Uninstall of a missing release succeeds.
type Driver interface {
	// Fetch materializes chart content locally and returns a chart
	// reference usable by InstallOrUpgrade (a path to a directory or
	// archive).
	Fetch(ctx context.Context, source manifest.ChartSource) (string, error)

	// InstallOrUpgrade converges the release to the given chart and values.
	InstallOrUpgrade(ctx context.Context, release, namespace, chartRef string, values map[string]any) error

	// Uninstall removes the release. Missing releases are not an error.
	Uninstall(ctx context.Context, release, namespace string) error
}
