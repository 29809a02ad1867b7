// Package manifest resolves a Module's declared source into its install
// spec document and validates the document's structure.
package manifest

import (
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"

	"github.com/forkspacer/forkspacer/internal/config"
)

// Document is the parsed install spec of a module. Exactly one of Helm or
// Custom is set.
type Document struct {
	Helm   *HelmSpec   `json:"helm,omitempty"`
	Custom *CustomSpec `json:"custom,omitempty"`

	// Config declares the module's typed config schema, in order.
	Config []config.Item `json:"config,omitempty"`
}

// Kind reports which backend variant the document declares.
func (d *Document) Kind() string {
	if d.Helm != nil {
		return "helm"
	}
	if d.Custom != nil {
		return "custom"
	}
	return ""
}

// HelmSpec describes a chart-backed installation.
type HelmSpec struct {
	Chart ChartSource `json:"chart"`

	// Namespace is template-eligible and rendered in an isolated first pass.
	Namespace string `json:"namespace"`

	// ReleaseName, when set, is used verbatim and never changes. When empty
	// a name is generated at first install and pinned via annotation.
	ReleaseName string `json:"releaseName,omitempty"`

	// AdoptExisting tracks a pre-installed release instead of installing.
	// The effective release name/namespace come from here, and deletion
	// detaches without uninstalling.
	AdoptExisting *ReleaseReference `json:"adoptExisting,omitempty"`

	// Values sources are merged in order; later entries override earlier.
	Values []ValuesSource `json:"values,omitempty"`

	Outputs []OutputDeclaration `json:"outputs,omitempty"`

	Cleanup CleanupPolicy `json:"cleanup,omitempty"`

	// Migration names the artifacts eligible for fork-time copy.
	Migration MigrationSpec `json:"migration,omitempty"`
}

// ChartSource locates chart content. Exactly one field is set.
type ChartSource struct {
	Repo      *RepoChartSource    `json:"repo,omitempty"`
	Git       *GitChartSource     `json:"git,omitempty"`
	ConfigMap *ObjectKeyReference `json:"configMap,omitempty"`
}

type RepoChartSource struct {
	URL  string `json:"url"`
	Name string `json:"name"`

	// Version is an exact version or a semver constraint ("^1.2.0").
	Version string `json:"version,omitempty"`
}

type GitChartSource struct {
	Repo     string `json:"repo"`
	Path     string `json:"path,omitempty"`
	Revision string `json:"revision,omitempty"`
}

type ObjectKeyReference struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Key       string `json:"key,omitempty"`
}

type ReleaseReference struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// ValuesSource supplies chart values. Exactly one field is set.
type ValuesSource struct {
	Raw       *apiextensionsv1.JSON `json:"raw,omitempty"`
	FileURL   *string               `json:"fileURL,omitempty"`
	ConfigMap *ObjectKeyReference   `json:"configMap,omitempty"`
}

// OutputDeclaration surfaces a value after install: either a literal
// (template-eligible) or a secret lookup on the target cluster.
type OutputDeclaration struct {
	Name   string              `json:"name"`
	Value  *string             `json:"value,omitempty"`
	Secret *ObjectKeyReference `json:"secret,omitempty"`
}

type CleanupPolicy struct {
	RemoveNamespace bool `json:"removeNamespace,omitempty"`
	RemovePVCs      bool `json:"removePVCs,omitempty"`
}

type MigrationSpec struct {
	PersistentVolumeClaims []string `json:"persistentVolumeClaims,omitempty"`
	Secrets                []string `json:"secrets,omitempty"`
	ConfigMaps             []string `json:"configMaps,omitempty"`
}

// +kubebuilder:validation:Enum=workspace-kubeconfig;controller-serviceaccount
type PermissionScope string

const (
	PermissionScopeWorkspaceKubeconfig      PermissionScope = "workspace-kubeconfig"
	PermissionScopeControllerServiceAccount PermissionScope = "controller-serviceaccount"
)

// CustomSpec describes a containerized custom installation backend driven
// over HTTP.
type CustomSpec struct {
	Image string `json:"image"`

	ImagePullSecrets []string `json:"imagePullSecrets,omitempty"`

	Permissions PermissionScope `json:"permissions,omitempty"`

	// Port is the container port serving the lifecycle HTTP endpoints.
	Port int32 `json:"port,omitempty"`
}
