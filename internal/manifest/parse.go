package manifest

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"sigs.k8s.io/yaml"

	"github.com/forkspacer/forkspacer/internal/config"
)

// Parse decodes a manifest document (YAML or JSON) and validates its
// structure.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate enforces the structural invariants of the document: the
// helm/custom tagged union, the chart source union, values/outputs source
// unions, version constraints, and the config schema's own validity.
func (d *Document) Validate() error {
	if (d.Helm == nil) == (d.Custom == nil) {
		return fmt.Errorf("%w: exactly one of helm or custom must be set", ErrInvalidDocument)
	}

	if d.Helm != nil {
		if err := d.Helm.validate(); err != nil {
			return err
		}
	}
	if d.Custom != nil {
		if err := d.Custom.validate(); err != nil {
			return err
		}
	}

	if err := config.ValidateSchema(d.Config); err != nil {
		return fmt.Errorf("%w: config schema: %v", ErrInvalidDocument, err)
	}
	return nil
}

func (h *HelmSpec) validate() error {
	set := 0
	if h.Chart.Repo != nil {
		set++
		if h.Chart.Repo.URL == "" || h.Chart.Repo.Name == "" {
			return fmt.Errorf("%w: chart repo source requires url and name", ErrInvalidDocument)
		}
		if h.Chart.Repo.Version != "" {
			if _, err := semver.NewConstraint(h.Chart.Repo.Version); err != nil {
				return fmt.Errorf("%w: chart version %q: %v", ErrInvalidDocument, h.Chart.Repo.Version, err)
			}
		}
	}
	if h.Chart.Git != nil {
		set++
		if h.Chart.Git.Repo == "" {
			return fmt.Errorf("%w: chart git source requires repo", ErrInvalidDocument)
		}
	}
	if h.Chart.ConfigMap != nil {
		set++
		if h.Chart.ConfigMap.Name == "" {
			return fmt.Errorf("%w: chart configMap source requires name", ErrInvalidDocument)
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one chart source must be set, got %d", ErrInvalidDocument, set)
	}

	if h.AdoptExisting != nil {
		if h.AdoptExisting.Name == "" || h.AdoptExisting.Namespace == "" {
			return fmt.Errorf("%w: adoptExisting requires name and namespace", ErrInvalidDocument)
		}
	}

	for i, vs := range h.Values {
		n := 0
		if vs.Raw != nil {
			n++
		}
		if vs.FileURL != nil {
			n++
		}
		if vs.ConfigMap != nil {
			n++
		}
		if n != 1 {
			return fmt.Errorf("%w: values[%d]: exactly one source must be set", ErrInvalidDocument, i)
		}
	}

	for i, out := range h.Outputs {
		if out.Name == "" {
			return fmt.Errorf("%w: outputs[%d]: name required", ErrInvalidDocument, i)
		}
		if (out.Value == nil) == (out.Secret == nil) {
			return fmt.Errorf("%w: outputs[%d]: exactly one of value or secret must be set", ErrInvalidDocument, i)
		}
	}
	return nil
}

func (c *CustomSpec) validate() error {
	if c.Image == "" {
		return fmt.Errorf("%w: custom module requires image", ErrInvalidDocument)
	}
	switch c.Permissions {
	case "", PermissionScopeWorkspaceKubeconfig, PermissionScopeControllerServiceAccount:
	default:
		return fmt.Errorf("%w: unknown permission scope %q", ErrInvalidDocument, c.Permissions)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidDocument, c.Port)
	}
	return nil
}
