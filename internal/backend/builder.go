package backend

import (
	"context"
	"fmt"
	"net/http"

	"sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
	"github.com/forkspacer/forkspacer/internal/chart"
	"github.com/forkspacer/forkspacer/internal/manifest"
)

// Builder assembles the backend adapter for a module from its rendered
// document. Controllers hold one Builder and call it every reconcile pass;
// the returned Backend is bound to that pass's rendered spec.
type Builder struct {
	// Operator reads and writes objects in the operator's own cluster,
	// including the replica state annotation on the Module.
	Operator client.Client

	Driver chart.Driver

	Values *chart.ValuesResolver

	HTTPClient *http.Client
}

// BuildRequest carries everything resolved earlier in the reconcile pass.
type BuildRequest struct {
	Module *operatorv1.Module

	// Target is the workspace's cluster client.
	Target client.Client

	// Document is the rendered install spec.
	Document *manifest.Document

	// Config is the validated, normalized config map.
	Config map[string]any

	// Release is the effective helm release identity. Ignored for custom
	// documents.
	Release Release

	// Kubeconfig is the workspace's raw kubeconfig, when one exists.
	Kubeconfig []byte
}

func (b *Builder) Build(ctx context.Context, req BuildRequest) (Backend, error) {
	switch {
	case req.Document.Helm != nil:
		values, err := b.Values.Resolve(ctx, req.Module.Namespace, req.Document.Helm.Values)
		if err != nil {
			return nil, fmt.Errorf("resolve chart values: %w", err)
		}
		return &HelmBackend{
			Target:  req.Target,
			Driver:  b.Driver,
			Spec:    req.Document.Helm,
			Release: req.Release,
			Values:  values,
			State: &AnnotationStateStore{
				Client: b.Operator,
				Object: req.Module,
				Key:    operatorv1.AnnotationReplicaState,
			},
		}, nil
	case req.Document.Custom != nil:
		return &CustomBackend{
			Target:     req.Target,
			HTTPClient: b.HTTPClient,
			Spec:       req.Document.Custom,
			ModuleName: req.Module.Name,
			Namespace:  req.Module.Namespace,
			Config:     req.Config,
			Kubeconfig: req.Kubeconfig,
		}, nil
	default:
		return nil, fmt.Errorf("%w: document declares no backend", manifest.ErrInvalidDocument)
	}
}
