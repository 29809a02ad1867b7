// Package fork clones the modules of a source workspace into a forked
// workspace and copies declared data artifacts between their clusters. The
// source workspace and its modules are never mutated.
package fork

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
)

var (
	// ErrReferenceNotFound marks a fork whose source workspace does not
	// exist. Retryable: the source may be created later.
	ErrReferenceNotFound = errors.New("fork source workspace not found")
)

const labelForkedFrom = "operator.forkspacer.io/forked-from"

type Forker struct {
	// Client operates on the operator's cluster.
	Client client.Client
}

// Source fetches the workspace a fork declaration points at.
func (f *Forker) Source(ctx context.Context, dest *operatorv1.Workspace) (*operatorv1.Workspace, error) {
	from := dest.Spec.From
	if from == nil {
		return nil, fmt.Errorf("%w: workspace %s declares no fork source", ErrReferenceNotFound, dest.Name)
	}
	var source operatorv1.Workspace
	key := types.NamespacedName{Namespace: from.Namespace, Name: from.Name}
	if err := f.Client.Get(ctx, key, &source); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrReferenceNotFound, from.Namespace, from.Name)
		}
		return nil, err
	}
	return &source, nil
}

// Modules lists the modules bound to a workspace, across namespaces. A
// module reference without a namespace binds within the module's own
// namespace.
func (f *Forker) Modules(ctx context.Context, workspace *operatorv1.Workspace) ([]operatorv1.Module, error) {
	var list operatorv1.ModuleList
	if err := f.Client.List(ctx, &list); err != nil {
		return nil, err
	}
	var bound []operatorv1.Module
	for _, m := range list.Items {
		refNamespace := m.Spec.Workspace.Namespace
		if refNamespace == "" {
			refNamespace = m.Namespace
		}
		if m.Spec.Workspace.Name == workspace.Name && refNamespace == workspace.Namespace {
			bound = append(bound, m)
		}
	}
	return bound, nil
}

// CloneModules creates a copy of every source module, rebound to the
// destination workspace. Clone names are deterministic so repeated runs
// skip modules that already exist; install-time state (release names,
// replica counts) is deliberately not carried over.
func (f *Forker) CloneModules(ctx context.Context, source, dest *operatorv1.Workspace) error {
	modules, err := f.Modules(ctx, source)
	if err != nil {
		return err
	}
	for i := range modules {
		m := &modules[i]
		clone := &operatorv1.Module{
			ObjectMeta: metav1.ObjectMeta{
				Name:      CloneName(dest, m),
				Namespace: dest.Namespace,
				Labels:    map[string]string{labelForkedFrom: m.Name},
			},
			Spec: *m.Spec.DeepCopy(),
		}
		clone.Spec.Workspace = operatorv1.ModuleWorkspaceReference{
			Name:      dest.Name,
			Namespace: dest.Namespace,
		}
		if err := f.Client.Create(ctx, clone); err != nil {
			if apierrors.IsAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("clone module %s: %w", m.Name, err)
		}
	}
	return nil
}

// CloneName is the deterministic name of a module's clone under a forked
// workspace.
func CloneName(dest *operatorv1.Workspace, module *operatorv1.Module) string {
	return dest.Name + "-" + module.Name
}
