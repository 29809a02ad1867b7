package fork

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/forkspacer/forkspacer/internal/manifest"
)

// ErrMigrationUnsupported marks artifact kinds no copier can move. The
// declaration names them, so the failure is reported instead of silently
// skipping data.
var ErrMigrationUnsupported = errors.New("artifact kind does not support data migration")

// ArtifactCopier moves one module's declared migration artifacts from the
// source workspace's cluster to the destination's, within one namespace.
type ArtifactCopier interface {
	Copy(ctx context.Context, spec manifest.MigrationSpec, source, dest client.Client, namespace string) error
}

// SecretConfigMapCopier copies declared Secrets and ConfigMaps verbatim.
// PersistentVolumeClaims carry volume data that cannot be moved through the
// API server, so declaring them fails the migration.
type SecretConfigMapCopier struct{}

func (SecretConfigMapCopier) Copy(
	ctx context.Context,
	spec manifest.MigrationSpec,
	source, dest client.Client,
	namespace string,
) error {
	if len(spec.PersistentVolumeClaims) > 0 {
		return fmt.Errorf("%w: persistent volume claims %v", ErrMigrationUnsupported, spec.PersistentVolumeClaims)
	}
	if len(spec.Secrets) == 0 && len(spec.ConfigMaps) == 0 {
		return nil
	}

	if err := ensureNamespace(ctx, dest, namespace); err != nil {
		return err
	}

	for _, name := range spec.Secrets {
		var src corev1.Secret
		if err := source.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &src); err != nil {
			return fmt.Errorf("read secret %s/%s: %w", namespace, name, err)
		}
		out := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
		_, err := controllerutil.CreateOrUpdate(ctx, dest, out, func() error {
			out.Labels = src.Labels
			out.Type = src.Type
			out.Data = src.Data
			return nil
		})
		if err != nil {
			return fmt.Errorf("copy secret %s/%s: %w", namespace, name, err)
		}
	}

	for _, name := range spec.ConfigMaps {
		var src corev1.ConfigMap
		if err := source.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &src); err != nil {
			return fmt.Errorf("read configmap %s/%s: %w", namespace, name, err)
		}
		out := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
		_, err := controllerutil.CreateOrUpdate(ctx, dest, out, func() error {
			out.Labels = src.Labels
			out.Data = src.Data
			out.BinaryData = src.BinaryData
			return nil
		})
		if err != nil {
			return fmt.Errorf("copy configmap %s/%s: %w", namespace, name, err)
		}
	}
	return nil
}

func ensureNamespace(ctx context.Context, cl client.Client, name string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if err := cl.Create(ctx, ns); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("ensure namespace %s: %w", name, err)
	}
	return nil
}
