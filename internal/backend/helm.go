package backend

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/forkspacer/forkspacer/internal/chart"
	"github.com/forkspacer/forkspacer/internal/manifest"
)

const (
	annHelmReleaseName = "meta.helm.sh/release-name"

	// labelHelmInstance marks chart resources created indirectly (e.g. PVCs
	// from volumeClaimTemplates) that never get the release annotation.
	labelHelmInstance = "app.kubernetes.io/instance"

	kindDeployment  = "Deployment"
	kindStatefulSet = "StatefulSet"
)

// Release identifies the effective helm release a module drives. For
// adopted releases the name/namespace come from the adoption reference and
// Adopted suppresses install/uninstall.
type Release struct {
	Name      string
	Namespace string
	Adopted   bool
}

// HelmBackend converges a chart release declaratively and implements
// hibernation by scaling the release's workloads to zero while recording
// prior replica counts in the state store.
type HelmBackend struct {
	// Target operates on the workspace's target cluster.
	Target client.Client

	Driver chart.Driver

	// Spec is the rendered helm spec.
	Spec *manifest.HelmSpec

	Release Release

	// Values are the resolved, merged chart values.
	Values map[string]any

	State ReplicaStateStore
}

func (b *HelmBackend) Install(ctx context.Context) error {
	if b.Release.Adopted {
		// Adoption tracks an existing release; nothing to install.
		return nil
	}

	chartRef, err := b.Driver.Fetch(ctx, b.Spec.Chart)
	if err != nil {
		return fmt.Errorf("%w: fetch chart: %v", ErrBackendUnavailable, err)
	}
	if err := b.Driver.InstallOrUpgrade(ctx, b.Release.Name, b.Release.Namespace, chartRef, b.Values); err != nil {
		return fmt.Errorf("%w: install release %q: %v", ErrBackendOperationFailed, b.Release.Name, err)
	}
	return nil
}

func (b *HelmBackend) Uninstall(ctx context.Context) error {
	if b.Release.Adopted {
		// Detach only: never uninstall a release this module did not install.
		return nil
	}

	if err := b.Driver.Uninstall(ctx, b.Release.Name, b.Release.Namespace); err != nil {
		return fmt.Errorf("%w: uninstall release %q: %v", ErrBackendOperationFailed, b.Release.Name, err)
	}

	if b.Spec.Cleanup.RemovePVCs {
		// Only claims governed by this release; the namespace may be shared.
		var pvcs corev1.PersistentVolumeClaimList
		if err := b.Target.List(ctx, &pvcs, client.InNamespace(b.Release.Namespace)); err != nil {
			return fmt.Errorf("%w: list pvcs: %v", ErrBackendOperationFailed, err)
		}
		for i := range pvcs.Items {
			pvc := &pvcs.Items[i]
			if pvc.Annotations[annHelmReleaseName] != b.Release.Name &&
				pvc.Labels[labelHelmInstance] != b.Release.Name {
				continue
			}
			if err := b.Target.Delete(ctx, pvc); err != nil && !apierrors.IsNotFound(err) {
				return fmt.Errorf("%w: remove pvc %s: %v", ErrBackendOperationFailed, pvc.Name, err)
			}
		}
	}
	if b.Spec.Cleanup.RemoveNamespace {
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: b.Release.Namespace}}
		if err := b.Target.Delete(ctx, ns); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: remove namespace: %v", ErrBackendOperationFailed, err)
		}
	}
	return nil
}

// Sleep scales every Deployment/StatefulSet governed by the release to
// zero. Prior replica counts are saved before any scaling happens so a
// crash mid-sleep never loses them; re-running merges instead of
// overwriting recorded counts with zeros.
func (b *HelmBackend) Sleep(ctx context.Context) error {
	deployments, statefulSets, err := b.listGoverned(ctx)
	if err != nil {
		return err
	}

	state, err := b.State.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load replica state: %v", ErrBackendOperationFailed, err)
	}
	if state == nil {
		state = map[string]int32{}
	}

	for i := range deployments {
		d := &deployments[i]
		if replicas := replicaCount(d.Spec.Replicas); replicas > 0 {
			state[stateKey(kindDeployment, d.Namespace, d.Name)] = replicas
		}
	}
	for i := range statefulSets {
		s := &statefulSets[i]
		if replicas := replicaCount(s.Spec.Replicas); replicas > 0 {
			state[stateKey(kindStatefulSet, s.Namespace, s.Name)] = replicas
		}
	}
	if err := b.State.Save(ctx, state); err != nil {
		return fmt.Errorf("%w: save replica state: %v", ErrBackendOperationFailed, err)
	}

	for i := range deployments {
		if err := b.scaleDeployment(ctx, &deployments[i], 0); err != nil {
			return err
		}
	}
	for i := range statefulSets {
		if err := b.scaleStatefulSet(ctx, &statefulSets[i], 0); err != nil {
			return err
		}
	}
	return nil
}

// Resume restores the recorded replica counts and clears the state store.
func (b *HelmBackend) Resume(ctx context.Context) error {
	state, err := b.State.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load replica state: %v", ErrBackendOperationFailed, err)
	}

	for key, replicas := range state {
		kind, namespace, name, ok := parseStateKey(key)
		if !ok {
			continue
		}
		switch kind {
		case kindDeployment:
			var d appsv1.Deployment
			if err := b.Target.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &d); err != nil {
				if apierrors.IsNotFound(err) {
					continue
				}
				return fmt.Errorf("%w: get deployment %s: %v", ErrBackendOperationFailed, name, err)
			}
			if err := b.scaleDeployment(ctx, &d, replicas); err != nil {
				return err
			}
		case kindStatefulSet:
			var s appsv1.StatefulSet
			if err := b.Target.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &s); err != nil {
				if apierrors.IsNotFound(err) {
					continue
				}
				return fmt.Errorf("%w: get statefulset %s: %v", ErrBackendOperationFailed, name, err)
			}
			if err := b.scaleStatefulSet(ctx, &s, replicas); err != nil {
				return err
			}
		}
	}

	if err := b.State.Clear(ctx); err != nil {
		return fmt.Errorf("%w: clear replica state: %v", ErrBackendOperationFailed, err)
	}
	return nil
}

func (b *HelmBackend) HealthCheck(ctx context.Context) (bool, error) {
	deployments, statefulSets, err := b.listGoverned(ctx)
	if err != nil {
		return false, err
	}
	for i := range deployments {
		d := &deployments[i]
		if d.Status.ReadyReplicas != replicaCount(d.Spec.Replicas) {
			return false, nil
		}
	}
	for i := range statefulSets {
		s := &statefulSets[i]
		if s.Status.ReadyReplicas != replicaCount(s.Spec.Replicas) {
			return false, nil
		}
	}
	return true, nil
}

// ResolveOutputs materializes the spec's output declarations: literals come
// from the rendered spec, secret outputs are read from the target cluster.
func (b *HelmBackend) ResolveOutputs(ctx context.Context) (map[string]string, error) {
	if len(b.Spec.Outputs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(b.Spec.Outputs))
	for _, decl := range b.Spec.Outputs {
		switch {
		case decl.Value != nil:
			out[decl.Name] = *decl.Value
		case decl.Secret != nil:
			namespace := decl.Secret.Namespace
			if namespace == "" {
				namespace = b.Release.Namespace
			}
			var secret corev1.Secret
			if err := b.Target.Get(ctx, types.NamespacedName{Namespace: namespace, Name: decl.Secret.Name}, &secret); err != nil {
				return nil, fmt.Errorf("%w: output %q: %v", ErrBackendOperationFailed, decl.Name, err)
			}
			out[decl.Name] = string(secret.Data[decl.Secret.Key])
		}
	}
	return out, nil
}

func (b *HelmBackend) listGoverned(ctx context.Context) ([]appsv1.Deployment, []appsv1.StatefulSet, error) {
	var deployments appsv1.DeploymentList
	if err := b.Target.List(ctx, &deployments, client.InNamespace(b.Release.Namespace)); err != nil {
		return nil, nil, fmt.Errorf("%w: list deployments: %v", ErrBackendOperationFailed, err)
	}
	var statefulSets appsv1.StatefulSetList
	if err := b.Target.List(ctx, &statefulSets, client.InNamespace(b.Release.Namespace)); err != nil {
		return nil, nil, fmt.Errorf("%w: list statefulsets: %v", ErrBackendOperationFailed, err)
	}

	governedDeployments := deployments.Items[:0]
	for _, d := range deployments.Items {
		if d.Annotations[annHelmReleaseName] == b.Release.Name {
			governedDeployments = append(governedDeployments, d)
		}
	}
	governedStatefulSets := statefulSets.Items[:0]
	for _, s := range statefulSets.Items {
		if s.Annotations[annHelmReleaseName] == b.Release.Name {
			governedStatefulSets = append(governedStatefulSets, s)
		}
	}
	return governedDeployments, governedStatefulSets, nil
}

func (b *HelmBackend) scaleDeployment(ctx context.Context, d *appsv1.Deployment, replicas int32) error {
	if replicaCount(d.Spec.Replicas) == replicas {
		return nil
	}
	before := d.DeepCopy()
	d.Spec.Replicas = &replicas
	if err := b.Target.Patch(ctx, d, client.MergeFrom(before)); err != nil {
		return fmt.Errorf("%w: scale deployment %s: %v", ErrBackendOperationFailed, d.Name, err)
	}
	return nil
}

func (b *HelmBackend) scaleStatefulSet(ctx context.Context, s *appsv1.StatefulSet, replicas int32) error {
	if replicaCount(s.Spec.Replicas) == replicas {
		return nil
	}
	before := s.DeepCopy()
	s.Spec.Replicas = &replicas
	if err := b.Target.Patch(ctx, s, client.MergeFrom(before)); err != nil {
		return fmt.Errorf("%w: scale statefulset %s: %v", ErrBackendOperationFailed, s.Name, err)
	}
	return nil
}

func replicaCount(replicas *int32) int32 {
	if replicas == nil {
		// Absent means one, per the apps/v1 default.
		return 1
	}
	return *replicas
}

func stateKey(kind, namespace, name string) string {
	return kind + "/" + namespace + "/" + name
}

func parseStateKey(key string) (kind, namespace, name string, ok bool) {
	first := -1
	second := -1
	for i, c := range key {
		if c != '/' {
			continue
		}
		if first < 0 {
			first = i
		} else {
			second = i
			break
		}
	}
	if first < 0 || second < 0 {
		return "", "", "", false
	}
	return key[:first], key[first+1 : second], key[second+1:], true
}
