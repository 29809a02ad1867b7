package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/forkspacer/forkspacer/internal/manifest"
)

const (
	defaultCustomPort = 8080

	labelManagedBy = "app.kubernetes.io/managed-by"
	labelModule    = "operator.forkspacer.io/module"
	managerName    = "forkspacer"

	kubeconfigMountPath = "/var/run/forkspacer"
)

// CustomBackend runs a module's own lifecycle container on the target
// cluster and drives it over HTTP. Install materializes the Deployment and
// Service first, then calls the container; Uninstall calls the container
// and tears the workload down.
type CustomBackend struct {
	// Target operates on the workspace's target cluster.
	Target client.Client

	HTTPClient *http.Client

	// Spec is the rendered custom spec.
	Spec *manifest.CustomSpec

	// ModuleName and Namespace identify the owning module and pick where
	// the lifecycle workload lives.
	ModuleName string
	Namespace  string

	// Config is the validated config map sent as the request body.
	Config map[string]any

	// Kubeconfig is mounted into the container when the spec requests
	// workspace-kubeconfig permissions.
	Kubeconfig []byte

	// BaseURL overrides the service DNS address, for tests.
	BaseURL string
}

func (b *CustomBackend) Install(ctx context.Context) error {
	if err := b.ensureWorkload(ctx); err != nil {
		return err
	}
	return b.post(ctx, "/install")
}

func (b *CustomBackend) Uninstall(ctx context.Context) error {
	// A missing workload means install never ran or teardown already
	// happened; skip the lifecycle call and finish resource deletion.
	var dep appsv1.Deployment
	err := b.Target.Get(ctx, client.ObjectKey{Namespace: b.Namespace, Name: b.workloadName()}, &dep)
	switch {
	case apierrors.IsNotFound(err):
	case err != nil:
		return fmt.Errorf("%w: get lifecycle workload: %v", ErrBackendUnavailable, err)
	default:
		if err := b.post(ctx, "/uninstall"); err != nil {
			return err
		}
	}
	return b.deleteWorkload(ctx)
}

func (b *CustomBackend) Sleep(ctx context.Context) error {
	return b.post(ctx, "/sleep")
}

func (b *CustomBackend) Resume(ctx context.Context) error {
	return b.post(ctx, "/resume")
}

func (b *CustomBackend) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL()+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := b.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: health check: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (b *CustomBackend) workloadName() string {
	return b.ModuleName + "-backend"
}

func (b *CustomBackend) labels() map[string]string {
	return map[string]string{
		labelManagedBy: managerName,
		labelModule:    b.ModuleName,
	}
}

func (b *CustomBackend) port() int32 {
	if b.Spec.Port != 0 {
		return b.Spec.Port
	}
	return defaultCustomPort
}

func (b *CustomBackend) baseURL() string {
	if b.BaseURL != "" {
		return b.BaseURL
	}
	return fmt.Sprintf("http://%s.%s.svc:%d", b.workloadName(), b.Namespace, b.port())
}

func (b *CustomBackend) httpClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

// post sends the validated config to a lifecycle endpoint. Any 2xx response
// is success; anything else surfaces the response body as the failure
// detail.
func (b *CustomBackend) post(ctx context.Context, path string) error {
	body, err := json.Marshal(map[string]any{"config": b.Config})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%w: %s returned %d: %s", ErrBackendOperationFailed, path, resp.StatusCode, bytes.TrimSpace(detail))
}

func (b *CustomBackend) ensureWorkload(ctx context.Context) error {
	if b.Spec.Permissions == manifest.PermissionScopeWorkspaceKubeconfig {
		if err := b.ensureKubeconfigSecret(ctx); err != nil {
			return err
		}
	}
	if err := b.ensureDeployment(ctx); err != nil {
		return err
	}
	return b.ensureService(ctx)
}

func (b *CustomBackend) ensureKubeconfigSecret(ctx context.Context) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: b.workloadName() + "-kubeconfig", Namespace: b.Namespace},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, b.Target, secret, func() error {
		secret.Labels = b.labels()
		secret.Data = map[string][]byte{"kubeconfig": b.Kubeconfig}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: ensure kubeconfig secret: %v", ErrBackendOperationFailed, err)
	}
	return nil
}

func (b *CustomBackend) ensureDeployment(ctx context.Context) error {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: b.workloadName(), Namespace: b.Namespace},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, b.Target, dep, func() error {
		replicas := int32(1)
		dep.Labels = b.labels()
		dep.Spec.Replicas = &replicas
		dep.Spec.Selector = &metav1.LabelSelector{MatchLabels: b.labels()}
		dep.Spec.Template.Labels = b.labels()

		container := corev1.Container{
			Name:  "backend",
			Image: b.Spec.Image,
			Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: b.port()}},
		}
		if b.Spec.Permissions == manifest.PermissionScopeWorkspaceKubeconfig {
			container.Env = append(container.Env, corev1.EnvVar{
				Name:  "KUBECONFIG",
				Value: kubeconfigMountPath + "/kubeconfig",
			})
			container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
				Name:      "kubeconfig",
				MountPath: kubeconfigMountPath,
				ReadOnly:  true,
			})
			dep.Spec.Template.Spec.Volumes = []corev1.Volume{{
				Name: "kubeconfig",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{SecretName: b.workloadName() + "-kubeconfig"},
				},
			}}
		} else {
			dep.Spec.Template.Spec.Volumes = nil
		}
		dep.Spec.Template.Spec.Containers = []corev1.Container{container}

		dep.Spec.Template.Spec.ImagePullSecrets = nil
		for _, name := range b.Spec.ImagePullSecrets {
			dep.Spec.Template.Spec.ImagePullSecrets = append(dep.Spec.Template.Spec.ImagePullSecrets,
				corev1.LocalObjectReference{Name: name})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: ensure lifecycle deployment: %v", ErrBackendOperationFailed, err)
	}
	return nil
}

func (b *CustomBackend) ensureService(ctx context.Context) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: b.workloadName(), Namespace: b.Namespace},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, b.Target, svc, func() error {
		svc.Labels = b.labels()
		svc.Spec.Selector = b.labels()
		svc.Spec.Ports = []corev1.ServicePort{{
			Name:       "http",
			Port:       b.port(),
			TargetPort: intstr.FromInt32(b.port()),
		}}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: ensure lifecycle service: %v", ErrBackendOperationFailed, err)
	}
	return nil
}

func (b *CustomBackend) deleteWorkload(ctx context.Context) error {
	objects := []client.Object{
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: b.workloadName(), Namespace: b.Namespace}},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: b.workloadName(), Namespace: b.Namespace}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: b.workloadName() + "-kubeconfig", Namespace: b.Namespace}},
	}
	for _, obj := range objects {
		if err := b.Target.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: delete lifecycle workload: %v", ErrBackendOperationFailed, err)
		}
	}
	return nil
}
