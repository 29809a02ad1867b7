package connection

import (
	"context"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://cluster.local:6443
  name: ws
contexts:
- context:
    cluster: ws
    user: ws
  name: ws
current-context: ws
users:
- name: ws
  user:
    token: opaque
`

func newResolver(t *testing.T, objects ...client.Object) *Resolver {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatalf("build scheme: %v", err)
	}
	reader := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objects...).Build()
	return &Resolver{
		Reader: reader,
		Scheme: scheme,
		NewClient: func(cfg *rest.Config, _ client.Options) (client.Client, error) {
			return fake.NewClientBuilder().WithScheme(scheme).Build(), nil
		},
	}
}

func kubeconfigWorkspace(ref *operatorv1.WorkspaceConnectionSecretReference) *operatorv1.Workspace {
	return &operatorv1.Workspace{
		ObjectMeta: metav1.ObjectMeta{Name: "dev", Namespace: "default"},
		Spec: operatorv1.WorkspaceSpec{
			Connection: operatorv1.WorkspaceConnection{
				Type:            operatorv1.WorkspaceConnectionTypeKubeconfig,
				SecretReference: ref,
			},
		},
	}
}

func TestResolve_KubeconfigSecret(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-kubeconfig", Namespace: "default"},
		Data:       map[string][]byte{"kubeconfig": []byte(testKubeconfig)},
	}
	r := newResolver(t, secret)

	target, err := r.Resolve(context.Background(), kubeconfigWorkspace(&operatorv1.WorkspaceConnectionSecretReference{
		Name: "dev-kubeconfig",
	}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Client == nil {
		t.Fatal("expected a target client")
	}
	if string(target.Kubeconfig) != testKubeconfig {
		t.Fatal("raw kubeconfig not carried on the target")
	}
}

func TestResolve_MissingSecretIsRetryable(t *testing.T) {
	r := newResolver(t)

	_, err := r.Resolve(context.Background(), kubeconfigWorkspace(&operatorv1.WorkspaceConnectionSecretReference{
		Name: "absent",
	}))
	if !errors.Is(err, ErrCredentialResolution) {
		t.Fatalf("expected ErrCredentialResolution, got %v", err)
	}
}

func TestResolve_MissingSecretKey(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "dev-kubeconfig", Namespace: "default"},
		Data:       map[string][]byte{"other": []byte("x")},
	}
	r := newResolver(t, secret)

	_, err := r.Resolve(context.Background(), kubeconfigWorkspace(&operatorv1.WorkspaceConnectionSecretReference{
		Name: "dev-kubeconfig",
	}))
	if !errors.Is(err, ErrCredentialResolution) {
		t.Fatalf("expected ErrCredentialResolution, got %v", err)
	}
}

func TestResolve_KubeconfigWithoutReference(t *testing.T) {
	r := newResolver(t)

	_, err := r.Resolve(context.Background(), kubeconfigWorkspace(nil))
	if !errors.Is(err, ErrCredentialResolution) {
		t.Fatalf("expected ErrCredentialResolution, got %v", err)
	}
}

func TestResolve_InCluster(t *testing.T) {
	r := newResolver(t)
	r.InClusterConfig = func() (*rest.Config, error) {
		return &rest.Config{Host: "https://kubernetes.default.svc"}, nil
	}

	workspace := &operatorv1.Workspace{
		ObjectMeta: metav1.ObjectMeta{Name: "dev", Namespace: "default"},
		Spec: operatorv1.WorkspaceSpec{
			Connection: operatorv1.WorkspaceConnection{Type: operatorv1.WorkspaceConnectionTypeInCluster},
		},
	}
	target, err := r.Resolve(context.Background(), workspace)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Kubeconfig != nil {
		t.Fatal("in-cluster connection should not carry a kubeconfig")
	}
}
