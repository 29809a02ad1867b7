package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
)

const sampleHelmManifest = `
helm:
  chart:
    repo:
      url: https://charts.example.com
      name: postgresql
      version: "^12.0.0"
  namespace: "{{.config.env}}-db"
  values:
    - raw:
        auth:
          database: app
  cleanup:
    removeNamespace: true
  migration:
    persistentVolumeClaims: [data-postgresql-0]
config:
  - type: string
    name: Environment
    alias: env
    required: true
`

func TestParse_HelmDocument(t *testing.T) {
	doc, err := Parse([]byte(sampleHelmManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Kind() != "helm" {
		t.Fatalf("expected helm kind, got %q", doc.Kind())
	}
	if doc.Helm.Chart.Repo == nil || doc.Helm.Chart.Repo.Name != "postgresql" {
		t.Fatalf("unexpected chart source %+v", doc.Helm.Chart)
	}
	if len(doc.Config) != 1 || doc.Config[0].Alias != "env" {
		t.Fatalf("unexpected config schema %+v", doc.Config)
	}
}

func TestParse_TaggedUnion(t *testing.T) {
	// Neither variant.
	if _, err := Parse([]byte(`config: []`)); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument for empty union, got %v", err)
	}

	// Both variants.
	both := `
helm:
  chart:
    repo: {url: https://charts.example.com, name: x}
  namespace: default
custom:
  image: registry.example.com/mod:v1
`
	if _, err := Parse([]byte(both)); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument for double union, got %v", err)
	}
}

func TestParse_InvalidVersionConstraint(t *testing.T) {
	bad := `
helm:
  chart:
    repo: {url: https://charts.example.com, name: x, version: "not-a-version"}
  namespace: default
`
	if _, err := Parse([]byte(bad)); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument for bad constraint, got %v", err)
	}
}

func TestParse_CustomDocument(t *testing.T) {
	doc, err := Parse([]byte(`
custom:
  image: registry.example.com/redis-mod:v2
  imagePullSecrets: [regcred]
  permissions: workspace-kubeconfig
  port: 8080
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Kind() != "custom" {
		t.Fatalf("expected custom kind, got %q", doc.Kind())
	}
	if doc.Custom.Permissions != PermissionScopeWorkspaceKubeconfig {
		t.Fatalf("unexpected permissions %q", doc.Custom.Permissions)
	}
}

func TestFetcher_RawSource(t *testing.T) {
	module := &operatorv1.Module{
		ObjectMeta: metav1.ObjectMeta{Name: "m1", Namespace: "ns"},
		Spec: operatorv1.ModuleSpec{
			Source: operatorv1.ModuleSource{
				Raw: &apiextensionsv1.JSON{Raw: []byte(`{"custom":{"image":"img:v1"}}`)},
			},
		},
	}

	f := &Fetcher{}
	doc, err := f.Resolve(context.Background(), module)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if doc.Custom == nil || doc.Custom.Image != "img:v1" {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestFetcher_ConfigMapSource(t *testing.T) {
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "mod-manifest", Namespace: "ns"},
		Data:       map[string]string{"manifest": `{"custom":{"image":"img:v1"}}`},
	}
	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(cm).Build()

	module := &operatorv1.Module{
		ObjectMeta: metav1.ObjectMeta{Name: "m1", Namespace: "ns"},
		Spec: operatorv1.ModuleSpec{
			Source: operatorv1.ModuleSource{
				ConfigMap: &operatorv1.ConfigMapReference{Name: "mod-manifest"},
			},
		},
	}

	f := &Fetcher{Client: cl}
	doc, err := f.Resolve(context.Background(), module)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if doc.Custom == nil || doc.Custom.Image != "img:v1" {
		t.Fatalf("unexpected document %+v", doc)
	}

	// Missing ConfigMap is retryable, not terminal.
	module.Spec.Source.ConfigMap.Name = "nope"
	if _, err := f.Resolve(context.Background(), module); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestFetcher_HTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"custom":{"image":"img:v1"}}`))
	}))
	defer srv.Close()

	url := srv.URL
	module := &operatorv1.Module{
		ObjectMeta: metav1.ObjectMeta{Name: "m1", Namespace: "ns"},
		Spec: operatorv1.ModuleSpec{
			Source: operatorv1.ModuleSource{HTTPURL: &url},
		},
	}

	f := &Fetcher{HTTPClient: srv.Client()}
	doc, err := f.Resolve(context.Background(), module)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if doc.Custom == nil || doc.Custom.Image != "img:v1" {
		t.Fatalf("unexpected document %+v", doc)
	}
}
