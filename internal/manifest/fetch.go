package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
)

const (
	defaultManifestKey = "manifest"

	// maxDocumentSize caps HTTP-fetched manifests.
	maxDocumentSize = 1 << 20
)

// Fetcher resolves a Module's declared source into manifest bytes.
type Fetcher struct {
	// Client reads ConfigMap sources from the operator's own cluster.
	Client client.Client

	// HTTPClient fetches URL sources. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Resolve fetches and parses the module's manifest document.
func (f *Fetcher) Resolve(ctx context.Context, module *operatorv1.Module) (*Document, error) {
	data, err := f.fetch(ctx, module)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (f *Fetcher) fetch(ctx context.Context, module *operatorv1.Module) ([]byte, error) {
	src := module.Spec.Source
	switch {
	case src.Raw != nil:
		return src.Raw.Raw, nil
	case src.ConfigMap != nil:
		return f.fetchConfigMap(ctx, module, src.ConfigMap)
	case src.HTTPURL != nil:
		return f.fetchURL(ctx, *src.HTTPURL)
	default:
		return nil, fmt.Errorf("%w: module source declares no variant", ErrInvalidDocument)
	}
}

func (f *Fetcher) fetchConfigMap(ctx context.Context, module *operatorv1.Module, ref *operatorv1.ConfigMapReference) ([]byte, error) {
	namespace := ref.Namespace
	if namespace == "" {
		namespace = module.Namespace
	}
	key := ref.Key
	if key == "" {
		key = defaultManifestKey
	}

	var cm corev1.ConfigMap
	if err := f.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: ref.Name}, &cm); err != nil {
		return nil, fmt.Errorf("%w: configmap %s/%s: %v", ErrSourceUnavailable, namespace, ref.Name, err)
	}
	raw, ok := cm.Data[key]
	if !ok {
		if bin, okBin := cm.BinaryData[key]; okBin {
			return bin, nil
		}
		return nil, fmt.Errorf("%w: configmap %s/%s has no key %q", ErrSourceUnavailable, namespace, ref.Name, key)
	}
	return []byte(raw), nil
}

func (f *Fetcher) fetchURL(ctx context.Context, url string) ([]byte, error) {
	httpClient := f.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrSourceUnavailable, url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSourceUnavailable, url, err)
	}
	return data, nil
}
