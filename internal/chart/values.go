package chart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/forkspacer/forkspacer/internal/manifest"
)

const maxValuesSize = 1 << 20

// ValuesResolver materializes a helm spec's values sources and merges them
// in declared order, later sources overriding earlier ones key by key.
type ValuesResolver struct {
	// Client reads ConfigMap values sources from the operator's cluster.
	Client client.Client

	// HTTPClient fetches fileURL sources. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Resolve fetches every source and returns the merged values map.
func (r *ValuesResolver) Resolve(ctx context.Context, defaultNamespace string, sources []manifest.ValuesSource) (map[string]any, error) {
	merged := map[string]any{}
	for i, src := range sources {
		values, err := r.resolveOne(ctx, defaultNamespace, src)
		if err != nil {
			return nil, fmt.Errorf("values[%d]: %w", i, err)
		}
		merged = mergeMaps(merged, values)
	}
	return merged, nil
}

func (r *ValuesResolver) resolveOne(ctx context.Context, defaultNamespace string, src manifest.ValuesSource) (map[string]any, error) {
	switch {
	case src.Raw != nil:
		var values map[string]any
		if err := json.Unmarshal(src.Raw.Raw, &values); err != nil {
			return nil, fmt.Errorf("decode raw values: %w", err)
		}
		return values, nil

	case src.FileURL != nil:
		return r.fetchFileURL(ctx, *src.FileURL)

	case src.ConfigMap != nil:
		return r.fetchConfigMap(ctx, defaultNamespace, src.ConfigMap)

	default:
		return nil, fmt.Errorf("values source declares no variant")
	}
}

func (r *ValuesResolver) fetchFileURL(ctx context.Context, url string) (map[string]any, error) {
	httpClient := r.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxValuesSize))
	if err != nil {
		return nil, err
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode values from %s: %w", url, err)
	}
	return values, nil
}

func (r *ValuesResolver) fetchConfigMap(ctx context.Context, defaultNamespace string, ref *manifest.ObjectKeyReference) (map[string]any, error) {
	namespace := ref.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	key := ref.Key
	if key == "" {
		key = "values"
	}

	var cm corev1.ConfigMap
	if err := r.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: ref.Name}, &cm); err != nil {
		return nil, err
	}
	raw, ok := cm.Data[key]
	if !ok {
		return nil, fmt.Errorf("configmap %s/%s has no key %q", namespace, ref.Name, key)
	}
	var values map[string]any
	if err := yaml.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode values from configmap %s/%s: %w", namespace, ref.Name, err)
	}
	return values, nil
}

// mergeMaps deep-merges src into dst. Nested maps merge recursively; any
// other colliding value is replaced by src's.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, srcVal := range src {
		if dstMap, ok := dst[key].(map[string]any); ok {
			if srcMap, ok := srcVal.(map[string]any); ok {
				dst[key] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
	return dst
}
