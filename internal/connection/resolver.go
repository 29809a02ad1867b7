// Package connection resolves a Workspace's connection declaration into a
// client for its target cluster.
package connection

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
)

// ErrCredentialResolution covers missing secrets, bad kubeconfig payloads
// and unreachable configuration. Retryable: the secret may appear later.
var ErrCredentialResolution = errors.New("workspace credential resolution failed")

const defaultKubeconfigKey = "kubeconfig"

// Target is an established connection to a workspace's cluster.
type Target struct {
	Client client.Client

	// Kubeconfig holds the raw kubeconfig bytes for connections that carry
	// one. Empty for in-cluster and local connections.
	Kubeconfig []byte
}

// Resolver builds target clients from workspace connection declarations.
// The function fields default to the real implementations and exist for
// tests.
type Resolver struct {
	// Reader fetches kubeconfig secrets from the operator's cluster.
	Reader client.Reader

	// Scheme is used for the target clients.
	Scheme *runtime.Scheme

	InClusterConfig func() (*rest.Config, error)
	LocalConfig     func() (*rest.Config, error)
	NewClient       func(*rest.Config, client.Options) (client.Client, error)
}

func (r *Resolver) Resolve(ctx context.Context, workspace *operatorv1.Workspace) (*Target, error) {
	switch workspace.Spec.Connection.Type {
	case operatorv1.WorkspaceConnectionTypeInCluster, "":
		cfg, err := r.inClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("%w: in-cluster config: %v", ErrCredentialResolution, err)
		}
		return r.target(cfg, nil)

	case operatorv1.WorkspaceConnectionTypeLocal:
		cfg, err := r.localConfig()
		if err != nil {
			return nil, fmt.Errorf("%w: local config: %v", ErrCredentialResolution, err)
		}
		return r.target(cfg, nil)

	case operatorv1.WorkspaceConnectionTypeKubeconfig:
		ref := workspace.Spec.Connection.SecretReference
		if ref == nil {
			return nil, fmt.Errorf("%w: kubeconfig connection without secret reference", ErrCredentialResolution)
		}
		raw, err := r.kubeconfigFromSecret(ctx, workspace, ref)
		if err != nil {
			return nil, err
		}
		cfg, err := clientcmd.RESTConfigFromKubeConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parse kubeconfig: %v", ErrCredentialResolution, err)
		}
		return r.target(cfg, raw)

	default:
		return nil, fmt.Errorf("%w: unknown connection type %q", ErrCredentialResolution, workspace.Spec.Connection.Type)
	}
}

func (r *Resolver) kubeconfigFromSecret(
	ctx context.Context,
	workspace *operatorv1.Workspace,
	ref *operatorv1.WorkspaceConnectionSecretReference,
) ([]byte, error) {
	namespace := ref.Namespace
	if namespace == "" {
		namespace = workspace.Namespace
	}
	key := ref.Key
	if key == "" {
		key = defaultKubeconfigKey
	}

	var secret corev1.Secret
	if err := r.Reader.Get(ctx, types.NamespacedName{Namespace: namespace, Name: ref.Name}, &secret); err != nil {
		return nil, fmt.Errorf("%w: secret %s/%s: %v", ErrCredentialResolution, namespace, ref.Name, err)
	}
	raw, ok := secret.Data[key]
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: secret %s/%s has no key %q", ErrCredentialResolution, namespace, ref.Name, key)
	}
	return raw, nil
}

func (r *Resolver) target(cfg *rest.Config, kubeconfig []byte) (*Target, error) {
	newClient := r.NewClient
	if newClient == nil {
		newClient = client.New
	}
	cl, err := newClient(cfg, client.Options{Scheme: r.Scheme})
	if err != nil {
		return nil, fmt.Errorf("%w: build target client: %v", ErrCredentialResolution, err)
	}
	return &Target{Client: cl, Kubeconfig: kubeconfig}, nil
}

func (r *Resolver) inClusterConfig() (*rest.Config, error) {
	if r.InClusterConfig != nil {
		return r.InClusterConfig()
	}
	return rest.InClusterConfig()
}

func (r *Resolver) localConfig() (*rest.Config, error) {
	if r.LocalConfig != nil {
		return r.LocalConfig()
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}
