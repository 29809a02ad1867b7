package chart

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/forkspacer/forkspacer/internal/manifest"
)

// ExecDriver drives chart operations through the helm binary. Repository
// sources use `helm pull`, git sources a shallow clone, configmap sources
// the archive stored under the referenced key.
type ExecDriver struct {
	// Client reads configmap chart sources from the operator's cluster.
	Client client.Client

	// HelmBin defaults to "helm", GitBin to "git".
	HelmBin string
	GitBin  string

	// WorkDir is where fetched charts land. Defaults to the OS temp dir.
	WorkDir string

	// DefaultNamespace resolves configmap sources without a namespace.
	DefaultNamespace string
}

func (d *ExecDriver) helm() string {
	if d.HelmBin != "" {
		return d.HelmBin
	}
	return "helm"
}

func (d *ExecDriver) git() string {
	if d.GitBin != "" {
		return d.GitBin
	}
	return "git"
}

func (d *ExecDriver) workDir() string {
	if d.WorkDir != "" {
		return d.WorkDir
	}
	return os.TempDir()
}

func (d *ExecDriver) Fetch(ctx context.Context, source manifest.ChartSource) (string, error) {
	switch {
	case source.Repo != nil:
		return d.fetchRepo(ctx, source.Repo)
	case source.Git != nil:
		return d.fetchGit(ctx, source.Git)
	case source.ConfigMap != nil:
		return d.fetchConfigMap(ctx, source.ConfigMap)
	default:
		return "", fmt.Errorf("chart source declares no variant")
	}
}

func (d *ExecDriver) fetchRepo(ctx context.Context, src *manifest.RepoChartSource) (string, error) {
	dest, err := os.MkdirTemp(d.workDir(), "chart-")
	if err != nil {
		return "", err
	}

	args := []string{"pull", src.Name, "--repo", src.URL, "--destination", dest}
	if src.Version != "" {
		// helm resolves semver constraints itself.
		args = append(args, "--version", src.Version)
	}
	if err := d.run(ctx, d.helm(), args...); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tgz") {
			return filepath.Join(dest, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("helm pull produced no chart archive in %s", dest)
}

func (d *ExecDriver) fetchGit(ctx context.Context, src *manifest.GitChartSource) (string, error) {
	dest, err := os.MkdirTemp(d.workDir(), "chart-git-")
	if err != nil {
		return "", err
	}

	args := []string{"clone", "--depth", "1"}
	if src.Revision != "" {
		args = append(args, "--branch", src.Revision)
	}
	args = append(args, src.Repo, dest)
	if err := d.run(ctx, d.git(), args...); err != nil {
		return "", err
	}
	return filepath.Join(dest, src.Path), nil
}

func (d *ExecDriver) fetchConfigMap(ctx context.Context, ref *manifest.ObjectKeyReference) (string, error) {
	namespace := ref.Namespace
	if namespace == "" {
		namespace = d.DefaultNamespace
	}
	key := ref.Key
	if key == "" {
		key = "chart"
	}

	var cm corev1.ConfigMap
	if err := d.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: ref.Name}, &cm); err != nil {
		return "", fmt.Errorf("configmap chart source %s/%s: %w", namespace, ref.Name, err)
	}

	data, ok := cm.BinaryData[key]
	if !ok {
		if s, okStr := cm.Data[key]; okStr {
			data = []byte(s)
		} else {
			return "", fmt.Errorf("configmap %s/%s has no key %q", namespace, ref.Name, key)
		}
	}

	file, err := os.CreateTemp(d.workDir(), "chart-*.tgz")
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return "", err
	}
	return file.Name(), nil
}

func (d *ExecDriver) InstallOrUpgrade(ctx context.Context, release, namespace, chartRef string, values map[string]any) error {
	valuesFile, err := os.CreateTemp(d.workDir(), "values-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(valuesFile.Name())

	encoded, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode values: %w", err)
	}
	if _, err := valuesFile.Write(encoded); err != nil {
		valuesFile.Close()
		return err
	}
	if err := valuesFile.Close(); err != nil {
		return err
	}

	// upgrade --install is the idempotent converge: safe to repeat after a
	// crash or requeue.
	return d.run(ctx, d.helm(),
		"upgrade", "--install", release, chartRef,
		"--namespace", namespace,
		"--create-namespace",
		"--values", valuesFile.Name(),
	)
}

func (d *ExecDriver) Uninstall(ctx context.Context, release, namespace string) error {
	return d.run(ctx, d.helm(),
		"uninstall", release,
		"--namespace", namespace,
		"--ignore-not-found",
	)
}

func (d *ExecDriver) run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("%s %s: %w: %s", bin, args[0], err, detail)
		}
		return fmt.Errorf("%s %s: %w", bin, args[0], err)
	}
	return nil
}
