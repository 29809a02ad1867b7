package controllers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
	"github.com/forkspacer/forkspacer/internal/backend"
	"github.com/forkspacer/forkspacer/internal/connection"
	"github.com/forkspacer/forkspacer/internal/manifest"
	"github.com/forkspacer/forkspacer/internal/template"
)

const (
	moduleControllerName = "Module"

	idxModuleWorkspace = ".spec.workspace"

	defaultRequeueInterval = 30 * time.Second
	defaultMaxRetries      = 5

	releaseNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	releaseSuffixLength = 11
)

// ErrWorkspaceNotFound marks a module whose workspace reference has no
// referent yet. Retryable: the workspace may appear later.
var ErrWorkspaceNotFound = errors.New("referenced workspace not found")

// ConnectionResolver yields access to a workspace's target cluster.
type ConnectionResolver interface {
	Resolve(ctx context.Context, workspace *operatorv1.Workspace) (*connection.Target, error)
}

// BackendBuilder assembles the installation backend for one reconcile pass.
type BackendBuilder interface {
	Build(ctx context.Context, req backend.BuildRequest) (backend.Backend, error)
}

// ModuleReconciler drives a Module through
// installing → ready ⇄ sleeping ⇄ sleeped ⇄ resuming, with finalizer-guarded
// uninstall on deletion.
type ModuleReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	Fetcher     *manifest.Fetcher
	Connections ConnectionResolver
	Backends    BackendBuilder

	// MaxRetries caps install attempts per generation before the module is
	// marked failed. Zero means the default.
	MaxRetries int32

	RequeueInterval time.Duration
}

// +kubebuilder:rbac:groups=operator.forkspacer.io,resources=modules,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=operator.forkspacer.io,resources=modules/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=operator.forkspacer.io,resources=modules/finalizers,verbs=update
// +kubebuilder:rbac:groups=operator.forkspacer.io,resources=workspaces,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=secrets;configmaps;namespaces,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=apps,resources=deployments;statefulsets,verbs=get;list;watch;create;update;patch;delete

func (r *ModuleReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("controller", moduleControllerName, "module", req.NamespacedName)
	ctx = log.IntoContext(ctx, logger)
	forkspacerControllerReconcileTotal.WithLabelValues(moduleControllerName).Inc()

	var module operatorv1.Module
	if err := r.Get(ctx, req.NamespacedName, &module); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if !module.DeletionTimestamp.IsZero() {
		result, err := r.reconcileDelete(ctx, &module)
		if err != nil {
			forkspacerControllerReconcileErrorTotal.WithLabelValues(moduleControllerName).Inc()
		}
		return result, err
	}

	if controllerutil.AddFinalizer(&module, operatorv1.ModuleFinalizer) {
		if err := r.Update(ctx, &module); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{Requeue: true}, nil
	}

	before := module.DeepCopy()
	result, reconcileErr := r.reconcileNormal(ctx, &module)

	// Status is persisted every pass so lastActivity stays fresh even when
	// no transition happened.
	now := metav1.Now()
	module.Status.LastActivity = &now
	if err := r.Status().Patch(ctx, &module, client.MergeFrom(before)); err != nil {
		logger.Error(err, "unable to patch module status")
		if reconcileErr == nil {
			reconcileErr = err
		}
	}
	if reconcileErr != nil {
		forkspacerControllerReconcileErrorTotal.WithLabelValues(moduleControllerName).Inc()
	}
	return result, reconcileErr
}

func (r *ModuleReconciler) reconcileNormal(ctx context.Context, module *operatorv1.Module) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	workspace, err := r.workspaceFor(ctx, module)
	if err != nil {
		if errors.Is(err, ErrWorkspaceNotFound) {
			setModuleCondition(module, degraded("WorkspaceNotFound", err.Error()))
			module.Status.Message = ptrTo(err.Error())
			r.recordEventf(module, "Warning", "WorkspaceNotFound", "%v", err)
			return ctrl.Result{RequeueAfter: r.requeueInterval()}, nil
		}
		return ctrl.Result{}, err
	}

	if !workspaceAvailable(workspace) {
		msg := fmt.Sprintf("workspace %s/%s is not ready (phase %q)", workspace.Namespace, workspace.Name, workspace.Status.Phase)
		setModuleCondition(module, degraded("WorkspaceNotReady", msg))
		module.Status.Message = ptrTo(msg)
		return ctrl.Result{RequeueAfter: r.requeueInterval()}, nil
	}

	doc, cfg, err := resolveDocument(ctx, r.Fetcher, module)
	if err != nil {
		return r.failOrRetry(ctx, module, "ResolveDocument", err)
	}
	module.Status.Source = operatorv1.ModuleSourceKind(doc.Kind())

	target, err := r.Connections.Resolve(ctx, workspace)
	if err != nil {
		setModuleCondition(module, degraded("CredentialResolution", err.Error()))
		module.Status.Message = ptrTo(err.Error())
		return ctrl.Result{}, err
	}

	release, err := r.effectiveRelease(ctx, module, doc)
	if err != nil {
		return ctrl.Result{}, err
	}

	rendered, err := doc.Render(template.Context{Config: cfg, ReleaseName: release.Name})
	if err != nil {
		return r.failOrRetry(ctx, module, "RenderSpec", err)
	}
	if rendered.Helm != nil && !release.Adopted {
		release.Namespace = rendered.Helm.Namespace
	}

	b, err := r.Backends.Build(ctx, backend.BuildRequest{
		Module:     module,
		Target:     target.Client,
		Document:   rendered,
		Config:     cfg,
		Release:    release,
		Kubeconfig: target.Kubeconfig,
	})
	if err != nil {
		return r.failOrRetry(ctx, module, "BuildBackend", err)
	}

	// Hibernation is cascaded from the owning workspace; the most
	// restrictive signal wins over the module's own flag.
	desired := module.Spec.Hibernated ||
		workspace.Spec.Hibernated ||
		workspace.Status.Phase == operatorv1.WorkspacePhaseHibernated

	// Waking happens before any install so a spec change deferred during
	// hibernation lands against restored workloads.
	if !desired && (module.Status.Phase == operatorv1.ModulePhaseSleeped || module.Status.Phase == operatorv1.ModulePhaseResuming) {
		module.Status.Phase = operatorv1.ModulePhaseResuming
		if err := b.Resume(ctx); err != nil {
			setModuleCondition(module, degraded("ResumeFailed", err.Error()))
			return ctrl.Result{}, err
		}
		module.Status.Phase = operatorv1.ModulePhaseReady
		setModuleCondition(module, available(metav1.ConditionTrue, "Resumed", "module is running"))
		setModuleCondition(module, notDegraded("Resumed"))
		r.recordEventf(module, "Normal", "Resumed", "Module restored")
		logger.Info("module resumed")
	}

	if module.Status.ObservedGeneration != module.Generation {
		if desired && module.Status.Phase == operatorv1.ModulePhaseSleeped {
			// Installing now would wake the workloads only to re-sleep them;
			// the pending spec change lands when the module resumes.
			setModuleCondition(module, progressing(metav1.ConditionTrue, "InstallDeferred", "spec change deferred until the module resumes"))
		} else if result, err := r.install(ctx, module, b); err != nil || result != nil {
			if result != nil {
				return *result, err
			}
			return ctrl.Result{}, err
		}
	}

	if desired && (module.Status.Phase == operatorv1.ModulePhaseReady || module.Status.Phase == operatorv1.ModulePhaseSleeping) {
		module.Status.Phase = operatorv1.ModulePhaseSleeping
		if err := b.Sleep(ctx); err != nil {
			setModuleCondition(module, degraded("SleepFailed", err.Error()))
			return ctrl.Result{}, err
		}
		module.Status.Phase = operatorv1.ModulePhaseSleeped
		setModuleCondition(module, available(metav1.ConditionFalse, "Hibernated", "module is sleeping"))
		setModuleCondition(module, notDegraded("Hibernated"))
		r.recordEventf(module, "Normal", "Hibernated", "Module scaled down")
		logger.Info("module hibernated")
	}

	return ctrl.Result{RequeueAfter: r.requeueInterval()}, nil
}

// install runs the backend install with the per-generation retry ceiling.
// A nil result with nil error means installation succeeded this pass.
func (r *ModuleReconciler) install(ctx context.Context, module *operatorv1.Module, b backend.Backend) (*ctrl.Result, error) {
	logger := log.FromContext(ctx)

	module.Status.Phase = operatorv1.ModulePhaseInstalling
	setModuleCondition(module, progressing(metav1.ConditionTrue, "Installing", "backend install in progress"))

	start := time.Now()
	if err := b.Install(ctx); err != nil {
		moduleInstallTotal.WithLabelValues("error").Inc()
		module.Status.Retries++
		if module.Status.Retries >= r.maxRetries() {
			module.Status.Phase = operatorv1.ModulePhaseFailed
			module.Status.Message = ptrTo(err.Error())
			// Pin the generation so the install is not re-attempted until
			// the spec changes.
			module.Status.ObservedGeneration = module.Generation
			setModuleCondition(module, degraded("InstallFailed", err.Error()))
			setModuleCondition(module, progressing(metav1.ConditionFalse, "InstallFailed", "retry ceiling reached"))
			r.recordEventf(module, "Warning", "InstallFailed", "Install failed after %d attempts: %v", module.Status.Retries, err)
			logger.Error(err, "install retry ceiling reached", "retries", module.Status.Retries)
			return &ctrl.Result{}, nil
		}
		setModuleCondition(module, degraded("InstallRetrying", err.Error()))
		return nil, err
	}
	moduleInstallTotal.WithLabelValues("success").Inc()
	moduleInstallDuration.Observe(time.Since(start).Seconds())

	module.Status.Retries = 0
	module.Status.ObservedGeneration = module.Generation
	module.Status.Phase = operatorv1.ModulePhaseReady
	module.Status.Message = nil
	setModuleCondition(module, available(metav1.ConditionTrue, "Installed", "backend install succeeded"))
	setModuleCondition(module, progressing(metav1.ConditionFalse, "Installed", "install complete"))
	setModuleCondition(module, notDegraded("Installed"))
	r.recordEventf(module, "Normal", "Installed", "Module installed")

	if hb, ok := b.(*backend.HelmBackend); ok {
		outputs, err := hb.ResolveOutputs(ctx)
		switch {
		case err != nil:
			logger.Error(err, "unable to resolve outputs")
		case len(outputs) > 0:
			module.Status.Message = ptrTo(formatOutputs(outputs))
		}
	}
	return nil, nil
}

// failOrRetry classifies a pass failure: terminal errors are pinned to the
// current generation and surfaced without requeue, everything else is
// returned for backoff.
func (r *ModuleReconciler) failOrRetry(ctx context.Context, module *operatorv1.Module, reason string, err error) (ctrl.Result, error) {
	if terminalForGeneration(err) {
		module.Status.Phase = operatorv1.ModulePhaseFailed
		module.Status.Message = ptrTo(err.Error())
		module.Status.ObservedGeneration = module.Generation
		setModuleCondition(module, degraded(reason, err.Error()))
		r.recordEventf(module, "Warning", reason, "%v", err)
		log.FromContext(ctx).Info("terminal spec error, waiting for spec change", "reason", reason, "error", err.Error())
		return ctrl.Result{}, nil
	}
	setModuleCondition(module, degraded(reason, err.Error()))
	return ctrl.Result{}, err
}

func (r *ModuleReconciler) reconcileDelete(ctx context.Context, module *operatorv1.Module) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	if !controllerutil.ContainsFinalizer(module, operatorv1.ModuleFinalizer) {
		return ctrl.Result{}, nil
	}

	before := module.DeepCopy()
	module.Status.Phase = operatorv1.ModulePhaseUninstalling
	if err := r.Status().Patch(ctx, module, client.MergeFrom(before)); err != nil {
		logger.Error(err, "unable to patch module status")
	}

	b, err := r.backendFor(ctx, module)
	switch {
	case err == nil:
		// Adapters detach instead of uninstalling for adopted releases.
		if err := b.Uninstall(ctx); err != nil {
			setModuleCondition(module, degraded("UninstallFailed", err.Error()))
			_ = r.Status().Patch(ctx, module, client.MergeFrom(before))
			return ctrl.Result{}, err
		}
	case errors.Is(err, ErrWorkspaceNotFound) || terminalForGeneration(err):
		// Nothing left to clean against, or the manifest can never build a
		// backend; releasing the finalizer is the only way forward.
		logger.Info("skipping backend uninstall", "reason", err.Error())
	default:
		return ctrl.Result{}, err
	}

	withFinalizer := module.DeepCopy()
	if controllerutil.RemoveFinalizer(module, operatorv1.ModuleFinalizer) {
		if err := r.Patch(ctx, module, client.MergeFrom(withFinalizer)); err != nil {
			return ctrl.Result{}, err
		}
	}
	r.recordEventf(module, "Normal", "Uninstalled", "Module cleanup complete")
	return ctrl.Result{}, nil
}

// backendFor rebuilds the backend for a deletion pass.
func (r *ModuleReconciler) backendFor(ctx context.Context, module *operatorv1.Module) (backend.Backend, error) {
	workspace, err := r.workspaceFor(ctx, module)
	if err != nil {
		return nil, err
	}
	doc, cfg, err := resolveDocument(ctx, r.Fetcher, module)
	if err != nil {
		return nil, err
	}
	target, err := r.Connections.Resolve(ctx, workspace)
	if err != nil {
		return nil, err
	}
	release, err := r.effectiveRelease(ctx, module, doc)
	if err != nil {
		return nil, err
	}
	rendered, err := doc.Render(template.Context{Config: cfg, ReleaseName: release.Name})
	if err != nil {
		return nil, err
	}
	if rendered.Helm != nil && !release.Adopted {
		release.Namespace = rendered.Helm.Namespace
	}
	return r.Backends.Build(ctx, backend.BuildRequest{
		Module:     module,
		Target:     target.Client,
		Document:   rendered,
		Config:     cfg,
		Release:    release,
		Kubeconfig: target.Kubeconfig,
	})
}

// workspaceAvailable reports whether modules may act against the
// workspace. Hibernated workspaces stay available so the sleep cascade and
// install-then-sleep of freshly created modules proceed.
func workspaceAvailable(workspace *operatorv1.Workspace) bool {
	return workspace.Status.Ready ||
		workspace.Status.Phase == operatorv1.WorkspacePhaseHibernated ||
		workspace.Spec.Hibernated
}

func (r *ModuleReconciler) workspaceFor(ctx context.Context, module *operatorv1.Module) (*operatorv1.Workspace, error) {
	namespace := module.Spec.Workspace.Namespace
	if namespace == "" {
		namespace = module.Namespace
	}
	var workspace operatorv1.Workspace
	key := types.NamespacedName{Namespace: namespace, Name: module.Spec.Workspace.Name}
	if err := r.Get(ctx, key, &workspace); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, key)
		}
		return nil, err
	}
	return &workspace, nil
}

// effectiveRelease resolves the helm release identity. A generated name is
// pinned through an annotation on first use and never regenerated.
func (r *ModuleReconciler) effectiveRelease(ctx context.Context, module *operatorv1.Module, doc *manifest.Document) (backend.Release, error) {
	if doc.Helm == nil {
		return backend.Release{}, nil
	}
	if doc.Helm.AdoptExisting != nil {
		return backend.Release{
			Name:      doc.Helm.AdoptExisting.Name,
			Namespace: doc.Helm.AdoptExisting.Namespace,
			Adopted:   true,
		}, nil
	}
	if doc.Helm.ReleaseName != "" {
		return backend.Release{Name: doc.Helm.ReleaseName}, nil
	}
	if name := module.Annotations[operatorv1.AnnotationReleaseName]; name != "" {
		return backend.Release{Name: name}, nil
	}

	// The pin is patched through a copy: the patch response carries the
	// server's stale status, which must not overwrite status staged on the
	// object under reconciliation.
	name := fmt.Sprintf("%s-%s", module.Namespace, randomSuffix(releaseSuffixLength))
	updated := module.DeepCopy()
	if updated.Annotations == nil {
		updated.Annotations = map[string]string{}
	}
	updated.Annotations[operatorv1.AnnotationReleaseName] = name
	if err := r.Patch(ctx, updated, client.MergeFrom(module)); err != nil {
		return backend.Release{}, fmt.Errorf("pin release name: %w", err)
	}
	module.Annotations = updated.Annotations
	module.ResourceVersion = updated.ResourceVersion
	return backend.Release{Name: name}, nil
}

func (r *ModuleReconciler) recordEventf(obj client.Object, eventType, reason, messageFmt string, args ...any) {
	if r.Recorder == nil {
		return
	}
	r.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}

func (r *ModuleReconciler) requeueInterval() time.Duration {
	if r.RequeueInterval > 0 {
		return r.RequeueInterval
	}
	return defaultRequeueInterval
}

func (r *ModuleReconciler) maxRetries() int32 {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	return defaultMaxRetries
}

func (r *ModuleReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if err := mgr.GetFieldIndexer().IndexField(context.Background(), &operatorv1.Module{}, idxModuleWorkspace, func(obj client.Object) []string {
		module := obj.(*operatorv1.Module)
		namespace := module.Spec.Workspace.Namespace
		if namespace == "" {
			namespace = module.GetNamespace()
		}
		return []string{namespace + "/" + module.Spec.Workspace.Name}
	}); err != nil {
		return err
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&operatorv1.Module{}).
		Watches(
			&operatorv1.Workspace{},
			handler.EnqueueRequestsFromMapFunc(r.modulesForWorkspace),
		).
		Complete(r)
}

// modulesForWorkspace re-queues every module bound to a changed workspace
// so hibernation cascades promptly.
func (r *ModuleReconciler) modulesForWorkspace(ctx context.Context, obj client.Object) []reconcile.Request {
	var list operatorv1.ModuleList
	key := obj.GetNamespace() + "/" + obj.GetName()
	if err := r.List(ctx, &list, client.MatchingFields{idxModuleWorkspace: key}); err != nil {
		return nil
	}
	requests := make([]reconcile.Request, 0, len(list.Items))
	for _, module := range list.Items {
		requests = append(requests, reconcile.Request{
			NamespacedName: types.NamespacedName{Namespace: module.Namespace, Name: module.Name},
		})
	}
	return requests
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = releaseNameAlphabet[rand.IntN(len(releaseNameAlphabet))]
	}
	return string(b)
}

func formatOutputs(outputs map[string]string) string {
	keys := make([]string, 0, len(outputs))
	for key := range outputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+outputs[key])
	}
	return "outputs: " + strings.Join(parts, ", ")
}

func ptrTo[T any](v T) *T {
	return &v
}
