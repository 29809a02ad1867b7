package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

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
	"github.com/forkspacer/forkspacer/internal/fork"
	"github.com/forkspacer/forkspacer/internal/hibernation"
	"github.com/forkspacer/forkspacer/internal/manifest"
	"github.com/forkspacer/forkspacer/internal/template"
)

const (
	workspaceControllerName = "Workspace"

	terminatingRequeueInterval = 10 * time.Second
)

// WorkspaceReconciler drives a Workspace through ready ⇄ hibernated,
// executes the fork protocol on first reconcile of forked workspaces, and
// arbitrates between manual hibernation changes and the cron scheduler.
type WorkspaceReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	Connections ConnectionResolver
	Scheduler   *hibernation.Scheduler
	Forker      *fork.Forker
	Copier      fork.ArtifactCopier
	Fetcher     *manifest.Fetcher

	RequeueInterval time.Duration

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// +kubebuilder:rbac:groups=operator.forkspacer.io,resources=workspaces,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=operator.forkspacer.io,resources=workspaces/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=operator.forkspacer.io,resources=workspaces/finalizers,verbs=update
// +kubebuilder:rbac:groups=operator.forkspacer.io,resources=modules,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=secrets;configmaps;namespaces,verbs=get;list;watch;create;update;patch

func (r *WorkspaceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("controller", workspaceControllerName, "workspace", req.NamespacedName)
	ctx = log.IntoContext(ctx, logger)
	forkspacerControllerReconcileTotal.WithLabelValues(workspaceControllerName).Inc()

	var workspace operatorv1.Workspace
	if err := r.Get(ctx, req.NamespacedName, &workspace); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if !workspace.DeletionTimestamp.IsZero() {
		result, err := r.reconcileDelete(ctx, &workspace)
		if err != nil {
			forkspacerControllerReconcileErrorTotal.WithLabelValues(workspaceControllerName).Inc()
		}
		return result, err
	}

	if controllerutil.AddFinalizer(&workspace, operatorv1.WorkspaceFinalizer) {
		if err := r.Update(ctx, &workspace); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{Requeue: true}, nil
	}

	before := workspace.DeepCopy()
	result, reconcileErr := r.reconcileNormal(ctx, &workspace)

	now := metav1.NewTime(r.now())
	workspace.Status.LastActivity = &now
	workspace.Status.ObservedGeneration = workspace.Generation
	if err := r.Status().Patch(ctx, &workspace, client.MergeFrom(before)); err != nil {
		logger.Error(err, "unable to patch workspace status")
		if reconcileErr == nil {
			reconcileErr = err
		}
	}
	if reconcileErr != nil {
		forkspacerControllerReconcileErrorTotal.WithLabelValues(workspaceControllerName).Inc()
	}
	return result, reconcileErr
}

// reconcileDelete blocks finalizer removal until every dependent module has
// been deleted and finished its own cleanup.
func (r *WorkspaceReconciler) reconcileDelete(ctx context.Context, workspace *operatorv1.Workspace) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	if !controllerutil.ContainsFinalizer(workspace, operatorv1.WorkspaceFinalizer) {
		return ctrl.Result{}, nil
	}

	before := workspace.DeepCopy()
	workspace.Status.Phase = operatorv1.WorkspacePhaseTerminating
	workspace.Status.Ready = false
	if err := r.Status().Patch(ctx, workspace, client.MergeFrom(before)); err != nil {
		logger.Error(err, "unable to patch workspace status")
	}

	modules, err := r.Forker.Modules(ctx, workspace)
	if err != nil {
		return ctrl.Result{}, err
	}
	if len(modules) > 0 {
		for i := range modules {
			module := &modules[i]
			if !module.DeletionTimestamp.IsZero() {
				continue
			}
			if err := r.Delete(ctx, module); client.IgnoreNotFound(err) != nil {
				return ctrl.Result{}, err
			}
		}
		logger.Info("waiting for dependent modules", "remaining", len(modules))
		return ctrl.Result{RequeueAfter: terminatingRequeueInterval}, nil
	}

	withFinalizer := workspace.DeepCopy()
	if controllerutil.RemoveFinalizer(workspace, operatorv1.WorkspaceFinalizer) {
		if err := r.Patch(ctx, workspace, client.MergeFrom(withFinalizer)); err != nil {
			return ctrl.Result{}, err
		}
	}
	r.recordEventf(workspace, "Normal", "Terminated", "Workspace cleanup complete")
	return ctrl.Result{}, nil
}

func (r *WorkspaceReconciler) reconcileNormal(ctx context.Context, workspace *operatorv1.Workspace) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	degradedStaged := false
	if workspace.Spec.From != nil && workspace.Annotations[operatorv1.AnnotationForkCompleted] != "true" {
		err := r.reconcileFork(ctx, workspace)
		switch {
		case err == nil:
			if err := r.patchAnnotations(ctx, workspace, map[string]string{operatorv1.AnnotationForkCompleted: "true"}); err != nil {
				return ctrl.Result{}, err
			}
			workspaceForkTotal.WithLabelValues("success").Inc()
			r.recordEventf(workspace, "Normal", "Forked", "Forked from %s/%s", workspace.Spec.From.Namespace, workspace.Spec.From.Name)
		case errors.Is(err, fork.ErrMigrationUnsupported):
			// Reported, not retried. The clones exist; only the declared data
			// could not be moved. The source is untouched either way.
			if patchErr := r.patchAnnotations(ctx, workspace, map[string]string{operatorv1.AnnotationForkCompleted: "true"}); patchErr != nil {
				return ctrl.Result{}, patchErr
			}
			workspaceForkTotal.WithLabelValues("migration-unsupported").Inc()
			setWorkspaceCondition(workspace, degraded("MigrationUnsupported", err.Error()))
			degradedStaged = true
			workspace.Status.Message = ptrTo(err.Error())
			r.recordEventf(workspace, "Warning", "MigrationUnsupported", "%v", err)
			logger.Info("fork data migration unsupported", "error", err.Error())
		case errors.Is(err, fork.ErrReferenceNotFound):
			setWorkspaceCondition(workspace, degraded("ForkSourceNotFound", err.Error()))
			workspace.Status.Message = ptrTo(err.Error())
			return ctrl.Result{RequeueAfter: r.requeueInterval()}, nil
		default:
			workspaceForkTotal.WithLabelValues("error").Inc()
			setWorkspaceCondition(workspace, degraded("ForkFailed", err.Error()))
			return ctrl.Result{}, err
		}
	}

	if _, err := r.Connections.Resolve(ctx, workspace); err != nil {
		workspace.Status.Phase = operatorv1.WorkspacePhaseFailed
		workspace.Status.Ready = false
		workspace.Status.Message = ptrTo(err.Error())
		setWorkspaceCondition(workspace, degraded("CredentialResolution", err.Error()))
		r.recordEventf(workspace, "Warning", "CredentialResolution", "%v", err)
		return ctrl.Result{}, err
	}
	// A degraded report staged this pass outlives the healthy connection.
	if !degradedStaged {
		setWorkspaceCondition(workspace, notDegraded("Connected"))
	}

	desired, trigger, err := r.desiredHibernation(ctx, workspace)
	if err != nil {
		// A schedule only changes with the spec; surfacing without requeue
		// avoids hot-looping on a guaranteed parse failure.
		setWorkspaceCondition(workspace, degraded("InvalidSchedule", err.Error()))
		workspace.Status.Message = ptrTo(err.Error())
		return ctrl.Result{}, nil
	}

	hibernated := workspace.Status.Phase == operatorv1.WorkspacePhaseHibernated
	switch {
	case desired && !hibernated:
		now := metav1.NewTime(r.now())
		workspace.Status.Phase = operatorv1.WorkspacePhaseHibernated
		workspace.Status.Ready = false
		workspace.Status.HibernatedAt = &now
		if !degradedStaged {
			workspace.Status.Message = nil
		}
		setWorkspaceCondition(workspace, available(metav1.ConditionFalse, "Hibernated", "workspace is hibernated"))
		workspaceHibernationTransitionTotal.WithLabelValues("hibernate", trigger).Inc()
		r.recordEventf(workspace, "Normal", "Hibernated", "Workspace hibernated (%s)", trigger)
		logger.Info("workspace hibernated", "trigger", trigger)

	case !desired && (hibernated || workspace.Status.Phase != operatorv1.WorkspacePhaseReady):
		workspace.Status.Phase = operatorv1.WorkspacePhaseReady
		workspace.Status.Ready = true
		workspace.Status.HibernatedAt = nil
		if !degradedStaged {
			workspace.Status.Message = nil
		}
		setWorkspaceCondition(workspace, available(metav1.ConditionTrue, "Ready", "workspace is ready"))
		if hibernated {
			workspaceHibernationTransitionTotal.WithLabelValues("wake", trigger).Inc()
			r.recordEventf(workspace, "Normal", "WokeUp", "Workspace woke up (%s)", trigger)
			logger.Info("workspace woke up", "trigger", trigger)
		}
	}

	return ctrl.Result{RequeueAfter: r.requeueInterval()}, nil
}

// desiredHibernation arbitrates between the manual spec.hibernated field
// and the auto-hibernation scheduler: whichever changed most recently wins.
func (r *WorkspaceReconciler) desiredHibernation(ctx context.Context, workspace *operatorv1.Workspace) (bool, string, error) {
	now := r.now()
	updates := map[string]string{}

	specValue := strconv.FormatBool(workspace.Spec.Hibernated)
	if workspace.Annotations[operatorv1.AnnotationObservedHibernated] != specValue {
		updates[operatorv1.AnnotationObservedHibernated] = specValue
		updates[operatorv1.AnnotationManualHibernationAt] = now.UTC().Format(time.RFC3339)
	}

	manualAt := r.annotationTime(workspace, updates, operatorv1.AnnotationManualHibernationAt)
	autoAt := r.annotationTime(workspace, updates, operatorv1.AnnotationAutoHibernationAt)

	since := manualAt
	if autoAt.After(since) {
		since = autoAt
	}
	if since.IsZero() {
		since = workspace.CreationTimestamp.Time
	}

	action, eventAt, err := r.Scheduler.Decide(workspace.Spec.AutoHibernation, since, now)
	if err != nil {
		return false, "", err
	}

	// Default: hold the currently applied state.
	desired := workspace.Status.Phase == operatorv1.WorkspacePhaseHibernated
	trigger := "none"
	if manualAt.After(autoAt) || (autoAt.IsZero() && !manualAt.IsZero()) {
		desired = workspace.Spec.Hibernated
		trigger = "manual"
	}
	if action != hibernation.ActionNone && eventAt.After(manualAt) {
		desired = action == hibernation.ActionHibernate
		trigger = "schedule"
		updates[operatorv1.AnnotationAutoHibernationState] = strconv.FormatBool(desired)
		updates[operatorv1.AnnotationAutoHibernationAt] = eventAt.UTC().Format(time.RFC3339)
	}

	if len(updates) > 0 {
		if err := r.patchAnnotations(ctx, workspace, updates); err != nil {
			return false, "", err
		}
	}
	return desired, trigger, nil
}

// reconcileFork runs the fork protocol: clone the source's modules, then
// optionally migrate declared data artifacts.
func (r *WorkspaceReconciler) reconcileFork(ctx context.Context, workspace *operatorv1.Workspace) error {
	source, err := r.Forker.Source(ctx, workspace)
	if err != nil {
		return err
	}
	if err := r.Forker.CloneModules(ctx, source, workspace); err != nil {
		return err
	}
	if workspace.Spec.From.MigrateData {
		return r.migrateData(ctx, source, workspace)
	}
	return nil
}

// migrateData copies declared artifacts inside a hibernation bracket around
// both workspaces: the source so the artifacts are quiescent, the
// destination so its freshly cloned modules do not start installing against
// data still in flight. The original states are recorded on the destination
// before any change, so an interrupted bracket is restored on the next
// pass. Copy failures never leave either side altered.
func (r *WorkspaceReconciler) migrateData(ctx context.Context, source, dest *operatorv1.Workspace) error {
	sourceWasHibernated := source.Spec.Hibernated
	destWasHibernated := dest.Spec.Hibernated
	markers := map[string]string{}
	if saved, ok := dest.Annotations[operatorv1.AnnotationMigrationSourceHibernated]; ok {
		// A previous bracket was interrupted; trust the recorded state.
		sourceWasHibernated = saved == "true"
	} else {
		markers[operatorv1.AnnotationMigrationSourceHibernated] = strconv.FormatBool(sourceWasHibernated)
	}
	if saved, ok := dest.Annotations[operatorv1.AnnotationMigrationDestHibernated]; ok {
		destWasHibernated = saved == "true"
	} else {
		markers[operatorv1.AnnotationMigrationDestHibernated] = strconv.FormatBool(destWasHibernated)
	}
	if len(markers) > 0 {
		if err := r.patchAnnotations(ctx, dest, markers); err != nil {
			return err
		}
	}

	if !sourceWasHibernated && !source.Spec.Hibernated {
		if err := r.patchHibernated(ctx, source, true); err != nil {
			return err
		}
	}
	if !destWasHibernated && !dest.Spec.Hibernated {
		if err := r.patchHibernated(ctx, dest, true); err != nil {
			return err
		}
	}

	copyErr := r.copyArtifacts(ctx, source, dest)

	if !sourceWasHibernated && source.Spec.Hibernated {
		if err := r.patchHibernated(ctx, source, false); err != nil && copyErr == nil {
			copyErr = err
		}
	}
	if !destWasHibernated && dest.Spec.Hibernated {
		if err := r.patchHibernated(ctx, dest, false); err != nil && copyErr == nil {
			copyErr = err
		}
	}
	for _, key := range []string{operatorv1.AnnotationMigrationSourceHibernated, operatorv1.AnnotationMigrationDestHibernated} {
		if err := r.removeAnnotation(ctx, dest, key); err != nil && copyErr == nil {
			copyErr = err
		}
	}
	return copyErr
}

func (r *WorkspaceReconciler) copyArtifacts(ctx context.Context, source, dest *operatorv1.Workspace) error {
	sourceTarget, err := r.Connections.Resolve(ctx, source)
	if err != nil {
		return err
	}
	destTarget, err := r.Connections.Resolve(ctx, dest)
	if err != nil {
		return err
	}

	modules, err := r.Forker.Modules(ctx, source)
	if err != nil {
		return err
	}
	for i := range modules {
		module := &modules[i]
		doc, cfg, err := resolveDocument(ctx, r.Fetcher, module)
		if err != nil {
			return err
		}
		if doc.Helm == nil {
			continue
		}
		migration := doc.Helm.Migration
		if len(migration.PersistentVolumeClaims)+len(migration.Secrets)+len(migration.ConfigMaps) == 0 {
			continue
		}

		namespace := doc.Helm.Namespace
		if doc.Helm.AdoptExisting != nil {
			namespace = doc.Helm.AdoptExisting.Namespace
		} else {
			namespace, err = template.RenderNamespace(namespace, template.Context{
				Config:      cfg,
				ReleaseName: module.Annotations[operatorv1.AnnotationReleaseName],
			})
			if err != nil {
				return err
			}
		}

		if err := r.Copier.Copy(ctx, migration, sourceTarget.Client, destTarget.Client, namespace); err != nil {
			return err
		}
	}
	return nil
}

// patchAnnotations writes annotations through a copy so the patch response
// cannot overwrite status staged on the object under reconciliation, then
// mirrors the result back.
func (r *WorkspaceReconciler) patchAnnotations(ctx context.Context, workspace *operatorv1.Workspace, set map[string]string) error {
	updated := workspace.DeepCopy()
	annotations := updated.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	for key, value := range set {
		annotations[key] = value
	}
	updated.SetAnnotations(annotations)
	if err := r.Patch(ctx, updated, client.MergeFrom(workspace)); err != nil {
		return err
	}
	workspace.Annotations = updated.Annotations
	workspace.ResourceVersion = updated.ResourceVersion
	return nil
}

func (r *WorkspaceReconciler) removeAnnotation(ctx context.Context, workspace *operatorv1.Workspace, key string) error {
	if _, ok := workspace.Annotations[key]; !ok {
		return nil
	}
	updated := workspace.DeepCopy()
	delete(updated.Annotations, key)
	if err := r.Patch(ctx, updated, client.MergeFrom(workspace)); err != nil {
		return err
	}
	workspace.Annotations = updated.Annotations
	workspace.ResourceVersion = updated.ResourceVersion
	return nil
}

// patchHibernated flips spec.hibernated on the server, again without
// disturbing staged status on the in-memory object.
func (r *WorkspaceReconciler) patchHibernated(ctx context.Context, workspace *operatorv1.Workspace, hibernated bool) error {
	updated := workspace.DeepCopy()
	updated.Spec.Hibernated = hibernated
	if err := r.Patch(ctx, updated, client.MergeFrom(workspace)); err != nil {
		return err
	}
	workspace.Spec.Hibernated = hibernated
	workspace.ResourceVersion = updated.ResourceVersion
	return nil
}

// annotationTime reads an RFC3339 annotation, preferring a value staged in
// the pending update set.
func (r *WorkspaceReconciler) annotationTime(workspace *operatorv1.Workspace, updates map[string]string, key string) time.Time {
	raw, ok := updates[key]
	if !ok {
		raw = workspace.Annotations[key]
	}
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (r *WorkspaceReconciler) recordEventf(obj client.Object, eventType, reason, messageFmt string, args ...any) {
	if r.Recorder == nil {
		return
	}
	r.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}

func (r *WorkspaceReconciler) requeueInterval() time.Duration {
	if r.RequeueInterval > 0 {
		return r.RequeueInterval
	}
	return defaultRequeueInterval
}

func (r *WorkspaceReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *WorkspaceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&operatorv1.Workspace{}).
		Watches(
			&operatorv1.Module{},
			handler.EnqueueRequestsFromMapFunc(r.workspaceForModule),
		).
		Complete(r)
}

// workspaceForModule re-queues the owning workspace when a bound module
// changes, which is what lets a terminating workspace notice the last
// dependent module disappearing.
func (r *WorkspaceReconciler) workspaceForModule(_ context.Context, obj client.Object) []reconcile.Request {
	module, ok := obj.(*operatorv1.Module)
	if !ok {
		return nil
	}
	namespace := module.Spec.Workspace.Namespace
	if namespace == "" {
		namespace = module.Namespace
	}
	return []reconcile.Request{{
		NamespacedName: types.NamespacedName{Namespace: namespace, Name: module.Spec.Workspace.Name},
	}}
}
