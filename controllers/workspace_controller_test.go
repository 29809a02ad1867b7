package controllers

import (
	"context"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
	"github.com/forkspacer/forkspacer/internal/connection"
	"github.com/forkspacer/forkspacer/internal/fork"
	"github.com/forkspacer/forkspacer/internal/hibernation"
	"github.com/forkspacer/forkspacer/internal/manifest"
)

func newWorkspaceReconciler(c client.Client, now func() time.Time) *WorkspaceReconciler {
	return &WorkspaceReconciler{
		Client:      c,
		Scheme:      c.Scheme(),
		Connections: &stubConnections{target: &connection.Target{Client: c}},
		Scheduler:   hibernation.NewScheduler(),
		Forker:      &fork.Forker{Client: c},
		Copier:      fork.SecretConfigMapCopier{},
		Fetcher:     &manifest.Fetcher{Client: c},
		Now:         now,
	}
}

func reconcileWorkspace(t *testing.T, r *WorkspaceReconciler, key types.NamespacedName) ctrl.Result {
	t.Helper()
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key})
	if err != nil {
		t.Fatalf("reconcile %s: %v", key, err)
	}
	return res
}

func getWorkspace(t *testing.T, c client.Client, key types.NamespacedName) *operatorv1.Workspace {
	t.Helper()
	var workspace operatorv1.Workspace
	if err := c.Get(context.Background(), key, &workspace); err != nil {
		t.Fatalf("get workspace %s: %v", key, err)
	}
	return &workspace
}

func utcTime(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestWorkspaceReconcile_ManualHibernation(t *testing.T) {
	c := newTestClient(t, testWorkspace("dev"))
	now := utcTime(2026, time.August, 4, 10, 0)
	r := newWorkspaceReconciler(c, fixedClock(now))
	key := types.NamespacedName{Namespace: "default", Name: "dev"}

	if res := reconcileWorkspace(t, r, key); !res.Requeue {
		t.Fatalf("expected requeue after finalizer add, got %+v", res)
	}
	reconcileWorkspace(t, r, key)

	ws := getWorkspace(t, c, key)
	if ws.Status.Phase != operatorv1.WorkspacePhaseReady || !ws.Status.Ready {
		t.Fatalf("phase = %q ready = %v, want ready", ws.Status.Phase, ws.Status.Ready)
	}
	if got := ws.Annotations[operatorv1.AnnotationObservedHibernated]; got != "false" {
		t.Fatalf("observed-hibernated = %q, want false", got)
	}

	ws.Spec.Hibernated = true
	if err := c.Update(context.Background(), ws); err != nil {
		t.Fatalf("update workspace: %v", err)
	}

	reconcileWorkspace(t, r, key)
	ws = getWorkspace(t, c, key)
	if ws.Status.Phase != operatorv1.WorkspacePhaseHibernated || ws.Status.Ready {
		t.Fatalf("phase = %q ready = %v, want hibernated", ws.Status.Phase, ws.Status.Ready)
	}
	if ws.Status.HibernatedAt == nil || !ws.Status.HibernatedAt.Time.Equal(now) {
		t.Fatalf("hibernatedAt = %v, want %v", ws.Status.HibernatedAt, now)
	}
	if got := ws.Annotations[operatorv1.AnnotationObservedHibernated]; got != "true" {
		t.Fatalf("observed-hibernated = %q, want true", got)
	}
	if ws.Annotations[operatorv1.AnnotationManualHibernationAt] == "" {
		t.Fatalf("manual hibernation timestamp not recorded")
	}

	cond := meta.FindStatusCondition(ws.Status.Conditions, ConditionAvailable)
	if cond == nil || cond.Status != metav1.ConditionFalse || cond.Reason != "Hibernated" {
		t.Fatalf("available condition = %+v", cond)
	}
}

// A workspace whose controller was down across several schedule cycles
// catches up with a single transition to the latest scheduled state.
func TestWorkspaceReconcile_ScheduleCatchUp(t *testing.T) {
	ws := testWorkspace("dev")
	ws.Finalizers = []string{operatorv1.WorkspaceFinalizer}
	ws.CreationTimestamp = metav1.NewTime(utcTime(2026, time.August, 1, 0, 0))
	ws.Annotations = map[string]string{}
	ws.Annotations[operatorv1.AnnotationObservedHibernated] = "false"
	ws.Annotations[operatorv1.AnnotationManualHibernationAt] = utcTime(2026, time.August, 1, 0, 0).Format(time.RFC3339)
	ws.Spec.AutoHibernation = &operatorv1.WorkspaceAutoHibernation{
		Enabled:      true,
		Schedule:     "CRON_TZ=UTC 0 22 * * *",
		WakeSchedule: ptrTo("CRON_TZ=UTC 0 8 * * *"),
	}
	ws.Status.Phase = operatorv1.WorkspacePhaseReady
	ws.Status.Ready = true

	c := newTestClient(t, ws)
	now := utcTime(2026, time.August, 4, 23, 0)
	r := newWorkspaceReconciler(c, fixedClock(now))
	key := types.NamespacedName{Namespace: "default", Name: "dev"}

	reconcileWorkspace(t, r, key)
	got := getWorkspace(t, c, key)
	if got.Status.Phase != operatorv1.WorkspacePhaseHibernated {
		t.Fatalf("phase = %q, want hibernated", got.Status.Phase)
	}
	if got.Status.HibernatedAt == nil || !got.Status.HibernatedAt.Time.Equal(now) {
		t.Fatalf("hibernatedAt = %v, want %v", got.Status.HibernatedAt, now)
	}
	wantAt := utcTime(2026, time.August, 4, 22, 0).Format(time.RFC3339)
	if at := got.Annotations[operatorv1.AnnotationAutoHibernationAt]; at != wantAt {
		t.Fatalf("auto-hibernation-at = %q, want %q", at, wantAt)
	}
	if state := got.Annotations[operatorv1.AnnotationAutoHibernationState]; state != "true" {
		t.Fatalf("auto-hibernation-state = %q, want true", state)
	}

	// A second pass at the same instant sees no new firing and holds state.
	reconcileWorkspace(t, r, key)
	got = getWorkspace(t, c, key)
	if got.Status.Phase != operatorv1.WorkspacePhaseHibernated {
		t.Fatalf("phase flapped to %q", got.Status.Phase)
	}
	if at := got.Annotations[operatorv1.AnnotationAutoHibernationAt]; at != wantAt {
		t.Fatalf("auto-hibernation-at rewritten to %q", at)
	}
}

// A manual spec change after a scheduled transition wins until the next
// schedule firing, which then takes over again.
func TestWorkspaceReconcile_ManualOverridesSchedule(t *testing.T) {
	ws := testWorkspace("dev")
	ws.Finalizers = []string{operatorv1.WorkspaceFinalizer}
	ws.CreationTimestamp = metav1.NewTime(utcTime(2026, time.August, 1, 0, 0))
	ws.Annotations = map[string]string{}
	ws.Annotations[operatorv1.AnnotationObservedHibernated] = "false"
	ws.Annotations[operatorv1.AnnotationManualHibernationAt] = utcTime(2026, time.August, 1, 0, 0).Format(time.RFC3339)
	ws.Annotations[operatorv1.AnnotationAutoHibernationState] = "false"
	ws.Annotations[operatorv1.AnnotationAutoHibernationAt] = utcTime(2026, time.August, 4, 8, 0).Format(time.RFC3339)
	ws.Spec.Hibernated = true
	ws.Spec.AutoHibernation = &operatorv1.WorkspaceAutoHibernation{
		Enabled:      true,
		Schedule:     "CRON_TZ=UTC 0 22 * * *",
		WakeSchedule: ptrTo("CRON_TZ=UTC 0 8 * * *"),
	}
	ws.Status.Phase = operatorv1.WorkspacePhaseReady
	ws.Status.Ready = true

	c := newTestClient(t, ws)
	current := utcTime(2026, time.August, 4, 10, 0)
	r := newWorkspaceReconciler(c, func() time.Time { return current })
	key := types.NamespacedName{Namespace: "default", Name: "dev"}

	// The manual hibernate at 10:00 postdates the scheduled wake at 08:00.
	reconcileWorkspace(t, r, key)
	got := getWorkspace(t, c, key)
	if got.Status.Phase != operatorv1.WorkspacePhaseHibernated {
		t.Fatalf("phase = %q, want hibernated (manual override)", got.Status.Phase)
	}

	// The next scheduled wake postdates the manual change and wins back.
	current = utcTime(2026, time.August, 5, 8, 30)
	reconcileWorkspace(t, r, key)
	got = getWorkspace(t, c, key)
	if got.Status.Phase != operatorv1.WorkspacePhaseReady || !got.Status.Ready {
		t.Fatalf("phase = %q ready = %v, want ready after scheduled wake", got.Status.Phase, got.Status.Ready)
	}
	if got.Status.HibernatedAt != nil {
		t.Fatalf("hibernatedAt not cleared: %v", got.Status.HibernatedAt)
	}
	wantAt := utcTime(2026, time.August, 5, 8, 0).Format(time.RFC3339)
	if at := got.Annotations[operatorv1.AnnotationAutoHibernationAt]; at != wantAt {
		t.Fatalf("auto-hibernation-at = %q, want %q", at, wantAt)
	}
}

func TestWorkspaceReconcile_ForkClonesModules(t *testing.T) {
	redis := testModule("redis", "dev", testManifest)
	redis.Annotations = map[string]string{operatorv1.AnnotationReleaseName: "default-abcabcabcab"}
	kafka := testModule("kafka", "dev", testManifest)

	forked := testWorkspace("dev-fork")
	forked.Finalizers = []string{operatorv1.WorkspaceFinalizer}
	forked.Spec.From = &operatorv1.WorkspaceFromReference{Name: "dev", Namespace: "default"}

	c := newTestClient(t, testWorkspace("dev"), redis, kafka, forked)
	r := newWorkspaceReconciler(c, fixedClock(utcTime(2026, time.August, 4, 10, 0)))
	key := types.NamespacedName{Namespace: "default", Name: "dev-fork"}

	reconcileWorkspace(t, r, key)

	ws := getWorkspace(t, c, key)
	if ws.Annotations[operatorv1.AnnotationForkCompleted] != "true" {
		t.Fatalf("fork not marked complete: %v", ws.Annotations)
	}
	if ws.Status.Phase != operatorv1.WorkspacePhaseReady {
		t.Fatalf("phase = %q, want ready", ws.Status.Phase)
	}

	for _, name := range []string{"dev-fork-redis", "dev-fork-kafka"} {
		var clone operatorv1.Module
		if err := c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: name}, &clone); err != nil {
			t.Fatalf("clone %s: %v", name, err)
		}
		if clone.Spec.Workspace.Name != "dev-fork" {
			t.Fatalf("clone %s bound to %q", name, clone.Spec.Workspace.Name)
		}
		if _, ok := clone.Annotations[operatorv1.AnnotationReleaseName]; ok {
			t.Fatalf("clone %s carried the source release name", name)
		}
	}

	// Re-running the fork is a no-op.
	reconcileWorkspace(t, r, key)
	var list operatorv1.ModuleList
	if err := c.List(context.Background(), &list); err != nil {
		t.Fatalf("list modules: %v", err)
	}
	if len(list.Items) != 4 {
		t.Fatalf("module count = %d, want 4", len(list.Items))
	}
}

// bracketRecordingCopier records the hibernation state of both workspaces
// at the moment the copy runs.
type bracketRecordingCopier struct {
	c client.Client

	copies           int
	sourceHibernated bool
	destHibernated   bool
}

func (b *bracketRecordingCopier) Copy(ctx context.Context, _ manifest.MigrationSpec, _, _ client.Client, _ string) error {
	b.copies++
	var source, dest operatorv1.Workspace
	if err := b.c.Get(ctx, types.NamespacedName{Namespace: "default", Name: "dev"}, &source); err != nil {
		return err
	}
	if err := b.c.Get(ctx, types.NamespacedName{Namespace: "default", Name: "dev-fork"}, &dest); err != nil {
		return err
	}
	b.sourceHibernated = source.Spec.Hibernated
	b.destHibernated = dest.Spec.Hibernated
	return nil
}

// Data migration quiesces both sides: the source so the copied artifacts
// hold still, the destination so its cloned modules do not install against
// data in flight. Both come back up afterwards.
func TestWorkspaceReconcile_MigrationBracketsBothWorkspaces(t *testing.T) {
	withSecrets := `{
		"helm": {
			"chart": {"repo": {"url": "https://charts.example.com", "name": "redis"}},
			"namespace": "apps",
			"migration": {"secrets": ["redis-auth"]}
		}
	}`
	redis := testModule("redis", "dev", withSecrets)

	forked := testWorkspace("dev-fork")
	forked.Finalizers = []string{operatorv1.WorkspaceFinalizer}
	forked.Spec.From = &operatorv1.WorkspaceFromReference{Name: "dev", Namespace: "default", MigrateData: true}

	c := newTestClient(t, testWorkspace("dev"), redis, forked)
	r := newWorkspaceReconciler(c, fixedClock(utcTime(2026, time.August, 4, 10, 0)))
	copier := &bracketRecordingCopier{c: c}
	r.Copier = copier
	key := types.NamespacedName{Namespace: "default", Name: "dev-fork"}

	reconcileWorkspace(t, r, key)

	if copier.copies != 1 {
		t.Fatalf("copies = %d, want 1", copier.copies)
	}
	if !copier.sourceHibernated || !copier.destHibernated {
		t.Fatalf("hibernated during copy: source = %v dest = %v, want both true",
			copier.sourceHibernated, copier.destHibernated)
	}

	ws := getWorkspace(t, c, key)
	if ws.Annotations[operatorv1.AnnotationForkCompleted] != "true" {
		t.Fatalf("fork not marked complete")
	}
	if ws.Spec.Hibernated {
		t.Fatalf("forked workspace left hibernated after migration")
	}
	for _, marker := range []string{
		operatorv1.AnnotationMigrationSourceHibernated,
		operatorv1.AnnotationMigrationDestHibernated,
	} {
		if _, ok := ws.Annotations[marker]; ok {
			t.Fatalf("migration marker %s left behind", marker)
		}
	}
	if ws.Status.Phase != operatorv1.WorkspacePhaseReady {
		t.Fatalf("phase = %q, want ready", ws.Status.Phase)
	}

	source := getWorkspace(t, c, types.NamespacedName{Namespace: "default", Name: "dev"})
	if source.Spec.Hibernated {
		t.Fatalf("source workspace left hibernated after migration")
	}
}

// Declared PVC migration is unsupported by the artifact copier: the fork
// still completes, the failure is reported, and the source workspace comes
// out exactly as it went in.
func TestWorkspaceReconcile_MigrationUnsupportedPreservesSource(t *testing.T) {
	withPVC := `{
		"helm": {
			"chart": {"repo": {"url": "https://charts.example.com", "name": "redis"}},
			"namespace": "apps",
			"migration": {"persistentVolumeClaims": ["data"]}
		}
	}`
	redis := testModule("redis", "dev", withPVC)

	forked := testWorkspace("dev-fork")
	forked.Finalizers = []string{operatorv1.WorkspaceFinalizer}
	forked.Spec.From = &operatorv1.WorkspaceFromReference{Name: "dev", Namespace: "default", MigrateData: true}

	c := newTestClient(t, testWorkspace("dev"), redis, forked)
	r := newWorkspaceReconciler(c, fixedClock(utcTime(2026, time.August, 4, 10, 0)))
	key := types.NamespacedName{Namespace: "default", Name: "dev-fork"}

	reconcileWorkspace(t, r, key)

	ws := getWorkspace(t, c, key)
	if ws.Annotations[operatorv1.AnnotationForkCompleted] != "true" {
		t.Fatalf("fork not marked complete")
	}
	for _, marker := range []string{
		operatorv1.AnnotationMigrationSourceHibernated,
		operatorv1.AnnotationMigrationDestHibernated,
	} {
		if _, ok := ws.Annotations[marker]; ok {
			t.Fatalf("migration marker %s left behind", marker)
		}
	}
	if ws.Spec.Hibernated {
		t.Fatalf("forked workspace left hibernated after failed migration")
	}
	cond := meta.FindStatusCondition(ws.Status.Conditions, ConditionDegraded)
	if cond == nil || cond.Status != metav1.ConditionTrue || cond.Reason != "MigrationUnsupported" {
		t.Fatalf("degraded condition = %+v", cond)
	}

	source := getWorkspace(t, c, types.NamespacedName{Namespace: "default", Name: "dev"})
	if source.Spec.Hibernated {
		t.Fatalf("source workspace left hibernated after failed migration")
	}

	var clone operatorv1.Module
	if err := c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "dev-fork-redis"}, &clone); err != nil {
		t.Fatalf("clone missing despite completed fork: %v", err)
	}
}

func TestWorkspaceReconcile_DeleteCascades(t *testing.T) {
	ws := testWorkspace("dev")
	ws.Finalizers = []string{operatorv1.WorkspaceFinalizer}
	redis := testModule("redis", "dev", testManifest)
	kafka := testModule("kafka", "dev", testManifest)

	c := newTestClient(t, ws, redis, kafka)
	r := newWorkspaceReconciler(c, fixedClock(utcTime(2026, time.August, 4, 10, 0)))
	key := types.NamespacedName{Namespace: "default", Name: "dev"}

	if err := c.Delete(context.Background(), ws); err != nil {
		t.Fatalf("delete workspace: %v", err)
	}

	res := reconcileWorkspace(t, r, key)
	if res.RequeueAfter != terminatingRequeueInterval {
		t.Fatalf("expected terminating requeue, got %+v", res)
	}
	got := getWorkspace(t, c, key)
	if got.Status.Phase != operatorv1.WorkspacePhaseTerminating || got.Status.Ready {
		t.Fatalf("phase = %q ready = %v, want terminating", got.Status.Phase, got.Status.Ready)
	}
	var list operatorv1.ModuleList
	if err := c.List(context.Background(), &list); err != nil {
		t.Fatalf("list modules: %v", err)
	}
	if len(list.Items) != 0 {
		t.Fatalf("dependent modules remaining: %d", len(list.Items))
	}

	reconcileWorkspace(t, r, key)
	var gone operatorv1.Workspace
	err := c.Get(context.Background(), key, &gone)
	if !apierrors.IsNotFound(err) {
		t.Fatalf("workspace still present after finalizer release: %v", err)
	}
}
